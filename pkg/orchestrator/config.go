package orchestrator

import (
	"fmt"
	"time"

	"github.com/dileet/ecco-sub003/pkg/discovery"
)

// SelectionStrategy picks which matches receive the request.
type SelectionStrategy string

const (
	// SelectAll dispatches to every match.
	SelectAll SelectionStrategy = "all"
	// SelectTopK dispatches to the AgentCount highest-scoring matches.
	SelectTopK SelectionStrategy = "top-k"
)

// AggregationStrategy combines the collected responses.
type AggregationStrategy string

const (
	MajorityVote         AggregationStrategy = "majority-vote"
	SynthesizedConsensus AggregationStrategy = "synthesized-consensus"
	FirstResponse        AggregationStrategy = "first-response"
	Ensemble             AggregationStrategy = "ensemble"
)

// Defaults for Config.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultAgentCount = 3
)

// Config describes one multi-agent execution.
type Config struct {
	Query       discovery.Query     `yaml:"query"`
	Selection   SelectionStrategy   `yaml:"selection_strategy"`   // default top-k
	Aggregation AggregationStrategy `yaml:"aggregation_strategy"` // default majority-vote
	Timeout     time.Duration       `yaml:"timeout"`              // default 30s
	// AllowPartialResults aggregates whatever arrived by the deadline.
	// When false, a deadline with any peer outstanding fails the request.
	AllowPartialResults bool `yaml:"allow_partial_results"`
	AgentCount          int  `yaml:"agent_count"` // default 3; ignored by SelectAll
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.Selection == "" {
		c.Selection = SelectTopK
	}
	if c.Aggregation == "" {
		c.Aggregation = MajorityVote
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.AgentCount <= 0 {
		c.AgentCount = DefaultAgentCount
	}
	return c
}

func (c Config) Validate() error {
	switch c.Selection {
	case SelectAll, SelectTopK:
	default:
		return fmt.Errorf("unknown selection strategy %q", c.Selection)
	}
	switch c.Aggregation {
	case MajorityVote, SynthesizedConsensus, FirstResponse, Ensemble:
	default:
		return fmt.Errorf("unknown aggregation strategy %q", c.Aggregation)
	}
	if len(c.Query.Required) == 0 {
		return fmt.Errorf("query has no required capabilities")
	}
	return nil
}

// selectPeers applies the selection strategy to ranked matches.
func selectPeers(c Config, matches []discovery.CapabilityMatch) []discovery.CapabilityMatch {
	if c.Selection == SelectAll || len(matches) <= c.AgentCount {
		return matches
	}
	return matches[:c.AgentCount]
}
