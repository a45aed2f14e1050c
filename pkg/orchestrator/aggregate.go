package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/dileet/ecco-sub003/pkg/errorir"
	"github.com/dileet/ecco-sub003/pkg/mesh"
)

// AgentResponse is one peer's outcome, in arrival order.
type AgentResponse struct {
	Peer       mesh.PeerID     `json:"peer"`
	Success    bool            `json:"success"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Latency    time.Duration   `json:"latency"`
	MatchScore float64         `json:"match_score"`
}

type Consensus struct {
	Achieved   bool    `json:"achieved"`
	Confidence float64 `json:"confidence"`
	Agreement  float64 `json:"agreement"`
}

type Metrics struct {
	TotalAgents      int           `json:"total_agents"`
	SuccessfulAgents int           `json:"successful_agents"`
	AverageLatency   time.Duration `json:"average_latency"`
}

type Ranking struct {
	Peer       mesh.PeerID   `json:"peer"`
	MatchScore float64       `json:"match_score"`
	Latency    time.Duration `json:"latency"`
	Success    bool          `json:"success"`
}

// LabeledOutput is one entry of an ensemble result.
type LabeledOutput struct {
	Peer   mesh.PeerID     `json:"peer"`
	Output json.RawMessage `json:"output"`
}

type AggregatedResult struct {
	Result    json.RawMessage `json:"result"`
	Ensemble  []LabeledOutput `json:"ensemble,omitempty"`
	Consensus Consensus       `json:"consensus"`
	Metrics   Metrics         `json:"metrics"`
	Rankings  []Ranking       `json:"rankings"`
	Responses []AgentResponse `json:"responses"`
}

// Synthesizer merges disagreeing answers for synthesized-consensus.
type Synthesizer func(outputs []json.RawMessage) (json.RawMessage, error)

// JoinSynthesizer joins distinct textual answers with blank lines, or
// returns a JSON array when any answer is structured.
func JoinSynthesizer(outputs []json.RawMessage) (json.RawMessage, error) {
	texts := make([]string, 0, len(outputs))
	for _, o := range outputs {
		var s string
		if err := json.Unmarshal(o, &s); err != nil {
			return json.Marshal(outputs)
		}
		texts = append(texts, s)
	}
	return json.Marshal(strings.Join(texts, "\n\n"))
}

// Aggregate combines responses per strategy. totalAgents is the number of
// peers the request was sent to. Responses must be in arrival order.
func Aggregate(strategy AggregationStrategy, responses []AgentResponse, totalAgents int, synth Synthesizer) (AggregatedResult, error) {
	res := AggregatedResult{
		Metrics:   computeMetrics(responses, totalAgents),
		Rankings:  rank(responses),
		Responses: responses,
	}
	ok := successful(responses)
	if len(ok) == 0 {
		return res, errorir.NotFound("no successful responses from %d agents", totalAgents)
	}
	groups := groupAnswers(ok)
	total := float64(max(totalAgents, len(ok)))

	switch strategy {
	case FirstResponse:
		first := ok[0]
		res.Result = first.Output
		size := len(groups.byKey[normalize(first.Output)])
		res.Consensus = Consensus{
			Achieved:   true,
			Confidence: float64(size) / float64(len(ok)),
			Agreement:  float64(size) / total,
		}

	case MajorityVote:
		winner, err := groups.majority()
		if err != nil {
			return res, err
		}
		members := groups.byKey[winner]
		res.Result = members[0].Output
		res.Consensus = Consensus{
			Achieved:   2*len(members) > len(ok),
			Confidence: float64(len(members)) / float64(len(ok)),
			Agreement:  float64(len(members)) / total,
		}

	case SynthesizedConsensus:
		largest := groups.largest()
		if len(groups.order) == 1 {
			res.Result = ok[0].Output
			res.Consensus = Consensus{Achieved: true, Confidence: 1.0, Agreement: float64(len(ok)) / total}
			break
		}
		if synth == nil {
			synth = JoinSynthesizer
		}
		distinct := make([]json.RawMessage, 0, len(groups.order))
		for _, k := range groups.order {
			distinct = append(distinct, groups.byKey[k][0].Output)
		}
		merged, err := synth(distinct)
		if err != nil {
			return res, fmt.Errorf("synthesize %d answers: %w", len(distinct), err)
		}
		res.Result = merged
		res.Consensus = Consensus{
			Achieved:   false,
			Confidence: pairwiseSimilarity(ok),
			Agreement:  float64(largest) / total,
		}

	case Ensemble:
		res.Ensemble = make([]LabeledOutput, 0, len(ok))
		for _, r := range ok {
			res.Ensemble = append(res.Ensemble, LabeledOutput{Peer: r.Peer, Output: r.Output})
		}
		raw, err := json.Marshal(res.Ensemble)
		if err != nil {
			return res, fmt.Errorf("encode ensemble: %w", err)
		}
		res.Result = raw
		res.Consensus = Consensus{
			Achieved:   true,
			Confidence: float64(len(ok)) / total,
			Agreement:  float64(groups.largest()) / total,
		}

	default:
		return res, fmt.Errorf("unknown aggregation strategy %q", strategy)
	}
	return res, nil
}

func successful(responses []AgentResponse) []AgentResponse {
	out := make([]AgentResponse, 0, len(responses))
	for _, r := range responses {
		if r.Success {
			out = append(out, r)
		}
	}
	return out
}

func computeMetrics(responses []AgentResponse, totalAgents int) Metrics {
	m := Metrics{TotalAgents: totalAgents}
	var sum time.Duration
	for _, r := range responses {
		if r.Success {
			m.SuccessfulAgents++
			sum += r.Latency
		}
	}
	if m.SuccessfulAgents > 0 {
		m.AverageLatency = sum / time.Duration(m.SuccessfulAgents)
	}
	return m
}

func rank(responses []AgentResponse) []Ranking {
	out := make([]Ranking, len(responses))
	for i, r := range responses {
		out[i] = Ranking{Peer: r.Peer, MatchScore: r.MatchScore, Latency: r.Latency, Success: r.Success}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Success != b.Success {
			return a.Success
		}
		if a.MatchScore != b.MatchScore {
			return a.MatchScore > b.MatchScore
		}
		if a.Latency != b.Latency {
			return a.Latency < b.Latency
		}
		return a.Peer < b.Peer
	})
	return out
}

type answerGroups struct {
	order []string
	byKey map[string][]AgentResponse
}

func groupAnswers(ok []AgentResponse) answerGroups {
	g := answerGroups{byKey: make(map[string][]AgentResponse)}
	for _, r := range ok {
		k := normalize(r.Output)
		if _, seen := g.byKey[k]; !seen {
			g.order = append(g.order, k)
		}
		g.byKey[k] = append(g.byKey[k], r)
	}
	return g
}

func (g answerGroups) largest() int {
	n := 0
	for _, members := range g.byKey {
		n = max(n, len(members))
	}
	return n
}

// majority returns the most frequent answer, breaking size ties by the
// group's summed match score. A tie on both is an error.
func (g answerGroups) majority() (string, error) {
	var best string
	var bestSize int
	var bestScore float64
	tied := false
	for _, k := range g.order {
		members := g.byKey[k]
		var score float64
		for _, m := range members {
			score += m.MatchScore
		}
		switch {
		case len(members) > bestSize, len(members) == bestSize && score > bestScore:
			best, bestSize, bestScore, tied = k, len(members), score, false
		case len(members) == bestSize && score == bestScore:
			tied = true
		}
	}
	if tied {
		return "", errorir.New(errorir.ErrNoMajority, "%d answers tied at %d votes", len(g.order), bestSize)
	}
	return best, nil
}

// normalize maps equivalent answers to one key. JSON strings are NFC
// normalized, whitespace collapsed and case folded; other JSON values are
// compared in canonical (RFC 8785) form.
func normalize(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return "s:" + normalizeText(s)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "r:" + string(bytes.TrimSpace(raw))
	}
	return "j:" + string(canon)
}

func normalizeText(s string) string {
	s = strings.Join(strings.Fields(norm.NFC.String(s)), " ")
	return cases.Fold().String(s)
}

// pairwiseSimilarity is the mean Jaccard similarity of word sets over all
// pairs of successful answers.
func pairwiseSimilarity(ok []AgentResponse) float64 {
	if len(ok) < 2 {
		return 1
	}
	sets := make([]map[string]bool, len(ok))
	for i, r := range ok {
		sets[i] = make(map[string]bool)
		for _, w := range strings.Fields(normalize(r.Output)[2:]) {
			sets[i][w] = true
		}
	}
	var sum float64
	pairs := 0
	for i := 0; i < len(sets); i++ {
		for j := i + 1; j < len(sets); j++ {
			sum += jaccard(sets[i], sets[j])
			pairs++
		}
	}
	return sum / float64(pairs)
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
