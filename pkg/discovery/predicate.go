package discovery

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/dileet/ecco-sub003/pkg/mesh"
)

// Predicates evaluates CEL filters over a peer's declared capability.
// Expressions see `peer` (string), `capability` ({type, name, version}) and
// `metadata` (the capability's metadata map), e.g.
//
//	metadata.price_per_token < 0.001 && capability.version.startsWith("1.")
type Predicates struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func NewPredicates() (*Predicates, error) {
	env, err := cel.NewEnv(
		cel.Variable("peer", cel.StringType),
		cel.Variable("capability", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &Predicates{env: env, cache: make(map[string]cel.Program)}, nil
}

// Compile checks an expression and caches its program.
func (p *Predicates) Compile(expr string) (cel.Program, error) {
	p.mu.RLock()
	prg, hit := p.cache[expr]
	p.mu.RUnlock()
	if hit {
		return prg, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if prg, hit = p.cache[expr]; hit {
		return prg, nil
	}
	ast, issues := p.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	prg, err := p.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	p.cache[expr] = prg
	return prg, nil
}

// Evaluate runs expr against one capability. Evaluation errors, such as a
// missing metadata key, and non-boolean results count as a non-match.
func (p *Predicates) Evaluate(expr string, peer mesh.PeerID, c mesh.Capability) (bool, error) {
	prg, err := p.Compile(expr)
	if err != nil {
		return false, err
	}
	md := c.Metadata
	if md == nil {
		md = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"peer":       string(peer),
		"capability": map[string]string{"type": c.Type, "name": c.Name, "version": c.Version},
		"metadata":   md,
	})
	if err != nil {
		return false, nil
	}
	ok, isBool := out.Value().(bool)
	return isBool && ok, nil
}
