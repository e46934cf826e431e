package authz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"
)

// RegoOptions control construction of a Rego-backed policy.
type RegoOptions struct {
	// Entrypoint is the decision path evaluated for each query, e.g.
	// "authz/allow". The rule at that path must produce a boolean.
	Entrypoint string
	// Modules maps module names to Rego source.
	Modules map[string]string
}

// RegoPolicy evaluates authorization decisions with an embedded OPA
// instance. The query input carries the policy ID and the peer name:
//
//	{"policy_id": "...", "peer_name": "..."}
type RegoPolicy struct {
	entrypoint string
	modules    []*ast.Module

	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
}

const defaultEntrypoint = "authz/allow"

// NewRegoPolicy parses and compiles the supplied modules, surfacing syntax
// errors at construction time.
func NewRegoPolicy(ctx context.Context, opts RegoOptions) (*RegoPolicy, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultEntrypoint
	}
	if len(opts.Modules) == 0 {
		return nil, errors.New("rego policy requires at least one module")
	}

	order := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		order = append(order, name)
	}
	sort.Strings(order)

	modules := make([]*ast.Module, 0, len(order))
	for _, name := range order {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name],
			ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		modules = append(modules, module)
	}

	p := &RegoPolicy{entrypoint: entry, modules: modules}
	if _, err := p.preparedQuery(ctx); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}
	return p, nil
}

// Allowed implements Policy.
func (p *RegoPolicy) Allowed(ctx context.Context, policyID, peerName string) (bool, error) {
	prepared, err := p.preparedQuery(ctx)
	if err != nil {
		return false, fmt.Errorf("prepare query: %w", err)
	}

	input := map[string]any{
		"policy_id": policyID,
		"peer_name": peerName,
	}
	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("rego decision: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// Undefined decision: deny.
		return false, nil
	}

	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("rego decision: expected boolean, got %T",
			results[0].Expressions[0].Value)
	}
	return allowed, nil
}

func (p *RegoPolicy) preparedQuery(ctx context.Context) (*rego.PreparedEvalQuery, error) {
	p.mu.RLock()
	if p.prepared != nil {
		prepared := p.prepared
		p.mu.RUnlock()
		return prepared, nil
	}
	p.mu.RUnlock()

	query := "data." + strings.ReplaceAll(p.entrypoint, "/", ".")

	opts := make([]func(*rego.Rego), 0, len(p.modules)+1)
	opts = append(opts, rego.Query(query))
	for _, module := range p.modules {
		opts = append(opts, rego.ParsedModule(module))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prepared == nil {
		p.prepared = &prepared
	}
	return p.prepared, nil
}
