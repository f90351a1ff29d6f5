// Package toolsource merges tool-source layers into the frozen configuration
// a runtime connection is started with.
package toolsource

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/stellarlinkco/warden/internal/session"
)

// Layer identifies where an entry came from.
type Layer string

const (
	LayerBuiltin      Layer = "builtin"
	LayerOwner        Layer = "owner"
	LayerOrganization Layer = "organization"
)

// Precedence decides which of the owner and organization layers wins a name collision.
type Precedence string

const (
	PrecedenceOrganization Precedence = "organization"
	PrecedenceOwner        Precedence = "owner"
)

// ParsePrecedence returns the organization default for empty input.
func ParsePrecedence(s string) (Precedence, error) {
	switch Precedence(s) {
	case "":
		return PrecedenceOrganization, nil
	case PrecedenceOrganization, PrecedenceOwner:
		return Precedence(s), nil
	}
	return "", fmt.Errorf("%w: unknown source precedence %q", session.ErrConfigValidation, s)
}

// MergeRequest selects the layers for one session.
type MergeRequest struct {
	IncludeBuiltin bool
	OwnerID        string
	OrganizationID string
}

// Merger combines built-in, owner and organization layers. Later layers
// override earlier ones by name.
type Merger struct {
	builtin    Servers
	provider   Provider
	precedence Precedence
}

func NewMerger(builtin Servers, provider Provider, precedence Precedence) (*Merger, error) {
	if precedence == "" {
		precedence = PrecedenceOrganization
	}
	if _, err := ParsePrecedence(string(precedence)); err != nil {
		return nil, err
	}
	return &Merger{builtin: builtin, provider: provider, precedence: precedence}, nil
}

func (m *Merger) Precedence() Precedence { return m.precedence }

type layer struct {
	name    Layer
	servers Servers
}

// Merge builds the effective configuration. Any malformed entry fails the
// whole merge with session.ErrConfigValidation.
func (m *Merger) Merge(ctx context.Context, req MergeRequest) (*Snapshot, error) {
	layers, err := m.layers(ctx, req)
	if err != nil {
		return nil, err
	}
	merged := make(Servers)
	origins := make(map[string]Layer)
	for _, l := range layers {
		for _, name := range slices.Sorted(maps.Keys(l.servers)) {
			cfg := l.servers[name]
			if err := ValidateServer(name, cfg); err != nil {
				return nil, fmt.Errorf("%s layer: %w", l.name, err)
			}
			merged[name] = cloneServer(cfg)
			origins[name] = l.name
		}
	}
	return newSnapshot(merged, origins)
}

func (m *Merger) layers(ctx context.Context, req MergeRequest) ([]layer, error) {
	var out []layer
	if req.IncludeBuiltin && len(m.builtin) > 0 {
		out = append(out, layer{name: LayerBuiltin, servers: m.builtin})
	}
	if m.provider == nil {
		return out, nil
	}
	owner, err := m.provider.OwnerSources(ctx, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("load owner sources: %w", err)
	}
	org, err := m.provider.OrganizationSources(ctx, req.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("load organization sources: %w", err)
	}
	ownerLayer := layer{name: LayerOwner, servers: owner}
	orgLayer := layer{name: LayerOrganization, servers: org}
	if m.precedence == PrecedenceOwner {
		return append(out, orgLayer, ownerLayer), nil
	}
	return append(out, ownerLayer, orgLayer), nil
}
