package toolsource

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	sdkconfig "github.com/cexll/agentsdk-go/pkg/config"
	"github.com/zeebo/blake3"
)

// Snapshot is an immutable effective tool configuration.
type Snapshot struct {
	servers     Servers
	origins     map[string]Layer
	canonical   []byte
	fingerprint string
}

type snapshotDoc struct {
	Servers Servers          `json:"servers"`
	Origins map[string]Layer `json:"origins"`
}

func newSnapshot(servers Servers, origins map[string]Layer) (*Snapshot, error) {
	if servers == nil {
		servers = Servers{}
	}
	if origins == nil {
		origins = map[string]Layer{}
	}
	// encoding/json sorts map keys, which makes this encoding canonical.
	data, err := json.Marshal(snapshotDoc{Servers: servers, Origins: origins})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	sum := blake3.Sum256(data)
	return &Snapshot{
		servers:     servers,
		origins:     origins,
		canonical:   data,
		fingerprint: hex.EncodeToString(sum[:]),
	}, nil
}

// Decode restores a snapshot from its canonical encoding.
func Decode(data []byte) (*Snapshot, error) {
	if len(data) == 0 {
		return newSnapshot(nil, nil)
	}
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return newSnapshot(doc.Servers, doc.Origins)
}

// Names returns entry names in sorted order.
func (s *Snapshot) Names() []string {
	return slices.Sorted(maps.Keys(s.servers))
}

func (s *Snapshot) Len() int { return len(s.servers) }

// Get returns a copy of the named entry.
func (s *Snapshot) Get(name string) (sdkconfig.MCPServerConfig, bool) {
	cfg, ok := s.servers[name]
	if !ok {
		return sdkconfig.MCPServerConfig{}, false
	}
	return cloneServer(cfg), true
}

// Origin reports which layer supplied name.
func (s *Snapshot) Origin(name string) Layer { return s.origins[name] }

// Canonical returns a copy of the deterministic JSON encoding.
func (s *Snapshot) Canonical() []byte { return slices.Clone(s.canonical) }

// Fingerprint is the hex blake3 digest of the canonical encoding.
func (s *Snapshot) Fingerprint() string { return s.fingerprint }

func (s *Snapshot) MarshalJSON() ([]byte, error) { return s.Canonical(), nil }

func cloneServer(cfg sdkconfig.MCPServerConfig) sdkconfig.MCPServerConfig {
	cfg.Args = slices.Clone(cfg.Args)
	cfg.Env = maps.Clone(cfg.Env)
	cfg.Headers = maps.Clone(cfg.Headers)
	return cfg
}
