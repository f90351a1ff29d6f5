package toolsource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	sdkconfig "github.com/cexll/agentsdk-go/pkg/config"
	"github.com/stellarlinkco/warden/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stdio(cmd string, args ...string) sdkconfig.MCPServerConfig {
	return sdkconfig.MCPServerConfig{Type: TransportStdio, Command: cmd, Args: args}
}

func fixtureProvider() StaticProvider {
	return StaticProvider{
		Owners: map[string]Servers{
			"alice": {
				"search": stdio("owner-search"),
				"notes":  stdio("notes-server"),
			},
		},
		Organizations: map[string]Servers{
			"acme": {
				"search": {Type: TransportHTTP, URL: "https://search.acme.test/mcp"},
				"crm":    {Type: TransportSSE, URL: "https://crm.acme.test/sse"},
			},
		},
	}
}

func TestMergeOrganizationOverridesOwner(t *testing.T) {
	builtin := Servers{"files": stdio("files-server"), "search": stdio("builtin-search")}
	m, err := NewMerger(builtin, fixtureProvider(), "")
	require.NoError(t, err)

	snap, err := m.Merge(context.Background(), MergeRequest{IncludeBuiltin: true, OwnerID: "alice", OrganizationID: "acme"})
	require.NoError(t, err)

	assert.Equal(t, []string{"crm", "files", "notes", "search"}, snap.Names())
	search, ok := snap.Get("search")
	require.True(t, ok)
	assert.Equal(t, TransportHTTP, search.Type)
	assert.Equal(t, LayerOrganization, snap.Origin("search"))
	assert.Equal(t, LayerBuiltin, snap.Origin("files"))
	assert.Equal(t, LayerOwner, snap.Origin("notes"))
}

func TestMergeOwnerPrecedence(t *testing.T) {
	m, err := NewMerger(nil, fixtureProvider(), PrecedenceOwner)
	require.NoError(t, err)

	snap, err := m.Merge(context.Background(), MergeRequest{OwnerID: "alice", OrganizationID: "acme"})
	require.NoError(t, err)
	search, _ := snap.Get("search")
	assert.Equal(t, "owner-search", search.Command)
	assert.Equal(t, LayerOwner, snap.Origin("search"))
}

func TestMergeExcludesBuiltin(t *testing.T) {
	m, err := NewMerger(Servers{"files": stdio("files-server")}, fixtureProvider(), "")
	require.NoError(t, err)
	snap, err := m.Merge(context.Background(), MergeRequest{OwnerID: "alice"})
	require.NoError(t, err)
	_, ok := snap.Get("files")
	assert.False(t, ok)
}

func TestMergeIsDeterministic(t *testing.T) {
	builtin := Servers{
		"files": {Type: TransportStdio, Command: "files", Env: map[string]string{"B": "2", "A": "1"}},
	}
	m, err := NewMerger(builtin, fixtureProvider(), "")
	require.NoError(t, err)
	req := MergeRequest{IncludeBuiltin: true, OwnerID: "alice", OrganizationID: "acme"}

	first, err := m.Merge(context.Background(), req)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := m.Merge(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, first.Canonical(), again.Canonical())
		assert.Equal(t, first.Fingerprint(), again.Fingerprint())
	}
	assert.Len(t, first.Fingerprint(), 64)
}

func TestMergeRejectsMalformedEntry(t *testing.T) {
	tests := []struct {
		name string
		cfg  sdkconfig.MCPServerConfig
	}{
		{"stdio without command", sdkconfig.MCPServerConfig{Type: TransportStdio}},
		{"http without url", sdkconfig.MCPServerConfig{Type: TransportHTTP}},
		{"bad scheme", sdkconfig.MCPServerConfig{Type: TransportSSE, URL: "ftp://x"}},
		{"unknown type", sdkconfig.MCPServerConfig{Type: "grpc", URL: "https://x"}},
		{"negative timeout", sdkconfig.MCPServerConfig{Type: TransportStdio, Command: "x", TimeoutSeconds: -1}},
		{"empty header", sdkconfig.MCPServerConfig{Type: TransportHTTP, URL: "https://x", Headers: map[string]string{" ": "v"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := StaticProvider{Owners: map[string]Servers{"alice": {"bad": tt.cfg}}}
			m, err := NewMerger(nil, provider, "")
			require.NoError(t, err)
			_, err = m.Merge(context.Background(), MergeRequest{OwnerID: "alice"})
			require.Error(t, err)
			assert.ErrorIs(t, err, session.ErrConfigValidation)
			assert.Contains(t, err.Error(), `"bad"`)
			assert.Contains(t, err.Error(), "owner layer")
		})
	}
}

func TestMergeReportsFirstMalformedEntryByName(t *testing.T) {
	bad := sdkconfig.MCPServerConfig{Type: TransportStdio}
	provider := StaticProvider{Owners: map[string]Servers{"alice": {
		"zeta": bad, "mu": bad, "alpha": bad, "ok": stdio("fine"), "kappa": bad,
	}}}
	m, err := NewMerger(nil, provider, "")
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, err := m.Merge(context.Background(), MergeRequest{OwnerID: "alice"})
		require.ErrorIs(t, err, session.ErrConfigValidation)
		assert.Contains(t, err.Error(), `"alpha"`)
	}
}

func TestNewMergerRejectsUnknownPrecedence(t *testing.T) {
	_, err := NewMerger(nil, nil, "team")
	assert.ErrorIs(t, err, session.ErrConfigValidation)
}

func TestDecodeRoundTripsFingerprint(t *testing.T) {
	m, err := NewMerger(nil, fixtureProvider(), "")
	require.NoError(t, err)
	snap, err := m.Merge(context.Background(), MergeRequest{OwnerID: "alice", OrganizationID: "acme"})
	require.NoError(t, err)

	restored, err := Decode(snap.Canonical())
	require.NoError(t, err)
	assert.Equal(t, snap.Fingerprint(), restored.Fingerprint())
	assert.Equal(t, LayerOrganization, restored.Origin("crm"))

	empty, err := Decode(nil)
	require.NoError(t, err)
	assert.Zero(t, empty.Len())
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "owners"), 0o755))
	doc := `servers:
  search:
    type: http
    url: https://search.test/mcp
    headers:
      Authorization: Bearer x
    timeoutSeconds: 30
  local:
    type: stdio
    command: ./tool
    args: ["--fast"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "owners", "alice.yaml"), []byte(doc), 0o644))

	p := NewFileProvider(dir)
	servers, err := p.OwnerSources(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, 30, servers["search"].TimeoutSeconds)
	assert.Equal(t, "Bearer x", servers["search"].Headers["Authorization"])
	assert.Equal(t, []string{"--fast"}, servers["local"].Args)

	missing, err := p.OrganizationSources(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, missing)

	_, err = p.OwnerSources(context.Background(), "../etc")
	assert.Error(t, err)
}
