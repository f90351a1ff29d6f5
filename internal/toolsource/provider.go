package toolsource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sdkconfig "github.com/cexll/agentsdk-go/pkg/config"
	"gopkg.in/yaml.v3"
)

// Servers maps a tool-source name to its definition.
type Servers map[string]sdkconfig.MCPServerConfig

// Provider supplies the owner and organization layers.
type Provider interface {
	OwnerSources(ctx context.Context, ownerID string) (Servers, error)
	OrganizationSources(ctx context.Context, organizationID string) (Servers, error)
}

// FileProvider reads layers from YAML documents:
//
//	<dir>/owners/<owner>.yaml
//	<dir>/organizations/<org>.yaml
//
// A missing document is an empty layer.
type FileProvider struct {
	Dir string
}

type sourceFile struct {
	Servers map[string]sourceEntry `yaml:"servers"`
}

type sourceEntry struct {
	Type           string            `yaml:"type"`
	Command        string            `yaml:"command,omitempty"`
	Args           []string          `yaml:"args,omitempty"`
	URL            string            `yaml:"url,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty"`
	TimeoutSeconds int               `yaml:"timeoutSeconds,omitempty"`
}

func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{Dir: dir}
}

func (p *FileProvider) OwnerSources(ctx context.Context, ownerID string) (Servers, error) {
	return p.load(ctx, "owners", ownerID)
}

func (p *FileProvider) OrganizationSources(ctx context.Context, organizationID string) (Servers, error) {
	return p.load(ctx, "organizations", organizationID)
}

func (p *FileProvider) load(ctx context.Context, kind, id string) (Servers, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" || p.Dir == "" {
		return nil, nil
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return nil, fmt.Errorf("invalid %s id %q", strings.TrimSuffix(kind, "s"), id)
	}
	path := filepath.Join(p.Dir, kind, id+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var doc sourceFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make(Servers, len(doc.Servers))
	for name, e := range doc.Servers {
		out[name] = sdkconfig.MCPServerConfig{
			Type:           e.Type,
			Command:        e.Command,
			Args:           e.Args,
			URL:            e.URL,
			Env:            e.Env,
			Headers:        e.Headers,
			TimeoutSeconds: e.TimeoutSeconds,
		}
	}
	return out, nil
}

// StaticProvider serves fixed layers. Useful for embedding and tests.
type StaticProvider struct {
	Owners        map[string]Servers
	Organizations map[string]Servers
}

func (p StaticProvider) OwnerSources(_ context.Context, ownerID string) (Servers, error) {
	return p.Owners[ownerID], nil
}

func (p StaticProvider) OrganizationSources(_ context.Context, organizationID string) (Servers, error) {
	return p.Organizations[organizationID], nil
}
