package toolsource

import (
	"errors"
	"fmt"
	"strings"

	sdkconfig "github.com/cexll/agentsdk-go/pkg/config"
	"github.com/stellarlinkco/warden/internal/session"
)

const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportSSE   = "sse"
)

// ValidateServer checks a single tool-source entry.
func ValidateServer(name string, cfg sdkconfig.MCPServerConfig) error {
	var errs []error
	if strings.TrimSpace(name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	switch normalizeType(cfg) {
	case TransportStdio:
		if strings.TrimSpace(cfg.Command) == "" {
			errs = append(errs, errors.New("command is required for stdio"))
		}
		if cfg.URL != "" {
			errs = append(errs, errors.New("url is not allowed for stdio"))
		}
	case TransportHTTP, TransportSSE:
		if strings.TrimSpace(cfg.URL) == "" {
			errs = append(errs, fmt.Errorf("url is required for %s", cfg.Type))
		} else if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
			errs = append(errs, fmt.Errorf("url %q must be http or https", cfg.URL))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported type %q", cfg.Type))
	}
	if cfg.TimeoutSeconds < 0 {
		errs = append(errs, errors.New("timeoutSeconds must be >= 0"))
	}
	for k := range cfg.Headers {
		if strings.TrimSpace(k) == "" {
			errs = append(errs, errors.New("header names must not be empty"))
			break
		}
	}
	for k := range cfg.Env {
		if strings.TrimSpace(k) == "" {
			errs = append(errs, errors.New("env names must not be empty"))
			break
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: server %q: %w", session.ErrConfigValidation, name, errors.Join(errs...))
}

func normalizeType(cfg sdkconfig.MCPServerConfig) string {
	t := strings.ToLower(strings.TrimSpace(cfg.Type))
	if t == "" && cfg.Command != "" {
		return TransportStdio
	}
	return t
}
