package knowledge

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/coachd/internal/config"
)

// RegistryFromConfig registers every configured source. Sources with inline
// static text use a StaticProvider; the rest share one HTTPProvider.
func RegistryFromConfig(cfg config.KnowledgeConfig, logger *slog.Logger) (*Registry, error) {
	registry := NewRegistry()
	var remote *HTTPProvider

	for _, src := range cfg.Sources {
		source := Source{Name: src.Name, Description: src.Description}
		if len(src.Params) > 0 {
			raw, err := json.Marshal(src.Params)
			if err != nil {
				return nil, fmt.Errorf("knowledge source %s: invalid params: %w", src.Name, err)
			}
			source.Params = raw
		}

		var provider Provider
		if src.Static != "" {
			provider = NewStaticProvider(src.Static)
		} else {
			if remote == nil {
				p, err := NewHTTPProvider(HTTPConfig{
					BaseURL: cfg.BaseURL,
					APIKey:  cfg.APIKey,
					Timeout: cfg.Timeout,
					Logger:  logger,
				})
				if err != nil {
					return nil, err
				}
				remote = p
			}
			provider = remote
		}
		if err := registry.Register(source, provider); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
