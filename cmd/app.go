package cmd

import (
	"fmt"

	"llmproxy/internal/config"
	providerfactory "llmproxy/internal/provider/factory"
	"llmproxy/internal/runner"
	"llmproxy/internal/tool"
	"llmproxy/internal/tool/builtin"
)

// toolRegistry returns the process-wide registry with the built-in tools
// registered and frozen.
func toolRegistry() (*tool.Registry, error) {
	registry := tool.Default()
	if registry.Frozen() {
		return registry, nil
	}
	if err := builtin.Register(registry); err != nil {
		return nil, err
	}
	registry.Freeze()
	return registry, nil
}

// newRunner builds the configured provider, wraps it for retries when asked
// and binds it to the tool registry.
func newRunner(cfg config.Config, tools *tool.Registry, opts ...providerfactory.Option) (*runner.Runner, error) {
	p, err := providerfactory.New(cfg.Provider, opts...)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}

	if cfg.Retries > 0 {
		p = runner.NewRetrying(p, cfg.Retries)
	}

	return runner.New(p, tools, runner.WithMaxTurns(cfg.MaxTurns)), nil
}
