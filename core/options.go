package core

import (
	"context"
	"fmt"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
)

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type staticRawConfigLoader struct {
	raw map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if l.raw == nil {
		return map[string]any{}, nil
	}
	return l.raw, nil
}

// StaticConfig wraps an already decoded map as a RawConfigLoader.
func StaticConfig(raw map[string]any) RawConfigLoader {
	return staticRawConfigLoader{raw: raw}
}

// LoadConfig resolves configuration with precedence
// defaults < loader output < runtime overrides, then validates the result.
func LoadConfig(ctx context.Context, loader RawConfigLoader, overrides map[string]any) (Config, error) {
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	loaded, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("core: load raw config: %w", err)
	}
	return ResolveConfig(DefaultConfig(), loaded, overrides)
}

func ResolveConfig(defaults Config, loaded map[string]any, overrides map[string]any) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("config", 10),
			nonNilLayer(loaded),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			nonNilLayer(overrides),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func nonNilLayer(layer map[string]any) map[string]any {
	if layer == nil {
		return map[string]any{}
	}
	return layer
}
