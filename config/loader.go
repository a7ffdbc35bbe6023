// Package config reads dispatcher configuration from a YAML file and
// DISPATCH_ prefixed environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/goliatone/go-dispatch/core"
	"github.com/spf13/viper"
)

const EnvPrefix = "DISPATCH"

// ViperLoader implements core.RawConfigLoader. Environment variables override
// file values for scalar settings, e.g. DISPATCH_WEBHOOK_SECRET for
// webhook.secret. Rules come from the file only.
type ViperLoader struct {
	path string
	v    *viper.Viper
}

type Option func(*ViperLoader)

// WithSearchPaths looks for config.yaml in paths when no explicit file is set.
func WithSearchPaths(paths ...string) Option {
	return func(l *ViperLoader) {
		for _, path := range paths {
			if path = strings.TrimSpace(path); path != "" {
				l.v.AddConfigPath(path)
			}
		}
	}
}

func NewViperLoader(path string, opts ...Option) *ViperLoader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	loader := &ViperLoader{path: strings.TrimSpace(path), v: v}
	if loader.path != "" {
		v.SetConfigFile(loader.path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	for _, opt := range opts {
		if opt != nil {
			opt(loader)
		}
	}
	return loader
}

func (l *ViperLoader) LoadRaw(context.Context) (map[string]any, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", l.describe(), err)
		}
	}

	raw := map[string]any{}
	for _, leaf := range scalarKeys(reflect.TypeOf(core.Config{}), "") {
		if err := l.v.BindEnv(leaf.key); err != nil {
			return nil, fmt.Errorf("config: bind env for %s: %w", leaf.key, err)
		}
		if !l.v.IsSet(leaf.key) {
			continue
		}
		var value any
		switch leaf.kind {
		case reflect.Bool:
			value = l.v.GetBool(leaf.key)
		case reflect.Int, reflect.Int64:
			value = l.v.GetInt64(leaf.key)
		default:
			value = l.v.GetString(leaf.key)
		}
		setPath(raw, strings.Split(leaf.key, "."), value)
	}
	if rules := l.v.Get("rules"); rules != nil {
		raw["rules"] = rules
	}
	return raw, nil
}

// ConfigFileUsed reports the file that was read, if any.
func (l *ViperLoader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func (l *ViperLoader) describe() string {
	if l.path != "" {
		return l.path
	}
	return "config.yaml"
}

type scalarKey struct {
	key  string
	kind reflect.Kind
}

// scalarKeys lists the dotted mapstructure keys of every scalar field in t.
func scalarKeys(t reflect.Type, prefix string) []scalarKey {
	out := make([]scalarKey, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name := strings.Split(field.Tag.Get("mapstructure"), ",")[0]
		if name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		switch field.Type.Kind() {
		case reflect.Struct:
			out = append(out, scalarKeys(field.Type, key)...)
		case reflect.String, reflect.Bool, reflect.Int, reflect.Int64:
			out = append(out, scalarKey{key: key, kind: field.Type.Kind()})
		}
	}
	return out
}

func setPath(target map[string]any, path []string, value any) {
	for _, segment := range path[:len(path)-1] {
		next, ok := target[segment].(map[string]any)
		if !ok {
			next = map[string]any{}
			target[segment] = next
		}
		target = next
	}
	target[path[len(path)-1]] = value
}

// Load reads path and resolves the typed configuration, with overrides taking
// precedence over file and environment values.
func Load(ctx context.Context, path string, overrides map[string]any) (core.Config, error) {
	return core.LoadConfig(ctx, NewViperLoader(path), overrides)
}

var _ core.RawConfigLoader = (*ViperLoader)(nil)
