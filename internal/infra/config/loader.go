package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"mcpgate/internal/domain"
)

// Loader reads a gateway config file into a validated domain.GatewayConfig.
// Two upstream layouts are accepted: the native `upstreams` list and the
// widely used `mcpServers` name-to-spec mapping. Both may appear in one file
// as long as names stay unique.
type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{logger: logger.Named("config")}
}

func newConfigViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setRuntimeDefaults(v)
	return v
}

func setRuntimeDefaults(v *viper.Viper) {
	v.SetDefault("routeTimeoutSeconds", domain.DefaultRouteTimeoutSeconds)
	v.SetDefault("connectTimeoutSeconds", domain.DefaultConnectTimeoutSeconds)
	v.SetDefault("reconnectCooldownSeconds", domain.DefaultReconnectCooldownSeconds)
	v.SetDefault("startup", string(domain.DefaultStartupMode))
	v.SetDefault("bootstrapConcurrency", domain.DefaultBootstrapConcurrency)
	v.SetDefault("observability.listenAddress", "")
}

type rawConfig struct {
	Upstreams        []rawUpstreamSpec `mapstructure:"upstreams"`
	rawRuntimeConfig `mapstructure:",squash"`

	// mcpServers is decoded separately with yaml.v3: viper lowercases
	// nested map keys, which would mangle upstream names.
	MCPServers map[string]rawServerEntry `mapstructure:"-"`
}

type rawUpstreamSpec struct {
	Name       string            `mapstructure:"name"`
	Command    string            `mapstructure:"command"`
	Args       []string          `mapstructure:"args"`
	Env        map[string]string `mapstructure:"env"`
	Cwd        string            `mapstructure:"cwd"`
	AllowTools []string          `mapstructure:"allowTools"`
}

// rawServerEntry is the mcpServers mapping value; the name lives in the key.
type rawServerEntry struct {
	Command    string            `yaml:"command"`
	Args       []string          `yaml:"args"`
	Env        map[string]string `yaml:"env"`
	Cwd        string            `yaml:"cwd"`
	AllowTools []string          `yaml:"allowTools"`
}

type rawRuntimeConfig struct {
	RouteTimeoutSeconds      int                    `mapstructure:"routeTimeoutSeconds"`
	ConnectTimeoutSeconds    int                    `mapstructure:"connectTimeoutSeconds"`
	ReconnectCooldownSeconds int                    `mapstructure:"reconnectCooldownSeconds"`
	Startup                  string                 `mapstructure:"startup"`
	BootstrapConcurrency     int                    `mapstructure:"bootstrapConcurrency"`
	Observability            rawObservabilityConfig `mapstructure:"observability"`
}

type rawObservabilityConfig struct {
	ListenAddress string `mapstructure:"listenAddress"`
}

func (l *Loader) Load(ctx context.Context, path string) (domain.GatewayConfig, error) {
	if path == "" {
		return domain.GatewayConfig{}, errors.New("config path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return domain.GatewayConfig{}, fmt.Errorf("read config: %w", err)
	}

	expanded, missing, err := expandEnv(data)
	if err != nil {
		return domain.GatewayConfig{}, err
	}
	if len(missing) > 0 {
		l.logger.Warn("missing environment variables in config",
			zap.String("path", path),
			zap.Strings("missing", missing),
		)
	}

	v := newConfigViper()
	if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
		return domain.GatewayConfig{}, fmt.Errorf("parse config: %w", err)
	}

	var cfg rawConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return domain.GatewayConfig{}, fmt.Errorf("decode config: %w", err)
	}

	var servers struct {
		MCPServers map[string]rawServerEntry `yaml:"mcpServers"`
	}
	if err := yaml.Unmarshal([]byte(expanded), &servers); err != nil {
		return domain.GatewayConfig{}, fmt.Errorf("decode mcpServers: %w", err)
	}
	cfg.MCPServers = servers.MCPServers

	if err := ctx.Err(); err != nil {
		return domain.GatewayConfig{}, err
	}

	return normalize(cfg)
}

var upstreamNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func normalize(cfg rawConfig) (domain.GatewayConfig, error) {
	var validationErrors []string

	specs := make(map[string]domain.UpstreamSpec)
	for i, raw := range cfg.Upstreams {
		spec := domain.UpstreamSpec{
			Name:       strings.TrimSpace(raw.Name),
			Command:    strings.TrimSpace(raw.Command),
			Args:       raw.Args,
			Env:        raw.Env,
			Cwd:        raw.Cwd,
			AllowTools: raw.AllowTools,
		}
		label := fmt.Sprintf("upstreams[%d]", i)
		if errs := validateSpec(spec, label); len(errs) > 0 {
			validationErrors = append(validationErrors, errs...)
			continue
		}
		if _, exists := specs[spec.Name]; exists {
			validationErrors = append(validationErrors, fmt.Sprintf("%s: duplicate name %q", label, spec.Name))
			continue
		}
		specs[spec.Name] = spec
	}

	serverNames := make([]string, 0, len(cfg.MCPServers))
	for name := range cfg.MCPServers {
		serverNames = append(serverNames, name)
	}
	sort.Strings(serverNames)
	for _, name := range serverNames {
		raw := cfg.MCPServers[name]
		spec := domain.UpstreamSpec{
			Name:       strings.TrimSpace(name),
			Command:    strings.TrimSpace(raw.Command),
			Args:       raw.Args,
			Env:        raw.Env,
			Cwd:        raw.Cwd,
			AllowTools: raw.AllowTools,
		}
		label := fmt.Sprintf("mcpServers.%s", name)
		if errs := validateSpec(spec, label); len(errs) > 0 {
			validationErrors = append(validationErrors, errs...)
			continue
		}
		if _, exists := specs[spec.Name]; exists {
			validationErrors = append(validationErrors, fmt.Sprintf("%s: duplicate name %q", label, spec.Name))
			continue
		}
		specs[spec.Name] = spec
	}

	if len(specs) == 0 && len(validationErrors) == 0 {
		validationErrors = append(validationErrors, "no upstreams configured")
	}

	runtime, runtimeErrs := normalizeRuntime(cfg.rawRuntimeConfig)
	validationErrors = append(validationErrors, runtimeErrs...)

	if len(validationErrors) > 0 {
		return domain.GatewayConfig{}, errors.New(strings.Join(validationErrors, "; "))
	}

	return domain.GatewayConfig{
		Upstreams: specs,
		Runtime:   runtime,
	}, nil
}

func validateSpec(spec domain.UpstreamSpec, label string) []string {
	var errs []string

	if spec.Name == "" {
		errs = append(errs, fmt.Sprintf("%s: name is required", label))
	} else if !upstreamNamePattern.MatchString(spec.Name) {
		// The name becomes part of the outward tool name, so it is held to
		// the tool-name character set.
		errs = append(errs, fmt.Sprintf("%s: name %q must match %s", label, spec.Name, upstreamNamePattern.String()))
	}
	if spec.Command == "" {
		errs = append(errs, fmt.Sprintf("%s: command is required", label))
	}
	for i, tool := range spec.AllowTools {
		if strings.TrimSpace(tool) == "" {
			errs = append(errs, fmt.Sprintf("%s: allowTools[%d] must not be empty", label, i))
		}
	}
	return errs
}

func normalizeRuntime(cfg rawRuntimeConfig) (domain.RuntimeConfig, []string) {
	var errs []string

	if cfg.RouteTimeoutSeconds <= 0 {
		errs = append(errs, "routeTimeoutSeconds must be > 0")
	}
	if cfg.ConnectTimeoutSeconds <= 0 {
		errs = append(errs, "connectTimeoutSeconds must be > 0")
	}
	if cfg.ReconnectCooldownSeconds < 0 {
		errs = append(errs, "reconnectCooldownSeconds must be >= 0")
	}

	startup := domain.StartupMode(strings.ToLower(strings.TrimSpace(cfg.Startup)))
	if startup == "" {
		startup = domain.DefaultStartupMode
	}
	if startup != domain.StartupLazy && startup != domain.StartupEager {
		errs = append(errs, "startup must be lazy or eager")
	}

	concurrency := cfg.BootstrapConcurrency
	if concurrency <= 0 {
		concurrency = domain.DefaultBootstrapConcurrency
	}

	return domain.RuntimeConfig{
		RouteTimeoutSeconds:      cfg.RouteTimeoutSeconds,
		ConnectTimeoutSeconds:    cfg.ConnectTimeoutSeconds,
		ReconnectCooldownSeconds: cfg.ReconnectCooldownSeconds,
		Startup:                  startup,
		BootstrapConcurrency:     concurrency,
		Observability: domain.ObservabilityConfig{
			ListenAddress: strings.TrimSpace(cfg.Observability.ListenAddress),
		},
	}, errs
}
