package config

import (
	"errors"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// GatewayConfig describes the provider endpoints. It lives in gateway.yml so
// endpoints can be rotated without a restart.
type GatewayConfig struct {
	SandboxURL    string   `mapstructure:"sandboxURL"`
	ProductionURL string   `mapstructure:"productionURL"`
	ValidHosts    []string `mapstructure:"validHosts"`
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		SandboxURL:    "https://sandbox.payfast.co.za/eng/process",
		ProductionURL: "https://www.payfast.co.za/eng/process",
		ValidHosts: []string{
			"www.payfast.co.za",
			"sandbox.payfast.co.za",
			"w1w.payfast.co.za",
			"w2w.payfast.co.za",
		},
	}
}

// SubmitURL picks the processing endpoint for the given mode.
func (c GatewayConfig) SubmitURL(sandbox bool) string {
	if sandbox {
		return c.SandboxURL
	}
	return c.ProductionURL
}

type GatewayConfigHolder struct {
	current atomic.Value // holds GatewayConfig
}

// NewStaticGatewayConfigHolder returns a holder that never reloads.
func NewStaticGatewayConfigHolder(cfg GatewayConfig) *GatewayConfigHolder {
	holder := &GatewayConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewGatewayConfigHolder(log *zap.Logger) (*GatewayConfigHolder, error) {
	log = log.Named("config.gateway")
	v := viper.New()

	v.SetConfigName("gateway")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/fleurene")
	v.AddConfigPath(".")

	v.SetEnvPrefix("FLEURENE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultGatewayConfig()
	v.SetDefault("gateway.sandboxURL", defaults.SandboxURL)
	v.SetDefault("gateway.productionURL", defaults.ProductionURL)
	v.SetDefault("gateway.validHosts", defaults.ValidHosts)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg GatewayConfig
	if err := v.UnmarshalKey("gateway", &cfg); err != nil {
		return nil, err
	}
	if err := validateGatewayConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticGatewayConfigHolder(cfg)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated GatewayConfig
		if err := v.UnmarshalKey("gateway", &updated); err != nil {
			log.Warn("gateway config reload failed", zap.Error(err))
			return
		}
		if err := validateGatewayConfig(updated); err != nil {
			log.Warn("invalid gateway config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("gateway config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *GatewayConfigHolder) Get() GatewayConfig {
	return h.current.Load().(GatewayConfig)
}

func validateGatewayConfig(cfg GatewayConfig) error {
	for _, raw := range []string{cfg.SandboxURL, cfg.ProductionURL} {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || u.Host == "" {
			return errors.New("gateway endpoints must be absolute URLs")
		}
		if u.Scheme != "https" {
			return errors.New("gateway endpoints must use https")
		}
	}
	if len(cfg.ValidHosts) == 0 {
		return errors.New("gateway.validHosts cannot be empty")
	}
	return nil
}
