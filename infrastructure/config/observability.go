package config

import "github.com/joeshaw/envdecode"

// ObservabilityConfig covers the logging/metrics knobs that sit outside the
// stable CLI surface (spec.md only fixes --verbosity/--logging-off; format
// and metrics bind address are deployment-local choices, so they are
// env-only, decoded the way the teacher decodes its LoggingConfig).
type ObservabilityConfig struct {
	LogFormat       string `env:"LOG_FORMAT,default=json"`
	MetricsBindAddr string `env:"NODED_METRICS_ADDR,default=:9100"`
}

// LoadObservability decodes ObservabilityConfig from the environment.
func LoadObservability() (*ObservabilityConfig, error) {
	var cfg ObservabilityConfig
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, err
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.MetricsBindAddr == "" {
		cfg.MetricsBindAddr = ":9100"
	}
	return &cfg, nil
}
