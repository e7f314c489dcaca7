package config

// ServerConfig configures the operational HTTP surface: health checks and
// Prometheus metrics. The control plane has no public API server; transports
// embed it as a library.
type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8080
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
}

// AuthConfig is the allowlist of principals permitted to talk to the control
// plane. Empty means every principal the embedding transport hands over is
// accepted (single-tenant default).
type AuthConfig struct {
	AllowedUserIDs []string `yaml:"allowed_user_ids"`
}

// Allows reports whether userID may use the control plane.
func (a AuthConfig) Allows(userID string) bool {
	if len(a.AllowedUserIDs) == 0 {
		return true
	}
	for _, id := range a.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
