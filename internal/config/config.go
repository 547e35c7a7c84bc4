// Package config loads the mirror configuration from defaults, an
// optional YAML file, and MIRROR_-prefixed environment variables, in
// increasing order of precedence.
package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/thunderlink/mirror/internal/capture"
)

// DefaultAddr is the port both sides use when none is configured.
const DefaultAddr = ":9999"

// Config is the full configuration tree.
type Config struct {
	LogLevel string `mapstructure:"log_level"`
	Send     Send   `mapstructure:"send"`
	Recv     Recv   `mapstructure:"recv"`
}

// Send configures the capture side.
type Send struct {
	Addr        string `mapstructure:"addr"`
	Fingerprint string `mapstructure:"fingerprint"` // base64 SHA-256

	Mode      string `mapstructure:"mode"`   // mirror | extend
	Policy    string `mapstructure:"policy"` // prefer-secondary | prefer-mirror | fail-hard
	Synthetic bool   `mapstructure:"synthetic"`
	Pattern   bool   `mapstructure:"pattern"` // stream color bars instead of a display
	Native    bool   `mapstructure:"native"`  // capture at native size, no scaling

	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
	FPS    int `mapstructure:"fps"`

	Bitrate        int `mapstructure:"bitrate"`
	BitrateFloor   int `mapstructure:"bitrate_floor"`
	BitrateCeiling int `mapstructure:"bitrate_ceiling"`

	MaxConsecutiveErrors int `mapstructure:"max_consecutive_errors"`

	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffCap        time.Duration `mapstructure:"backoff_cap"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	StatsInterval     time.Duration `mapstructure:"stats_interval"`
}

// Recv configures the display side.
type Recv struct {
	Addr         string        `mapstructure:"addr"`
	CertValidity time.Duration `mapstructure:"cert_validity"`
}

// Load reads the configuration. path names an explicit config file;
// empty searches the working directory and /etc/mirror for config.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")

	v.SetDefault("send.addr", "")
	v.SetDefault("send.fingerprint", "")
	v.SetDefault("send.mode", "mirror")
	v.SetDefault("send.policy", "prefer-secondary")
	v.SetDefault("send.synthetic", false)
	v.SetDefault("send.pattern", false)
	v.SetDefault("send.native", false)
	v.SetDefault("send.width", 1280)
	v.SetDefault("send.height", 720)
	v.SetDefault("send.fps", 60)
	v.SetDefault("send.bitrate", 30_000_000)
	v.SetDefault("send.bitrate_floor", 0)
	v.SetDefault("send.bitrate_ceiling", 0)
	v.SetDefault("send.max_consecutive_errors", 30)
	v.SetDefault("send.reconnect_attempts", 5)
	v.SetDefault("send.backoff_base", 500*time.Millisecond)
	v.SetDefault("send.backoff_cap", 5*time.Second)
	v.SetDefault("send.dial_timeout", 10*time.Second)
	v.SetDefault("send.stats_interval", time.Second)

	v.SetDefault("recv.addr", DefaultAddr)
	v.SetDefault("recv.cert_validity", 30*24*time.Hour)

	v.SetEnvPrefix("MIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mirror")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// ModeValue parses the configured capture mode.
func (s Send) ModeValue() (capture.Mode, error) {
	switch s.Mode {
	case "mirror":
		return capture.ModeMirror, nil
	case "extend":
		return capture.ModeExtend, nil
	default:
		return 0, fmt.Errorf("unknown mode %q, want mirror or extend", s.Mode)
	}
}

// PolicyValue parses the configured fallback policy.
func (s Send) PolicyValue() (capture.FallbackPolicy, error) {
	switch s.Policy {
	case "prefer-secondary":
		return capture.PreferSecondary, nil
	case "prefer-mirror":
		return capture.PreferMirror, nil
	case "fail-hard":
		return capture.FailHard, nil
	default:
		return 0, fmt.Errorf("unknown policy %q, want prefer-secondary, prefer-mirror, or fail-hard", s.Policy)
	}
}

// FingerprintBytes decodes the pinned certificate fingerprint. Empty
// config yields nil, which disables pinning.
func (s Send) FingerprintBytes() ([]byte, error) {
	if s.Fingerprint == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(s.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("fingerprint is not base64: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("fingerprint is %d bytes, want a SHA-256 digest", len(raw))
	}
	return raw, nil
}
