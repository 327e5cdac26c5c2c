package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode               string        `mapstructure:"mode"`
	Port               int           `mapstructure:"port"`
	StaticPath         string        `mapstructure:"static_path"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	Media              Media         `mapstructure:"media"`
	WebRTC             WebRTC        `mapstructure:"webrtc"`
	Metrics            Metrics       `mapstructure:"metrics"`
	OfferLimit         OfferLimit    `mapstructure:"offer_limit"`
}

type Media struct {
	// Source is the location of the shared video file.
	Source           string `mapstructure:"source"`
	FPS              int    `mapstructure:"fps"`
	SubscriberBuffer int    `mapstructure:"subscriber_buffer"`
	Realtime         bool   `mapstructure:"realtime"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type WebRTC struct {
	ICEServers                 []ICEServer `mapstructure:"ice_servers"`
	ICEPortMin                 uint16      `mapstructure:"ice_port_min"`
	ICEPortMax                 uint16      `mapstructure:"ice_port_max"`
	NAT1To1IPs                 []string    `mapstructure:"nat1to1_ips"`
	IncludeLoopback            bool        `mapstructure:"include_loopback"`
	LogLevel                   string      `mapstructure:"log_level"`
	DisableDefaultInterceptors bool        `mapstructure:"disable_default_interceptors"`
}

func (w WebRTC) HasPortRange() bool {
	return w.ICEPortMin > 0 && w.ICEPortMax >= w.ICEPortMin
}

type Metrics struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// OfferLimit bounds offers per client address; Limit 0 disables it.
type OfferLimit struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

// Load reads config/config.<CONFIG_ENV>.yaml (or --config), then CAST_* environment
// variables, then command line flags.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("cast", pflag.ContinueOnError)
	configFile := fs.String("config", "", "path to a yaml config file")
	fs.String("mode", "release", "gin mode: release or debug")
	fs.Int("port", 8080, "HTTP listen port")
	fs.String("source", "", "video file shared with every viewer (.ivf, .h264)")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("negotiation_timeout", "10s")
	v.SetDefault("media.source", "./video/sample.ivf")
	v.SetDefault("media.fps", 30)
	v.SetDefault("media.subscriber_buffer", 2)
	v.SetDefault("media.realtime", true)
	v.SetDefault("webrtc.ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})
	v.SetDefault("webrtc.log_level", "warn")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("offer_limit.limit", 20)
	v.SetDefault("offer_limit.interval", "10s")

	fileName := *configFile
	explicit := fileName != ""
	if !explicit {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)
	if err := v.ReadInConfig(); err != nil {
		if explicit {
			return nil, fmt.Errorf("failed to read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	v.SetEnvPrefix("CAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, flag := range map[string]string{"mode": "mode", "port": "port", "media.source": "source"} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Str("source", cfg.Media.Source).
		Msg("config ready")
	return &cfg, nil
}
