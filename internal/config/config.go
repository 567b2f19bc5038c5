package config

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	DefaultInitiator    = "reqhdr://"
	DefaultRegexTimeout = 50 * time.Millisecond
	DefaultProbeTimeout = 10 * time.Second
)

type Config struct {
	BindAddress string `mapstructure:"bind-address" yaml:"bind-address" json:"bind_address" validate:"required"`
	Port        int    `mapstructure:"port" yaml:"port" json:"port" validate:"min=1,max=65535"`
	ListenAddr  string `mapstructure:"-" yaml:"-" json:"listen_addr"`

	LogLevel string `mapstructure:"log-level" yaml:"log-level" json:"log_level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`

	APIServer       string `mapstructure:"api-server" yaml:"api-server" json:"api_server" validate:"omitempty,hostname_port"`
	APIServerSecret string `mapstructure:"api-server-secret" yaml:"api-server-secret" json:"-"`

	RulesFile string `mapstructure:"rules-file" yaml:"rules-file,omitempty" json:"rules_file"`
	Rules     []Rule `mapstructure:"rules" yaml:"rules" json:"rules"`

	CacheSize     int           `mapstructure:"cache-size" yaml:"cache-size" json:"cache_size" validate:"min=0"`
	RegexTimeout  time.Duration `mapstructure:"regex-timeout" yaml:"regex-timeout" json:"regex_timeout"`
	ForceElevated bool          `mapstructure:"force-elevated" yaml:"force-elevated" json:"force_elevated"`
	Initiator     string        `mapstructure:"initiator" yaml:"initiator" json:"initiator" validate:"required"`

	Upstream string `mapstructure:"upstream" yaml:"upstream,omitempty" json:"upstream" validate:"omitempty,url"`

	MitM MitMConfig `mapstructure:"mitm" yaml:"mitm" json:"mitm"`

	ProbeTimeout time.Duration `mapstructure:"probe-timeout" yaml:"probe-timeout" json:"probe_timeout"`
	Stats        bool          `mapstructure:"stats" yaml:"stats" json:"stats"`
}

type MitMConfig struct {
	Enabled            bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Hostname           string `mapstructure:"hostname" yaml:"hostname" json:"hostname"`
	CAP12              string `mapstructure:"ca-p12" yaml:"ca-p12" json:"-"`
	CAPassphrase       string `mapstructure:"ca-passphrase" yaml:"ca-passphrase" json:"-"`
	InsecureSkipVerify bool   `mapstructure:"insecure-skip-verify" yaml:"insecure-skip-verify" json:"insecure_skip_verify"`
}

// Rule is a rule exactly as persisted: domain patterns plus the headers to
// set or delete. Header names may repeat and may use any case. An empty
// domain pattern matches every URL.
type Rule struct {
	Domains []string `mapstructure:"domains" yaml:"domains" json:"domains" validate:"required,min=1"`
	Headers []Header `mapstructure:"headers" yaml:"headers" json:"headers" validate:"dive"`
}

// Header is a persisted header entry. An empty or absent value deletes the
// header. An entry without a name is ignored.
type Header struct {
	Name  string `mapstructure:"name" yaml:"name" json:"name"`
	Value string `mapstructure:"value" yaml:"value,omitempty" json:"value,omitempty"`
}

func BuildConfigFromViper() (*Config, error) {
	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := viper.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("viper.Unmarshal: %w", err)
	}

	if cfg.Initiator == "" {
		cfg.Initiator = DefaultInitiator
	}
	if cfg.RegexTimeout <= 0 {
		cfg.RegexTimeout = DefaultRegexTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	cfg.ListenAddr = net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.Port))

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("Log Level", c.LogLevel),
		slog.String("Listen Address", c.ListenAddr),
		slog.String("API Server", c.APIServer),
		slog.String("Rules File", c.RulesFile),
		slog.Int("Inline Rules", len(c.Rules)),
		slog.Int("Cache Size", c.CacheSize),
		slog.Duration("Regex Timeout", c.RegexTimeout),
		slog.Bool("Force Elevated", c.ForceElevated),
		slog.String("Initiator", c.Initiator),
		slog.String("Upstream", c.Upstream),
		slog.Bool("MitM", c.MitM.Enabled),
		slog.String("MitM Hostname", c.MitM.Hostname),
	)
}
