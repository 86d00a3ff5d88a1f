// Package config holds the client configuration and its loader.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ICE describes the network-relay hints handed to every peer transport.
type ICE struct {
	STUN       []string `mapstructure:"stun"`
	TURNURL    string   `mapstructure:"turn_url"`
	TURNUser   string   `mapstructure:"turn_user"`
	TURNPass   string   `mapstructure:"turn_pass"`
	ForceRelay bool     `mapstructure:"force_relay"`
}

// User is the local participant's stable identity.
type User struct {
	ID     string `mapstructure:"id"`
	Name   string `mapstructure:"name"`
	Avatar string `mapstructure:"avatar"`
}

// Media selects the initial state of local capture.
type Media struct {
	Audio     bool `mapstructure:"audio"`     // microphone enabled on join
	Video     bool `mapstructure:"video"`     // camera enabled on join
	Synthetic bool `mapstructure:"synthetic"` // generated tracks instead of devices
}

// Signaling tunes the signaling channel.
type Signaling struct {
	AckTimeout        time.Duration `mapstructure:"ack_timeout"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`
}

// Config stores every parameter of one client process.
type Config struct {
	SignalURL     string        `mapstructure:"signal_url"`
	APIBaseURL    string        `mapstructure:"api_base_url"`
	APIToken      string        `mapstructure:"api_token"`
	ICE           ICE           `mapstructure:"ice"`
	User          User          `mapstructure:"user"`
	Media         Media         `mapstructure:"media"`
	Signaling     Signaling     `mapstructure:"signaling"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`
	Debug         bool          `mapstructure:"debug"`
}

// DefaultSTUN are the public STUN servers used when nothing else is configured.
var DefaultSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("signal_url", "ws://127.0.0.1:8080/ws")
	v.SetDefault("api_base_url", "http://127.0.0.1:8080/api")
	v.SetDefault("api_token", "")
	v.SetDefault("ice.stun", DefaultSTUN)
	v.SetDefault("ice.turn_url", "")
	v.SetDefault("ice.turn_user", "")
	v.SetDefault("ice.turn_pass", "")
	v.SetDefault("ice.force_relay", false)
	v.SetDefault("user.id", "")
	v.SetDefault("user.name", "")
	v.SetDefault("user.avatar", "")
	v.SetDefault("media.audio", true)
	v.SetDefault("media.video", true)
	v.SetDefault("media.synthetic", false)
	v.SetDefault("signaling.ack_timeout", "10s")
	v.SetDefault("signaling.reconnect_attempts", 5)
	v.SetDefault("signaling.reconnect_delay", "500ms")
	v.SetDefault("signaling.reconnect_max_delay", "8s")
	v.SetDefault("stats_interval", "30s")
	v.SetDefault("debug", false)
}

// Load reads configuration from defaults, the optional file at path and
// HUDDLE_* environment variables, in increasing order of precedence.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("huddle")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports configuration values no session can run with.
func (c *Config) Validate() error {
	if c.SignalURL == "" {
		return fmt.Errorf("config: signal_url is required")
	}
	if c.ICE.ForceRelay && c.ICE.TURNURL == "" {
		return fmt.Errorf("config: ice.force_relay requires ice.turn_url")
	}
	if c.Signaling.ReconnectAttempts < 0 {
		return fmt.Errorf("config: signaling.reconnect_attempts must be >= 0")
	}
	return nil
}
