package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	Secret   string `mapstructure:"secret"`
	DBPath   string `mapstructure:"db_path"`
	LogLevel string `mapstructure:"log_level"`

	Voice Voice `mapstructure:"voice"`
	WS    WS    `mapstructure:"ws"`
	RTC   RTC   `mapstructure:"rtc"`

	v *viper.Viper
}

// Voice is the engine tuning. It is the only section Watch reapplies.
type Voice struct {
	ConnectRadius      float64       `mapstructure:"connect_radius"`
	DisconnectRadius   float64       `mapstructure:"disconnect_radius"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
	TickPeriod         time.Duration `mapstructure:"tick_period"`
	TeardownTimeout    time.Duration `mapstructure:"teardown_timeout"`
	SilenceThreshold   float32       `mapstructure:"silence_threshold"`
	SilenceDebounce    int           `mapstructure:"silence_debounce"`
	DecodeFailureLimit int           `mapstructure:"decode_failure_limit"`
	JitterMin          int           `mapstructure:"jitter_min"`
	JitterMax          int           `mapstructure:"jitter_max"`
	WorldBound         float64       `mapstructure:"world_bound"`
}

type WS struct {
	SendBuffer     int           `mapstructure:"send_buffer"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	AuthLimit      int           `mapstructure:"auth_limit"`
	AuthWindow     time.Duration `mapstructure:"auth_window"`
	SignalLimit    int           `mapstructure:"signal_limit"`
}

type RTC struct {
	ICEServers    []string      `mapstructure:"ice_servers"`
	FailedTimeout time.Duration `mapstructure:"failed_timeout"`
}

// Flags registers the command line overrides Load understands.
func Flags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (default config/config.$CONFIG_ENV.yaml)")
	fs.Int("port", 0, "listen port")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("db", "", "identity database path")
}

var flagKeys = map[string]string{
	"port":      "port",
	"log-level": "log_level",
	"db":        "db_path",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "roguetalk-dev-secret")
	v.SetDefault("db_path", "roguetalk.db")
	v.SetDefault("log_level", "info")

	v.SetDefault("voice.connect_radius", 6.0)
	v.SetDefault("voice.disconnect_radius", 10.0)
	v.SetDefault("voice.negotiation_timeout", "5s")
	v.SetDefault("voice.max_retries", 3)
	v.SetDefault("voice.retry_backoff", "1s")
	v.SetDefault("voice.tick_period", "50ms")
	v.SetDefault("voice.teardown_timeout", "2s")
	v.SetDefault("voice.silence_threshold", 0.01)
	v.SetDefault("voice.silence_debounce", 25)
	v.SetDefault("voice.decode_failure_limit", 50)
	v.SetDefault("voice.jitter_min", 3)
	v.SetDefault("voice.jitter_max", 10)
	v.SetDefault("voice.world_bound", 100000.0)

	v.SetDefault("ws.send_buffer", 256)
	v.SetDefault("ws.write_wait", "5s")
	v.SetDefault("ws.pong_wait", "30s")
	v.SetDefault("ws.ping_interval", "10s")
	v.SetDefault("ws.max_message_size", 64<<10)
	v.SetDefault("ws.auth_limit", 10)
	v.SetDefault("ws.auth_window", "1m")
	v.SetDefault("ws.signal_limit", 200)

	v.SetDefault("rtc.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("rtc.failed_timeout", "25s")
}

// Load reads config/config.<CONFIG_ENV>.yaml, or the file named by
// --config, on top of the defaults. Flags that were set win over both.
// fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	fileName := ""
	if fs != nil {
		if f := fs.Lookup("config"); f != nil {
			fileName = f.Value.String()
		}
	}
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)

	setDefaults(v)
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Err(err).Msg("config file not loaded, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Float64("connect_radius", cfg.Voice.ConnectRadius).
		Float64("disconnect_radius", cfg.Voice.DisconnectRadius).
		Msg("config ready")
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var ErrInvalid = errors.New("invalid config")

func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	if c.Port <= 0 || c.Port > 65535 {
		bad("port %d out of range", c.Port)
	}
	if err := c.Voice.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.WS.SendBuffer <= 0 {
		bad("ws.send_buffer must be positive")
	}
	if c.WS.PingInterval <= 0 || c.WS.PongWait <= c.WS.PingInterval {
		bad("ws.pong_wait (%v) must exceed ws.ping_interval (%v)", c.WS.PongWait, c.WS.PingInterval)
	}
	if c.WS.WriteWait <= 0 {
		bad("ws.write_wait must be positive")
	}
	return errors.Join(errs...)
}

func (v Voice) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	if v.ConnectRadius <= 0 {
		bad("voice.connect_radius must be positive")
	}
	if v.DisconnectRadius <= v.ConnectRadius {
		bad("voice.disconnect_radius (%v) must exceed voice.connect_radius (%v)", v.DisconnectRadius, v.ConnectRadius)
	}
	for name, d := range map[string]time.Duration{
		"voice.negotiation_timeout": v.NegotiationTimeout,
		"voice.tick_period":         v.TickPeriod,
		"voice.teardown_timeout":    v.TeardownTimeout,
	} {
		if d <= 0 {
			bad("%s must be positive", name)
		}
	}
	if v.RetryBackoff < 0 {
		bad("voice.retry_backoff must not be negative")
	}
	if v.MaxRetries < 1 {
		bad("voice.max_retries must be at least 1")
	}
	if v.SilenceDebounce < 0 || v.DecodeFailureLimit < 0 {
		bad("voice.silence_debounce and voice.decode_failure_limit must not be negative")
	}
	if v.JitterMin < 1 || v.JitterMax < v.JitterMin {
		bad("voice.jitter_min (%d) and voice.jitter_max (%d) out of order", v.JitterMin, v.JitterMax)
	}
	if v.WorldBound < 0 || math.IsNaN(v.WorldBound) || v.WorldBound > domain.MaxCoordinate {
		bad("voice.world_bound (%v) must be between 0 and %v", v.WorldBound, domain.MaxCoordinate)
	} else if v.WorldBound > 0 && v.WorldBound < v.DisconnectRadius {
		bad("voice.world_bound (%v) is smaller than voice.disconnect_radius (%v)", v.WorldBound, v.DisconnectRadius)
	}
	return errors.Join(errs...)
}

// Watch calls fn with the new voice section each time the config file
// changes and still validates. Invalid edits are logged and ignored. It is
// a no-op when no file was loaded.
func (c *Config) Watch(fn func(Voice)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	if _, err := os.Stat(c.v.ConfigFileUsed()); err != nil {
		return
	}
	var mu sync.Mutex
	last := c.Voice
	c.v.OnConfigChange(func(e fsnotify.Event) {
		next, err := decode(c.v)
		if err != nil {
			log.Warn().Str("module", "config").Str("file", e.Name).Err(err).Msg("ignoring config change")
			return
		}
		mu.Lock()
		changed := next.Voice != last
		last = next.Voice
		mu.Unlock()
		if !changed {
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Msg("voice tuning reloaded")
		fn(next.Voice)
	})
	c.v.WatchConfig()
}
