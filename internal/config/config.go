// Package config defines all configuration for the bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TIPOFF_* environment variables. A .env
// file in the working directory, if present, is loaded first.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Game      GameConfig      `mapstructure:"game"`
	Transport TransportConfig `mapstructure:"transport"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Report    ReportConfig    `mapstructure:"report"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// GameConfig identifies the game server and our player. Alias is the display
// name sent during the handshake; Token is optional.
type GameConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	PlayerID string `mapstructure:"player_id"`
	Alias    string `mapstructure:"alias"`
	Token    string `mapstructure:"token"`
}

// TransportConfig tunes the WebSocket connection.
//
//   - HandshakeTimeout: max wait for the server to echo our connection message.
//   - ReadTimeout:      reconnect if nothing (not even a pong) arrives in this window.
//   - PingInterval:     how often we ping the server.
//   - SendTimeout:      bound on a single outbound frame, limiter wait included.
//   - BackoffInitial/BackoffMax: reconnect delay grows from initial to max, retried forever.
//   - SendRate/SendBurst: outbound token bucket (frames per second, burst size).
type TransportConfig struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	SendTimeout      time.Duration `mapstructure:"send_timeout"`
	BackoffInitial   time.Duration `mapstructure:"backoff_initial"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	SendRate         float64       `mapstructure:"send_rate"`
	SendBurst        float64       `mapstructure:"send_burst"`
}

// StrategyConfig selects and tunes the disclosure resolution strategy.
//
//   - Name: "impact" (signed price impact puzzles) or "binary" (true/false outcomes).
//   - Instrument: instrument used when a message does not name one.
//   - OrderSize: quantity per disclosure, clamped to position headroom.
//   - MarkMaxAge: a market price older than this is not trusted as a reference.
//   - SkipAfterDisclosure: send the game's "skip" message after acting on a puzzle.
//   - PayoutHigh/PayoutLow: settlement values for the binary strategy.
type StrategyConfig struct {
	Name                string        `mapstructure:"name"`
	Instrument          string        `mapstructure:"instrument"`
	OrderSize           int64         `mapstructure:"order_size"`
	MarkMaxAge          time.Duration `mapstructure:"mark_max_age"`
	SkipAfterDisclosure bool          `mapstructure:"skip_after_disclosure"`
	PayoutHigh          float64       `mapstructure:"payout_high"`
	PayoutLow           float64       `mapstructure:"payout_low"`
}

// RiskConfig sets hard limits checked before every order.
//
//   - MaxOpenOrders: cap on pending + acked orders.
//   - MaxOrderQuantity: cap on a single order's quantity.
//   - MaxLoss: realized loss that trips the kill switch (0 disables).
//   - Cooldown: how long the kill switch stays engaged after firing.
type RiskConfig struct {
	MaxOpenOrders    int           `mapstructure:"max_open_orders"`
	MaxOrderQuantity int64         `mapstructure:"max_order_quantity"`
	MaxLoss          float64       `mapstructure:"max_loss"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// EngineConfig controls the event loop state machine.
type EngineConfig struct {
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
	MaxSendFailures int           `mapstructure:"max_send_failures"`
	StopOnGameOver  bool          `mapstructure:"stop_on_game_over"`
}

// ReportConfig sizes the observability sink and the PnL report period.
type ReportConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Buffer   int           `mapstructure:"buffer"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: TIPOFF_ENDPOINT, TIPOFF_PLAYER_ID, TIPOFF_TOKEN.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("TIPOFF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if ep := os.Getenv("TIPOFF_ENDPOINT"); ep != "" {
		cfg.Game.Endpoint = ep
	}
	if id := os.Getenv("TIPOFF_PLAYER_ID"); id != "" {
		cfg.Game.PlayerID = id
	}
	if tok := os.Getenv("TIPOFF_TOKEN"); tok != "" {
		cfg.Game.Token = tok
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("game.alias", "tipoff")
	v.SetDefault("transport.handshake_timeout", 10*time.Second)
	v.SetDefault("transport.read_timeout", 90*time.Second)
	v.SetDefault("transport.ping_interval", 30*time.Second)
	v.SetDefault("transport.send_timeout", 2*time.Second)
	v.SetDefault("transport.backoff_initial", 500*time.Millisecond)
	v.SetDefault("transport.backoff_max", 30*time.Second)
	v.SetDefault("transport.send_rate", 50)
	v.SetDefault("transport.send_burst", 20)
	v.SetDefault("strategy.name", "impact")
	v.SetDefault("strategy.instrument", "STOCK")
	v.SetDefault("strategy.order_size", 3)
	v.SetDefault("strategy.mark_max_age", 30*time.Second)
	v.SetDefault("strategy.skip_after_disclosure", true)
	v.SetDefault("strategy.payout_high", 1)
	v.SetDefault("strategy.payout_low", 0)
	v.SetDefault("risk.max_open_orders", 10)
	v.SetDefault("risk.max_order_quantity", 100)
	v.SetDefault("risk.cooldown", time.Minute)
	v.SetDefault("engine.drain_timeout", 5*time.Second)
	v.SetDefault("engine.max_send_failures", 3)
	v.SetDefault("report.interval", 30*time.Second)
	v.SetDefault("report.buffer", 256)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Game.Endpoint == "" {
		return fmt.Errorf("game.endpoint is required (set TIPOFF_ENDPOINT)")
	}
	u, err := url.Parse(c.Game.Endpoint)
	if err != nil {
		return fmt.Errorf("game.endpoint is malformed: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("game.endpoint must use ws:// or wss://, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("game.endpoint has no host")
	}
	if c.Game.PlayerID == "" {
		return fmt.Errorf("game.player_id is required (set TIPOFF_PLAYER_ID)")
	}
	switch c.Strategy.Name {
	case "impact", "binary":
	default:
		return fmt.Errorf("strategy.name must be one of: impact, binary")
	}
	if c.Strategy.OrderSize <= 0 {
		return fmt.Errorf("strategy.order_size must be > 0")
	}
	if c.Transport.SendTimeout <= 0 {
		return fmt.Errorf("transport.send_timeout must be > 0")
	}
	if c.Transport.BackoffInitial <= 0 || c.Transport.BackoffMax < c.Transport.BackoffInitial {
		return fmt.Errorf("transport.backoff_initial must be > 0 and <= transport.backoff_max")
	}
	if c.Transport.SendRate <= 0 || c.Transport.SendBurst < 1 {
		return fmt.Errorf("transport.send_rate must be > 0 and transport.send_burst >= 1")
	}
	if c.Engine.MaxSendFailures <= 0 {
		return fmt.Errorf("engine.max_send_failures must be > 0")
	}
	if c.Risk.MaxOpenOrders <= 0 {
		return fmt.Errorf("risk.max_open_orders must be > 0")
	}
	return nil
}
