package config

import (
	"time"

	pkgconfig "github.com/Gaurav153fr/yt-remote/pkg/config"
	pkglog "github.com/Gaurav153fr/yt-remote/pkg/log"
	"github.com/Gaurav153fr/yt-remote/pkg/pubsub"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Room      RoomConfig
	Relay     RelayConfig
	PubSub    pubsub.Config
	Lifecycle LifecycleConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`

	// RateLimit is the sustained inbound events per second per connection.
	// Zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

type RoomConfig struct {
	CodeLength   int           `mapstructure:"code_length"`
	CodeAttempts int           `mapstructure:"code_attempts"`
	GracePeriod  time.Duration `mapstructure:"grace_period"`
}

type RelayConfig struct {
	MessageIncludeSelf bool `mapstructure:"message_include_self"`
	CatchUpOnJoin      bool `mapstructure:"catch_up_on_join"`
}

type LifecycleConfig struct {
	Enabled bool
	Buffer  int
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads config/config.yaml (optional), applies defaults and the
// environment overrides.
func Load() (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// LoadWatched is Load plus a file watch: onChange receives the re-decoded
// config each time the file changes. Settings already wired into running
// components are not reapplied; callers pick what they can change live.
func LoadWatched(onChange func(*Config)) (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	pkgconfig.Watch(v, func(e fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			l := pkglog.L()
			l.Warn().Err(err).Str("file", e.Name).Msg("ignoring invalid config change")
			return
		}
		onChange(next)
	})
	return cfg, nil
}

func newViper() (*viper.Viper, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.rate_limit", 50)
	v.SetDefault("websocket.rate_burst", 100)
	v.SetDefault("room.code_length", 6)
	v.SetDefault("room.code_attempts", 8)
	v.SetDefault("room.grace_period", "10s")
	v.SetDefault("relay.message_include_self", true)
	v.SetDefault("relay.catch_up_on_join", true)
	ps := pubsub.DefaultConfig()
	v.SetDefault("pubsub.driver", ps.Driver)
	v.SetDefault("pubsub.redis.address", ps.Redis.Address)
	v.SetDefault("pubsub.redis.password", ps.Redis.Password)
	v.SetDefault("pubsub.redis.db", ps.Redis.DB)
	v.SetDefault("pubsub.redis.pool_size", ps.Redis.PoolSize)
	v.SetDefault("pubsub.redis.read_timeout", ps.Redis.ReadTimeout.String())
	v.SetDefault("pubsub.redis.write_timeout", ps.Redis.WriteTimeout.String())
	v.SetDefault("pubsub.kafka.brokers", ps.Kafka.Brokers)
	v.SetDefault("pubsub.kafka.group_id", ps.Kafka.GroupID)
	v.SetDefault("pubsub.kafka.partitions", ps.Kafka.Partitions)
	v.SetDefault("lifecycle.enabled", true)
	v.SetDefault("lifecycle.buffer", 256)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("room.grace_period", "ROOM_GRACE_PERIOD")
	v.BindEnv("pubsub.driver", "PUBSUB_DRIVER")
	v.BindEnv("pubsub.redis.address", "REDIS_ADDRESS")
	v.BindEnv("pubsub.redis.password", "REDIS_PASSWORD")
	v.BindEnv("pubsub.kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("pubsub.kafka.group_id", "KAFKA_PUBSUB_GROUP_ID")
	v.BindEnv("log.level", "LOG_LEVEL")

	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)
	cfg.Room.GracePeriod = parseDuration(v, "room.grace_period", 10*time.Second)
	psDefaults := pubsub.DefaultConfig()
	cfg.PubSub.Redis.ReadTimeout = parseDuration(v, "pubsub.redis.read_timeout", psDefaults.Redis.ReadTimeout)
	cfg.PubSub.Redis.WriteTimeout = parseDuration(v, "pubsub.redis.write_timeout", psDefaults.Redis.WriteTimeout)

	if cfg.Room.CodeLength < 4 {
		cfg.Room.CodeLength = 6
	}
	if cfg.Room.CodeAttempts < 1 {
		cfg.Room.CodeAttempts = 8
	}
	if cfg.WebSocket.SendBuffer < 1 {
		cfg.WebSocket.SendBuffer = 256
	}

	return &cfg, nil
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}
