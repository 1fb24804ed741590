package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	PresenceScopeGlobal = "global"
	PresenceScopeRoom   = "room"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Path           string        `yaml:"path"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		SendBufferSize int           `yaml:"send_buffer_size"`
	} `yaml:"signal"`

	Engine struct {
		ListenIP               string        `yaml:"listen_ip"`
		AnnouncedIP            string        `yaml:"announced_ip"`
		RTCMinPort             uint16        `yaml:"rtc_min_port"`
		RTCMaxPort             uint16        `yaml:"rtc_max_port"`
		TCPPort                int           `yaml:"tcp_port"`
		LogLevel               string        `yaml:"log_level"`
		InitialOutgoingBitrate uint32        `yaml:"initial_outgoing_bitrate"`
		MaxIncomingBitrate     uint32        `yaml:"max_incoming_bitrate"`
		BitrateFeedback        time.Duration `yaml:"bitrate_feedback_interval"`
		GatherTimeout          time.Duration `yaml:"gather_timeout"`
		ExitGrace              time.Duration `yaml:"exit_grace"`
	} `yaml:"engine"`

	Media struct {
		SimulcastSpatialLayer  uint8 `yaml:"simulcast_spatial_layer"`
		SimulcastTemporalLayer uint8 `yaml:"simulcast_temporal_layer"`
	} `yaml:"media"`

	Rooms struct {
		EmptyRoomTTL     time.Duration `yaml:"empty_room_ttl"` // 0 keeps empty rooms forever
		ReapInterval     time.Duration `yaml:"reap_interval"`
		PresenceScope    string        `yaml:"presence_scope"`
		MeetingCacheSize int           `yaml:"meeting_cache_size"`
		MeetingCacheTTL  time.Duration `yaml:"meeting_cache_ttl"`
	} `yaml:"rooms"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled      bool   `yaml:"enabled"`
		Address      string `yaml:"address"`
		Password     string `yaml:"password"`
		DB           int    `yaml:"db"`
		PoolSize     int    `yaml:"pool_size"`
		EventChannel string `yaml:"event_channel"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxConcurrent        int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Path == "" {
		return fmt.Errorf("signal.path must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.SendBufferSize <= 0 {
		return fmt.Errorf("signal.send_buffer_size must be > 0")
	}

	// Engine
	if c.Engine.RTCMinPort == 0 || c.Engine.RTCMaxPort == 0 {
		return fmt.Errorf("engine.rtc_min_port and engine.rtc_max_port must be set")
	}
	if c.Engine.RTCMinPort >= c.Engine.RTCMaxPort {
		return fmt.Errorf("engine.rtc_min_port must be < engine.rtc_max_port")
	}
	if c.Engine.TCPPort < 0 || c.Engine.TCPPort > 65535 {
		return fmt.Errorf("engine.tcp_port must be within 0..65535")
	}
	if c.Engine.GatherTimeout <= 0 {
		return fmt.Errorf("engine.gather_timeout must be > 0")
	}
	if c.Engine.ExitGrace < 0 {
		return fmt.Errorf("engine.exit_grace must be >= 0")
	}
	if c.Engine.MaxIncomingBitrate > 0 && c.Engine.BitrateFeedback <= 0 {
		return fmt.Errorf("engine.bitrate_feedback_interval must be > 0 when max_incoming_bitrate is set")
	}

	// Rooms
	if c.Rooms.EmptyRoomTTL < 0 {
		return fmt.Errorf("rooms.empty_room_ttl must be >= 0")
	}
	if c.Rooms.EmptyRoomTTL > 0 && c.Rooms.ReapInterval <= 0 {
		return fmt.Errorf("rooms.reap_interval must be > 0 when empty_room_ttl is set")
	}
	if c.Rooms.PresenceScope != PresenceScopeGlobal && c.Rooms.PresenceScope != PresenceScopeRoom {
		return fmt.Errorf("rooms.presence_scope must be %q or %q", PresenceScopeGlobal, PresenceScopeRoom)
	}
	if c.Rooms.MeetingCacheSize < 0 {
		return fmt.Errorf("rooms.meeting_cache_size must be >= 0")
	}

	// Monitoring
	if c.Monitoring.MetricsInterval <= 0 {
		return fmt.Errorf("monitoring.metrics_interval must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.EventChannel == "" {
			return fmt.Errorf("redis.event_channel must not be empty when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0,1]")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.Path = "/ws"
	cfg.Signal.PingInterval = 25 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendBufferSize = 256

	cfg.Engine.ListenIP = "0.0.0.0"
	cfg.Engine.RTCMinPort = 40000
	cfg.Engine.RTCMaxPort = 49999
	cfg.Engine.TCPPort = 44443
	cfg.Engine.LogLevel = "warn"
	cfg.Engine.InitialOutgoingBitrate = 1000000
	cfg.Engine.MaxIncomingBitrate = 1500000
	cfg.Engine.BitrateFeedback = time.Second
	cfg.Engine.GatherTimeout = 5 * time.Second
	cfg.Engine.ExitGrace = 2 * time.Second

	cfg.Media.SimulcastSpatialLayer = 2
	cfg.Media.SimulcastTemporalLayer = 2

	cfg.Rooms.EmptyRoomTTL = 5 * time.Minute
	cfg.Rooms.ReapInterval = time.Minute
	cfg.Rooms.PresenceScope = PresenceScopeGlobal
	cfg.Rooms.MeetingCacheSize = 1024
	cfg.Rooms.MeetingCacheTTL = 30 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsInterval = 15 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.EventChannel = "groupcall:events"

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 12 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("GROUPCALL_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("GROUPCALL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("GROUPCALL_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if ip := os.Getenv("GROUPCALL_LISTEN_IP"); ip != "" {
		c.Engine.ListenIP = ip
	}
	if ip := os.Getenv("GROUPCALL_ANNOUNCED_IP"); ip != "" {
		c.Engine.AnnouncedIP = ip
	}
	if v := os.Getenv("GROUPCALL_RTC_MIN_PORT"); v != "" {
		if p, err := strconv.ParseUint(v, 10, 16); err == nil {
			c.Engine.RTCMinPort = uint16(p)
		}
	}
	if v := os.Getenv("GROUPCALL_RTC_MAX_PORT"); v != "" {
		if p, err := strconv.ParseUint(v, 10, 16); err == nil {
			c.Engine.RTCMaxPort = uint16(p)
		}
	}
	if addr := os.Getenv("GROUPCALL_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
}
