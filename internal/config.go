package internal

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Host            string        `yaml:"host"`
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Game GameConfig `yaml:"game"`

	WebSocket WebSocketConfig `yaml:"websocket"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Redis struct {
		Enabled     bool          `yaml:"enabled"`
		Addr        string        `yaml:"addr"`
		Password    string        `yaml:"password"`
		DB          int           `yaml:"db"`
		PoolSize    int           `yaml:"pool_size"`
		KeyPrefix   string        `yaml:"key_prefix"`
		SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
	} `yaml:"redis"`

	NATS struct {
		Enabled       bool   `yaml:"enabled"`
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	Postgres struct {
		Enabled  bool   `yaml:"enabled"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	// Sinks 事件投遞佇列
	Sinks struct {
		QueueSize      int           `yaml:"queue_size"`
		PublishTimeout time.Duration `yaml:"publish_timeout"`
	} `yaml:"sinks"`
}

// GameConfig 遊戲規則配置
type GameConfig struct {
	MaxPlayersPerRoom   int           `yaml:"max_players_per_room"`
	GameTimeLimit       time.Duration `yaml:"game_time_limit"`       // 0 = 不限時
	RoomCleanupInterval time.Duration `yaml:"room_cleanup_interval"` // 0 = 不清理
	EmptyRoomTTL        time.Duration `yaml:"empty_room_ttl"`
}

// WebSocketConfig WebSocket 連接配置
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	SendBuffer      int           `yaml:"send_buffer"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	WriteWait       time.Duration `yaml:"write_wait"`
	PongWait        time.Duration `yaml:"pong_wait"`
	PingPeriod      time.Duration `yaml:"ping_period"`
	AllowedOrigins  []string      `yaml:"allowed_origins"` // 空 = 全部允許
}

// DefaultConfig 返回默認配置
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 3000
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.IdleTimeout = 60 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Game = GameConfig{
		MaxPlayersPerRoom:   4,
		GameTimeLimit:       time.Hour,
		RoomCleanupInterval: 5 * time.Minute,
		EmptyRoomTTL:        5 * time.Minute,
	}

	// 54s Ping / 60s 超時
	cfg.WebSocket = WebSocketConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		MaxMessageSize:  4096,
		WriteWait:       10 * time.Second,
		PongWait:        60 * time.Second,
		PingPeriod:      54 * time.Second,
	}

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.KeyPrefix = "escape:"
	cfg.Redis.SnapshotTTL = 2 * time.Hour

	cfg.NATS.URL = "nats://localhost:4222"
	cfg.NATS.SubjectPrefix = "escape.rooms"

	cfg.Postgres.Host = "localhost"
	cfg.Postgres.Port = 5432
	cfg.Postgres.User = "postgres"
	cfg.Postgres.Password = "password"
	cfg.Postgres.DBName = "escape_room"
	cfg.Postgres.MaxConns = 10
	cfg.Postgres.MinConns = 1

	cfg.Sinks.QueueSize = 256
	cfg.Sinks.PublishTimeout = 5 * time.Second

	return cfg
}

// LoadConfig 載入配置
//
// 順序：默認值 → YAML 檔案 → 環境變數。
// optional 為 true 時，檔案不存在不視為錯誤。
func LoadConfig(path string, optional bool) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		// #nosec G304 - path 來自命令行參數
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case optional && errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv 環境變數覆蓋（部署平台常用 PORT/HOST）
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("HOST"); ok && v != "" {
		c.Server.Host = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup("LOG_FORMAT"); ok && v != "" {
		c.Log.Format = v
	}
	if v, ok := lookup("REDIS_ADDR"); ok && v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v, ok := lookup("NATS_URL"); ok && v != "" {
		c.NATS.URL = v
		c.NATS.Enabled = true
	}
	if _, ok := lookup("DATABASE_URL"); ok {
		c.Postgres.Enabled = true
	}
	return nil
}

// Validate 驗證配置
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Game.MaxPlayersPerRoom < 1 || c.Game.MaxPlayersPerRoom > MaxRoomCapacity {
		return fmt.Errorf("game.max_players_per_room must be between 1 and %d", MaxRoomCapacity)
	}
	if c.Game.GameTimeLimit < 0 || c.Game.RoomCleanupInterval < 0 || c.Game.EmptyRoomTTL < 0 {
		return errors.New("game durations must not be negative")
	}
	if c.WebSocket.PingPeriod <= 0 || c.WebSocket.PingPeriod >= c.WebSocket.PongWait {
		return errors.New("websocket.ping_period must be positive and shorter than pong_wait")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return errors.New("websocket.send_buffer must be positive")
	}
	if c.Sinks.QueueSize <= 0 {
		return errors.New("sinks.queue_size must be positive")
	}
	return nil
}

// Addr HTTP 監聽地址
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	// 使用 URL 形式，pgxpool 與 golang-migrate 都能解析
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Postgres.User, c.Postgres.Password),
		Host:     fmt.Sprintf("%s:%d", c.Postgres.Host, c.Postgres.Port),
		Path:     c.Postgres.DBName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
