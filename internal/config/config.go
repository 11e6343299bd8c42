package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Env string `yaml:"env"`

	HTTP struct {
		Addr string `yaml:"addr"` // ":7010"
	} `yaml:"http"`

	MySQL struct {
		DSN          string        `yaml:"dsn"`
		MaxOpenConns int           `yaml:"max_open_conns"`
		MaxIdleConns int           `yaml:"max_idle_conns"`
		ConnMaxLife  time.Duration `yaml:"conn_max_life"`
		ConnMaxIdle  time.Duration `yaml:"conn_max_idle"`
	} `yaml:"mysql"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		Database int    `yaml:"database"`
	} `yaml:"redis"`

	// CometAddr is the route value written to Redis so other services can
	// find which relay node holds a uid's connection.
	CometAddr string `yaml:"comet_addr"`
	RouteTTL  int64  `yaml:"route_ttl"` // seconds

	WS struct {
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		OutQueueSize    int           `yaml:"out_queue_size"`
		MaxMessageBytes int64         `yaml:"max_message_bytes"`
		PongWait        time.Duration `yaml:"pong_wait"`
		PingPeriod      time.Duration `yaml:"ping_period"`
	} `yaml:"ws"`

	Auth struct {
		Token struct {
			Header       string `yaml:"header"`
			BearerPrefix string `yaml:"bearer_prefix"`
			QueryKey     string `yaml:"query_key"`
			Secret       string `yaml:"secret"`
			RedisPrefix  string `yaml:"redis_prefix"`
			SessionCheck bool   `yaml:"session_check"`
		} `yaml:"token"`
	} `yaml:"auth"`

	RocketMQ struct {
		Enabled       bool   `yaml:"enabled"`
		NameServer    string `yaml:"name_server"`
		Topic         string `yaml:"topic"`
		Tag           string `yaml:"tag"`
		ProducerGroup string `yaml:"producer_group"`
	} `yaml:"rocketmq"`

	Outbox struct {
		Enabled bool          `yaml:"enabled"`
		Tick    time.Duration `yaml:"tick"`
		Batch   int           `yaml:"batch"`
	} `yaml:"outbox"`

	History struct {
		MaxLimit int `yaml:"max_limit"`
	} `yaml:"history"`
}

// Load supports comma-separated config files: "-c common.yml,im-relay.yml"
func Load(pathList string) (*Config, error) {
	if strings.TrimSpace(pathList) == "" {
		return nil, errors.New("config path required (e.g. -c ./config.yml or -c common.yml,im-relay.yml)")
	}
	var c Config
	paths := strings.Split(pathList, ",")
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":7010"
	}
	if c.RouteTTL <= 0 {
		c.RouteTTL = 60
	}
	if c.CometAddr == "" {
		c.CometAddr = "127.0.0.1" + c.HTTP.Addr
	}
	if c.WS.WriteTimeout == 0 {
		c.WS.WriteTimeout = 5 * time.Second
	}
	if c.WS.OutQueueSize <= 0 {
		c.WS.OutQueueSize = 256
	}
	if c.WS.MaxMessageBytes <= 0 {
		c.WS.MaxMessageBytes = 64 * 1024
	}
	if c.WS.PongWait == 0 {
		c.WS.PongWait = 60 * time.Second
	}
	if c.WS.PingPeriod == 0 {
		c.WS.PingPeriod = c.WS.PongWait * 9 / 10
	}
	if c.Auth.Token.Header == "" {
		c.Auth.Token.Header = "Authorization"
	}
	if c.Auth.Token.BearerPrefix == "" {
		c.Auth.Token.BearerPrefix = "Bearer "
	}
	if c.Auth.Token.QueryKey == "" {
		c.Auth.Token.QueryKey = "token"
	}
	if c.Auth.Token.RedisPrefix == "" {
		c.Auth.Token.RedisPrefix = "token:app:"
	}
	if c.Outbox.Tick <= 0 {
		c.Outbox.Tick = 1 * time.Second
	}
	if c.Outbox.Batch <= 0 {
		c.Outbox.Batch = 200
	}
	if c.History.MaxLimit <= 0 {
		c.History.MaxLimit = 300
	}
}
