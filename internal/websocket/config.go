package websocket

import (
	"fmt"
	"time"
)

// Config holds the realtime transport settings
type Config struct {
	ReadLimit      int64         `yaml:"read_limit" env:"READ_LIMIT"`
	PongWait       time.Duration `yaml:"pong_wait" env:"PONG_WAIT"`
	PingPeriod     time.Duration `yaml:"ping_period" env:"PING_PERIOD"`
	WriteWait      time.Duration `yaml:"write_wait" env:"WRITE_WAIT"`
	SendBuffer     int           `yaml:"send_buffer" env:"SEND_BUFFER"`
	FrameTimeout   time.Duration `yaml:"frame_timeout" env:"FRAME_TIMEOUT"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// DefaultConfig returns the stock realtime settings
func DefaultConfig() Config {
	return Config{
		ReadLimit:    16 * 1024,
		PongWait:     60 * time.Second,
		PingPeriod:   30 * time.Second,
		WriteWait:    5 * time.Second,
		SendBuffer:   100,
		FrameTimeout: 30 * time.Second,
	}
}

// Validate checks the timing relationships the heartbeat depends on.
func (c Config) Validate() error {
	if c.ReadLimit <= 0 {
		return fmt.Errorf("read_limit must be positive")
	}
	if c.PongWait <= 0 || c.PingPeriod <= 0 || c.WriteWait <= 0 {
		return fmt.Errorf("websocket timings must be positive")
	}
	if c.PingPeriod >= c.PongWait {
		return fmt.Errorf("ping_period (%s) must be shorter than pong_wait (%s)", c.PingPeriod, c.PongWait)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send_buffer must be positive")
	}
	if c.FrameTimeout <= 0 {
		return fmt.Errorf("frame_timeout must be positive")
	}
	return nil
}
