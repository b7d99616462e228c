package server

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config is the daemon configuration, read from the environment. Flags on
// the roomsyncd command override individual fields.
type Config struct {
	Addr          string `env:"ROOMSYNC_ADDR" envDefault:":8080"`
	DataPath      string `env:"ROOMSYNC_DATA"`
	NatsURL       string `env:"ROOMSYNC_NATS_URL"`
	HistoryLimit  int    `env:"ROOMSYNC_HISTORY_LIMIT" envDefault:"100"`
	MaxImageBytes int64  `env:"ROOMSYNC_MAX_IMAGE_BYTES" envDefault:"5242880"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
