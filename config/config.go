package config

import (
	"os"
	"strconv"
)

type Config struct {
	Addr         string
	Port         int
	DBPath       string
	MaxClients   int
	ReadTimeout  int // seconds
	WriteTimeout int // seconds
	MaxFrame     int // bytes
}

func Load() *Config {
	cfg := &Config{
		Addr:         "",
		Port:         7777,
		DBPath:       "jim.db",
		MaxClients:   100,
		ReadTimeout:  120,
		WriteTimeout: 30,
		MaxFrame:     64 * 1024,
	}

	if addr := os.Getenv("JIM_ADDR"); addr != "" {
		cfg.Addr = addr
	}

	if dbPath := os.Getenv("JIM_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}

	readIntEnv("JIM_PORT", &cfg.Port)
	readIntEnv("JIM_MAX_CLIENTS", &cfg.MaxClients)
	readIntEnv("JIM_READ_TIMEOUT", &cfg.ReadTimeout)
	readIntEnv("JIM_WRITE_TIMEOUT", &cfg.WriteTimeout)
	readIntEnv("JIM_MAX_FRAME", &cfg.MaxFrame)

	return cfg
}

func readIntEnv(name string, dst *int) {
	if s := os.Getenv(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			*dst = v
		}
	}
}
