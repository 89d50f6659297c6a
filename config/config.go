package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config holds everything the server needs at boot. Values come from an
// optional TOML file, then environment variables override individual fields.
type Config struct {
	ListenAddr   string `toml:"listen_addr"`
	DBPath       string `toml:"db_path"`
	MaxFrameSize int    `toml:"max_frame_size"`
	IdleTimeout  int    `toml:"idle_timeout"`  // seconds
	WriteTimeout int    `toml:"write_timeout"` // seconds

	MediaPortRangeStart int `toml:"media_port_start"`
	MediaPortRangeEnd   int `toml:"media_port_end"`

	AdminAddr         string `toml:"admin_addr"` // empty disables the admin API
	ControlSocketPath string `toml:"control_socket"`
}

func defaults() *Config {
	return &Config{
		ListenAddr:          ":9999",
		DBPath:              "chatd.db",
		MaxFrameSize:        1_000_000,
		IdleTimeout:         300,
		WriteTimeout:        30,
		MediaPortRangeStart: 35000,
		MediaPortRangeEnd:   35999,
		ControlSocketPath:   "/tmp/chatd.sock",
	}
}

// Load reads path if it exists and applies environment overrides. A missing
// file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, err
			}
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CHATD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CHATD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CHATD_MAX_FRAME_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxFrameSize = n
		}
	}
	if v := os.Getenv("CHATD_IDLE_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.IdleTimeout = n
		}
	}
	if v := os.Getenv("CHATD_WRITE_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WriteTimeout = n
		}
	}
	if v := os.Getenv("CHATD_MEDIA_PORT_START"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MediaPortRangeStart = n
		}
	}
	if v := os.Getenv("CHATD_MEDIA_PORT_END"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MediaPortRangeEnd = n
		}
	}
	if v := os.Getenv("CHATD_ADMIN_ADDR"); v != "" {
		cfg.AdminAddr = v
	}
	if v := os.Getenv("CHATD_CONTROL_SOCKET"); v != "" {
		cfg.ControlSocketPath = v
	}
}
