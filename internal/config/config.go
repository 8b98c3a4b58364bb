package config

import (
	"errors"
	"fmt"

	. "swapbook/internal/common"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Log     LogConfig     `toml:"log"`
	Ledger  LedgerConfig  `toml:"ledger"`
	Journal JournalConfig `toml:"journal"`
	Genesis []GenesisMint `toml:"genesis"`
}

type ServerConfig struct {
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	Workers uint   `toml:"workers"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

type LedgerConfig struct {
	// Custody account holding escrowed funds.
	Custodian      string `toml:"custodian"`
	AllowSelfTrade bool   `toml:"allow_self_trade"`
}

type JournalConfig struct {
	// Empty disables the journal.
	Path string `toml:"path"`
}

// GenesisMint credits a holder at startup.
type GenesisMint struct {
	Holder string `toml:"holder"`
	Asset  string `toml:"asset"`
	Amount uint64 `toml:"amount"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Address: "0.0.0.0",
			Port:    9001,
			Workers: 10,
		},
		Log: LogConfig{
			Level: "info",
		},
		Ledger: LedgerConfig{
			Custodian:      "ledger",
			AllowSelfTrade: true,
		},
	}
}

// Load reads a TOML file over the defaults. An empty path returns the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("%w: unknown key %s", ErrInvalidConfig, undecoded[0])
		}
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	if c.Ledger.Custodian == "" {
		return fmt.Errorf("%w: empty custodian", ErrInvalidConfig)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log level: %w", ErrInvalidConfig, err)
	}
	for i, g := range c.Genesis {
		switch {
		case g.Holder == "" || g.Asset == "":
			return fmt.Errorf("%w: genesis entry %d missing holder or asset", ErrInvalidConfig, i)
		case len(g.Asset) > TickerLen:
			return fmt.Errorf("%w: genesis asset %q longer than %d bytes", ErrInvalidConfig, g.Asset, TickerLen)
		case g.Amount == 0:
			return fmt.Errorf("%w: genesis entry %d has zero amount", ErrInvalidConfig, i)
		case Address(g.Holder) == Address(c.Ledger.Custodian):
			return fmt.Errorf("%w: genesis cannot fund the custodian", ErrInvalidConfig)
		}
	}
	return nil
}

func (c Config) LogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
