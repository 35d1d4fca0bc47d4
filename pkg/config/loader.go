package config

import (
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/fabsync/fabsync/pkg/errors"
	"github.com/fabsync/fabsync/pkg/logging"
)

// EnvPrefix is the prefix for environment variable overrides. A double
// underscore separates nesting levels so keys containing underscores
// survive: FABSYNC_SERVER__MODS_DIR maps to server.mods_dir.
const EnvPrefix = "FABSYNC_"

// Load builds the merged configuration. configPath may be empty, in which
// case only defaults and environment variables apply (useful for tests and
// for commands that do not need a server).
func Load(configPath string) (*Config, error) {
	logger := logging.GetLogger("config")
	k := koanf.New(".")

	// 1. Built-in defaults
	if err := k.Load(&rawBytesProvider{bytes: defaultConfig}, toml.Parser()); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigLoad, "failed to load defaults")
	}

	// 2. Config file, when present
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, errors.Wrapf(err, errors.ErrConfigLoad, "config file not found: %s", configPath)
		}
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, errors.Wrapf(err, errors.ErrConfigParse, "failed to parse %s", configPath)
		}
		logger.Debug().Str("path", configPath).Msg("Loaded config file")
	}

	// 3. Environment overrides
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigLoad, "failed to load environment overrides")
	}

	// 4. Unmarshal
	var cfg Config
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
			),
		},
	}
	if err := k.UnmarshalWithConf("", &cfg, unmarshalConf); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigParse, "failed to unmarshal configuration")
	}

	// 5. Validate and resolve paths
	if err := postProcess(&cfg); err != nil {
		return nil, err
	}

	logger.Debug().
		Str("serverDir", cfg.Server.Dir).
		Int("mods", len(cfg.Mods)).
		Int("datapacks", len(cfg.Datapacks)).
		Msg("Configuration loaded")

	return &cfg, nil
}
