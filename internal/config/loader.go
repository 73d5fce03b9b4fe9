package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const envPrefix = "COUPON"

var (
	// GlobalConfig holds the global configuration instance
	GlobalConfig *Config

	mu    sync.RWMutex
	loaded *viper.Viper
)

// LoadConfig loads configs/config.yaml (or configPath), merges config.<env>.yaml
// next to it and overlays COUPON_* environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
		v.AddConfigPath("/etc/coupon")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, reflect.TypeOf(Config{}), "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		base := v.ConfigFileUsed()
		envFile := filepath.Join(filepath.Dir(base), fmt.Sprintf("config.%s.yaml", Env()))
		if _, err := os.Stat(envFile); err == nil {
			v.SetConfigFile(envFile)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("failed to merge %s: %w", envFile, err)
			}
			v.SetConfigFile(base)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	mu.Lock()
	GlobalConfig = cfg
	loaded = v
	mu.Unlock()

	return cfg, nil
}

// GetConfig returns the global configuration instance
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if GlobalConfig == nil {
		panic("config not loaded, call LoadConfig first")
	}
	return GlobalConfig
}

// WatchConfig reloads the configuration when the file changes. callback gets the
// new config, or is skipped when the changed file does not validate.
func WatchConfig(callback func(*Config), onError func(error)) {
	mu.RLock()
	v := loaded
	mu.RUnlock()
	if v == nil || v.ConfigFileUsed() == "" {
		return
	}

	path := v.ConfigFileUsed()
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := LoadConfig(path)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		if callback != nil {
			callback(cfg)
		}
	})
	v.WatchConfig()
}

// Env returns the deployment environment from COUPON_ENV
func Env() string {
	if env := os.Getenv(envPrefix + "_ENV"); env != "" {
		return env
	}
	return "dev"
}

// IsProduction returns true if running in production mode
func IsProduction() bool {
	env := Env()
	return env == "prod" || env == "production"
}

// bindEnvs registers every mapstructure key so Unmarshal sees env overrides for
// keys missing from the file.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, f.Type, key)
			continue
		}
		_ = v.BindEnv(key)
	}
}
