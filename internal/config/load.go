package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. IMGSERVER_ROOT.
const EnvPrefix = "IMGSERVER"

// NewViper returns a viper instance preloaded with defaults and env bindings.
// Priority: flags > env vars > config file > defaults.
func NewViper() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault("root", d.Root)
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("defaultEncoding", d.DefaultEncoding)
	v.SetDefault("imageExtensions", d.ImageExtensions)
	v.SetDefault("archiveExtensions", d.ArchiveExtensions)
	v.SetDefault("corsOrigins", []string{})
	v.SetDefault("cacheMaxAge", d.CacheMaxAge)
	v.SetDefault("autoOrient", d.AutoOrient)
	v.SetDefault("keepMetadata", d.KeepMetadata)
	v.SetDefault("followSymlinks", d.FollowSymlinks)
	v.SetDefault("maxConcurrentTransforms", d.MaxConcurrentTransforms)
	v.SetDefault("rateLimit", d.RateLimit)
	v.SetDefault("rateBurst", d.RateBurst)
	v.SetDefault("accessLog", d.AccessLog)
	v.SetDefault("webdav", d.WebDAV)
	v.SetDefault("metricsAddr", d.MetricsAddr)
	v.SetDefault("logLevel", d.LogLevel)
	v.SetDefault("logFormat", d.LogFormat)
	v.SetDefault("readTimeout", d.ReadTimeout)
	v.SetDefault("writeTimeout", d.WriteTimeout)
	v.SetDefault("idleTimeout", d.IdleTimeout)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file into v and decodes the merged result.
// An explicit cfgFile must exist; the implicit imgserver.{yaml,json} may not.
func Load(v *viper.Viper, cfgFile string) (Config, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("imgserver")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
