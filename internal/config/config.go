package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Config is built once at startup and handed to every service constructor.
// It stays JSON/YAML-friendly so it can be loaded from a file as well as flags.
type Config struct {
	// Root is the images directory served by imgserver.
	Root string `json:"root" mapstructure:"root"`

	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`

	// DefaultEncoding is used to decode zip entry names that are not flagged
	// as UTF-8 when the request does not name an encoding.
	DefaultEncoding string `json:"defaultEncoding" mapstructure:"defaultEncoding"`

	// ImageExtensions and ArchiveExtensions classify listing entries.
	// Extensions are lower case and include the leading dot.
	ImageExtensions   []string `json:"imageExtensions" mapstructure:"imageExtensions"`
	ArchiveExtensions []string `json:"archiveExtensions" mapstructure:"archiveExtensions"`

	// CORSOrigins lists origins allowed to call the API. "*" allows any.
	CORSOrigins []string `json:"corsOrigins,omitempty" mapstructure:"corsOrigins"`

	// CacheMaxAge is the max-age (seconds) advertised for image responses.
	// 0 means clients must revalidate every time.
	CacheMaxAge int `json:"cacheMaxAge" mapstructure:"cacheMaxAge"`

	// AutoOrient applies the EXIF orientation before metadata is stripped.
	AutoOrient bool `json:"autoOrient" mapstructure:"autoOrient"`

	// KeepMetadata serves images requested without parameters unmodified,
	// EXIF and all.
	KeepMetadata bool `json:"keepMetadata,omitempty" mapstructure:"keepMetadata"`

	// FollowSymlinks controls whether symlinks inside the root are followed.
	// When false, symlinks are never served and show up as plain entries.
	FollowSymlinks bool `json:"followSymlinks" mapstructure:"followSymlinks"`

	// MaxConcurrentTransforms bounds the number of images decoded/encoded at
	// once. Requests beyond that wait (or give up when the client leaves).
	MaxConcurrentTransforms int `json:"maxConcurrentTransforms" mapstructure:"maxConcurrentTransforms"`

	// RateLimit is the per-client request rate (req/s). 0 disables limiting.
	RateLimit float64 `json:"rateLimit,omitempty" mapstructure:"rateLimit"`
	RateBurst int     `json:"rateBurst,omitempty" mapstructure:"rateBurst"`

	// AccessLog enables per-request logging.
	AccessLog bool `json:"accessLog,omitempty" mapstructure:"accessLog"`

	// WebDAV exposes a read-only WebDAV view of Root under /dav/.
	WebDAV bool `json:"webdav" mapstructure:"webdav"`

	// MetricsAddr serves /metrics on a separate listener when set.
	// Otherwise metrics are served under /.be/metrics.
	MetricsAddr string `json:"metricsAddr,omitempty" mapstructure:"metricsAddr"`

	LogLevel  string `json:"logLevel" mapstructure:"logLevel"`
	LogFormat string `json:"logFormat" mapstructure:"logFormat"`

	ReadTimeout  time.Duration `json:"readTimeout" mapstructure:"readTimeout"`
	WriteTimeout time.Duration `json:"writeTimeout" mapstructure:"writeTimeout"`
	IdleTimeout  time.Duration `json:"idleTimeout" mapstructure:"idleTimeout"`
}

// DefaultImageExtensions is the image allow-list used for listings.
var DefaultImageExtensions = []string{".jpg", ".jpeg", ".png", ".webp", ".gif", ".avif", ".tif", ".tiff"}

// DefaultArchiveExtensions is the archive allow-list used for listings.
var DefaultArchiveExtensions = []string{".zip"}

// Default returns a Config with every field set to its default value.
func Default() Config {
	return Config{
		Root:                    ".",
		Host:                    "127.0.0.1",
		Port:                    8000,
		DefaultEncoding:         "cp932",
		ImageExtensions:         append([]string(nil), DefaultImageExtensions...),
		ArchiveExtensions:       append([]string(nil), DefaultArchiveExtensions...),
		CacheMaxAge:             60,
		AutoOrient:              true,
		FollowSymlinks:          true,
		MaxConcurrentTransforms: runtime.NumCPU(),
		RateBurst:               50,
		WebDAV:                  true,
		LogLevel:                "info",
		LogFormat:               "console",
		ReadTimeout:             30 * time.Second,
		WriteTimeout:            120 * time.Second,
		IdleTimeout:             120 * time.Second,
	}
}

// Addr is the listen address derived from Host and Port.
func (c Config) Addr() string {
	host := c.Host
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s:%d", host, c.Port)
}

// Validate normalizes the config in place and reports the first problem found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return errors.New("config: root is required")
	}
	abs, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("config: abs root: %w", err)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("config: root: %w", err)
	}
	if !st.IsDir() {
		return fmt.Errorf("config: root %s is not a directory", abs)
	}
	c.Root = abs

	if c.Port <= 0 || c.Port > 0xffff {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.CacheMaxAge < 0 {
		c.CacheMaxAge = 0
	}
	if c.MaxConcurrentTransforms <= 0 {
		c.MaxConcurrentTransforms = runtime.NumCPU()
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("config: invalid rateLimit %v", c.RateLimit)
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = int(c.RateLimit) + 1
	}
	if strings.TrimSpace(c.DefaultEncoding) == "" {
		c.DefaultEncoding = "cp932"
	}
	c.ImageExtensions = normalizeExts(c.ImageExtensions, DefaultImageExtensions)
	c.ArchiveExtensions = normalizeExts(c.ArchiveExtensions, DefaultArchiveExtensions)
	return nil
}

func normalizeExts(exts, fallback []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return append([]string(nil), fallback...)
	}
	return out
}
