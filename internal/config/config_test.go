package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateNormalizes(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.Root = root
	cfg.ImageExtensions = []string{"JPG", " .Png ", ""}
	cfg.ArchiveExtensions = nil
	cfg.CacheMaxAge = -5
	cfg.MaxConcurrentTransforms = 0

	require.NoError(t, cfg.Validate())
	assert.True(t, filepath.IsAbs(cfg.Root))
	assert.Equal(t, []string{".jpg", ".png"}, cfg.ImageExtensions)
	assert.Equal(t, []string{".zip"}, cfg.ArchiveExtensions)
	assert.Equal(t, 0, cfg.CacheMaxAge)
	assert.Positive(t, cfg.MaxConcurrentTransforms)
}

func TestValidateRejects(t *testing.T) {
	file := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty root", func(c *Config) { c.Root = " " }},
		{"missing root", func(c *Config) { c.Root = filepath.Join(t.TempDir(), "nope") }},
		{"root is a file", func(c *Config) { c.Root = file }},
		{"bad port", func(c *Config) { c.Port = 70000 }},
		{"negative rate", func(c *Config) { c.RateLimit = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Root = t.TempDir()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestAddr(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "127.0.0.1:8000", cfg.Addr())
	cfg.Host = "::1"
	assert.Equal(t, "[::1]:8000", cfg.Addr())
}

func TestLoadFromFileAndEnv(t *testing.T) {
	root := t.TempDir()
	cfgFile := filepath.Join(t.TempDir(), "imgserver.yaml")
	body := "root: " + root + "\nport: 9001\ncacheMaxAge: 300\ncorsOrigins:\n  - http://localhost:5173\nreadTimeout: 5s\nkeepMetadata: true\n"
	require.NoError(t, os.WriteFile(cfgFile, []byte(body), 0o644))
	t.Setenv("IMGSERVER_DEFAULTENCODING", "gbk")

	cfg, err := Load(NewViper(), cfgFile)
	require.NoError(t, err)
	assert.Equal(t, root, cfg.Root)
	assert.Equal(t, 9001, cfg.Port)
	assert.Equal(t, 300, cfg.CacheMaxAge)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.CORSOrigins)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout)
	assert.Equal(t, "gbk", cfg.DefaultEncoding)
	assert.True(t, cfg.AutoOrient)
	assert.True(t, cfg.KeepMetadata)
	assert.False(t, Default().KeepMetadata)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(NewViper(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
