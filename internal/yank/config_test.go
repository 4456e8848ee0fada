package yank

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigTOML(t *testing.T) {
	c, err := LoadConfig("testdata/yankbank.toml")
	require.NoError(t, err)
	require.NoError(t, c.Check())

	assert.Equal(t, "https://mirror.example.com", c.From)
	assert.Equal(t, "redis://localhost:6379/1", c.Store)
	assert.Equal(t, 4, c.PoolSize)
	assert.Equal(t, 2*time.Second, c.PoolTimeout.Duration)
	assert.True(t, c.AllowEmptySnapshot)
	assert.Equal(t, "debug", c.Log.Level)
	require.NotNil(t, c.TLS)
	assert.Equal(t, "1.2", c.TLS.MinVersion)

	assert.Equal(t, "xz", c.Export.Compression)
	assert.False(t, c.Export.Strict)
	assert.Equal(t, "/var/www/specs.4.8.gz", c.Export.File)
	require.NotNil(t, c.Export.S3)
	assert.Equal(t, "a-bucket", c.Export.S3.Bucket)
	assert.False(t, c.Export.S3.IsPublicRead())
}

func TestLoadConfigUndecoded(t *testing.T) {
	_, err := LoadConfig("testdata/typo.toml")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))

	var undecoded *UndecodedKeysError
	require.True(t, errors.As(err, &undecoded))
	assert.NotEmpty(t, undecoded.Keys)
}

func TestLoadConfigLegacyYAML(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	c, err := LoadConfig("testdata/yoinkrc.yml")
	require.NoError(t, err)
	require.NoError(t, c.Check())

	assert.Equal(t, "https://rubygems.org", c.From)
	assert.Equal(t, "redis://localhost:6739/1", c.Store)
	assert.Equal(t, filepath.Join(home, "specs.gz"), c.Export.File)
	assert.True(t, c.Export.Strict)
	assert.Equal(t, "gzip", c.Export.Compression)

	require.NotNil(t, c.Export.S3)
	assert.Equal(t, "a-bucket", c.Export.S3.Bucket)
	assert.Equal(t, "aws-access-key", c.Export.S3.AccessKey)
	assert.Equal(t, "aws-access-secret", c.Export.S3.SecretKey)
	assert.Equal(t, "/specs.gz", c.Export.S3.Path)
	assert.True(t, c.Export.S3.IsPublicRead())
}

func TestLoadConfigLegacyUnknownKey(t *testing.T) {
	_, err := LoadConfig("testdata/unknown.yml")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))
}

func TestLoadConfigMissing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(errors.Cause(err)) || errors.Is(err, os.ErrNotExist))
}

func TestStoreFallsBackToEnv(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://env-host:6379/2")

	c := NewConfig()
	c.Normalize()
	assert.Equal(t, "redis://env-host:6379/2", c.Store)
	assert.NoError(t, c.Check())
}

func TestCheck(t *testing.T) {
	t.Setenv("REDIS_URL", "")

	tests := []struct {
		name   string
		modify func(c *Config)
		ok     bool
	}{
		{"defaults with store", func(c *Config) {}, true},
		{"missing store", func(c *Config) { c.Store = "" }, false},
		{"bad scheme", func(c *Config) { c.From = "ftp://mirror" }, false},
		{"bad compression", func(c *Config) { c.Export.Compression = "zstd" }, false},
		{"negative pool", func(c *Config) { c.PoolSize = -1 }, false},
		{"s3 without bucket", func(c *Config) { c.Export.S3 = &S3Config{Path: "/specs"} }, false},
		{"s3 without paths", func(c *Config) { c.Export.S3 = &S3Config{Bucket: "b"} }, false},
		{"s3 yanked only", func(c *Config) { c.Export.S3 = &S3Config{Bucket: "b", YankedPath: "/y"} }, true},
		{"relative pgp key", func(c *Config) { c.PGPKeyPath = "key.asc" }, false},
		{"missing pgp key", func(c *Config) { c.PGPKeyPath = "/nonexistent/key.asc" }, false},
		{"bad tls", func(c *Config) { c.TLS = &TLSConfig{MinVersion: "1.1"} }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConfig()
			c.Store = "redis://localhost:6379/1"
			tt.modify(c)
			c.Normalize()

			err := c.Check()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfiguration), "%v", err)
		})
	}
}

func TestLockPath(t *testing.T) {
	t.Parallel()

	a := &Config{Store: "redis://a/1"}
	b := &Config{Store: "redis://b/1"}
	assert.Equal(t, a.LockPath(), (&Config{Store: "redis://a/1"}).LockPath())
	assert.NotEqual(t, a.LockPath(), b.LockPath())

	c := &Config{Store: "redis://a/1", LockFile: "/run/yankbank.lock"}
	assert.Equal(t, "/run/yankbank.lock", c.LockPath())
}

func TestLogConfigApply(t *testing.T) {
	for _, lc := range []LogConfig{{}, {Level: "debug", Format: "json"}, {Level: "warning", Format: "text"}} {
		assert.NoError(t, lc.Apply())
	}
	assert.Error(t, (&LogConfig{Level: "loud"}).Apply())
	assert.Error(t, (&LogConfig{Format: "xml"}).Apply())
	require.NoError(t, (&LogConfig{}).Apply())
}
