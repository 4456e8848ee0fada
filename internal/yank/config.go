package yank

import (
	"bytes"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/mirrorctl/yankbank/internal/manifest"
)

const (
	// DefaultMirror is the upstream used when from is not set.
	DefaultMirror = "https://rubygems.org"

	defaultPoolSize    = 9
	defaultPoolTimeout = 5 * time.Second
)

// ErrConfiguration marks invalid or incomplete configuration. It is
// never retryable.
var ErrConfiguration = errors.New("invalid configuration")

var validate = validator.New()

func configError(err error) error {
	return errors.Mark(err, ErrConfiguration)
}

// Duration is a time.Duration read from strings such as "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// LogConfig represents slog configuration options
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// Apply configures the global slog logger based on the configuration
func (logConfig *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + logConfig.Level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logConfig.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.New("invalid log format: " + logConfig.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// S3Config describes an S3-compatible export target.
type S3Config struct {
	Endpoint   string `toml:"endpoint"`
	Region     string `toml:"region"`
	Bucket     string `toml:"bucket" validate:"required"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	Path       string `toml:"path" validate:"required_without=YankedPath"`
	YankedPath string `toml:"yanked_path"`
	PublicRead *bool  `toml:"public_read"`
	Insecure   bool   `toml:"insecure"`
}

// IsPublicRead reports whether uploads are world-readable. Unset means yes.
func (s *S3Config) IsPublicRead() bool {
	return s.PublicRead == nil || *s.PublicRead
}

// ExportConfig selects where manifests are written.
type ExportConfig struct {
	Compression string    `toml:"compression" validate:"omitempty,oneof=none gzip xz"`
	Strict      bool      `toml:"strict"`
	File        string    `toml:"file"`
	YankedFile  string    `toml:"yanked_file"`
	S3          *S3Config `toml:"s3"`
}

// Config is a struct to read TOML or YAML configurations.
//
// Use LoadConfig, or decode into the result of NewConfig and call
// Normalize and Check.
type Config struct {
	From               string       `toml:"from" validate:"required,url"`
	Store              string       `toml:"store"`
	PoolSize           int          `toml:"pool_size" validate:"gte=0,lte=1024"`
	PoolTimeout        Duration     `toml:"pool_timeout"`
	LockFile           string       `toml:"lock_file"`
	AllowEmptySnapshot bool         `toml:"allow_empty_snapshot"`
	PGPKeyPath         string       `toml:"pgp_key_path"`
	Log                LogConfig    `toml:"log"`
	TLS                *TLSConfig   `toml:"tls"`
	Export             ExportConfig `toml:"export"`
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{
		From:        DefaultMirror,
		PoolSize:    defaultPoolSize,
		PoolTimeout: Duration{defaultPoolTimeout},
		Export: ExportConfig{
			Compression: string(manifest.CompressionGzip),
			Strict:      true,
		},
	}
}

// Normalize fills values derived from the environment: the store falls
// back to $REDIS_URL, a scheme-less mirror gets https, and leading ~ in
// file paths is expanded.
func (c *Config) Normalize() {
	if c.Store == "" {
		c.Store = os.Getenv("REDIS_URL")
	}
	if c.From == "" {
		c.From = DefaultMirror
	}
	if !strings.Contains(c.From, "://") {
		c.From = "https://" + c.From
	}
	c.From = strings.TrimRight(c.From, "/")
	c.Export.File = expandHome(c.Export.File)
	c.Export.YankedFile = expandHome(c.Export.YankedFile)
	c.PGPKeyPath = expandHome(c.PGPKeyPath)
	c.LockFile = expandHome(c.LockFile)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Check validates the configuration.
func (c *Config) Check() error {
	if c.Store == "" {
		return configError(errors.New("store is not set (set store in the configuration or $REDIS_URL)"))
	}
	if err := validate.Struct(c); err != nil {
		return configError(describeValidation(err))
	}

	u, err := url.Parse(c.From)
	if err != nil {
		return configError(errors.Wrap(err, "from"))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return configError(errors.New("unsupported scheme: " + u.Scheme))
	}

	if c.PoolTimeout.Duration < 0 {
		return configError(errors.New("pool_timeout must not be negative"))
	}
	if _, err := manifest.ParseCompression(c.Export.Compression); err != nil {
		return configError(err)
	}
	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return configError(errors.Wrap(err, "tls"))
		}
	}

	if c.PGPKeyPath != "" {
		if !filepath.IsAbs(c.PGPKeyPath) {
			return configError(errors.New("pgp_key_path must be an absolute path"))
		}
		if _, err := os.Stat(c.PGPKeyPath); os.IsNotExist(err) {
			return configError(errors.New("pgp_key_path does not exist: " + c.PGPKeyPath))
		} else if err != nil {
			return configError(errors.New("cannot access pgp_key_path: " + err.Error()))
		}
	}

	if c.Export.File == "" && c.Export.YankedFile == "" && c.Export.S3 == nil {
		slog.Warn("no export target configured; merges will only update the store")
	}
	return nil
}

// describeValidation turns validator errors into configuration key names.
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		msg := field + " failed " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return errors.New("config validation failed: " + strings.Join(msgs, "; "))
}

// LockPath returns the configured lock file, or a path derived from the
// store URL so that runs against the same store share one lock.
func (c *Config) LockPath() string {
	if c.LockFile != "" {
		return c.LockFile
	}
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(c.Store))
	return filepath.Join(os.TempDir(), "yankbank-"+id.String()+".lock")
}

// UndecodedKeysError reports TOML keys that do not map to any setting.
type UndecodedKeysError struct {
	Keys []toml.Key
}

func (e *UndecodedKeysError) Error() string {
	keys := make([]string, len(e.Keys))
	for i, k := range e.Keys {
		keys[i] = k.String()
	}
	return "unknown configuration keys: " + strings.Join(keys, ", ")
}

// LoadConfig reads a configuration file. Files ending in .yml, .yaml or
// named .yoinkrc are read as the legacy YAML layout; everything else is
// TOML. The result is normalized but not checked.
func LoadConfig(path string) (*Config, error) {
	c := NewConfig()

	switch {
	case isYAML(path):
		data, err := os.ReadFile(path) // #nosec G304 - path is supplied by the operator
		if err != nil {
			return nil, err
		}
		if err := decodeLegacy(data, c); err != nil {
			return nil, configError(errors.Wrapf(err, "decode %s", path))
		}
	default:
		meta, err := toml.DecodeFile(path, c)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, err
			}
			return nil, configError(errors.Wrapf(err, "decode %s", path))
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, configError(&UndecodedKeysError{Keys: undecoded})
		}
	}

	c.Normalize()
	return c, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return true
	}
	return filepath.Base(path) == ".yoinkrc"
}

// legacyConfig is the YAML layout of ~/.gem/.yoinkrc.
type legacyConfig struct {
	From  string     `yaml:"from"`
	Redis string     `yaml:"redis"`
	File  string     `yaml:"file"`
	S3    *legacyS3  `yaml:"s3"`
	Log   *LogConfig `yaml:"log"`
	TLS   *TLSConfig `yaml:"tls"`
}

type legacyS3 struct {
	Bucket          string `yaml:"bucket"`
	AWSAccessKey    string `yaml:"aws_access_key"`
	AWSAccessSecret string `yaml:"aws_access_secret"`
	Path            string `yaml:"path"`
}

func decodeLegacy(data []byte, c *Config) error {
	var lc legacyConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&lc); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	if lc.From != "" {
		c.From = lc.From
	}
	c.Store = lc.Redis
	c.Export.File = lc.File
	if lc.S3 != nil {
		c.Export.S3 = &S3Config{
			Bucket:    lc.S3.Bucket,
			AccessKey: lc.S3.AWSAccessKey,
			SecretKey: lc.S3.AWSAccessSecret,
			Path:      lc.S3.Path,
		}
	}
	if lc.Log != nil {
		c.Log = *lc.Log
	}
	c.TLS = lc.TLS
	return nil
}
