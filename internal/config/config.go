// Package config loads sqlpoint.yaml.
//
// Loading runs in four steps: {from_env, default} values are substituted,
// the document is checked against an embedded CUE schema, it is decoded
// strictly over the defaults, and the result is checked with validator
// struct tags. Relative paths are resolved against the config file's
// directory.
package config

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/roach88/sqlpoint/internal/auth"
	"github.com/roach88/sqlpoint/internal/compiler"
)

// FileName is the config file searched for when no path is given.
const FileName = "sqlpoint.yaml"

// ErrNotFound is returned when no config file exists in the working
// directory or any parent.
var ErrNotFound = errors.New(FileName + " not found")

var validate = validator.New()

// Config is the full configuration.
type Config struct {
	Source   SourceConfig   `yaml:"source"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Server   ServerConfig   `yaml:"server"`
	Cookie   CookieConfig   `yaml:"cookie"`
	CORS     CORSConfig     `yaml:"cors"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Log      LogConfig      `yaml:"log"`

	// Path is the file the config was loaded from, if any.
	Path string `yaml:"-"`
}

type SourceConfig struct {
	Root         string                     `yaml:"root" validate:"required"`
	Debounce     Duration                   `yaml:"debounce" validate:"gte=0"`
	UnusedParams compiler.UnusedParamPolicy `yaml:"unused_params" validate:"oneof=error warn"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver" validate:"oneof=postgres sqlite"`
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns" validate:"gte=1"`
}

// AuthConfig holds signing settings. An empty Algorithm disables auth.
type AuthConfig struct {
	Algorithm           string   `yaml:"algorithm"`
	SecretKeyBase64     string   `yaml:"secret_key_base64"`
	SecretKeyFromFile   string   `yaml:"secret_key_from_file"`
	DecodingKeyFromFile string   `yaml:"decoding_key_from_file"`
	EncodingKeyFromFile string   `yaml:"encoding_key_from_file"`
	TokenLifetime       Duration `yaml:"token_lifetime" validate:"gte=0"`
	SubjectPath         string   `yaml:"subject_path"`
}

type ServerConfig struct {
	Addr         string `yaml:"addr" validate:"required"`
	MaxBatch     int    `yaml:"max_batch" validate:"gte=1"`
	MaxBodyBytes int64  `yaml:"max_body_bytes" validate:"gte=1024"`
}

type CookieConfig struct {
	Name     string `yaml:"name" validate:"required"`
	Domain   string `yaml:"domain"`
	Path     string `yaml:"path"`
	Secure   bool   `yaml:"secure"`
	HTTPOnly bool   `yaml:"http_only"`
	SameSite string `yaml:"same_site" validate:"oneof=lax strict none"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DispatchConfig struct {
	Workers     int      `yaml:"workers" validate:"gte=1"`
	ItemTimeout Duration `yaml:"item_timeout" validate:"gte=0"`
}

type LogConfig struct {
	Format string `yaml:"format" validate:"oneof=text json"`
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
}

// Default returns the configuration used for anything the file leaves out.
func Default() *Config {
	return &Config{
		Source: SourceConfig{
			Root:         "sql",
			Debounce:     Duration(100 * time.Millisecond),
			UnusedParams: compiler.UnusedParamsError,
		},
		Database: DatabaseConfig{
			Driver:   "postgres",
			MaxConns: 10,
		},
		Auth: AuthConfig{
			TokenLifetime: Duration(auth.DefaultTokenLifetime),
		},
		Server: ServerConfig{
			Addr:         ":8080",
			MaxBatch:     64,
			MaxBodyBytes: 1 << 20,
		},
		Cookie: CookieConfig{
			Name:     auth.DefaultCookieName,
			Path:     "/",
			Secure:   true,
			HTTPOnly: true,
			SameSite: "lax",
		},
		Dispatch: DispatchConfig{
			Workers:     16,
			ItemTimeout: Duration(30 * time.Second),
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// Find returns the path of the first sqlpoint.yaml in dir or its parents.
func Find(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		path := filepath.Join(dir, FileName)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotFound
		}
		dir = parent
	}
}

// Load reads the config at path, or searches for one from the working
// directory when path is empty.
func Load(path string) (*Config, error) {
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		if path, err = Find(wd); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Path = path
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes a config document. lookup resolves from_env references.
// Relative paths are left as written.
func Parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := resolveEnv(&root, lookup); err != nil {
		return nil, err
	}

	resolved := []byte{}
	if root.Kind != 0 {
		var err error
		if resolved, err = yaml.Marshal(&root); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	var doc any
	if err := yaml.Unmarshal(resolved, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := checkSchema(doc); err != nil {
		return nil, err
	}

	cfg := Default()
	if len(bytes.TrimSpace(resolved)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(resolved))
		dec.KnownFields(true) // Reject unknown fields
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Auth.Algorithm != "" && strings.HasPrefix(c.Auth.Algorithm, "HS") &&
		c.Auth.SecretKeyBase64 == "" && c.Auth.SecretKeyFromFile == "" {
		return fmt.Errorf("invalid config: auth.algorithm %s needs secret_key_base64 or secret_key_from_file", c.Auth.Algorithm)
	}
	if c.Auth.SecretKeyBase64 != "" && c.Auth.SecretKeyFromFile != "" {
		return errors.New("invalid config: set only one of auth.secret_key_base64 and auth.secret_key_from_file")
	}
	return nil
}

// resolvePaths makes file paths relative to dir absolute. A sqlite
// database URL is a path too, except for in-memory databases.
func (c *Config) resolvePaths(dir string) {
	abs := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	abs(&c.Source.Root)
	abs(&c.Auth.SecretKeyFromFile)
	abs(&c.Auth.DecodingKeyFromFile)
	abs(&c.Auth.EncodingKeyFromFile)
	if c.Database.Driver == "sqlite" && !strings.HasPrefix(c.Database.URL, ":memory:") &&
		!strings.HasPrefix(c.Database.URL, "file:") {
		abs(&c.Database.URL)
	}
}

// AuthEnabled reports whether a signing algorithm is configured.
func (c *Config) AuthEnabled() bool {
	return c.Auth.Algorithm != ""
}

// GateConfig loads key material into an auth.Config.
func (a AuthConfig) GateConfig() (auth.Config, error) {
	cfg := auth.Config{
		Algorithm:     a.Algorithm,
		TokenLifetime: a.TokenLifetime.Std(),
		SubjectPath:   a.SubjectPath,
	}

	switch {
	case a.SecretKeyBase64 != "":
		secret, err := base64.StdEncoding.DecodeString(a.SecretKeyBase64)
		if err != nil {
			return auth.Config{}, fmt.Errorf("auth.secret_key_base64: %w", err)
		}
		cfg.Secret = secret
	case a.SecretKeyFromFile != "":
		secret, err := os.ReadFile(a.SecretKeyFromFile)
		if err != nil {
			return auth.Config{}, fmt.Errorf("auth.secret_key_from_file: %w", err)
		}
		cfg.Secret = bytes.TrimSpace(secret)
	}

	if a.DecodingKeyFromFile != "" {
		key, err := os.ReadFile(a.DecodingKeyFromFile)
		if err != nil {
			return auth.Config{}, fmt.Errorf("auth.decoding_key_from_file: %w", err)
		}
		cfg.DecodingKey = key
	}
	if a.EncodingKeyFromFile != "" {
		key, err := os.ReadFile(a.EncodingKeyFromFile)
		if err != nil {
			return auth.Config{}, fmt.Errorf("auth.encoding_key_from_file: %w", err)
		}
		cfg.EncodingKey = key
	}
	return cfg, nil
}

// CompilerOptions returns the compile options implied by the source section.
func (s SourceConfig) CompilerOptions() compiler.Options {
	return compiler.Options{UnusedParams: s.UnusedParams}
}
