// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable [Load] reads the config path
// from.
const EnvVar = "BOXSYNC_CONFIG"

// Environment selects which override section applies.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Remote backend kinds accepted in remote.kind.
const (
	RemoteMemory = "memory"
	RemoteMatrix = "matrix"
	RemoteS3     = "s3"
	RemoteSQLite = "sqlite"
)

var remoteKinds = []string{RemoteMemory, RemoteMatrix, RemoteS3, RemoteSQLite}

var compressionNames = []string{"", "none", "lz4", "zstd"}

// Config is the boxsync client configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Paths  PathsConfig  `yaml:"paths"`
	KDF    KDFConfig    `yaml:"kdf"`
	Engine EngineConfig `yaml:"engine"`
	Remote RemoteConfig `yaml:"remote"`

	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides holds per-environment values. Zero fields leave the
// base value in place.
type ConfigOverrides struct {
	Paths  *PathsConfig  `yaml:"paths,omitempty"`
	Engine *EngineConfig `yaml:"engine,omitempty"`
	Remote *RemoteConfig `yaml:"remote,omitempty"`
}

// PathsConfig locates local state.
type PathsConfig struct {
	// Root is the base directory for boxsync state.
	Root string `yaml:"root"`

	// Index is the encrypted index file for the box.
	Index string `yaml:"index"`

	// Identity is the age identity file used to open sealed share
	// bundles.
	Identity string `yaml:"identity"`

	// PassphraseFile, when set, is read instead of prompting. Must be
	// mode 0600. "-" reads stdin.
	PassphraseFile string `yaml:"passphrase_file"`
}

// KDFConfig is the Argon2id work factor applied when a box is created.
// Existing boxes carry their own parameters in the index header.
type KDFConfig struct {
	Time      uint32 `yaml:"time"`
	MemoryKiB uint32 `yaml:"memory_kib"`
	Threads   uint8  `yaml:"threads"`
}

// EngineConfig tunes the sync engine. Zero values select the engine
// defaults.
type EngineConfig struct {
	ChunkSize       int           `yaml:"chunk_size"`
	Concurrency     int           `yaml:"concurrency"`
	MaxRetries      int           `yaml:"max_retries"`
	BaseBackoff     time.Duration `yaml:"base_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	Compression     string        `yaml:"compression"`
	BackupRetention int           `yaml:"backup_retention"`
}

// RemoteConfig selects and configures the remote backend.
type RemoteConfig struct {
	Kind   string       `yaml:"kind"`
	Matrix MatrixConfig `yaml:"matrix"`
	S3     S3Config     `yaml:"s3"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// MatrixConfig addresses a Matrix room used as the box.
type MatrixConfig struct {
	Homeserver string `yaml:"homeserver"`
	RoomID     string `yaml:"room_id"`

	// TokenFile holds the access token. BOXSYNC_MATRIX_TOKEN is used
	// when it is empty.
	TokenFile string `yaml:"token_file"`
}

// S3Config addresses an S3 bucket or S3-compatible store.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
	AccessKeyID  string `yaml:"access_key_id"`

	// SecretKeyFile holds the secret access key for AccessKeyID.
	SecretKeyFile string `yaml:"secret_key_file"`
}

// SQLiteConfig places blobs in a local SQLite file.
type SQLiteConfig struct {
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

// Default returns the development configuration: state under
// ~/.local/share/boxsync, a SQLite mirror beside the index as the
// remote, and engine defaults.
func Default() *Config {
	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:     "${HOME}/.local/share/boxsync",
			Index:    "${BOXSYNC_ROOT}/index.box",
			Identity: "${BOXSYNC_ROOT}/identity.age",
		},
		KDF: KDFConfig{
			Time:      3,
			MemoryKiB: 64 * 1024,
			Threads:   4,
		},
		Engine: EngineConfig{
			Compression: "none",
		},
		Remote: RemoteConfig{
			Kind: RemoteSQLite,
			SQLite: SQLiteConfig{
				Path: "${BOXSYNC_ROOT}/mirror.db",
			},
		},
	}
}

// Load reads the file named by BOXSYNC_CONFIG. There is no search
// path: without the variable, Load fails.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your boxsync.yaml config file, or use --config flag", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile reads configuration from path on top of [Default], applies
// the section for the selected environment, and expands ${VAR} in
// paths. The result is not validated; call [Config.Validate].
func LoadFile(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	config.applyEnvironmentOverrides()
	config.expandVariables()
	return config, nil
}

// Resolve picks the configuration the CLI runs with: the file at path
// when given, else the file named by BOXSYNC_CONFIG, else [Default]
// with variables expanded. The result is validated.
func Resolve(path string) (*Config, error) {
	var config *Config
	var err error
	switch {
	case path != "":
		config, err = LoadFile(path)
	case os.Getenv(EnvVar) != "":
		config, err = Load()
	default:
		config = Default()
		config.expandVariables()
	}
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if paths := overrides.Paths; paths != nil {
		overrideString(&c.Paths.Root, paths.Root)
		overrideString(&c.Paths.Index, paths.Index)
		overrideString(&c.Paths.Identity, paths.Identity)
		overrideString(&c.Paths.PassphraseFile, paths.PassphraseFile)
	}

	if engine := overrides.Engine; engine != nil {
		overrideValue(&c.Engine.ChunkSize, engine.ChunkSize)
		overrideValue(&c.Engine.Concurrency, engine.Concurrency)
		overrideValue(&c.Engine.MaxRetries, engine.MaxRetries)
		overrideValue(&c.Engine.BaseBackoff, engine.BaseBackoff)
		overrideValue(&c.Engine.MaxBackoff, engine.MaxBackoff)
		overrideValue(&c.Engine.CallTimeout, engine.CallTimeout)
		overrideString(&c.Engine.Compression, engine.Compression)
		overrideValue(&c.Engine.BackupRetention, engine.BackupRetention)
	}

	// A remote override replaces the whole section: mixing the base
	// Matrix room with an override's S3 bucket is never intended.
	if overrides.Remote != nil && overrides.Remote.Kind != "" {
		remote := *overrides.Remote
		if remote.SQLite.Path == "" {
			remote.SQLite.Path = c.Remote.SQLite.Path
		}
		c.Remote = remote
	}
}

func overrideString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func overrideValue[T int | time.Duration](target *T, value T) {
	if value != 0 {
		*target = value
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["BOXSYNC_ROOT"] = c.Paths.Root

	c.Paths.Index = expandVars(c.Paths.Index, vars)
	c.Paths.Identity = expandVars(c.Paths.Identity, vars)
	c.Paths.PassphraseFile = expandVars(c.Paths.PassphraseFile, vars)
	c.Remote.Matrix.TokenFile = expandVars(c.Remote.Matrix.TokenFile, vars)
	c.Remote.S3.SecretKeyFile = expandVars(c.Remote.S3.SecretKeyFile, vars)
	c.Remote.SQLite.Path = expandVars(c.Remote.SQLite.Path, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default}. Names in vars win
// over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

// Validate reports every configuration error at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case Development, Staging, Production:
	default:
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}

	if c.Paths.Index == "" {
		errs = append(errs, errors.New("paths.index is required"))
	}

	if c.KDF.Time < 1 {
		errs = append(errs, errors.New("kdf.time must be at least 1"))
	}
	if c.KDF.Threads < 1 {
		errs = append(errs, errors.New("kdf.threads must be at least 1"))
	}
	if c.KDF.MemoryKiB < 8*1024 {
		errs = append(errs, fmt.Errorf("kdf.memory_kib must be at least 8192, got %d", c.KDF.MemoryKiB))
	}

	engine := c.Engine
	if engine.ChunkSize < 0 || engine.Concurrency < 0 || engine.BackupRetention < 0 {
		errs = append(errs, errors.New("engine.chunk_size, engine.concurrency and engine.backup_retention must not be negative"))
	}
	if engine.BaseBackoff < 0 || engine.MaxBackoff < 0 || engine.CallTimeout < 0 {
		errs = append(errs, errors.New("engine durations must not be negative"))
	}
	if engine.BaseBackoff > 0 && engine.MaxBackoff > 0 && engine.MaxBackoff < engine.BaseBackoff {
		errs = append(errs, fmt.Errorf("engine.max_backoff %s is below engine.base_backoff %s", engine.MaxBackoff, engine.BaseBackoff))
	}
	if !slices.Contains(compressionNames, engine.Compression) {
		errs = append(errs, fmt.Errorf("engine.compression must be one of: none, lz4, zstd"))
	}

	errs = append(errs, c.Remote.validate()...)
	if c.Environment == Production && c.Remote.Kind == RemoteMemory {
		errs = append(errs, errors.New("remote.kind memory is not allowed in production"))
	}

	return errors.Join(errs...)
}

func (r RemoteConfig) validate() []error {
	var errs []error
	switch r.Kind {
	case RemoteMemory:
	case RemoteMatrix:
		if r.Matrix.Homeserver == "" {
			errs = append(errs, errors.New("remote.matrix.homeserver is required"))
		}
		if r.Matrix.RoomID == "" {
			errs = append(errs, errors.New("remote.matrix.room_id is required"))
		}
	case RemoteS3:
		if r.S3.Bucket == "" {
			errs = append(errs, errors.New("remote.s3.bucket is required"))
		}
		if r.S3.AccessKeyID != "" && r.S3.SecretKeyFile == "" {
			errs = append(errs, errors.New("remote.s3.secret_key_file is required with access_key_id"))
		}
	case RemoteSQLite:
		if r.SQLite.Path == "" {
			errs = append(errs, errors.New("remote.sqlite.path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("remote.kind must be one of: %v", remoteKinds))
	}
	return errs
}

// EnsurePaths creates the directories holding the index and identity.
func (c *Config) EnsurePaths() error {
	directories := []string{
		c.Paths.Root,
		filepath.Dir(c.Paths.Index),
		filepath.Dir(c.Paths.Identity),
	}
	for _, directory := range directories {
		if directory == "" || directory == "." {
			continue
		}
		if err := os.MkdirAll(directory, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", directory, err)
		}
	}
	return nil
}
