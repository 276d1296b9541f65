package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/ftauth/dpop/dpop"
	"github.com/ftauth/dpop/jwt"
	"github.com/ftauth/dpop/storage"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// ServerConfig holds configuration variables for the server.
type ServerConfig struct {
	Scheme string
	Host   string
	Port   string
}

// URL returns the main gateway URL for the server.
func (s *ServerConfig) URL() string {
	host := s.Host
	includePort := func() bool {
		if s.Port == "" {
			return false
		}
		if s.Scheme == "http" {
			return s.Port != "80"
		}
		return s.Port != "443"
	}()
	if includePort {
		host = fmt.Sprintf("%s:%s", host, s.Port)
	}
	uri := url.URL{
		Scheme: s.Scheme,
		Host:   host,
	}
	return uri.String()
}

// Addr returns the listen address.
func (s *ServerConfig) Addr() string {
	return ":" + s.Port
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
}

// RotationConfig holds key rotation settings.
type RotationConfig struct {
	KeyLifetime         time.Duration `mapstructure:"key_lifetime"`
	AutoRotate          bool          `mapstructure:"auto_rotate"`
	CheckInterval       time.Duration `mapstructure:"check_interval"`
	ExpiredKeyRetention time.Duration `mapstructure:"expired_key_retention"`
}

// DPoPConfig holds proof generation and validation settings.
type DPoPConfig struct {
	KeyAlgorithm         jwt.Algorithm   `mapstructure:"key_algorithm"`
	ProofLifetime        time.Duration   `mapstructure:"proof_lifetime"`
	ClockSkewTolerance   time.Duration   `mapstructure:"clock_skew_tolerance"`
	ReplayTTL            time.Duration   `mapstructure:"replay_ttl"`
	MaxProofSize         int             `mapstructure:"max_proof_size"`
	RequireTokenBinding  bool            `mapstructure:"require_token_binding"`
	EnforceProofLifetime bool            `mapstructure:"enforce_proof_lifetime"`
	KeyStorage           storage.Backend `mapstructure:"key_storage"`
	Rotation             RotationConfig
}

// RedisConfig holds settings for the Redis replay store.
type RedisConfig struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string `mapstructure:"key_prefix"`
}

// BadgerConfig holds settings for the embedded replay store.
type BadgerConfig struct {
	Dir      string
	InMemory bool `mapstructure:"in_memory"`
}

// MemoryConfig holds settings for the in-process replay store.
type MemoryConfig struct {
	MaxEntries      int           `mapstructure:"max_entries"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// StorageConfig holds settings for every replay store backend.
type StorageConfig struct {
	Redis  RedisConfig
	Badger BadgerConfig
	Memory MemoryConfig
}

// Config holds configuration information for the program.
type Config struct {
	Server  *ServerConfig
	Log     LogConfig
	DPoP    DPoPConfig `mapstructure:"dpop"`
	Storage StorageConfig
	Remain  map[string]interface{} `mapstructure:",remain"`

	// Path is the directory of the configuration file, or the default
	// configuration directory when none was found.
	Path string `mapstructure:"-"`
}

// Current is the last configuration loaded by Load.
var Current Config

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("server", map[string]interface{}{
		"scheme": "http",
		"host":   "localhost",
		"port":   "8000",
	})
	v.SetDefault("log.level", "info")

	v.SetDefault("dpop.key_algorithm", string(jwt.AlgorithmECDSASHA256))
	v.SetDefault("dpop.proof_lifetime", "60s")
	v.SetDefault("dpop.clock_skew_tolerance", "300s")
	v.SetDefault("dpop.replay_ttl", "0s")
	v.SetDefault("dpop.max_proof_size", dpop.MaxProofSize)
	v.SetDefault("dpop.require_token_binding", false)
	v.SetDefault("dpop.enforce_proof_lifetime", true)
	v.SetDefault("dpop.key_storage", string(storage.BackendMemory))
	v.SetDefault("dpop.rotation", map[string]interface{}{
		"key_lifetime":          "24h",
		"auto_rotate":           false,
		"check_interval":        "1h",
		"expired_key_retention": "10m",
	})

	v.SetDefault("storage.redis", map[string]interface{}{
		"addr":       "localhost:6379",
		"username":   "",
		"password":   "",
		"db":         0,
		"key_prefix": storage.DefaultKeyPrefix,
	})
	v.SetDefault("storage.badger.dir", "")
	v.SetDefault("storage.badger.in_memory", false)
	v.SetDefault("storage.memory.max_entries", 0)
	v.SetDefault("storage.memory.cleanup_interval", "1m")
}

// stringToAlgorithmHookFunc normalizes and checks algorithm names.
func stringToAlgorithmHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(jwt.Algorithm("")) {
			return data, nil
		}
		alg := jwt.Algorithm(strings.ToUpper(strings.TrimSpace(data.(string))))
		if !dpop.IsSupportedAlgorithm(alg) {
			return nil, fmt.Errorf("unsupported key algorithm %q", data)
		}
		return alg, nil
	}
}

// stringToBackendHookFunc resolves backend aliases.
func stringToBackendHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(storage.Backend("")) {
			return data, nil
		}
		return storage.ParseBackend(data.(string))
	}
}

// Load reads the configuration from path, or from the first config.yaml
// found in /etc/dpop and ~/.dpop when path is empty. Environment variables
// prefixed with DPOP_ override file values, e.g. DPOP_DPOP_KEY_ALGORITHM.
func Load(path string) (*Config, error) {
	v := viper.New()
	setConfigDefaults(v)

	v.SetEnvPrefix("dpop")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var dir string
	if path != "" {
		v.SetConfigFile(path)
		dir = filepath.Dir(path)
	} else {
		v.AddConfigPath("/etc/dpop/")
		home, err := homedir.Expand("~/.dpop")
		if err != nil {
			return nil, errors.Wrap(err, "locating home directory")
		}
		v.AddConfigPath(home)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		dir = home
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, dpop.WrapError(dpop.KindConfigurationError, err, "reading config file")
		}
		log.Debug("No configuration found. Running with defaults...")
	} else {
		dir = filepath.Dir(v.ConfigFileUsed())
	}

	var config Config
	err := v.Unmarshal(&config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToAlgorithmHookFunc(),
		stringToBackendHookFunc(),
	)))
	if err != nil {
		return nil, dpop.WrapError(dpop.KindConfigurationError, err, "decoding config")
	}
	config.Path = dir
	if config.Storage.Badger.Dir == "" && !config.Storage.Badger.InMemory {
		config.Storage.Badger.Dir = filepath.Join(dir, "data")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	Current = config
	return &config, nil
}

// Validate checks values the decoder cannot.
func (config *Config) Validate() error {
	d := config.DPoP
	durations := map[string]time.Duration{
		"dpop.proof_lifetime":             d.ProofLifetime,
		"dpop.clock_skew_tolerance":       d.ClockSkewTolerance,
		"dpop.replay_ttl":                 d.ReplayTTL,
		"dpop.rotation.key_lifetime":      d.Rotation.KeyLifetime,
		"dpop.rotation.check_interval":    d.Rotation.CheckInterval,
		"storage.memory.cleanup_interval": config.Storage.Memory.CleanupInterval,
	}
	for key, value := range durations {
		if value < 0 {
			return dpop.NewError(dpop.KindConfigurationError, key+" must not be negative")
		}
	}
	if d.MaxProofSize < 0 {
		return dpop.NewError(dpop.KindConfigurationError, "dpop.max_proof_size must not be negative")
	}
	if d.KeyStorage == storage.BackendHardware {
		return dpop.NewError(dpop.KindConfigurationError, "hardware-backed key storage is not supported")
	}
	if _, err := log.ParseLevel(config.Log.Level); err != nil {
		return dpop.WrapError(dpop.KindConfigurationError, err, "log.level")
	}
	return nil
}

// Logger returns a logger at the configured level.
func (config *Config) Logger() *log.Logger {
	logger := log.New()
	if level, err := log.ParseLevel(config.Log.Level); err == nil {
		logger.SetLevel(level)
	}
	return logger
}

// ValidatorConfig returns the proof validation parameters.
func (config *Config) ValidatorConfig(logger log.FieldLogger) dpop.ValidatorConfig {
	d := config.DPoP
	return dpop.ValidatorConfig{
		ClockSkewTolerance:   d.ClockSkewTolerance,
		ProofLifetime:        d.ProofLifetime,
		EnforceProofLifetime: d.EnforceProofLifetime,
		RequireTokenBinding:  d.RequireTokenBinding,
		ReplayTTL:            d.ReplayTTL,
		MaxProofSize:         d.MaxProofSize,
		Logger:               logger,
	}
}

// RotationPolicy returns the key rotation policy.
func (config *Config) RotationPolicy() dpop.KeyRotationPolicy {
	r := config.DPoP.Rotation
	return dpop.KeyRotationPolicy{
		KeyLifetime:           r.KeyLifetime,
		AutoRotate:            r.AutoRotate,
		RotationCheckInterval: r.CheckInterval,
		ExpiredKeyRetention:   r.ExpiredKeyRetention,
	}
}

// StorageOptions returns the replay store selection.
func (config *Config) StorageOptions(logger log.FieldLogger) storage.Options {
	s := config.Storage
	return storage.Options{
		Backend: config.DPoP.KeyStorage,
		Memory: storage.MemoryOptions{
			MaxEntries:      s.Memory.MaxEntries,
			CleanupInterval: s.Memory.CleanupInterval,
		},
		Redis: storage.RedisOptions{
			Addr:      s.Redis.Addr,
			Username:  s.Redis.Username,
			Password:  s.Redis.Password,
			DB:        s.Redis.DB,
			KeyPrefix: s.Redis.KeyPrefix,
		},
		Badger: storage.BadgerOptions{
			Dir:      s.Badger.Dir,
			InMemory: s.Badger.InMemory,
			Logger:   logger,
		},
		Logger: logger,
	}
}

// GeneratorConfig returns the proof generation parameters.
func (config *Config) GeneratorConfig(logger log.FieldLogger) dpop.GeneratorConfig {
	return dpop.GeneratorConfig{
		Algorithm: config.DPoP.KeyAlgorithm,
		Logger:    logger,
	}
}
