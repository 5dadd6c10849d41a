// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package config loads the settings of a token cache client from a YAML file and ADAL_
environment variables, and turns them into public.Client options.

Every key can be set in the environment: storage.kind is ADAL_STORAGE_KIND. Environment
variables win over the file, the file wins over the defaults.
*/
package config

import (
	"context"
	"encoding/base64"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/cache"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/errors"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/cachekey"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/items"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/oauth"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/public"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables read by Load.
const EnvPrefix = "ADAL"

// Storage kinds.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
)

// Key sources.
const (
	KeyKeyring = "keyring"
	KeySecret  = "secret"
	KeyVault   = "vault"
	KeyRaw     = "raw"
)

// Settings is the configuration of a client. Build it once with Load and pass it on.
type Settings struct {
	Authority   string `mapstructure:"authority"`
	ClientID    string `mapstructure:"client_id"`
	RedirectURI string `mapstructure:"redirect_uri"`
	// Resource is the resource requested when a command names none.
	Resource string `mapstructure:"resource"`

	Storage Storage `mapstructure:"storage"`
	Key     Key     `mapstructure:"key"`

	ClockSkew        time.Duration `mapstructure:"clock_skew"`
	HTTPTimeout      time.Duration `mapstructure:"http_timeout"`
	ExtendedLifetime bool          `mapstructure:"extended_lifetime"`
	LogLevel         string        `mapstructure:"log_level"`
}

// Storage selects the cache backend.
type Storage struct {
	Kind string `mapstructure:"kind"`
	// Path is the file of the file and sqlite backends.
	Path string `mapstructure:"path"`

	RedisAddrs     []string      `mapstructure:"redis_addrs"`
	RedisPassword  string        `mapstructure:"redis_password"`
	RedisDB        int           `mapstructure:"redis_db"`
	RedisKeyPrefix string        `mapstructure:"redis_key_prefix"`
	RedisTTL       time.Duration `mapstructure:"redis_ttl"`
}

// Key selects where the cache encryption key comes from. With Fallback set to
// "secret", a keyring that cannot be used falls back to the derived key.
type Key struct {
	Source   string `mapstructure:"source"`
	Fallback string `mapstructure:"fallback"`

	KeyringService string `mapstructure:"keyring_service"`
	KeyringAccount string `mapstructure:"keyring_account"`

	Secret     string `mapstructure:"secret"`
	SaltFile   string `mapstructure:"salt_file"`
	Iterations int    `mapstructure:"iterations"`

	VaultURL    string `mapstructure:"vault_url"`
	VaultSecret string `mapstructure:"vault_secret"`
	// VaultToken is a bearer token for Key Vault, used when no credential is given.
	VaultToken string `mapstructure:"vault_token"`

	// Raw is a base64 encoded 32 byte key.
	Raw string `mapstructure:"raw"`
}

// DefaultDir is where the cache and the salt are kept by default.
func DefaultDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "adal")
}

func setDefaults(v *viper.Viper) {
	dir := DefaultDir()

	v.SetDefault("authority", public.AuthorityPublicCloud)
	v.SetDefault("client_id", "")
	v.SetDefault("redirect_uri", "http://localhost")
	v.SetDefault("resource", "")

	v.SetDefault("storage.kind", StorageFile)
	v.SetDefault("storage.path", filepath.Join(dir, "token_cache.json"))
	v.SetDefault("storage.redis_addrs", []string{})
	v.SetDefault("storage.redis_password", "")
	v.SetDefault("storage.redis_db", 0)
	v.SetDefault("storage.redis_key_prefix", cache.DefaultKeyPrefix)
	v.SetDefault("storage.redis_ttl", time.Duration(0))

	v.SetDefault("key.source", KeyKeyring)
	v.SetDefault("key.fallback", "")
	v.SetDefault("key.keyring_service", "")
	v.SetDefault("key.keyring_account", "")
	v.SetDefault("key.secret", "")
	v.SetDefault("key.salt_file", filepath.Join(dir, "salt"))
	v.SetDefault("key.iterations", 0)
	v.SetDefault("key.vault_url", "")
	v.SetDefault("key.vault_secret", "adal-token-cache-key")
	v.SetDefault("key.vault_token", "")
	v.SetDefault("key.raw", "")

	v.SetDefault("clock_skew", items.DefaultSkew)
	v.SetDefault("http_timeout", oauth.DefaultTimeout)
	v.SetDefault("extended_lifetime", false)
	v.SetDefault("log_level", "warning")
}

// Load reads the settings. path names a YAML file; when empty, adal.yaml is looked
// for in the working directory and in DefaultDir, and it is fine if there is none.
func Load(path string) (Settings, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("adal")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultDir())
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !stdErrors.As(err, &notFound) {
			return Settings{}, errors.FatalConfigError{Msg: "failed to read config file", Err: err}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.FatalConfigError{Msg: "failed to unmarshal config", Err: err}
	}
	return s, s.Validate()
}

// Validate checks the settings without touching storage or key sources.
func (s Settings) Validate() error {
	if _, err := cachekey.NormalizeAuthority(s.Authority); err != nil {
		return err
	}
	if s.ClientID == "" {
		return errors.FatalConfigError{Msg: "client_id is not set"}
	}
	if s.ClockSkew < 0 {
		return errors.FatalConfigError{Msg: "clock_skew cannot be negative"}
	}
	if s.HTTPTimeout <= 0 {
		return errors.FatalConfigError{Msg: "http_timeout must be positive"}
	}
	if _, err := log.ParseLevel(s.LogLevel); err != nil {
		return errors.FatalConfigError{Msg: "log_level is not a level", Err: err}
	}

	switch s.Storage.Kind {
	case StorageMemory:
	case StorageFile, StorageSQLite:
		if s.Storage.Path == "" {
			return errors.FatalConfigError{Msg: fmt.Sprintf("storage.path is required for the %s backend", s.Storage.Kind)}
		}
	case StorageRedis:
		if len(s.Storage.RedisAddrs) == 0 {
			return errors.FatalConfigError{Msg: "storage.redis_addrs is required for the redis backend"}
		}
	default:
		return errors.FatalConfigError{Msg: fmt.Sprintf("storage.kind %q is not one of memory, file, sqlite, redis", s.Storage.Kind)}
	}

	if err := s.Key.validateSource(s.Key.Source); err != nil {
		return err
	}
	if s.Key.Fallback != "" {
		return s.Key.validateSource(s.Key.Fallback)
	}
	return nil
}

func (k Key) validateSource(source string) error {
	switch source {
	case KeyKeyring:
	case KeySecret:
		if k.Secret == "" {
			return errors.FatalConfigError{Msg: "key.secret is required for the secret key source"}
		}
		if k.SaltFile == "" {
			return errors.FatalConfigError{Msg: "key.salt_file is required for the secret key source"}
		}
	case KeyVault:
		if k.VaultURL == "" || k.VaultSecret == "" {
			return errors.FatalConfigError{Msg: "key.vault_url and key.vault_secret are required for the vault key source"}
		}
	case KeyRaw:
		b, err := base64.StdEncoding.DecodeString(k.Raw)
		if err != nil || len(b) != 32 {
			return errors.FatalConfigError{Msg: "key.raw must be 32 bytes, base64 encoded", Err: err}
		}
	default:
		return errors.FatalConfigError{Msg: fmt.Sprintf("key.source %q is not one of keyring, secret, vault, raw", source)}
	}
	return nil
}

// Logger returns a logrus logger at the configured level, writing to stderr.
func (s Settings) Logger() *log.Logger {
	l := log.New()
	l.SetOutput(os.Stderr)
	if level, err := log.ParseLevel(s.LogLevel); err == nil {
		l.SetLevel(level)
	}
	return l
}

// Backend opens the configured storage backend.
func (s Settings) Backend(ctx context.Context) (cache.Backend, error) {
	var (
		b   cache.Backend
		err error
	)
	switch s.Storage.Kind {
	case StorageMemory:
		return cache.NewMemory(), nil
	case StorageFile:
		b, err = cache.NewFile(s.Storage.Path)
	case StorageSQLite:
		if err := os.MkdirAll(filepath.Dir(s.Storage.Path), 0o700); err != nil {
			return nil, fmt.Errorf("could not create cache directory: %w", err)
		}
		b, err = cache.NewSQLite(ctx, s.Storage.Path)
	case StorageRedis:
		b, err = cache.NewRedis(ctx, cache.RedisOptions{
			Addrs:     s.Storage.RedisAddrs,
			Password:  s.Storage.RedisPassword,
			DB:        s.Storage.RedisDB,
			KeyPrefix: s.Storage.RedisKeyPrefix,
			TTL:       s.Storage.RedisTTL,
		})
	default:
		return nil, errors.FatalConfigError{Msg: fmt.Sprintf("unknown storage kind %q", s.Storage.Kind)}
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// KeySources returns the configured key source followed by the fallback. cred
// authenticates to Key Vault; when nil, key.vault_token is used.
func (s Settings) KeySources(cred azcore.TokenCredential) ([]public.KeySource, error) {
	var sources []public.KeySource
	for _, source := range []string{s.Key.Source, s.Key.Fallback} {
		if source == "" {
			continue
		}
		ks, err := s.Key.source(source, cred)
		if err != nil {
			return nil, err
		}
		sources = append(sources, ks)
	}
	return sources, nil
}

func (k Key) source(source string, cred azcore.TokenCredential) (public.KeySource, error) {
	switch source {
	case KeyKeyring:
		return public.KeyringKey(k.KeyringService, k.KeyringAccount), nil
	case KeySecret:
		salt, err := public.SaltFile(k.SaltFile)
		if err != nil {
			return nil, errors.FatalConfigError{Msg: "could not read the key salt", Err: err}
		}
		return public.DerivedKey([]byte(k.Secret), salt, k.Iterations)
	case KeyVault:
		if cred == nil {
			if k.VaultToken == "" {
				return nil, errors.FatalConfigError{Msg: "the vault key source needs a credential or key.vault_token"}
			}
			cred = staticToken(k.VaultToken)
		}
		return public.VaultKey(k.VaultURL, k.VaultSecret, cred)
	case KeyRaw:
		b, err := base64.StdEncoding.DecodeString(k.Raw)
		if err != nil {
			return nil, errors.FatalConfigError{Msg: "key.raw is not base64", Err: err}
		}
		return public.RawKey(b)
	}
	return nil, errors.FatalConfigError{Msg: fmt.Sprintf("unknown key source %q", source)}
}

// Options returns the client options the settings describe. The caller owns the
// backend and closes it through public.Client.Close.
func (s Settings) Options(ctx context.Context, cred azcore.TokenCredential) ([]public.Option, error) {
	sources, err := s.KeySources(cred)
	if err != nil {
		return nil, err
	}
	backend, err := s.Backend(ctx)
	if err != nil {
		return nil, err
	}

	opts := []public.Option{
		public.WithAuthority(s.Authority),
		public.WithBackend(backend),
		public.WithKeySources(sources...),
		public.WithLogger(s.Logger()),
		public.WithSkew(s.ClockSkew),
		public.WithTimeout(s.HTTPTimeout),
	}
	if s.ExtendedLifetime {
		opts = append(opts, public.WithExtendedLifetime())
	}
	return opts, nil
}

// staticToken is a credential for a bearer token obtained elsewhere, such as from
// "az account get-access-token --resource https://vault.azure.net".
type staticToken string

func (t staticToken) GetToken(context.Context, policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{Token: string(t), ExpiresOn: time.Now().Add(time.Hour)}, nil
}
