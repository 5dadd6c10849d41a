// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package cipher

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/errors"
	"github.com/gofrs/flock"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations is the PBKDF2 iteration count for new derived keys.
	DefaultIterations = 600_000
	// LegacyIterations and LegacySalt reproduce keys derived by older clients.
	LegacyIterations = 100
	LegacySalt       = "abcdedfdfd"

	saltLen = 16
)

// DerivedKeySource derives the master key from a caller supplied secret with
// PBKDF2-HMAC-SHA256. The key is derived once and kept in memory.
type DerivedKeySource struct {
	secret     []byte
	salt       []byte
	iterations int

	once sync.Once
	key  []byte
}

// NewDerivedKeySource returns a key source for secret. salt should come from NewSalt
// or LoadOrCreateSalt; LegacySalt is only for reading data written by older clients.
// iterations <= 0 uses DefaultIterations.
func NewDerivedKeySource(secret, salt []byte, iterations int) (*DerivedKeySource, error) {
	if len(secret) == 0 {
		return nil, errors.ArgumentError{Arg: "secret", Msg: "cannot derive a key from an empty secret"}
	}
	if len(salt) == 0 {
		return nil, errors.ArgumentError{Arg: "salt", Msg: "salt is required"}
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &DerivedKeySource{
		secret:     append([]byte(nil), secret...),
		salt:       append([]byte(nil), salt...),
		iterations: iterations,
	}, nil
}

// Version implements KeySource.
func (d *DerivedKeySource) Version() KeyVersion {
	return VersionDerived
}

// Key implements KeySource.
func (d *DerivedKeySource) Key(context.Context) ([]byte, error) {
	d.once.Do(func() {
		d.key = pbkdf2.Key(d.secret, d.salt, d.iterations, keyLen, sha256.New)
	})
	return d.key, nil
}

// RawKeySource uses a caller supplied 32 byte key as the master key.
type RawKeySource struct {
	key []byte
}

// NewRawKeySource returns a key source for a raw key.
func NewRawKeySource(key []byte) (*RawKeySource, error) {
	if len(key) != keyLen {
		return nil, errors.ArgumentError{Arg: "key", Msg: fmt.Sprintf("key must be %d bytes, got %d", keyLen, len(key))}
	}
	return &RawKeySource{key: append([]byte(nil), key...)}, nil
}

// Version implements KeySource.
func (r *RawKeySource) Version() KeyVersion {
	return VersionDerived
}

// Key implements KeySource.
func (r *RawKeySource) Key(context.Context) ([]byte, error) {
	return r.key, nil
}

// NewSalt returns a random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// LoadOrCreateSalt reads the salt stored at path, creating it with a random salt if
// the file does not exist. Creation holds a lock file next to path, so processes
// racing to create the salt all end up with the one that was written.
func LoadOrCreateSalt(path string) ([]byte, error) {
	if salt, err := os.ReadFile(path); err == nil && len(salt) >= saltLen {
		return salt, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("could not lock salt file %s: %w", path, err)
	}
	defer func() { _ = lock.Unlock() }()

	salt, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(salt) < saltLen {
			return nil, errors.FormatError{Msg: fmt.Sprintf("salt file %s holds %d bytes, want %d", path, len(salt), saltLen)}
		}
		return salt, nil
	case !os.IsNotExist(err):
		return nil, err
	}

	salt, err = NewSalt()
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.Write(salt); err != nil {
		return nil, err
	}
	return salt, f.Sync()
}
