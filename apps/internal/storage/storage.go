// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package storage is the encrypted key-value store underneath the token cache. Every item
is encoded and encrypted before it reaches the cache.Backend and decrypted on the way
back.

An entry that cannot be decrypted or decoded is logged and reported as absent, so that
one corrupt record never makes the rest of the cache unusable. Failures of the key
source itself are returned to the caller.
*/
package storage

import (
	"context"
	"errors"
	"iter"
	"strings"

	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/cache"
	adalErrors "github.com/AzureAD/azure-activedirectory-library-for-go/apps/errors"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/items"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/logger"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/metrics"
)

// Cipher encrypts values before they are stored. Implemented by *cipher.Cipher.
type Cipher interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, blob string) (string, error)
}

// Store maps opaque keys to items. It is safe for concurrent use when the backend is.
type Store struct {
	backend cache.Backend
	cipher  Cipher
	log     logger.LoggerInterface
	metrics *metrics.Metrics
}

// Option is an optional argument to New.
type Option func(s *Store)

// WithLogger sets the logger.
func WithLogger(l logger.LoggerInterface) Option {
	return func(s *Store) {
		s.log = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// New returns a Store writing to backend through c.
func New(backend cache.Backend, c Cipher, options ...Option) (*Store, error) {
	if backend == nil {
		return nil, adalErrors.ArgumentError{Arg: "backend", Msg: "a storage backend is required"}
	}
	if c == nil {
		return nil, adalErrors.ArgumentError{Arg: "cipher", Msg: "a cipher is required"}
	}
	s := &Store{backend: backend, cipher: c, log: logger.Discard()}
	for _, o := range options {
		o(s)
	}
	return s, nil
}

// Get returns the item stored under key. ok is false when there is no item or the stored
// value could not be read.
func (s *Store) Get(ctx context.Context, key string) (item items.Item, ok bool, err error) {
	blob, ok, err := s.backend.Read(ctx, key)
	if err != nil || !ok {
		return items.Item{}, false, err
	}
	return s.decode(ctx, key, blob)
}

// Set stores item under key, replacing any previous item.
func (s *Store) Set(ctx context.Context, key string, item items.Item) error {
	if key == "" {
		return adalErrors.ArgumentError{Arg: "key", Msg: "cache key is empty"}
	}
	b, err := item.Marshal()
	if err != nil {
		return err
	}
	blob, err := s.cipher.Encrypt(ctx, string(b))
	if err != nil {
		return err
	}
	return s.backend.Write(ctx, key, blob)
}

// Remove deletes key. Removing a missing key is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, key)
}

// RemoveAll deletes every item.
func (s *Store) RemoveAll(ctx context.Context) error {
	return s.backend.DeleteAll(ctx)
}

// All returns the items present when All is called. Items are read lazily during
// iteration; items removed in the meantime or unreadable are skipped. The sequence
// can only be ranged over once.
func (s *Store) All(ctx context.Context) (iter.Seq2[string, items.Item], error) {
	return s.Scan(ctx, "")
}

// Scan is All restricted to the keys starting with prefix. Only those items are read
// from the backend and decrypted.
func (s *Store) Scan(ctx context.Context, prefix string) (iter.Seq2[string, items.Item], error) {
	all, err := s.backend.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}

	return func(yield func(string, items.Item) bool) {
		for len(keys) > 0 {
			key := keys[0]
			keys = keys[1:]

			item, ok, err := s.Get(ctx, key)
			if err != nil {
				s.log.Log(ctx, logger.Warn, "skipping cache entry during iteration", "key", key, "error", err.Error())
				continue
			}
			if !ok {
				continue
			}
			if !yield(key, item) {
				return
			}
		}
	}, nil
}

func (s *Store) decode(ctx context.Context, key, blob string) (items.Item, bool, error) {
	plain, err := s.cipher.Decrypt(ctx, blob)
	if err != nil {
		var fce adalErrors.FatalConfigError
		if errors.As(err, &fce) {
			return items.Item{}, false, err
		}
		s.unreadable(ctx, key, reason(err), err)
		return items.Item{}, false, nil
	}

	item, err := items.Unmarshal([]byte(plain))
	if err != nil {
		s.unreadable(ctx, key, "decode", err)
		return items.Item{}, false, nil
	}
	return item, true, nil
}

func (s *Store) unreadable(ctx context.Context, key, why string, err error) {
	s.log.Log(ctx, logger.Warn, "cache entry is unreadable, treating it as absent", "key", key, "reason", why, "error", err.Error())
	s.metrics.UnreadableEntry(why)
}

func reason(err error) string {
	var (
		ie adalErrors.IntegrityError
		fe adalErrors.FormatError
	)
	switch {
	case errors.As(err, &ie):
		return "integrity"
	case errors.As(err, &fe):
		return "format"
	}
	return "decrypt"
}
