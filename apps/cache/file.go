// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// lockTimeout is the maximum time to wait for the file lock.
const lockTimeout = 5 * time.Second

// File is a Backend that keeps all values in one JSON file. Access from several
// processes is serialized with a lock file next to it; writes replace the file
// atomically.
type File struct {
	path string
	lock *flock.Flock

	// mu serializes use of lock within this process.
	mu     sync.Mutex
	closed bool
}

var _ Backend = (*File)(nil)

// NewFile returns a File backend storing values at path. The directory is created
// if needed.
func NewFile(path string) (*File, error) {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("could not create cache directory: %w", err)
	}
	return &File{path: path, lock: flock.New(path + ".lock")}, nil
}

// Read implements Backend.Read().
func (f *File) Read(ctx context.Context, key string) (string, bool, error) {
	var (
		v  string
		ok bool
	)
	err := f.withLock(ctx, false, func() error {
		values, err := f.load()
		if err != nil {
			return err
		}
		v, ok = values[key]
		return nil
	})
	return v, ok, err
}

// Write implements Backend.Write().
func (f *File) Write(ctx context.Context, key, value string) error {
	return f.update(ctx, func(values map[string]string) {
		values[key] = value
	})
}

// Delete implements Backend.Delete().
func (f *File) Delete(ctx context.Context, key string) error {
	return f.update(ctx, func(values map[string]string) {
		delete(values, key)
	})
}

// DeleteAll implements Backend.DeleteAll().
func (f *File) DeleteAll(ctx context.Context) error {
	return f.update(ctx, func(values map[string]string) {
		clear(values)
	})
}

// Keys implements Backend.Keys().
func (f *File) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := f.withLock(ctx, false, func() error {
		values, err := f.load()
		if err != nil {
			return err
		}
		keys = make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		return nil
	})
	return keys, err
}

// Close implements Backend.Close().
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.lock.Close()
}

func (f *File) update(ctx context.Context, fn func(map[string]string)) error {
	return f.withLock(ctx, true, func() error {
		values, err := f.load()
		if err != nil {
			return err
		}
		fn(values)
		return f.save(values)
	})
}

func (f *File) withLock(ctx context.Context, exclusive bool, fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	var (
		locked bool
		err    error
	)
	if exclusive {
		locked, err = f.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	} else {
		locked, err = f.lock.TryRLockContext(lockCtx, 50*time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("failed to acquire cache file lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire cache file lock: timeout after %v", lockTimeout)
	}
	defer f.lock.Unlock()

	return fn()
}

func (f *File) load() (map[string]string, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to read cache file %s: %w", f.path, err)
	}
	values := map[string]string{}
	if len(b) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(b, &values); err != nil {
		return nil, fmt.Errorf("cache file %s is corrupt: %w", f.path, err)
	}
	return values, nil
}

func (f *File) save(values map[string]string) error {
	b, err := json.Marshal(values)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
