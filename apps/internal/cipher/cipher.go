// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package cipher encrypts cache values before they reach a storage backend.

A blob has the layout:

	"cE1" + base64(keyVersion[4] || nonce[12] || ciphertext || tag[16])

keyVersion names the KeySource that produced the master key, so data written under
an older key source stays readable after the active source changes. Values that do
not start with "cE1" were written before encryption was enabled and are returned
unchanged by Decrypt.
*/
package cipher

import (
	"context"
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/errors"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/logger"
	"golang.org/x/crypto/hkdf"
)

// EncodeVersion prefixes every encrypted blob.
const EncodeVersion = "cE1"

const (
	keyVersionLen = 4
	nonceLen      = 12
	tagLen        = 16
	keyLen        = 32

	encryptionInfo = "adal-go token cache encryption v1"
)

// KeyVersion identifies the source of a master key inside a blob.
type KeyVersion string

const (
	// VersionDerived keys are derived from a caller supplied secret.
	VersionDerived KeyVersion = "U001"
	// VersionPlatform keys are held by the platform key store.
	VersionPlatform KeyVersion = "A001"
	// VersionVault keys are held as an Azure Key Vault secret.
	VersionVault KeyVersion = "K001"
)

// KeySource provides a 32 byte master key.
type KeySource interface {
	Version() KeyVersion
	Key(ctx context.Context) ([]byte, error)
}

// Cipher encrypts and decrypts cache values. It is safe for concurrent use.
type Cipher struct {
	active  KeyVersion
	sources map[KeyVersion]KeySource
	rand    io.Reader
	log     logger.LoggerInterface

	mu    sync.Mutex
	aeads map[KeyVersion]stdcipher.AEAD
}

// Option is an optional argument to New.
type Option func(c *Cipher)

// WithRand sets the source of nonces. Defaults to crypto/rand.
func WithRand(r io.Reader) Option {
	return func(c *Cipher) {
		c.rand = r
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.LoggerInterface) Option {
	return func(c *Cipher) {
		c.log = l
	}
}

// New returns a Cipher that encrypts with the first source in sources that can
// produce a key, and decrypts with any of them. Listing the platform source before
// the derived source gives the platform key store when it is available and the
// derived key otherwise.
func New(ctx context.Context, sources []KeySource, options ...Option) (*Cipher, error) {
	if len(sources) == 0 {
		return nil, errors.ArgumentError{Arg: "sources", Msg: "at least one key source is required"}
	}
	c := &Cipher{
		sources: make(map[KeyVersion]KeySource, len(sources)),
		aeads:   make(map[KeyVersion]stdcipher.AEAD, len(sources)),
		rand:    rand.Reader,
		log:     logger.Discard(),
	}
	for _, o := range options {
		o(c)
	}

	for _, s := range sources {
		if s == nil {
			continue
		}
		v := s.Version()
		if len(v) != keyVersionLen {
			return nil, errors.ArgumentError{Arg: "sources", Msg: fmt.Sprintf("key version %q must be %d bytes", v, keyVersionLen)}
		}
		if _, ok := c.sources[v]; ok {
			return nil, errors.ArgumentError{Arg: "sources", Msg: fmt.Sprintf("key version %q listed twice", v)}
		}
		c.sources[v] = s
	}

	var lastErr error
	for _, s := range sources {
		if s == nil {
			continue
		}
		if _, err := c.aead(ctx, s.Version()); err != nil {
			c.log.Log(ctx, logger.Warn, "key source unavailable, trying the next one", "version", string(s.Version()), "error", err.Error())
			lastErr = err
			continue
		}
		c.active = s.Version()
		c.log.Log(ctx, logger.Debug, "storage key selected", "version", string(c.active))
		return c, nil
	}
	return nil, errors.FatalConfigError{Msg: "no key source could provide an encryption key", Err: lastErr}
}

// ActiveVersion returns the key version new blobs are written with.
func (c *Cipher) ActiveVersion() KeyVersion {
	return c.active
}

// Encrypt returns an encrypted blob for plaintext. Two calls with the same plaintext
// return different blobs.
func (c *Cipher) Encrypt(ctx context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.ArgumentError{Arg: "plaintext", Msg: "cannot encrypt an empty value"}
	}
	aead, err := c.aead(ctx, c.active)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("could not generate nonce: %w", err)
	}

	header := []byte(c.active)
	blob := make([]byte, 0, keyVersionLen+nonceLen+len(plaintext)+tagLen)
	blob = append(blob, header...)
	blob = append(blob, nonce...)
	blob = aead.Seal(blob, nonce, []byte(plaintext), header)

	return EncodeVersion + base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt returns the plaintext of blob. A value without the EncodeVersion prefix is
// returned as is. Malformed blobs return a FormatError and blobs that fail
// authentication return an IntegrityError.
func (c *Cipher) Decrypt(ctx context.Context, blob string) (string, error) {
	if blob == "" {
		return "", errors.ArgumentError{Arg: "blob", Msg: "cannot decrypt an empty value"}
	}
	if !strings.HasPrefix(blob, EncodeVersion) {
		c.log.Log(ctx, logger.Debug, "value is not encrypted, returning it as legacy plaintext")
		return blob, nil
	}

	raw, err := base64.StdEncoding.DecodeString(blob[len(EncodeVersion):])
	if err != nil {
		return "", errors.FormatError{Msg: "encrypted blob has malformed base64 encoding", Err: err}
	}
	if len(raw) < keyVersionLen+nonceLen+tagLen {
		return "", errors.FormatError{Msg: fmt.Sprintf("encrypted blob is %d bytes, shorter than the minimum of %d", len(raw), keyVersionLen+nonceLen+tagLen)}
	}

	version := KeyVersion(raw[:keyVersionLen])
	if _, ok := c.sources[version]; !ok {
		return "", errors.FormatError{Msg: fmt.Sprintf("encrypted blob has unknown key version %q", version)}
	}
	aead, err := c.aead(ctx, version)
	if err != nil {
		return "", err
	}

	nonce := raw[keyVersionLen : keyVersionLen+nonceLen]
	sealed := raw[keyVersionLen+nonceLen:]
	plain, err := aead.Open(nil, nonce, sealed, raw[:keyVersionLen])
	if err != nil {
		return "", errors.IntegrityError{Msg: "encrypted blob failed authentication", Err: err}
	}
	return string(plain), nil
}

// aead returns the cached AEAD for version, loading the key on first use. Keys are
// only cached after a successful load so an unavailable source is retried.
func (c *Cipher) aead(ctx context.Context, version KeyVersion) (stdcipher.AEAD, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a, ok := c.aeads[version]; ok {
		return a, nil
	}
	src, ok := c.sources[version]
	if !ok {
		return nil, errors.FatalConfigError{Msg: fmt.Sprintf("no key source for version %q", version)}
	}
	master, err := src.Key(ctx)
	if err != nil {
		return nil, errors.FatalConfigError{Msg: fmt.Sprintf("key source %q failed", version), Err: err}
	}
	if len(master) != keyLen {
		return nil, errors.FatalConfigError{Msg: fmt.Sprintf("key source %q returned %d bytes, want %d", version, len(master), keyLen)}
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(encryptionInfo)), key); err != nil {
		return nil, fmt.Errorf("could not expand encryption key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	a, err := stdcipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	c.aeads[version] = a
	return a, nil
}
