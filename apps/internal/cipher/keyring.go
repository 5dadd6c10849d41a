// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package cipher

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
)

// DefaultKeyringService is the keyring service name master keys are stored under.
const DefaultKeyringService = "adal-go-token-cache"

var (
	// keyringMu serializes key creation inside the process.
	keyringMu sync.Mutex

	keyringGet = keyring.Get
	keyringSet = keyring.Set
)

// KeyringKeySource keeps the master key in the OS keyring (Keychain, Secret Service,
// Windows Credential Manager). A key is generated and stored on first use.
type KeyringKeySource struct {
	service string
	account string
}

// NewKeyringKeySource returns a key source for the keyring entry service/account.
func NewKeyringKeySource(service, account string) *KeyringKeySource {
	if service == "" {
		service = DefaultKeyringService
	}
	if account == "" {
		account = "master-key"
	}
	return &KeyringKeySource{service: service, account: account}
}

// Version implements KeySource.
func (k *KeyringKeySource) Version() KeyVersion {
	return VersionPlatform
}

// Key implements KeySource. Errors other than a missing entry mean the keyring is not
// available on this system.
func (k *KeyringKeySource) Key(context.Context) ([]byte, error) {
	keyringMu.Lock()
	defer keyringMu.Unlock()

	key, err := k.stored()
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("OS keyring is not available: %w", err)
	}

	key = make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := keyringSet(k.service, k.account, base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("failed to store key in OS keyring: %w", err)
	}
	// Another process may have stored its own key after this one. The keyring holds
	// the winner.
	key, err = k.stored()
	if err != nil {
		return nil, fmt.Errorf("could not read back key from OS keyring: %w", err)
	}
	return key, nil
}

func (k *KeyringKeySource) stored() ([]byte, error) {
	v, err := keyringGet(k.service, k.account)
	if err != nil {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("keyring entry %s/%s is not base64: %w", k.service, k.account, err)
	}
	return key, nil
}

// Reset removes the stored key. Data encrypted with it can no longer be read.
func (k *KeyringKeySource) Reset() error {
	keyringMu.Lock()
	defer keyringMu.Unlock()

	err := keyring.Delete(k.service, k.account)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}
