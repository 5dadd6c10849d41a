// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package cipher

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

// SecretClient is the subset of *azsecrets.Client used by VaultKeySource.
type SecretClient interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
}

var _ SecretClient = (*azsecrets.Client)(nil)

// NewVaultClient returns a Key Vault secrets client for vaultURL.
func NewVaultClient(vaultURL string, cred azcore.TokenCredential) (*azsecrets.Client, error) {
	return azsecrets.NewClient(vaultURL, cred, nil)
}

// VaultKeySource keeps the master key as a base64 Key Vault secret. A key is
// generated and stored if the secret does not exist.
type VaultKeySource struct {
	client SecretClient
	name   string

	mu  sync.Mutex
	key []byte
}

// NewVaultKeySource returns a key source for the secret called name.
func NewVaultKeySource(client SecretClient, name string) *VaultKeySource {
	return &VaultKeySource{client: client, name: name}
}

// Version implements KeySource.
func (v *VaultKeySource) Version() KeyVersion {
	return VersionVault
}

// Key implements KeySource.
func (v *VaultKeySource) Key(ctx context.Context) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key != nil {
		return v.key, nil
	}

	resp, err := v.client.GetSecret(ctx, v.name, "", nil)
	if err == nil {
		if resp.Value == nil {
			return nil, fmt.Errorf("key vault secret %s has no value", v.name)
		}
		key, err := base64.StdEncoding.DecodeString(*resp.Value)
		if err != nil {
			return nil, fmt.Errorf("key vault secret %s is not base64: %w", v.name, err)
		}
		v.key = key
		return key, nil
	}

	var re *azcore.ResponseError
	if !errors.As(err, &re) || re.StatusCode != http.StatusNotFound {
		return nil, fmt.Errorf("could not read key vault secret %s: %w", v.name, err)
	}

	key := make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	value := base64.StdEncoding.EncodeToString(key)
	if _, err := v.client.SetSecret(ctx, v.name, azsecrets.SetSecretParameters{Value: &value}, nil); err != nil {
		return nil, fmt.Errorf("could not store key vault secret %s: %w", v.name, err)
	}
	v.key = key
	return key, nil
}
