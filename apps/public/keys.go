// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package public

import (
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/cipher"
)

// KeySource provides the 32 byte master key the cache is encrypted with.
type KeySource = cipher.KeySource

// DerivedKey derives the key from secret. salt must be kept with the cache, see
// SaltFile. iterations <= 0 uses the default PBKDF2 iteration count.
func DerivedKey(secret, salt []byte, iterations int) (KeySource, error) {
	k, err := cipher.NewDerivedKeySource(secret, salt, iterations)
	if err != nil {
		return nil, err
	}
	return k, nil
}

// SaltFile reads the salt kept at path, creating it on first use.
func SaltFile(path string) ([]byte, error) {
	return cipher.LoadOrCreateSalt(path)
}

// RawKey uses key, which must be 32 bytes, as is.
func RawKey(key []byte) (KeySource, error) {
	k, err := cipher.NewRawKeySource(key)
	if err != nil {
		return nil, err
	}
	return k, nil
}

// KeyringKey keeps the key in the OS keyring under service and account. Empty values
// use the defaults.
func KeyringKey(service, account string) KeySource {
	return cipher.NewKeyringKeySource(service, account)
}

// VaultKey keeps the key as the secret secretName of the Azure Key Vault at vaultURL.
func VaultKey(vaultURL, secretName string, cred azcore.TokenCredential) (KeySource, error) {
	client, err := cipher.NewVaultClient(vaultURL, cred)
	if err != nil {
		return nil, err
	}
	return cipher.NewVaultKeySource(client, secretName), nil
}
