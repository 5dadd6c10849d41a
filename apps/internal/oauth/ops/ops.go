// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package ops provides operations to various backend services using REST clients.

The REST type provides several clients that can be used to communicate to backends.
Usage is simple:

	rest := ops.New(httpClient)

	// Redeem a refresh token.
	tr, err := rest.AccessTokens().FromRefreshToken(ctx, params)
*/
package ops

import (
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/oauth/ops/accesstokens"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/oauth/ops/internal/comm"
)

// HTTPClient represents an HTTP client.
// It's usually an *http.Client from the standard library.
type HTTPClient = comm.HTTPClient

// REST provides REST clients for communicating with various backends used by ADAL.
type REST struct {
	client *comm.Client
}

// New is the constructor for REST.
func New(httpClient HTTPClient) *REST {
	return &REST{client: comm.New(httpClient)}
}

// AccessTokens returns a client that can be used to get various access tokens for
// authorization purposes.
func (r *REST) AccessTokens() accesstokens.Client {
	return accesstokens.Client{Comm: r.client}
}
