// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package broker defines the seam to an authentication broker: a separate component on the
device that holds the user's credentials and can mint tokens for other apps.

A broker is only asked after every cached refresh token has failed or is missing.
Tokens it returns are not written to the token cache, the broker keeps its own.
*/
package broker

import (
	"context"
	"time"
)

// Request represents the parameters of a silent broker request.
type Request struct {
	// Authority for the token request e.g. https://login.microsoftonline.com/tenant
	Authority string

	ClientID string

	// Resource is the resource the access token is for.
	Resource string

	// User is the object id or displayable id the caller asked for. It may be empty.
	User string

	CorrelationID string
}

// Account is the user a broker token was issued to.
type Account struct {
	UserID           string
	DisplayableID    string
	GivenName        string
	FamilyName       string
	IdentityProvider string
}

// Result is a token returned by the broker.
type Result struct {
	AccessToken string
	ExpiresOn   time.Time
	Account     Account
	TenantID    string
	IDToken     string
}

// Broker acquires tokens without user interaction. TrySilent returns nil, nil when
// the broker holds nothing usable for the request.
type Broker interface {
	TrySilent(ctx context.Context, req Request) (*Result, error)
}

// Func adapts a function to the Broker interface.
type Func func(ctx context.Context, req Request) (*Result, error)

// TrySilent implements Broker.
func (f Func) TrySilent(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}
