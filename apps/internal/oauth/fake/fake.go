// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package fake provides fake implementations of the token endpoint clients for tests.
package fake

import (
	"context"
	"errors"

	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/oauth/ops/accesstokens"
)

// AccessTokens is a fake of the accesstokens.Client.
type AccessTokens struct {
	// Err, if set, makes every call fail.
	Err bool
	// Block makes calls wait for the context to be done.
	Block bool
	// Result is returned from every successful call.
	Result accesstokens.TokenResponse

	GotRefresh  accesstokens.RefreshParams
	GotAuthCode accesstokens.AuthCodeParams
}

func (f *AccessTokens) FromRefreshToken(ctx context.Context, p accesstokens.RefreshParams) (accesstokens.TokenResponse, error) {
	f.GotRefresh = p
	return f.result(ctx)
}

func (f *AccessTokens) FromAuthCode(ctx context.Context, p accesstokens.AuthCodeParams) (accesstokens.TokenResponse, error) {
	f.GotAuthCode = p
	return f.result(ctx)
}

func (f *AccessTokens) result(ctx context.Context) (accesstokens.TokenResponse, error) {
	if f.Block {
		<-ctx.Done()
		return accesstokens.TokenResponse{}, ctx.Err()
	}
	if f.Err {
		return accesstokens.TokenResponse{}, errors.New("error")
	}
	return f.Result, nil
}
