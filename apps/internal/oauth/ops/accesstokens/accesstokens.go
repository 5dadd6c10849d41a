// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package accesstokens exposes a REST client for redeeming refresh tokens and authorization
codes at an Azure AD v1 token endpoint.

These calls are of type "application/x-www-form-urlencoded".  This means we use url.Values to
represent arguments and then encode them into the POST body message.  We receive JSON in
return for the requests.  The request definition is defined in https://tools.ietf.org/html/rfc6749#section-6 .

A reply with an OAuth error body (usually 400 or 401) is not an error of the call: it is
returned as a TokenResponse with Error set, so that callers can branch on the code.
*/
package accesstokens

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/errors"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/oauth/ops/internal/comm"
)

const (
	grantType    = "grant_type"
	clientID     = "client_id"
	resource     = "resource"
	refreshToken = "refresh_token"
	authCode     = "authorization_code"

	// TokenEndpointPath is appended to the authority to form the token endpoint.
	TokenEndpointPath = "/oauth2/token"
	// AuthorizeEndpointPath is appended to the authority to form the authorize endpoint.
	AuthorizeEndpointPath = "/oauth2/authorize"

	// PKeyAuthHeader announces that the client can answer a device certificate challenge.
	PKeyAuthHeader  = "x-ms-PKeyAuth"
	pkeyAuthVersion = "1.0"
	pkeyAuthScheme  = "PKeyAuth"
)

// Grant types, also used as metric labels.
const (
	GrantRefreshToken = refreshToken
	GrantAuthCode     = authCode
)

// DeviceCertificate answers device certificate (PKeyAuth) challenges. A Client
// without one does not announce the capability.
type DeviceCertificate interface {
	// ChallengeResponse returns the Authorization header value answering challenge,
	// the WWW-Authenticate header sent by endpoint.
	ChallengeResponse(ctx context.Context, challenge, endpoint string) (string, error)
}

type urlFormCaller interface {
	URLFormCall(ctx context.Context, endpoint string, headers http.Header, qv url.Values) (comm.Reply, error)
}

// RefreshParams are the arguments of a refresh token redemption.
type RefreshParams struct {
	Authority     string
	ClientID      string
	Resource      string
	RefreshToken  string
	CorrelationID string
}

func (p RefreshParams) validate() error {
	switch {
	case p.Authority == "":
		return errors.ArgumentError{Arg: "authority", Msg: "must be set"}
	case p.ClientID == "":
		return errors.ArgumentError{Arg: "clientID", Msg: "must be set"}
	case p.RefreshToken == "":
		return errors.ArgumentError{Arg: "refreshToken", Msg: "must be set"}
	}
	return nil
}

// AuthCodeParams are the arguments of an authorization code redemption.
type AuthCodeParams struct {
	Authority     string
	ClientID      string
	Resource      string
	Code          string
	RedirectURI   string
	CorrelationID string
}

func (p AuthCodeParams) validate() error {
	switch {
	case p.Authority == "":
		return errors.ArgumentError{Arg: "authority", Msg: "must be set"}
	case p.ClientID == "":
		return errors.ArgumentError{Arg: "clientID", Msg: "must be set"}
	case p.Code == "":
		return errors.ArgumentError{Arg: "code", Msg: "must be set"}
	case p.RedirectURI == "":
		return errors.ArgumentError{Arg: "redirectURI", Msg: "must be set"}
	}
	return nil
}

// Client represents the REST calls to get tokens from token generator backends.
type Client struct {
	// Comm provides the HTTP transport client.
	Comm urlFormCaller
	// DeviceCert is optional.
	DeviceCert DeviceCertificate
	// Now returns the current time. If nil, time.Now is used.
	Now func() time.Time
}

// FromRefreshToken redeems a refresh token for an access token to p.Resource.
func (c Client) FromRefreshToken(ctx context.Context, p RefreshParams) (TokenResponse, error) {
	if err := p.validate(); err != nil {
		return TokenResponse{}, err
	}
	qv := url.Values{}
	qv.Set(grantType, refreshToken)
	qv.Set(refreshToken, p.RefreshToken)
	qv.Set(clientID, p.ClientID)
	if p.Resource != "" {
		qv.Set(resource, p.Resource)
	}
	return c.doTokenResp(ctx, p.Authority, p.CorrelationID, qv)
}

// FromAuthCode redeems an authorization code.
func (c Client) FromAuthCode(ctx context.Context, p AuthCodeParams) (TokenResponse, error) {
	if err := p.validate(); err != nil {
		return TokenResponse{}, err
	}
	qv := url.Values{}
	qv.Set(grantType, authCode)
	qv.Set("code", p.Code)
	qv.Set(clientID, p.ClientID)
	qv.Set("redirect_uri", p.RedirectURI)
	if p.Resource != "" {
		qv.Set(resource, p.Resource)
	}
	return c.doTokenResp(ctx, p.Authority, p.CorrelationID, qv)
}

// TokenEndpoint returns the token endpoint of authority.
func TokenEndpoint(authority string) string {
	return strings.TrimSuffix(authority, "/") + TokenEndpointPath
}

func (c Client) doTokenResp(ctx context.Context, authority, correlationID string, qv url.Values) (TokenResponse, error) {
	endpoint := TokenEndpoint(authority)
	headers := http.Header{}
	if correlationID != "" {
		headers.Set("client-request-id", correlationID)
	}
	if c.DeviceCert != nil {
		headers.Set(PKeyAuthHeader, pkeyAuthVersion)
	}

	reply, err := c.Comm.URLFormCall(ctx, endpoint, headers, qv)
	if err != nil {
		return TokenResponse{}, err
	}

	if challenge := reply.Header.Get("WWW-Authenticate"); reply.StatusCode == http.StatusUnauthorized && c.DeviceCert != nil && isPKeyAuth(challenge) {
		auth, err := c.DeviceCert.ChallengeResponse(ctx, challenge, endpoint)
		if err != nil {
			return TokenResponse{}, fmt.Errorf("answering device certificate challenge: %w", err)
		}
		headers.Set("Authorization", auth)
		if reply, err = c.Comm.URLFormCall(ctx, endpoint, headers, qv); err != nil {
			return TokenResponse{}, err
		}
	}

	tr, err := c.tokenResponse(reply)
	if err != nil {
		return TokenResponse{}, err
	}
	tr.EchoedCorrelationID = reply.Header.Get("client-request-id")
	return tr, nil
}

func (c Client) tokenResponse(reply comm.Reply) (TokenResponse, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}

	switch reply.StatusCode {
	case http.StatusOK, http.StatusBadRequest, http.StatusUnauthorized:
		return NewTokenResponse(reply.Body, reply.StatusCode, now())
	case http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		// A body naming an OAuth error is a reply like any other. Err reports it retryable.
		if tr, err := NewTokenResponse(reply.Body, reply.StatusCode, now()); err == nil && tr.Error != "" {
			return tr, nil
		}
		return TokenResponse{}, errors.ServerError{StatusCode: reply.StatusCode, Description: http.StatusText(reply.StatusCode), Retryable: true}
	}

	tr, err := NewTokenResponse(reply.Body, reply.StatusCode, now())
	if err == nil && tr.Error != "" {
		return tr, nil
	}
	return TokenResponse{}, errors.ServerError{StatusCode: reply.StatusCode, Description: "unexpected reply status " + http.StatusText(reply.StatusCode)}
}

func isPKeyAuth(challenge string) bool {
	return len(challenge) >= len(pkeyAuthScheme) && strings.EqualFold(challenge[:len(pkeyAuthScheme)], pkeyAuthScheme)
}
