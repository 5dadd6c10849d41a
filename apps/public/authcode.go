// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package public

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/errors"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/logger"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/oauth/ops/accesstokens"
	"github.com/google/uuid"
)

// AuthCodeRequest is an authorization request made by AuthCodeURL. Keep it until the
// browser is redirected back, then pass it to AcquireTokenByAuthCode.
type AuthCodeRequest struct {
	// URL is the authorize endpoint URL to open in the browser.
	URL           string
	State         string
	Authority     string
	Resource      string
	RedirectURI   string
	CorrelationID string
}

// AuthCodeURLOptions contains the optional parameters of AuthCodeURL.
type AuthCodeURLOptions struct {
	Authority     string
	LoginHint     string
	Prompt        string
	CorrelationID string
}

// AuthCodeURLOption changes options inside AuthCodeURLOptions used in .AuthCodeURL().
type AuthCodeURLOption func(a *AuthCodeURLOptions)

// WithLoginHint pre-fills the user name on the sign-in page.
func WithLoginHint(user string) AuthCodeURLOption {
	return func(a *AuthCodeURLOptions) {
		a.LoginHint = user
	}
}

// WithPrompt sets the prompt behavior, such as "login" or "consent".
func WithPrompt(prompt string) AuthCodeURLOption {
	return func(a *AuthCodeURLOptions) {
		a.Prompt = prompt
	}
}

// WithAuthCodeAuthority overrides the client's authority for the request.
func WithAuthCodeAuthority(authority string) AuthCodeURLOption {
	return func(a *AuthCodeURLOptions) {
		a.Authority = authority
	}
}

// WithAuthCodeCorrelationID sets the correlation id of the request and of the code
// redemption that follows.
func WithAuthCodeCorrelationID(id string) AuthCodeURLOption {
	return func(a *AuthCodeURLOptions) {
		a.CorrelationID = id
	}
}

// AuthCodeURL creates the URL the user signs in at to get an authorization code for
// resource. The code is delivered to redirectURI together with the request's state.
func (pca Client) AuthCodeURL(ctx context.Context, resource, redirectURI string, options ...AuthCodeURLOption) (AuthCodeRequest, error) {
	opts := AuthCodeURLOptions{Authority: pca.opts.Authority}
	for _, o := range options {
		o(&opts)
	}
	switch {
	case resource == "":
		return AuthCodeRequest{}, errors.ArgumentError{Arg: "resource", Msg: "must be set"}
	case redirectURI == "":
		return AuthCodeRequest{}, errors.ArgumentError{Arg: "redirectURI", Msg: "must be set"}
	}
	if opts.CorrelationID == "" {
		opts.CorrelationID = uuid.New().String()
	}

	u, err := url.Parse(strings.TrimSuffix(strings.TrimSpace(opts.Authority), "/") + accesstokens.AuthorizeEndpointPath)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return AuthCodeRequest{}, errors.FatalConfigError{Msg: "authority " + opts.Authority + " must be an absolute URL", Err: err}
	}

	req := AuthCodeRequest{
		State:         encodeState(opts.Authority, resource, pca.newNonce()),
		Authority:     opts.Authority,
		Resource:      resource,
		RedirectURI:   redirectURI,
		CorrelationID: opts.CorrelationID,
	}

	v := url.Values{}
	v.Set("response_type", "code")
	v.Set("client_id", pca.clientID)
	v.Set("resource", resource)
	v.Set("redirect_uri", redirectURI)
	v.Set("state", req.State)
	v.Set("client-request-id", opts.CorrelationID)
	if opts.LoginHint != "" {
		v.Set("login_hint", opts.LoginHint)
	}
	if opts.Prompt != "" {
		v.Set("prompt", opts.Prompt)
	}
	u.RawQuery = v.Encode()
	req.URL = u.String()

	pca.log.Log(logger.WithCorrelationID(ctx, opts.CorrelationID), logger.Debug, "authorization request created", "resource", resource)
	return req, nil
}

// AuthCodeRequestFromState rebuilds the AuthCodeRequest a state was issued with, for
// a process that only kept the state.
func AuthCodeRequestFromState(state, redirectURI string) (AuthCodeRequest, error) {
	authority, resource, err := decodeState(state)
	if err != nil {
		return AuthCodeRequest{}, err
	}
	return AuthCodeRequest{State: state, Authority: authority, Resource: resource, RedirectURI: redirectURI}, nil
}

// AcquireTokenByAuthCode redeems the authorization code delivered to req.RedirectURI.
// state is the state parameter of the redirect and must be the state req was issued
// with. The tokens are written to the cache.
func (pca Client) AcquireTokenByAuthCode(ctx context.Context, req AuthCodeRequest, code, state string) (*AuthResult, error) {
	if code == "" {
		return nil, errors.ArgumentError{Arg: "code", Msg: "must be set"}
	}
	if req.State == "" || subtle.ConstantTimeCompare([]byte(state), []byte(req.State)) != 1 {
		return nil, errors.ArgumentError{Arg: "state", Msg: "does not match the state the authorization request was issued with"}
	}
	authority, resource, err := decodeState(state)
	if err != nil {
		return nil, err
	}
	if authority != req.Authority || resource != req.Resource {
		return nil, errors.ArgumentError{Arg: "state", Msg: "was issued for a different authority or resource"}
	}

	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}
	ctx = logger.WithCorrelationID(ctx, req.CorrelationID)

	tr, err := pca.oauth.RedeemAuthCode(ctx, accesstokens.AuthCodeParams{
		Authority:     authority,
		ClientID:      pca.clientID,
		Resource:      resource,
		Code:          code,
		RedirectURI:   req.RedirectURI,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		return nil, err
	}
	res, err := pca.cascade.SaveTokenResponse(ctx, authority, resource, pca.clientID, "", tr)
	if err != nil {
		return nil, err
	}
	return newAuthResult(res), nil
}

// The state carries the authority and resource of the request, so that the redirect
// can be redeemed by a process that did not create the request.
func encodeState(authority, resource, nonce string) string {
	v := url.Values{}
	v.Set("a", authority)
	v.Set("r", resource)
	v.Set("n", nonce)
	return base64.RawURLEncoding.EncodeToString([]byte(v.Encode()))
}

func decodeState(state string) (authority, resource string, err error) {
	b, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return "", "", errors.ArgumentError{Arg: "state", Msg: "is not a state issued by this client"}
	}
	v, err := url.ParseQuery(string(b))
	if err != nil || v.Get("a") == "" || v.Get("r") == "" || v.Get("n") == "" {
		return "", "", errors.ArgumentError{Arg: "state", Msg: "is not a state issued by this client"}
	}
	return v.Get("a"), v.Get("r"), nil
}

func newNonce() string {
	return uuid.New().String()
}
