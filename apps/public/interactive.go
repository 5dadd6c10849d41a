// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package public

import (
	"context"
	"fmt"

	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/local"
	"github.com/pkg/browser"
)

// InteractiveAuthOptions contains the optional parameters of AcquireTokenInteractive.
type InteractiveAuthOptions struct {
	// RedirectURI is the loopback URI registered for the client. Defaults to
	// http://localhost with a free port.
	RedirectURI string
	// OpenURL shows the sign-in page. Defaults to the system browser.
	OpenURL func(url string) error
	// SuccessPage and ErrorPage replace the pages shown after the redirect.
	SuccessPage, ErrorPage []byte

	authCode []AuthCodeURLOption
}

// InteractiveAuthOption changes options inside InteractiveAuthOptions used in .AcquireTokenInteractive().
type InteractiveAuthOption func(o *InteractiveAuthOptions)

// WithRedirectURI sets the loopback redirect URI to listen on.
func WithRedirectURI(uri string) InteractiveAuthOption {
	return func(o *InteractiveAuthOptions) {
		o.RedirectURI = uri
	}
}

// WithOpenURL replaces the function that opens the sign-in page in a browser.
func WithOpenURL(open func(url string) error) InteractiveAuthOption {
	return func(o *InteractiveAuthOptions) {
		o.OpenURL = open
	}
}

// WithAuthCodeOptions passes options to the AuthCodeURL call that creates the
// sign-in request.
func WithAuthCodeOptions(options ...AuthCodeURLOption) InteractiveAuthOption {
	return func(o *InteractiveAuthOptions) {
		o.authCode = append(o.authCode, options...)
	}
}

// AcquireTokenInteractive signs the user in with a browser and caches the tokens. It
// listens on a loopback redirect URI for the authorization code and returns once
// the code is redeemed or ctx is done.
func (pca Client) AcquireTokenInteractive(ctx context.Context, resource string, options ...InteractiveAuthOption) (*AuthResult, error) {
	o := InteractiveAuthOptions{RedirectURI: "http://localhost", OpenURL: browser.OpenURL}
	for _, opt := range options {
		opt(&o)
	}

	srv, err := local.New(o.RedirectURI, o.SuccessPage, o.ErrorPage)
	if err != nil {
		return nil, err
	}
	defer srv.Shutdown()

	req, err := pca.AuthCodeURL(ctx, resource, srv.RedirectURI, o.authCode...)
	if err != nil {
		return nil, err
	}
	if err := o.OpenURL(req.URL); err != nil {
		return nil, fmt.Errorf("could not open the sign-in page: %w", err)
	}

	res := srv.Result(ctx)
	if res.Err != nil {
		return nil, res.Err
	}
	return pca.AcquireTokenByAuthCode(ctx, req, res.Code, res.State)
}
