// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package public

import (
	"context"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/errors"
	"golang.org/x/oauth2"
)

// ErrInteractionRequired is returned by the adapters in place of a nil AuthResult:
// no cached credential can produce a token.
var ErrInteractionRequired = errors.New("interactive sign-in required: no cached credential can produce a token")

// TokenSource returns an oauth2.TokenSource for resource. Tokens come from
// AcquireTokenSilent with options and are reused until they expire.
func (pca Client) TokenSource(ctx context.Context, resource string, options ...AcquireTokenSilentOption) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &tokenSource{ctx: ctx, client: pca, resource: resource, options: options})
}

type tokenSource struct {
	ctx      context.Context
	client   Client
	resource string
	options  []AcquireTokenSilentOption
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	res, err := ts.client.AcquireTokenSilent(ts.ctx, ts.resource, ts.options...)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, ErrInteractionRequired
	}
	return &oauth2.Token{AccessToken: res.AccessToken, TokenType: "Bearer", Expiry: res.ExpiresOn}, nil
}

// Credential adapts a Client to azcore.TokenCredential so that Azure SDK clients can use
// its cached tokens.
type Credential struct {
	client  Client
	options []AcquireTokenSilentOption
}

// Credential returns a Credential that acquires tokens silently with options.
func (pca Client) Credential(options ...AcquireTokenSilentOption) *Credential {
	return &Credential{client: pca, options: options}
}

// GetToken implements azcore.TokenCredential. The single scope must be a resource,
// optionally followed by "/.default".
func (c *Credential) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	if len(opts.Scopes) != 1 {
		return azcore.AccessToken{}, errors.ArgumentError{Arg: "scopes", Msg: "exactly one scope is supported"}
	}
	resource := strings.TrimSuffix(opts.Scopes[0], "/.default")

	options := c.options
	if opts.TenantID != "" {
		authority, err := tenantAuthority(c.client.opts.Authority, opts.TenantID)
		if err != nil {
			return azcore.AccessToken{}, err
		}
		options = append(append([]AcquireTokenSilentOption{}, options...), WithSilentAuthority(authority))
	}

	res, err := c.client.AcquireTokenSilent(ctx, resource, options...)
	if err != nil {
		return azcore.AccessToken{}, err
	}
	if res == nil {
		return azcore.AccessToken{}, ErrInteractionRequired
	}
	return azcore.AccessToken{Token: res.AccessToken, ExpiresOn: res.ExpiresOn}, nil
}

// tenantAuthority replaces the tenant of authority.
func tenantAuthority(authority, tenant string) (string, error) {
	u, err := url.Parse(authority)
	if err != nil || u.Host == "" {
		return "", errors.FatalConfigError{Msg: "authority " + authority + " must be an absolute URL", Err: err}
	}
	return u.Scheme + "://" + u.Host + "/" + url.PathEscape(tenant), nil
}

var _ azcore.TokenCredential = (*Credential)(nil)
