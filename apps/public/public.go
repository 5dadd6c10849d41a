// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package public provides a client for "public" applications: apps that run on user devices
and cannot keep a secret. The client keeps the user's tokens in an encrypted cache and
renews them silently with the cached refresh tokens.

The usual pattern is:
  - create a client once at application start and reuse it
  - call AcquireTokenSilent() for every token
  - on a nil result, sign the user in with AcquireTokenInteractive(), or with AuthCodeURL()
    and AcquireTokenByAuthCode() when the redirect is received elsewhere
*/
package public

import (
	"context"
	"net/http"
	"time"

	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/broker"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/cache"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/errors"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/cachekey"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/cipher"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/items"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/logger"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/metrics"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/oauth"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/oauth/ops"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/oauth/ops/accesstokens"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/silent"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/storage"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/tokencache"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/version"
	"github.com/prometheus/client_golang/prometheus"
)

// AuthorityPublicCloud is the default authority.
const AuthorityPublicCloud = "https://login.microsoftonline.com/common"

// Version is the version of this module, as reported to the token endpoint.
const Version = version.Version

// Account identifies the user a token was issued to.
type Account = broker.Account

// HTTPClient sends the token endpoint requests. *http.Client implements it.
type HTTPClient = ops.HTTPClient

// DeviceCertificate answers device certificate (PKeyAuth) challenges of the token endpoint.
type DeviceCertificate = accesstokens.DeviceCertificate

// AuthResult contains the results of one token acquisition operation.
type AuthResult struct {
	AccessToken string
	ExpiresOn   time.Time
	// ExtendedExpiresOn is zero if the server granted no extended lifetime.
	ExtendedExpiresOn time.Time
	Account           Account
	TenantID          string
	IDToken           string
	Resource          string
	// FamilyID is set when the refresh token behind this token is shared by a family
	// of clients.
	FamilyID string
	// Stale is set when AccessToken is expired and was returned only because the
	// token endpoint could not be reached and its extended lifetime had not passed.
	Stale bool
	// Source names where the token came from: the cache, one of the refresh token
	// kinds, the broker or an authorization code.
	Source        string
	CorrelationID string
}

func newAuthResult(r *silent.Result) *AuthResult {
	if r == nil {
		return nil
	}
	ar := &AuthResult{
		AccessToken:       r.AccessToken,
		ExpiresOn:         r.ExpiresOn,
		ExtendedExpiresOn: r.ExtendedExpiresOn,
		TenantID:          r.TenantID,
		IDToken:           r.IDToken,
		Resource:          r.Resource,
		FamilyID:          r.FamilyID,
		Stale:             r.Stale,
		Source:            string(r.Stage),
		CorrelationID:     r.CorrelationID,
	}
	if r.UserInfo != nil {
		ar.Account = Account(*r.UserInfo)
	}
	return ar
}

// Options configures the Client's behavior.
type Options struct {
	// Authority is the Azure AD authority tokens are requested from. The default is
	// AuthorityPublicCloud. Set it with WithAuthority().
	Authority string

	// Backend is where the encrypted cache is kept. By default the cache lives in
	// memory. Set it with WithBackend().
	Backend cache.Backend

	// KeySources provide the cache encryption key; the first one that can produce a
	// key encrypts, all of them decrypt. At least one is required. Set them with
	// WithKeySources().
	KeySources []KeySource

	Broker     broker.Broker
	HTTPClient HTTPClient
	DeviceCert DeviceCertificate

	// Logger is a *logrus.Logger or *logrus.Entry. Nothing is logged by default.
	Logger interface{}
	// Registerer receives the client's Prometheus collectors.
	Registerer prometheus.Registerer

	// Timeout bounds each token endpoint call.
	Timeout time.Duration
	// Skew is how long before expiry a cached access token is no longer returned.
	Skew time.Duration
	// ExtendedLifetime is the default of WithSilentExtendedLifetime for every call.
	ExtendedLifetime bool

	Clock func() time.Time
}

func (o *Options) validate() error {
	if _, err := cachekey.NormalizeAuthority(o.Authority); err != nil {
		return err
	}
	if len(o.KeySources) == 0 {
		return errors.FatalConfigError{Msg: "no cache key source configured, use WithKeySources"}
	}
	if o.Skew < 0 {
		return errors.ArgumentError{Arg: "skew", Msg: "cannot be negative"}
	}
	return nil
}

// Option is an optional argument to the New constructor.
type Option func(o *Options)

// WithAuthority allows for a custom authority to be set. This must be an absolute URL.
func WithAuthority(authority string) Option {
	return func(o *Options) {
		o.Authority = authority
	}
}

// WithBackend sets the storage the encrypted cache is kept in.
func WithBackend(b cache.Backend) Option {
	return func(o *Options) {
		o.Backend = b
	}
}

// WithKeySources sets the sources of the cache encryption key, most preferred first.
func WithKeySources(sources ...KeySource) Option {
	return func(o *Options) {
		o.KeySources = sources
	}
}

// WithBroker sets a broker that is asked for a token when the cache has no usable
// refresh token left.
func WithBroker(b broker.Broker) Option {
	return func(o *Options) {
		o.Broker = b
	}
}

// WithHTTPClient sets the HTTP client used to reach the token endpoint.
func WithHTTPClient(c HTTPClient) Option {
	return func(o *Options) {
		o.HTTPClient = c
	}
}

// WithDeviceCertificate lets the client answer device certificate challenges.
func WithDeviceCertificate(dc DeviceCertificate) Option {
	return func(o *Options) {
		o.DeviceCert = dc
	}
}

// WithLogger sets a *logrus.Logger or *logrus.Entry to log to.
func WithLogger(l interface{}) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithMetrics registers the client's Prometheus collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *Options) {
		o.Registerer = reg
	}
}

// WithTimeout bounds each token endpoint call.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithSkew sets how long before expiry a cached access token is refreshed instead of
// returned.
func WithSkew(d time.Duration) Option {
	return func(o *Options) {
		o.Skew = d
	}
}

// WithExtendedLifetime makes every silent call accept an access token inside its
// extended lifetime when the token endpoint is unavailable.
func WithExtendedLifetime() Option {
	return func(o *Options) {
		o.ExtendedLifetime = true
	}
}

// WithClock sets the clock used for token expiry.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Clock = now
	}
}

// Client is a representation of authentication client for public applications as
// defined in the package doc.
type Client struct {
	clientID string
	opts     Options

	backend  cache.Backend
	cache    *tokencache.Cache
	oauth    *oauth.Client
	cascade  *silent.Cascade
	log      logger.LoggerInterface
	newNonce func() string
}

// New is the constructor for Client.
func New(ctx context.Context, clientID string, options ...Option) (Client, error) {
	if clientID == "" {
		return Client{}, errors.ArgumentError{Arg: "clientID", Msg: "must be set"}
	}
	opts := Options{
		Authority:  AuthorityPublicCloud,
		HTTPClient: http.DefaultClient,
		Skew:       items.DefaultSkew,
		Clock:      time.Now,
	}
	for _, o := range options {
		o(&opts)
	}
	if err := opts.validate(); err != nil {
		return Client{}, err
	}

	log := logger.Discard()
	if opts.Logger != nil {
		var err error
		if log, err = logger.New(opts.Logger); err != nil {
			return Client{}, errors.FatalConfigError{Msg: "unsupported logger", Err: err}
		}
	}
	var mtr *metrics.Metrics
	if opts.Registerer != nil {
		var err error
		if mtr, err = metrics.New(opts.Registerer); err != nil {
			return Client{}, errors.FatalConfigError{Msg: "registering metrics", Err: err}
		}
	}

	backend := opts.Backend
	if backend == nil {
		backend = cache.NewMemory()
	}
	c, err := cipher.New(ctx, opts.KeySources, cipher.WithLogger(log))
	if err != nil {
		return Client{}, err
	}
	store, err := storage.New(backend, c, storage.WithLogger(log), storage.WithMetrics(mtr))
	if err != nil {
		return Client{}, err
	}
	tc := tokencache.New(store, tokencache.WithLogger(log), tokencache.WithMetrics(mtr))

	oauthOpts := []oauth.Option{oauth.WithLogger(log), oauth.WithMetrics(mtr), oauth.WithTimeout(opts.Timeout), oauth.WithClock(opts.Clock)}
	if opts.DeviceCert != nil {
		oauthOpts = append(oauthOpts, oauth.WithDeviceCertificate(opts.DeviceCert))
	}
	token := oauth.New(opts.HTTPClient, oauthOpts...)

	silentOpts := []silent.Option{
		silent.WithClock(opts.Clock),
		silent.WithSkew(opts.Skew),
		silent.WithLogger(log),
		silent.WithMetrics(mtr),
	}
	if opts.Broker != nil {
		silentOpts = append(silentOpts, silent.WithBroker(opts.Broker))
	}

	return Client{
		clientID: clientID,
		opts:     opts,
		backend:  backend,
		cache:    tc,
		oauth:    token,
		cascade:  silent.New(tc, token, silentOpts...),
		log:      log,
		newNonce: newNonce,
	}, nil
}

// ClientID returns the client id the Client requests tokens for.
func (pca Client) ClientID() string {
	return pca.clientID
}

// Authority returns the default authority of the Client.
func (pca Client) Authority() string {
	return pca.opts.Authority
}

// AcquireTokenSilentOptions are all the optional settings to an AcquireTokenSilent() call.
// These are set by using various AcquireTokenSilentOption functions.
type AcquireTokenSilentOptions struct {
	// User is the object id or displayable id of the user. When empty, the token of
	// the only cached user is used.
	User             string
	Authority        string
	CorrelationID    string
	ExtendedLifetime bool
	ForceRefresh     bool
}

// AcquireTokenSilentOption changes options inside AcquireTokenSilentOptions used in .AcquireTokenSilent().
type AcquireTokenSilentOption func(a *AcquireTokenSilentOptions)

// WithSilentUser asks for the token of the user with this object id or displayable id.
func WithSilentUser(user string) AcquireTokenSilentOption {
	return func(a *AcquireTokenSilentOptions) {
		a.User = user
	}
}

// WithSilentAccount asks for the token of account.
func WithSilentAccount(account Account) AcquireTokenSilentOption {
	return func(a *AcquireTokenSilentOptions) {
		a.User = account.UserID
		if a.User == "" {
			a.User = account.DisplayableID
		}
	}
}

// WithSilentAuthority overrides the client's authority for one call.
func WithSilentAuthority(authority string) AcquireTokenSilentOption {
	return func(a *AcquireTokenSilentOptions) {
		a.Authority = authority
	}
}

// WithCorrelationID sets the correlation id sent to the token endpoint.
func WithCorrelationID(id string) AcquireTokenSilentOption {
	return func(a *AcquireTokenSilentOptions) {
		a.CorrelationID = id
	}
}

// WithSilentExtendedLifetime accepts an access token inside its extended lifetime when
// the token endpoint is unavailable.
func WithSilentExtendedLifetime() AcquireTokenSilentOption {
	return func(a *AcquireTokenSilentOptions) {
		a.ExtendedLifetime = true
	}
}

// WithForceRefresh redeems a refresh token even if a valid access token is cached.
func WithForceRefresh() AcquireTokenSilentOption {
	return func(a *AcquireTokenSilentOptions) {
		a.ForceRefresh = true
	}
}

// AcquireTokenSilent acquires a token for resource from the cache or by redeeming a
// cached refresh token. It returns a nil result and a nil error when no cached
// credential can produce a token: the user has to sign in interactively.
func (pca Client) AcquireTokenSilent(ctx context.Context, resource string, options ...AcquireTokenSilentOption) (*AuthResult, error) {
	opts := AcquireTokenSilentOptions{Authority: pca.opts.Authority, ExtendedLifetime: pca.opts.ExtendedLifetime}
	for _, o := range options {
		o(&opts)
	}

	res, err := pca.cascade.AcquireTokenSilent(ctx, silent.Request{
		Authority:        opts.Authority,
		Resource:         resource,
		ClientID:         pca.clientID,
		User:             opts.User,
		CorrelationID:    opts.CorrelationID,
		ExtendedLifetime: opts.ExtendedLifetime,
		ForceRefresh:     opts.ForceRefresh,
	})
	if err != nil {
		return nil, err
	}
	return newAuthResult(res), nil
}

// Accounts returns the users that have tokens in the cache.
// If there are no accounts in the cache the returned slice is empty.
func (pca Client) Accounts(ctx context.Context) ([]Account, error) {
	users, err := pca.cache.Users(ctx)
	if err != nil {
		return nil, err
	}
	accounts := make([]Account, 0, len(users))
	for _, u := range users {
		accounts = append(accounts, Account(u))
	}
	return accounts, nil
}

// RemoveAll deletes every cached token.
func (pca Client) RemoveAll(ctx context.Context) error {
	pca.log.Log(ctx, logger.Info, "clearing token cache")
	return pca.cache.RemoveAll(ctx)
}

// Close releases the cache backend.
func (pca Client) Close() error {
	return pca.backend.Close()
}
