// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package silent acquires access tokens without user interaction, from the cache or by
redeeming cached refresh tokens.

A request walks a fixed cascade and stops at the first stage that produces a token:

	regular entry (unexpired)  -> returned as is
	regular refresh token      -> redeemed
	multi-resource token       -> redeemed for the requested resource
	family refresh token       -> redeemed for the requested client and resource
	broker                     -> asked when no family token exists, if one is configured

A refresh token rejected with invalid_grant is removed from the cache and the cascade
moves on. After a rejected family token the multi-resource token gets one more attempt,
then the request ends. Any other failure ends the request with that error and leaves the cache as it
was. When nothing is left to try the result is nil with a nil error: the caller has to
sign the user in interactively.
*/
package silent

import (
	"context"
	"strings"
	"time"

	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/broker"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/errors"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/cachekey"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/items"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/logger"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/metrics"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/oauth/ops/accesstokens"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/tokencache"
	"github.com/google/uuid"
)

// Stage names the step of the cascade that produced a result.
type Stage string

const (
	StageCache    Stage = "cache"
	StageRegular  Stage = "regular_rt"
	StageMRRT     Stage = "mrrt"
	StageFRT      Stage = "frt"
	StageBroker   Stage = "broker"
	StageAuthCode Stage = "auth_code"
)

// Outcomes recorded with the stage in metrics.
const (
	outcomeCacheHit    = "cache_hit"
	outcomeRefreshed   = "refreshed"
	outcomeStale       = "stale"
	outcomeInteractive = "interactive_required"
	outcomeError       = "error"
)

// Redeemer redeems refresh tokens at the token endpoint. *oauth.Client implements it.
type Redeemer interface {
	RedeemRefreshToken(ctx context.Context, p accesstokens.RefreshParams) (accesstokens.TokenResponse, error)
}

// Request is a silent token request.
type Request struct {
	Authority string
	Resource  string
	ClientID  string
	// User is an object id or displayable id. Empty means any single cached user.
	User string
	// CorrelationID is sent with every call of the request. A new one is generated
	// when empty.
	CorrelationID string
	// ExtendedLifetime allows returning an expired access token still inside its
	// extended lifetime when the token endpoint cannot be reached.
	ExtendedLifetime bool
	// ForceRefresh skips returning an unexpired access token from the cache.
	ForceRefresh bool
}

// Result is the token a request produced.
type Result struct {
	AccessToken string
	ExpiresOn   time.Time
	// ExtendedExpiresOn is zero if the server granted no extended lifetime.
	ExtendedExpiresOn time.Time
	UserInfo          *items.UserInfo
	TenantID          string
	IDToken           string
	Resource          string
	FamilyID          string
	// Stale is set when AccessToken is expired and only inside its extended lifetime.
	Stale         bool
	Stage         Stage
	CorrelationID string
}

// Cascade runs silent requests. It is safe for concurrent use.
type Cascade struct {
	cache    *tokencache.Cache
	redeemer Redeemer
	broker   broker.Broker

	now   func() time.Time
	newID func() uuid.UUID
	skew  time.Duration

	log     logger.LoggerInterface
	metrics *metrics.Metrics
}

// Option is an optional argument to New.
type Option func(c *Cascade)

// WithBroker sets the broker asked when no cached refresh token is left.
func WithBroker(b broker.Broker) Option {
	return func(c *Cascade) {
		c.broker = b
	}
}

// WithClock sets the clock expiry is judged by.
func WithClock(now func() time.Time) Option {
	return func(c *Cascade) {
		if now != nil {
			c.now = now
		}
	}
}

// WithCorrelationIDSource sets the generator of correlation ids.
func WithCorrelationIDSource(newID func() uuid.UUID) Option {
	return func(c *Cascade) {
		if newID != nil {
			c.newID = newID
		}
	}
}

// WithSkew sets how long before its expiry an access token is no longer returned.
// Negative values are ignored.
func WithSkew(d time.Duration) Option {
	return func(c *Cascade) {
		if d >= 0 {
			c.skew = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.LoggerInterface) Option {
	return func(c *Cascade) {
		c.log = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cascade) {
		c.metrics = m
	}
}

// New is the constructor for Cascade.
func New(cache *tokencache.Cache, redeemer Redeemer, options ...Option) *Cascade {
	c := &Cascade{
		cache:    cache,
		redeemer: redeemer,
		now:      time.Now,
		newID:    uuid.New,
		skew:     items.DefaultSkew,
		log:      logger.Discard(),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// AcquireTokenSilent returns a token for req without user interaction. A nil Result
// with a nil error means no cached credential could produce a token.
func (c *Cascade) AcquireTokenSilent(ctx context.Context, req Request) (*Result, error) {
	authority, err := validate(req.Authority, req.Resource, req.ClientID)
	if err != nil {
		return nil, err
	}
	if req.CorrelationID == "" {
		req.CorrelationID = c.newID().String()
	}
	ctx = logger.WithCorrelationID(ctx, req.CorrelationID)

	r := &run{
		c:         c,
		req:       req,
		authority: authority,
		user:      strings.TrimSpace(req.User),
		stage:     StageCache,
	}
	res, err := r.acquire(ctx)

	switch {
	case err != nil:
		c.metrics.SilentResult(string(r.stage), outcomeError)
		c.log.Log(ctx, logger.Warn, "silent token acquisition failed", "stage", string(r.stage), "error", err.Error())
	case res == nil:
		c.metrics.SilentResult(string(r.stage), outcomeInteractive)
		c.log.Log(ctx, logger.Info, "no cached credential could produce a token, interaction required")
	case res.Stale:
		c.metrics.SilentResult(string(res.Stage), outcomeStale)
	case res.Stage == StageCache:
		c.metrics.SilentResult(string(res.Stage), outcomeCacheHit)
	default:
		c.metrics.SilentResult(string(res.Stage), outcomeRefreshed)
	}
	return res, err
}

// SaveTokenResponse writes a token obtained outside the cascade, such as from an
// authorization code, the same way a refreshed token is written. user is the
// identifier the caller knows the user by and may be empty.
func (c *Cascade) SaveTokenResponse(ctx context.Context, authority, resource, clientID, user string, tr accesstokens.TokenResponse) (*Result, error) {
	normalized, err := validate(authority, resource, clientID)
	if err != nil {
		return nil, err
	}
	if err := tr.Err(); err != nil {
		return nil, err
	}
	r := &run{
		c:         c,
		req:       Request{Authority: authority, Resource: resource, ClientID: clientID, User: user, CorrelationID: logger.CorrelationID(ctx)},
		authority: normalized,
		user:      strings.TrimSpace(user),
	}
	return r.save(ctx, StageAuthCode, items.Item{}, tr)
}

func validate(authority, resource, clientID string) (string, error) {
	normalized, err := cachekey.NormalizeAuthority(authority)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resource) == "" {
		return "", errors.ArgumentError{Arg: "resource", Msg: "must be set"}
	}
	if strings.TrimSpace(clientID) == "" {
		return "", errors.ArgumentError{Arg: "clientID", Msg: "must be set"}
	}
	return normalized, nil
}
