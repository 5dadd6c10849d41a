// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package oauth is the client of the token endpoint. It redeems refresh tokens and
authorization codes and reports every call to the metrics sink.

Each call is bounded by the client's timeout. A call that times out fails with an
errors.TransportError like any other network failure.
*/
package oauth

import (
	"context"
	"errors"
	"net/http"
	"time"

	adalErrors "github.com/AzureAD/azure-activedirectory-library-for-go/apps/errors"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/logger"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/metrics"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/oauth/ops"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/oauth/ops/accesstokens"
)

// DefaultTimeout bounds a token endpoint call when no timeout is configured.
const DefaultTimeout = 30 * time.Second

type accessTokens interface {
	FromRefreshToken(ctx context.Context, p accesstokens.RefreshParams) (accesstokens.TokenResponse, error)
	FromAuthCode(ctx context.Context, p accesstokens.AuthCodeParams) (accesstokens.TokenResponse, error)
}

// Client redeems grants at the token endpoint.
type Client struct {
	accessTokens accessTokens

	timeout time.Duration
	log     logger.LoggerInterface
	metrics *metrics.Metrics
}

// Option is an optional argument to New.
type Option func(c *Client)

// WithTimeout bounds each call. Zero or less uses DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.LoggerInterface) Option {
	return func(c *Client) {
		c.log = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithDeviceCertificate enables answering device certificate challenges.
func WithDeviceCertificate(dc accesstokens.DeviceCertificate) Option {
	return func(c *Client) {
		if at, ok := c.accessTokens.(accesstokens.Client); ok {
			at.DeviceCert = dc
			c.accessTokens = at
		}
	}
}

// WithClock sets the clock token lifetimes are computed from.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if at, ok := c.accessTokens.(accesstokens.Client); ok && now != nil {
			at.Now = now
			c.accessTokens = at
		}
	}
}

// New is the constructor for Client. httpClient is usually an *http.Client.
func New(httpClient ops.HTTPClient, options ...Option) *Client {
	c := &Client{
		accessTokens: ops.New(httpClient).AccessTokens(),
		timeout:      DefaultTimeout,
		log:          logger.Discard(),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// RedeemRefreshToken redeems p.RefreshToken for an access token to p.Resource. A
// reply carrying an OAuth error is returned without a Go error; see
// accesstokens.TokenResponse.Err.
func (c *Client) RedeemRefreshToken(ctx context.Context, p accesstokens.RefreshParams) (accesstokens.TokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tr, err := c.accessTokens.FromRefreshToken(ctx, p)
	c.record(ctx, accesstokens.GrantRefreshToken, p.CorrelationID, tr, err)
	return tr, timeout(ctx, err)
}

// RedeemAuthCode redeems an authorization code.
func (c *Client) RedeemAuthCode(ctx context.Context, p accesstokens.AuthCodeParams) (accesstokens.TokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tr, err := c.accessTokens.FromAuthCode(ctx, p)
	c.record(ctx, accesstokens.GrantAuthCode, p.CorrelationID, tr, err)
	return tr, timeout(ctx, err)
}

func (c *Client) record(ctx context.Context, grant, correlationID string, tr accesstokens.TokenResponse, err error) {
	status := tr.StatusCode
	var se adalErrors.ServerError
	if errors.As(err, &se) {
		status = se.StatusCode
	}
	c.metrics.TokenRequest(grant, status)

	switch {
	case err != nil:
		c.log.Log(ctx, logger.Warn, "token request failed", "grant_type", grant, "error", err.Error())
	case tr.Err() != nil:
		c.log.Log(ctx, logger.Info, "token endpoint returned an OAuth error", "grant_type", grant, "status", status, "code", tr.Error)
	default:
		c.log.Log(ctx, logger.Debug, "token request succeeded", "grant_type", grant, "access_token", logger.Secret(tr.AccessToken))
	}

	if correlationID != "" && tr.EchoedCorrelationID != "" && tr.EchoedCorrelationID != correlationID {
		c.log.Log(ctx, logger.Warn, "token endpoint echoed a different correlation id", "sent", correlationID, "received", tr.EchoedCorrelationID)
	}
}

// timeout turns an error caused by the call's own deadline into a TransportError.
func timeout(ctx context.Context, err error) error {
	if err == nil || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return err
	}
	var te adalErrors.TransportError
	if errors.As(err, &te) {
		return err
	}
	return adalErrors.TransportError{Op: "token request", Err: err}
}

var _ ops.HTTPClient = (*http.Client)(nil)
