// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package comm provides helpers for communicating with HTTP backends.
package comm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"

	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/errors"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/version"
	"github.com/google/uuid"
)

// HTTPClient represents an HTTP client.
// It's usually an *http.Client from the standard library.
type HTTPClient interface {
	// Do sends an HTTP request and returns an HTTP response.
	Do(req *http.Request) (*http.Response, error)
}

// maxBody bounds how much of a reply is read. Token responses are a few KiB.
const maxBody = 1 << 20

// Client provides a wrapper to our *http.Client that handles compression and serialization needs.
type Client struct {
	client HTTPClient
}

// New returns a new Client object.
func New(httpClient HTTPClient) *Client {
	if httpClient == nil {
		panic("http.Client == nil")
	}
	return &Client{client: httpClient}
}

// Reply is a completed exchange. Non-2xx replies are returned as a Reply, not an
// error, so the caller can read the OAuth error body.
type Reply struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// URLFormCall POSTs qv as application/x-www-form-urlencoded to endpoint. headers are
// added to the standard headers and may override them. A request that could not be
// sent or whose reply could not be read is returned as errors.TransportError.
func (c *Client) URLFormCall(ctx context.Context, endpoint string, headers http.Header, qv url.Values) (Reply, error) {
	if len(qv) == 0 {
		return Reply{}, fmt.Errorf("URLFormCall() requires qv to have non-zero length")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return Reply{}, fmt.Errorf("could not parse path URL(%s): %w", endpoint, err)
	}

	h := http.Header{}
	h.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	addStdHeaders(h)
	for k, v := range headers {
		h[http.CanonicalHeaderKey(k)] = v
	}

	enc := qv.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(enc))
	if err != nil {
		return Reply{}, fmt.Errorf("could not create request: %w", err)
	}
	req.Header = h
	req.ContentLength = int64(len(enc))

	return c.do(req)
}

func (c *Client) do(req *http.Request) (Reply, error) {
	reply, err := c.client.Do(req)
	if err != nil {
		return Reply{}, errors.TransportError{Op: req.Method + " " + req.URL.Redacted(), Err: errors.CallErr{Req: req, Err: err}}
	}
	defer reply.Body.Close()

	data, err := io.ReadAll(io.LimitReader(reply.Body, maxBody))
	if err != nil {
		return Reply{}, errors.TransportError{Op: "reading reply of " + req.URL.Redacted(), Err: errors.CallErr{Req: req, Resp: reply, Err: err}}
	}
	return Reply{StatusCode: reply.StatusCode, Header: reply.Header, Body: data}, nil
}

var testID string

// addStdHeaders adds the standard headers we use on all calls. A client-request-id
// passed by the caller replaces the generated one.
func addStdHeaders(headers http.Header) http.Header {
	headers.Set("Accept", "application/json")
	// This is not a key we could find in the Go http library, but it's what every
	// ADAL library sends so the server can correlate client versions.
	headers.Set("x-client-SKU", "ADAL.Go")
	headers.Set("x-client-OS", runtime.GOOS)
	headers.Set("x-client-CPU", runtime.GOARCH)
	headers.Set("x-client-Ver", version.Version)
	headers.Set("return-client-request-id", "true")
	if testID != "" {
		headers.Set("client-request-id", testID)
	} else {
		headers.Set("client-request-id", uuid.New().String())
	}
	return headers
}
