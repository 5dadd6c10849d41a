// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package local contains a local HTTP server that receives the authorization code
// redirect of an interactive sign-in.
package local

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"net"
	"net/http"
	"net/url"
	"time"
)

var okPage = []byte(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8" />
    <title>Authentication Complete</title>
</head>
<body>
    <p>Authentication complete. You can return to the application. Feel free to close this browser tab.</p>
</body>
</html>
`)

var failPage = []byte(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8" />
    <title>Authentication Failed</title>
</head>
<body>
	<p>Authentication failed. You can return to the application. Feel free to close this browser tab.</p>
	<p>Error details: error {{.Code}}, error description: {{.Err}}</p>
</body>
</html>
`)

var (
	// code is the html template variable name,
	// which matches the Result Code variable
	code = []byte("{{.Code}}")
	// err is the html template variable name
	// which matches the Result Err variable
	err = []byte("{{.Err}}")
)

// Result is the result from the redirect.
type Result struct {
	// Code is the code sent by the authority server.
	Code string
	// State is the state parameter of the redirect. The caller checks it against the
	// state it issued.
	State string
	// Err is set if there was an error.
	Err error
}

// Server is an HTTP server listening on a loopback redirect URI.
type Server struct {
	// RedirectURI is the URI the server listens on. It names the port the server
	// picked when the requested URI had none.
	RedirectURI string
	path        string
	resultCh    chan Result
	s           *http.Server
	successPage []byte
	errorPage   []byte
}

// New creates a local HTTP server for redirectURI and starts it. redirectURI must be
// an http URI on localhost or a loopback address; without a port a free one is used.
func New(redirectURI string, successPage []byte, errorPage []byte) (*Server, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("redirect URI %q: %w", redirectURI, err)
	}
	host := u.Hostname()
	if u.Scheme != "http" || !loopback(host) {
		return nil, fmt.Errorf("redirect URI %q must be http://localhost or an http loopback address", redirectURI)
	}

	var l net.Listener
	if u.Port() != "" {
		// use port provided by caller
		l, err = net.Listen("tcp", u.Host)
	} else {
		// find a free port
		for i := 0; i < 10; i++ {
			l, err = net.Listen("tcp", net.JoinHostPort(host, "0"))
			if err == nil {
				break
			}
		}
	}
	if err != nil {
		return nil, err
	}
	_, port, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	u.Host = net.JoinHostPort(host, port)

	if len(successPage) == 0 {
		successPage = okPage
	}

	if len(errorPage) == 0 {
		errorPage = failPage
	}

	serv := &Server{
		RedirectURI: u.String(),
		path:        u.Path,
		s:           &http.Server{ReadHeaderTimeout: time.Second},
		resultCh:    make(chan Result, 1),
		successPage: successPage,
		errorPage:   errorPage,
	}
	if serv.path == "" {
		serv.path = "/"
	}
	serv.s.Handler = http.HandlerFunc(serv.handler)

	serv.start(l)
	return serv, nil
}

func loopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) start(l net.Listener) {
	go func() {
		err := s.s.Serve(l)
		if err != nil && err != http.ErrServerClosed {
			s.putResult(Result{Err: err})
		}
	}()
}

// Result gets the result of the redirect operation. Once a single result is returned, the server
// is shutdown. ctx deadline will be honored.
func (s *Server) Result(ctx context.Context) Result {
	select {
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	case r := <-s.resultCh:
		return r
	}
}

// Shutdown shuts down the server.
func (s *Server) Shutdown() {
	// Note: You might get clever and think you can do this in handler() as a defer, you can't.
	_ = s.s.Shutdown(context.Background())
}

func (s *Server) putResult(r Result) {
	select {
	case s.resultCh <- r:
	default:
	}
}

func (s *Server) handler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.path {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()

	headerErr := q.Get("error")
	if headerErr != "" {
		escapedErrDesc := html.EscapeString(q.Get("error_description")) // provides XSS protection
		escapedHeaderErr := html.EscapeString(headerErr)                // provides XSS protection

		errorPage := bytes.ReplaceAll(s.errorPage, code, []byte(escapedHeaderErr))
		errorPage = bytes.ReplaceAll(errorPage, err, []byte(escapedErrDesc))

		_, _ = w.Write(errorPage)

		s.putResult(Result{Err: fmt.Errorf("sign-in failed: %s: %s", headerErr, q.Get("error_description"))})
		return
	}

	state := q.Get("state")
	if state == "" {
		s.error(w, http.StatusInternalServerError, "server didn't send OAuth state")
		return
	}

	code := q.Get("code")
	if code == "" {
		s.error(w, http.StatusInternalServerError, "authorization code missing in query string")
		return
	}

	_, _ = w.Write(s.successPage)
	s.putResult(Result{Code: code, State: state})
}

func (s *Server) error(w http.ResponseWriter, code int, str string, i ...interface{}) {
	err := fmt.Errorf(str, i...)
	http.Error(w, err.Error(), code)
	s.putResult(Result{Err: err})
}
