// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package errors holds the error types returned by this module. All types can be
detected with errors.As() from the standard library.

The types map onto how a caller should react:

	ArgumentError, FatalConfigError: fix the call or the configuration; nothing was done.
	ServerError: the token endpoint refused the request. Code "interaction_required"
	  (and an exhausted "invalid_grant") means the user must sign in interactively.
	TransportError: the network failed or timed out. The cache was not changed and
	  the call may be retried.
	FormatError, IntegrityError: stored or received data could not be read.
	AmbiguousUserError: a loose user identifier matched more than one user.
*/
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/kylelemons/godebug/pretty"
)

// OAuth error codes the cache reacts to.
const (
	InvalidGrant        = "invalid_grant"
	InvalidRequest      = "invalid_request"
	InteractionRequired = "interaction_required"
)

var prettyConf = &pretty.Config{IncludeUnexported: false, SkipZeroFields: true, TrackCycles: true}

type verboser interface {
	Verbose() string
}

// Verbose prints the most verbose error that the error message has.
func Verbose(err error) string {
	if v, ok := err.(verboser); ok {
		return v.Verbose()
	}
	return err.Error()
}

// New is equivalent to errors.New().
func New(text string) error {
	return errors.New(text)
}

// CallErr represents an HTTP call error. Has a Verbose() method that allows getting the
// http.Request and Response objects. Implements error.
type CallErr struct {
	Req  *http.Request
	Resp *http.Response
	Err  error
}

// Error implements error.Error().
func (e CallErr) Error() string {
	return e.Err.Error()
}

// Unwrap returns the wrapped error.
func (e CallErr) Unwrap() error {
	return e.Err
}

// Verbose prints a verbose error message with the request or response.
func (e CallErr) Verbose() string {
	return fmt.Sprintf("%s:\n\tRequest:\n%s\n\tResponse:\n%s", e.Err, prettyConf.Sprint(e.Req), prettyConf.Sprint(e.Resp))
}

// ArgumentError is returned when a required argument is missing or invalid. It is
// always returned before any I/O happens.
type ArgumentError struct {
	Arg string
	Msg string
}

func (e ArgumentError) Error() string {
	return fmt.Sprintf("argument %q: %s", e.Arg, e.Msg)
}

// FormatError is returned for a malformed stored blob or a malformed server response.
type FormatError struct {
	Msg string
	Err error
}

func (e FormatError) Error() string {
	if e.Err == nil {
		return "format error: " + e.Msg
	}
	return fmt.Sprintf("format error: %s: %s", e.Msg, e.Err)
}

func (e FormatError) Unwrap() error {
	return e.Err
}

// IntegrityError is returned when authenticated decryption fails, which means the
// stored content was altered or was written with a different key.
type IntegrityError struct {
	Msg string
	Err error
}

func (e IntegrityError) Error() string {
	if e.Err == nil {
		return "integrity error: " + e.Msg
	}
	return fmt.Sprintf("integrity error: %s: %s", e.Msg, e.Err)
}

func (e IntegrityError) Unwrap() error {
	return e.Err
}

// ServerError carries the OAuth error returned by the token endpoint.
type ServerError struct {
	// Code is the OAuth "error" field, such as "invalid_grant".
	Code        string
	Description string
	ErrorCodes  []int
	StatusCode  int
	// CorrelationID is the id the request was sent with.
	CorrelationID string
	// Retryable is set for 5xx responses that may succeed on a later attempt.
	Retryable bool
}

func (e ServerError) Error() string {
	var sb strings.Builder
	sb.WriteString("server error")
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, "(%d)", e.StatusCode)
	}
	if e.Code != "" {
		sb.WriteString(": " + e.Code)
	}
	if e.Description != "" {
		sb.WriteString(": " + e.Description)
	}
	return sb.String()
}

// Verbose includes every field of the error.
func (e ServerError) Verbose() string {
	return prettyConf.Sprint(e)
}

// TransportError is returned when the token endpoint could not be reached or did
// not answer within the timeout.
type TransportError struct {
	Op  string
	Err error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %s", e.Op, e.Err)
}

func (e TransportError) Unwrap() error {
	return e.Err
}

// AmbiguousUserError is returned when a displayable id matches cache entries for
// more than one distinct user.
type AmbiguousUserError struct {
	DisplayableID string
	UserIDs       []string
}

func (e AmbiguousUserError) Error() string {
	return fmt.Sprintf("displayable id %q matches %d users in the cache, a single user was expected", e.DisplayableID, len(e.UserIDs))
}

// FatalConfigError is returned for an unusable configuration, such as a malformed
// authority or a key source that cannot be opened.
type FatalConfigError struct {
	Msg string
	Err error
}

func (e FatalConfigError) Error() string {
	if e.Err == nil {
		return "fatal configuration error: " + e.Msg
	}
	return fmt.Sprintf("fatal configuration error: %s: %s", e.Msg, e.Err)
}

func (e FatalConfigError) Unwrap() error {
	return e.Err
}

// Code returns the OAuth error code of err, or "" if err is not a ServerError.
func Code(err error) string {
	var se ServerError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsInvalidGrant reports whether err is a ServerError with code invalid_grant.
func IsInvalidGrant(err error) bool {
	return Code(err) == InvalidGrant
}

// IsInteractionRequired reports whether the caller must go interactive because of err.
func IsInteractionRequired(err error) bool {
	switch Code(err) {
	case InteractionRequired, InvalidGrant:
		return true
	}
	return false
}

// IsTransient reports whether err may succeed on retry: transport failures and
// retryable server errors.
func IsTransient(err error) bool {
	var te TransportError
	if errors.As(err, &te) {
		return true
	}
	var se ServerError
	return errors.As(err, &se) && se.Retryable
}
