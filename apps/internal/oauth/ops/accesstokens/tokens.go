// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package accesstokens

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	adalErrors "github.com/AzureAD/azure-activedirectory-library-for-go/apps/errors"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/items"
	internalTime "github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/json/types/time"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultExpiresIn is the access token lifetime assumed when the server sends none.
const DefaultExpiresIn = time.Hour

// OAuthResponseBase is the error part of a token endpoint reply.
type OAuthResponseBase struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCodes       []int  `json:"error_codes"`
	CorrelationID    string `json:"correlation_id"`
	TraceID          string `json:"trace_id"`
	Timestamp        string `json:"timestamp"`
}

// TokenResponseJSONPayload is the JSON body of a token endpoint reply.
type TokenResponseJSONPayload struct {
	OAuthResponseBase

	AccessToken  string               `json:"access_token"`
	RefreshToken string               `json:"refresh_token"`
	TokenType    string               `json:"token_type"`
	Resource     string               `json:"resource"`
	ExpiresIn    internalTime.Seconds `json:"expires_in"`
	ExtExpiresIn internalTime.Seconds `json:"ext_expires_in"`
	ExpiresOn    internalTime.Unix    `json:"expires_on"`
	Foci         string               `json:"foci"`
	IDToken      string               `json:"id_token"`
}

// IDToken holds the claims of an id_token that identify the user. It is decoded
// without verifying the signature: it only labels cache entries and is never used
// to authorize anything.
type IDToken struct {
	jwt.RegisteredClaims

	ObjectID         string `json:"oid,omitempty"`
	TenantID         string `json:"tid,omitempty"`
	UPN              string `json:"upn,omitempty"`
	Email            string `json:"email,omitempty"`
	GivenName        string `json:"given_name,omitempty"`
	FamilyName       string `json:"family_name,omitempty"`
	IdentityProvider string `json:"idp,omitempty"`

	RawToken string `json:"-"`
}

// NewIDToken decodes the claims of raw.
func NewIDToken(raw string) (IDToken, error) {
	if strings.TrimSpace(raw) == "" {
		return IDToken{}, errors.New("id token is empty")
	}
	var idToken IDToken
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &idToken); err != nil {
		return IDToken{}, err
	}
	idToken.RawToken = raw
	return idToken, nil
}

// UserInfo returns the user the token was issued to, or nil if the token names no
// user.
func (i IDToken) UserInfo() *items.UserInfo {
	u := &items.UserInfo{
		UserID:           i.ObjectID,
		DisplayableID:    i.UPN,
		GivenName:        i.GivenName,
		FamilyName:       i.FamilyName,
		IdentityProvider: i.IdentityProvider,
	}
	if u.UserID == "" {
		u.UserID = i.Subject
	}
	if u.DisplayableID == "" {
		u.DisplayableID = i.Email
	}
	if u.IdentityProvider == "" {
		u.IdentityProvider = i.Issuer
	}
	if u.IsZero() {
		return nil
	}
	return u
}

// TokenResponse is the information that is returned from a token endpoint. A reply
// carrying an OAuth error has Error set and no tokens; use Err to test for it.
type TokenResponse struct {
	OAuthResponseBase

	AccessToken  string
	RefreshToken string
	ExpiresOn    time.Time
	ExtExpiresOn time.Time
	// Resource is the resource the server says the token is for, if it said.
	Resource string
	// IsMRRT is set when the refresh token can be redeemed for other resources.
	IsMRRT     bool
	FamilyID   string
	TenantID   string
	UserInfo   *items.UserInfo
	RawIDToken string

	// StatusCode is the HTTP status of the reply.
	StatusCode int
	// EchoedCorrelationID is the client-request-id header of the reply.
	EchoedCorrelationID string
}

// HasRefreshToken checks if the TokenResponse has an refresh token.
func (tr TokenResponse) HasRefreshToken() bool {
	return tr.RefreshToken != ""
}

// Err returns the OAuth error carried by the reply as a ServerError, or nil. Errors
// replied with 500, 503 or 504 are retryable.
func (tr TokenResponse) Err() error {
	if tr.Error == "" {
		return nil
	}
	return adalErrors.ServerError{
		Code:          tr.Error,
		Description:   tr.ErrorDescription,
		ErrorCodes:    tr.ErrorCodes,
		StatusCode:    tr.StatusCode,
		CorrelationID: tr.CorrelationID,
		Retryable:     retryableStatus(tr.StatusCode),
	}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Item converts a successful reply into the regular cache entry for authority,
// resource and clientID.
func (tr TokenResponse) Item(authority, resource, clientID string) items.Item {
	return items.Item{
		Authority:         authority,
		Resource:          resource,
		ClientID:          clientID,
		AccessToken:       tr.AccessToken,
		RefreshToken:      tr.RefreshToken,
		ExpiresOn:         internalTime.Unix{T: tr.ExpiresOn},
		ExtendedExpiresOn: internalTime.Unix{T: tr.ExtExpiresOn},
		IsMRRT:            tr.IsMRRT,
		FamilyClientID:    tr.FamilyID,
		TenantID:          tr.TenantID,
		UserInfo:          tr.UserInfo,
		RawIDToken:        tr.RawIDToken,
	}
}

// NewTokenResponse creates a TokenResponse from a reply body. now is the time the
// reply was received and anchors the relative lifetimes.
func NewTokenResponse(body []byte, statusCode int, now time.Time) (TokenResponse, error) {
	payload := TokenResponseJSONPayload{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return TokenResponse{}, adalErrors.FormatError{Msg: "token endpoint reply is not valid JSON", Err: err}
	}

	if payload.Error != "" {
		return TokenResponse{OAuthResponseBase: payload.OAuthResponseBase, StatusCode: statusCode}, nil
	}

	if payload.AccessToken == "" {
		// Access token is required in a token response
		return TokenResponse{}, adalErrors.FormatError{Msg: "token endpoint reply is missing access_token"}
	}

	expiresOn := payload.ExpiresIn.From(now, DefaultExpiresIn)
	if !payload.ExpiresIn.Valid && !payload.ExpiresOn.T.IsZero() {
		expiresOn = payload.ExpiresOn.T
	}
	var extExpiresOn time.Time
	if payload.ExtExpiresIn.Valid {
		extExpiresOn = payload.ExtExpiresIn.From(now, DefaultExpiresIn)
	}

	tr := TokenResponse{
		OAuthResponseBase: payload.OAuthResponseBase,
		AccessToken:       payload.AccessToken,
		RefreshToken:      payload.RefreshToken,
		ExpiresOn:         expiresOn,
		ExtExpiresOn:      extExpiresOn,
		Resource:          payload.Resource,
		IsMRRT:            payload.Resource != "" && payload.RefreshToken != "",
		FamilyID:          payload.Foci,
		StatusCode:        statusCode,
	}

	// ID tokens aren't always returned (ADFS), and a malformed one only costs us the
	// user information.
	if idToken, err := NewIDToken(payload.IDToken); err == nil {
		tr.RawIDToken = idToken.RawToken
		tr.TenantID = idToken.TenantID
		tr.UserInfo = idToken.UserInfo()
	}
	return tr, nil
}
