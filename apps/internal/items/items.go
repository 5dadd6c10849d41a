// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package items holds the token cache record and the user information attached to it.
package items

import (
	"encoding/json"
	"time"

	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/errors"
	internalTime "github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/json/types/time"
)

// DefaultSkew is subtracted from an access token's lifetime when deciding if it can
// still be returned from the cache.
const DefaultSkew = 5 * time.Minute

// Kind is the kind of a cache entry, derived from which fields are set.
type Kind int

const (
	// Regular entries hold a token for one resource and client.
	Regular Kind = iota
	// MultiResource entries hold a refresh token usable for any resource of one client.
	MultiResource
	// Family entries hold a refresh token usable by every client of a family.
	Family
)

func (k Kind) String() string {
	switch k {
	case Regular:
		return "regular"
	case MultiResource:
		return "mrrt"
	case Family:
		return "frt"
	}
	return "unknown"
}

// UserInfo identifies the user a token was issued to.
type UserInfo struct {
	// UserID is the stable object id (oid, falling back to sub).
	UserID string `json:"user_id,omitempty"`
	// DisplayableID is the UPN or email.
	DisplayableID    string `json:"displayable_id,omitempty"`
	GivenName        string `json:"given_name,omitempty"`
	FamilyName       string `json:"family_name,omitempty"`
	IdentityProvider string `json:"identity_provider,omitempty"`
}

// IsZero reports whether u carries no identifier.
func (u *UserInfo) IsZero() bool {
	return u == nil || (u.UserID == "" && u.DisplayableID == "")
}

// Item is one cached credential record. It is never updated in place: a change is
// written as a new Item under the same key.
type Item struct {
	Authority         string            `json:"authority"`
	Resource          string            `json:"resource,omitempty"`
	ClientID          string            `json:"client_id,omitempty"`
	AccessToken       string            `json:"access_token,omitempty"`
	RefreshToken      string            `json:"refresh_token,omitempty"`
	ExpiresOn         internalTime.Unix `json:"expires_on"`
	ExtendedExpiresOn internalTime.Unix `json:"extended_expires_on"`
	IsMRRT            bool              `json:"is_mrrt,omitempty"`
	FamilyClientID    string            `json:"foci,omitempty"`
	TenantID          string            `json:"tenant_id,omitempty"`
	UserInfo          *UserInfo         `json:"user_info,omitempty"`
	RawIDToken        string            `json:"id_token,omitempty"`
}

// Kind returns the kind of the entry.
func (i Item) Kind() Kind {
	switch {
	case i.Resource == "" && i.ClientID == "":
		return Family
	case i.Resource == "":
		return MultiResource
	}
	return Regular
}

// HasRefreshToken reports whether the entry holds a usable refresh token. An empty
// refresh token is stored for MRRT-only issuance and is not usable.
func (i Item) HasRefreshToken() bool {
	return i.RefreshToken != ""
}

// UserID returns the stable user id of the entry, if known.
func (i Item) UserID() string {
	if i.UserInfo == nil {
		return ""
	}
	return i.UserInfo.UserID
}

// DisplayableID returns the displayable id of the entry, if known.
func (i Item) DisplayableID() string {
	if i.UserInfo == nil {
		return ""
	}
	return i.UserInfo.DisplayableID
}

// Expired reports whether the access token cannot be returned at now. A token that
// expires within skew of now is already expired.
func (i Item) Expired(now time.Time, skew time.Duration) bool {
	if i.AccessToken == "" || i.ExpiresOn.T.IsZero() {
		return true
	}
	return i.ExpiresOn.T.Before(now.Add(skew))
}

// WithinExtendedLifetime reports whether an expired access token may still be handed
// out because the server granted an extended lifetime.
func (i Item) WithinExtendedLifetime(now time.Time) bool {
	if i.AccessToken == "" || i.ExtendedExpiresOn.T.IsZero() {
		return false
	}
	return now.Before(i.ExtendedExpiresOn.T)
}

// Validate checks the fields required for the entry's kind.
func (i Item) Validate() error {
	if i.Authority == "" {
		return errors.ArgumentError{Arg: "authority", Msg: "cache item has no authority"}
	}
	if i.Kind() == Family && i.FamilyClientID == "" {
		return errors.ArgumentError{Arg: "familyClientID", Msg: "family cache item has no family client id"}
	}
	return nil
}

// Marshal encodes the item for storage.
func (i Item) Marshal() ([]byte, error) {
	return json.Marshal(i)
}

// Unmarshal decodes an item written by Marshal.
func Unmarshal(b []byte) (Item, error) {
	var i Item
	if err := json.Unmarshal(b, &i); err != nil {
		return Item{}, errors.FormatError{Msg: "cache item is not valid JSON", Err: err}
	}
	return i, nil
}
