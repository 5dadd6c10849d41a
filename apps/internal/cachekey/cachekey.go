// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package cachekey builds the lookup keys of the token cache. Keys are pure functions of
their inputs: authority, resource and client id are case-folded and the authority is
truncated to scheme://host/first-segment, so that equivalent requests resolve to the
same entry.

Key grammar (fields joined by Separator):

	regular: authority $ resource $ clientid $ user
	MRRT:    authority $ <none>   $ clientid $ user $ MRRT
	FRT:     authority $ <none>   $ foci-<family> $ user $ MRRT
*/
package cachekey

import (
	"net/url"
	"strings"

	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/errors"
)

const (
	// Separator joins the key fields. Authorities, client ids and UPNs all contain
	// hyphens, "$" does not appear in any of them.
	Separator = "$"
	// Empty stands in for an empty field. It cannot be a valid resource URI or client id.
	Empty = "<none>"
	// FamilyPrefix is prepended to the family id in the client id field of FRT keys.
	FamilyPrefix = "foci-"
	// DefaultFamilyID is the family id used for lookups when none is known yet.
	DefaultFamilyID = "1"

	multiResourceMarker = "MRRT"
)

// Regular returns the key of a regular (single resource) entry.
func Regular(authority, resource, clientID, user string) string {
	return join(Authority(authority), field(resource), field(clientID), User(user))
}

// MRRT returns the key of the multi-resource refresh token entry of clientID.
func MRRT(authority, clientID, user string) string {
	return join(Authority(authority), Empty, field(clientID), User(user), multiResourceMarker)
}

// FRT returns the key of the family refresh token entry of familyID. An empty
// familyID uses DefaultFamilyID.
func FRT(authority, familyID, user string) string {
	if strings.TrimSpace(familyID) == "" {
		familyID = DefaultFamilyID
	}
	return join(Authority(authority), Empty, field(FamilyPrefix+familyID), User(user), multiResourceMarker)
}

// RegularScope returns the prefix of the regular entry keys of resource and clientID,
// whatever the user.
func RegularScope(authority, resource, clientID string) string {
	return join(Authority(authority), field(resource), field(clientID)) + Separator
}

// MRRTScope returns the prefix of the MRRT entry keys of clientID, whatever the user.
func MRRTScope(authority, clientID string) string {
	return join(Authority(authority), Empty, field(clientID)) + Separator
}

// FamilyScope returns the prefix of the FRT entry keys of familyID, whatever the
// user. An empty familyID gives the prefix shared by every family.
func FamilyScope(authority, familyID string) string {
	if strings.TrimSpace(familyID) == "" {
		return join(Authority(authority), Empty, FamilyPrefix)
	}
	return join(Authority(authority), Empty, field(FamilyPrefix+familyID)) + Separator
}

// User normalizes a user identifier. An empty identifier gives Empty.
func User(user string) string {
	return field(strings.TrimSpace(user))
}

// Authority normalizes authority without validating it. Inputs that do not parse as
// an absolute URL are only lower-cased and stripped of a trailing slash.
func Authority(authority string) string {
	n, err := NormalizeAuthority(authority)
	if err != nil {
		return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(authority)), "/")
	}
	return n
}

// NormalizeAuthority lower-cases authority and truncates it to
// scheme://host/first-path-segment. It returns a FatalConfigError for an authority
// that is not an absolute URL.
func NormalizeAuthority(authority string) (string, error) {
	authority = strings.TrimSpace(authority)
	if authority == "" {
		return "", errors.FatalConfigError{Msg: "authority is empty"}
	}
	u, err := url.Parse(authority)
	if err != nil {
		return "", errors.FatalConfigError{Msg: "authority could not be parsed as a URL", Err: err}
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.FatalConfigError{Msg: "authority " + authority + " must be an absolute URL"}
	}

	var sb strings.Builder
	sb.WriteString(strings.ToLower(u.Scheme))
	sb.WriteString("://")
	sb.WriteString(strings.ToLower(u.Host))
	if seg := firstSegment(u.Path); seg != "" {
		sb.WriteString("/")
		sb.WriteString(strings.ToLower(seg))
	}
	return sb.String(), nil
}

func firstSegment(path string) string {
	path = strings.TrimLeft(path, "/")
	if i := strings.Index(path, "/"); i >= 0 {
		path = path[:i]
	}
	return path
}

func field(s string) string {
	if s == "" {
		return Empty
	}
	return strings.ToLower(s)
}

func join(parts ...string) string {
	return strings.Join(parts, Separator)
}
