// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package tokencache holds the token cache seen by the silent acquisition flow. It sits on
top of the encrypted storage.Store and knows how entries are keyed.

A token issued to a user is written several times: under the user's object id, under
the displayable id and under the user-less key, so that a request naming the user
either way (or not at all) finds it. Removal always removes every variant together.

When a token carries a family id, the refresh token is also written as a
multi-resource entry for the client and as a family entry shared by every client in
the family.
*/
package tokencache

import (
	"context"
	"slices"
	"strings"

	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/errors"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/cachekey"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/items"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/logger"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/metrics"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/storage"
)

// Query identifies the entry a request is looking for. User is the user identifier
// the caller supplied, either an object id or a displayable id, and may be empty.
type Query struct {
	Authority string
	Resource  string
	ClientID  string
	User      string
}

// Cache reads and writes token entries. It is safe for concurrent use.
type Cache struct {
	store   *storage.Store
	log     logger.LoggerInterface
	metrics *metrics.Metrics
}

// Option is an optional argument to New.
type Option func(c *Cache)

// WithLogger sets the logger.
func WithLogger(l logger.LoggerInterface) Option {
	return func(c *Cache) {
		c.log = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// New is the constructor for Cache.
func New(store *storage.Store, options ...Option) *Cache {
	c := &Cache{store: store, log: logger.Discard()}
	for _, o := range options {
		o(c)
	}
	return c
}

// ReadRegular returns the regular entry for q. An entry stored for a different user
// than q.User is ignored. If the lookup cannot be tied to a single user,
// AmbiguousUserError is returned. Lookups without a user or by displayable id also
// read the other users' entries of q.Resource and q.ClientID to tell.
func (c *Cache) ReadRegular(ctx context.Context, q Query) (items.Item, bool, error) {
	item, ok, err := c.store.Get(ctx, cachekey.Regular(q.Authority, q.Resource, q.ClientID, q.User))
	if err != nil || !ok {
		return items.Item{}, false, err
	}
	if userMismatch(q.User, item) {
		c.log.Log(ctx, logger.Warn, "cached token belongs to a different user than requested, ignoring it", "kind", items.Regular.String())
		return items.Item{}, false, nil
	}

	match := func(i items.Item) bool {
		return i.Kind() == items.Regular && strings.EqualFold(i.Resource, q.Resource) && strings.EqualFold(i.ClientID, q.ClientID)
	}
	if err := c.checkSingleUser(ctx, cachekey.RegularScope(q.Authority, q.Resource, q.ClientID), q.Authority, q.User, item, match); err != nil {
		return items.Item{}, false, err
	}
	return item, true, nil
}

// ReadMRRT returns the multi-resource entry of clientID for user.
func (c *Cache) ReadMRRT(ctx context.Context, authority, clientID, user string) (items.Item, bool, error) {
	item, ok, err := c.store.Get(ctx, cachekey.MRRT(authority, clientID, user))
	if err != nil || !ok {
		return items.Item{}, false, err
	}

	match := func(i items.Item) bool {
		return i.Kind() == items.MultiResource && strings.EqualFold(i.ClientID, clientID)
	}
	if err := c.checkSingleUser(ctx, cachekey.MRRTScope(authority, clientID), authority, user, item, match); err != nil {
		return items.Item{}, false, err
	}
	return item, true, nil
}

// ReadFRT returns the family entry of familyID for user. Family entries are only
// written for a known user, so an empty user never finds one. An empty familyID
// looks up cachekey.DefaultFamilyID.
func (c *Cache) ReadFRT(ctx context.Context, authority, familyID, user string) (items.Item, bool, error) {
	if strings.TrimSpace(user) == "" {
		return items.Item{}, false, nil
	}
	item, ok, err := c.store.Get(ctx, cachekey.FRT(authority, familyID, user))
	if err != nil || !ok {
		return items.Item{}, false, err
	}

	match := func(i items.Item) bool {
		return i.Kind() == items.Family && strings.EqualFold(i.FamilyClientID, item.FamilyClientID)
	}
	if err := c.checkSingleUser(ctx, cachekey.FamilyScope(authority, item.FamilyClientID), authority, user, item, match); err != nil {
		return items.Item{}, false, err
	}
	return item, true, nil
}

// FindFRT returns a family entry of user when the family is not known in advance.
// With entries of several families the one with the lowest family id is returned.
func (c *Cache) FindFRT(ctx context.Context, authority, user string) (items.Item, bool, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return items.Item{}, false, nil
	}
	all, err := c.store.Scan(ctx, cachekey.FamilyScope(authority, ""))
	if err != nil {
		return items.Item{}, false, err
	}

	want := cachekey.Authority(authority)
	var found []items.Item
	for _, item := range all {
		if item.Kind() != items.Family || cachekey.Authority(item.Authority) != want {
			continue
		}
		if !strings.EqualFold(user, item.UserID()) && !strings.EqualFold(user, item.DisplayableID()) {
			continue
		}
		found = append(found, item)
	}
	if len(found) == 0 {
		return items.Item{}, false, nil
	}
	slices.SortFunc(found, func(a, b items.Item) int {
		return strings.Compare(a.FamilyClientID, b.FamilyClientID)
	})
	return found[0], true, nil
}

// Write stores a token issued for a regular entry. regular must have Authority,
// Resource and ClientID set. If regular is a multi-resource token or carries a family
// id, the MRRT entry is written too; with a family id and a known user the FRT entry
// is written as well. extraUsers are further identifiers to key the entries under,
// for tokens that came without user information. It returns the kinds written.
func (c *Cache) Write(ctx context.Context, regular items.Item, extraUsers ...string) ([]items.Kind, error) {
	if regular.Resource == "" {
		return nil, errors.ArgumentError{Arg: "resource", Msg: "a regular cache entry needs a resource"}
	}
	if regular.ClientID == "" {
		return nil, errors.ArgumentError{Arg: "clientID", Msg: "a regular cache entry needs a client id"}
	}
	if err := regular.Validate(); err != nil {
		return nil, err
	}

	users := withExtra(userVariants(regular.UserInfo), extraUsers)
	written := []items.Kind{items.Regular}
	for _, u := range users {
		if err := c.store.Set(ctx, cachekey.Regular(regular.Authority, regular.Resource, regular.ClientID, u), regular); err != nil {
			return nil, err
		}
	}

	if regular.IsMRRT || regular.FamilyClientID != "" {
		mrrt := MRRTItem(regular)
		for _, u := range users {
			if err := c.store.Set(ctx, cachekey.MRRT(mrrt.Authority, mrrt.ClientID, u), mrrt); err != nil {
				return nil, err
			}
		}
		written = append(written, items.MultiResource)
	}

	if regular.FamilyClientID != "" && len(users) > 1 {
		frt := FRTItem(regular)
		for _, u := range users {
			if u == "" {
				continue
			}
			if err := c.store.Set(ctx, cachekey.FRT(frt.Authority, frt.FamilyClientID, u), frt); err != nil {
				return nil, err
			}
		}
		written = append(written, items.Family)
	}

	c.log.Log(ctx, logger.Debug, "token written to cache", "kinds", written, "keys_per_kind", len(users))
	return written, nil
}

// Remove deletes every key variant of item. extraUsers are additional user identifiers
// the item may be stored under, such as the identifier it was looked up with. A family
// entry is only removed under a key that still holds the same refresh token, so a
// newer family token written by another client survives.
func (c *Cache) Remove(ctx context.Context, item items.Item, extraUsers ...string) error {
	users := withExtra(userVariants(item.UserInfo), extraUsers)

	kind := item.Kind()
	for _, u := range users {
		var key string
		switch kind {
		case items.Regular:
			key = cachekey.Regular(item.Authority, item.Resource, item.ClientID, u)
		case items.MultiResource:
			key = cachekey.MRRT(item.Authority, item.ClientID, u)
		case items.Family:
			if u == "" {
				continue
			}
			key = cachekey.FRT(item.Authority, item.FamilyClientID, u)
			current, ok, err := c.store.Get(ctx, key)
			if err != nil {
				return err
			}
			if !ok || current.RefreshToken != item.RefreshToken {
				continue
			}
		}
		if err := c.store.Remove(ctx, key); err != nil {
			return err
		}
	}

	c.metrics.Removal(kind.String())
	c.log.Log(ctx, logger.Info, "removed rejected refresh token from cache", "kind", kind.String())
	return nil
}

// RemoveAll deletes every entry.
func (c *Cache) RemoveAll(ctx context.Context) error {
	return c.store.RemoveAll(ctx)
}

// Users returns the distinct users that have entries in the cache, ordered by
// displayable id.
func (c *Cache) Users(ctx context.Context) ([]items.UserInfo, error) {
	all, err := c.store.All(ctx)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var users []items.UserInfo
	for _, item := range all {
		if item.UserInfo.IsZero() {
			continue
		}
		id := identity(*item.UserInfo)
		if seen[id] {
			continue
		}
		seen[id] = true
		users = append(users, *item.UserInfo)
	}
	slices.SortFunc(users, func(a, b items.UserInfo) int {
		if c := strings.Compare(strings.ToLower(a.DisplayableID), strings.ToLower(b.DisplayableID)); c != 0 {
			return c
		}
		return strings.Compare(a.UserID, b.UserID)
	})
	return users, nil
}

// MRRTItem returns the multi-resource entry derived from a regular entry. It carries
// no access token.
func MRRTItem(regular items.Item) items.Item {
	return items.Item{
		Authority:      regular.Authority,
		ClientID:       regular.ClientID,
		RefreshToken:   regular.RefreshToken,
		IsMRRT:         true,
		FamilyClientID: regular.FamilyClientID,
		TenantID:       regular.TenantID,
		UserInfo:       regular.UserInfo,
		RawIDToken:     regular.RawIDToken,
	}
}

// FRTItem returns the family entry derived from a regular entry.
func FRTItem(regular items.Item) items.Item {
	return items.Item{
		Authority:      regular.Authority,
		RefreshToken:   regular.RefreshToken,
		IsMRRT:         true,
		FamilyClientID: regular.FamilyClientID,
		TenantID:       regular.TenantID,
		UserInfo:       regular.UserInfo,
		RawIDToken:     regular.RawIDToken,
	}
}

// checkSingleUser returns AmbiguousUserError when the lookup that found hit could
// belong to more than one user. That is the case for a user-less lookup and for a
// lookup by displayable id, when other entries matching match belong to different
// users. Only the entries with keys under scope are read.
func (c *Cache) checkSingleUser(ctx context.Context, scope, authority, user string, hit items.Item, match func(items.Item) bool) error {
	user = strings.TrimSpace(user)
	byDisplayable := user != "" && strings.EqualFold(user, hit.DisplayableID()) && !strings.EqualFold(user, hit.UserID())
	if user != "" && !byDisplayable {
		return nil
	}
	// A user-less lookup is only ambiguous for regular entries, the user-less MRRT key
	// is a plain last-writer-wins slot.
	if user == "" && hit.Kind() != items.Regular {
		return nil
	}

	all, err := c.store.Scan(ctx, scope)
	if err != nil {
		return err
	}
	want := cachekey.Authority(authority)
	ids := []string{}
	for _, item := range all {
		if item.UserInfo.IsZero() || cachekey.Authority(item.Authority) != want || !match(item) {
			continue
		}
		if byDisplayable && !strings.EqualFold(item.DisplayableID(), user) {
			continue
		}
		id := identity(*item.UserInfo)
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if len(ids) > 1 {
		slices.Sort(ids)
		return errors.AmbiguousUserError{DisplayableID: user, UserIDs: ids}
	}
	return nil
}

// userMismatch reports whether item, found under the key for user, was issued to
// someone else. Entries without user information match any user.
func userMismatch(user string, item items.Item) bool {
	user = strings.TrimSpace(user)
	if user == "" || item.UserInfo.IsZero() {
		return false
	}
	return !strings.EqualFold(user, item.DisplayableID()) && !strings.EqualFold(user, item.UserID())
}

// userVariants lists the user identifiers an entry is keyed under. The first is
// always the user-less key.
func userVariants(u *items.UserInfo) []string {
	users := []string{""}
	if u == nil {
		return users
	}
	for _, id := range []string{u.DisplayableID, u.UserID} {
		id = strings.ToLower(strings.TrimSpace(id))
		if id != "" && !slices.Contains(users, id) {
			users = append(users, id)
		}
	}
	return users
}

func withExtra(users, extra []string) []string {
	for _, u := range extra {
		u = strings.ToLower(strings.TrimSpace(u))
		if u != "" && !slices.Contains(users, u) {
			users = append(users, u)
		}
	}
	return users
}

func identity(u items.UserInfo) string {
	if u.UserID != "" {
		return strings.ToLower(u.UserID)
	}
	return strings.ToLower(u.DisplayableID)
}
