// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package silent

import (
	"context"
	"strings"

	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/broker"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/errors"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/items"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/logger"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/oauth/ops/accesstokens"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/tokencache"
)

// run is the state of one request walking the cascade.
type run struct {
	c   *Cascade
	req Request
	// authority is the normalized authority entries are stored under.
	authority string
	// user is the identifier lookups use. It starts as the requested user and is
	// filled from the first entry found when the request named none.
	user string

	regular     items.Item
	haveRegular bool
	familyID    string
	triedMRRT   bool
	stage       Stage
}

func (r *run) acquire(ctx context.Context) (*Result, error) {
	q := tokencache.Query{Authority: r.authority, Resource: r.req.Resource, ClientID: r.req.ClientID, User: r.user}
	regular, ok, err := r.c.cache.ReadRegular(ctx, q)
	if err != nil {
		return nil, err
	}
	if ok {
		r.regular, r.haveRegular = regular, true
		r.learn(regular)
		if !r.req.ForceRefresh && !regular.Expired(r.c.now(), r.c.skew) {
			r.c.log.Log(ctx, logger.Debug, "returning access token from cache", "access_token", logger.Secret(regular.AccessToken))
			return r.result(regular, StageCache), nil
		}
		if regular.HasRefreshToken() {
			res, err := r.redeem(ctx, StageRegular, regular)
			if err == nil || !errors.IsInvalidGrant(err) {
				return r.staleOr(ctx, res, err)
			}
			if err := r.c.cache.Remove(ctx, regular, r.req.User); err != nil {
				return nil, err
			}
		}
	}
	return r.fromMRRT(ctx)
}

func (r *run) fromMRRT(ctx context.Context) (*Result, error) {
	mrrt, ok, err := r.lookupMRRT(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return r.fromFRT(ctx)
	}

	r.triedMRRT = true
	res, err := r.redeem(ctx, StageMRRT, mrrt)
	if err == nil || !errors.IsInvalidGrant(err) {
		return r.staleOr(ctx, res, err)
	}
	if err := r.c.cache.Remove(ctx, mrrt, r.req.User); err != nil {
		return nil, err
	}
	return r.fromFRT(ctx)
}

func (r *run) fromFRT(ctx context.Context) (*Result, error) {
	r.stage = StageFRT
	frt, ok, err := r.c.cache.ReadFRT(ctx, r.authority, r.familyID, r.user)
	if err != nil {
		return nil, err
	}
	if !ok && r.familyID == "" {
		// Nothing of this client names its family. Use whichever family the user
		// holds a token of.
		if frt, ok, err = r.c.cache.FindFRT(ctx, r.authority, r.user); err != nil {
			return nil, err
		}
	}
	if !ok || !frt.HasRefreshToken() {
		return r.fromBroker(ctx)
	}

	res, err := r.redeem(ctx, StageFRT, frt)
	if err == nil || !errors.IsInvalidGrant(err) {
		return r.staleOr(ctx, res, err)
	}
	if err := r.c.cache.Remove(ctx, frt, r.req.User); err != nil {
		return nil, err
	}

	// The family token was rejected. A multi-resource token of this client that was
	// not tried yet gets one attempt. The broker is only asked when no family token
	// exists.
	if r.triedMRRT {
		return nil, nil
	}
	mrrt, ok, err := r.lookupMRRT(ctx)
	if err != nil || !ok {
		return nil, err
	}
	r.triedMRRT = true
	res, err = r.redeem(ctx, StageMRRT, mrrt)
	if err == nil || !errors.IsInvalidGrant(err) {
		return r.staleOr(ctx, res, err)
	}
	return nil, r.c.cache.Remove(ctx, mrrt, r.req.User)
}

// lookupMRRT returns the multi-resource entry of the requested client if it holds a
// refresh token that can still be redeemed.
func (r *run) lookupMRRT(ctx context.Context) (items.Item, bool, error) {
	r.stage = StageMRRT
	mrrt, ok, err := r.c.cache.ReadMRRT(ctx, r.authority, r.req.ClientID, r.user)
	if err != nil || !ok {
		return items.Item{}, false, err
	}
	r.learn(mrrt)
	if !mrrt.HasRefreshToken() {
		return items.Item{}, false, nil
	}
	return mrrt, true, nil
}

func (r *run) fromBroker(ctx context.Context) (*Result, error) {
	if r.c.broker == nil {
		return nil, nil
	}
	r.stage = StageBroker
	br, err := r.c.broker.TrySilent(ctx, broker.Request{
		Authority:     r.req.Authority,
		ClientID:      r.req.ClientID,
		Resource:      r.req.Resource,
		User:          r.req.User,
		CorrelationID: r.req.CorrelationID,
	})
	if err != nil || br == nil {
		return nil, err
	}
	r.c.log.Log(ctx, logger.Info, "broker returned a token")

	res := &Result{
		AccessToken:   br.AccessToken,
		ExpiresOn:     br.ExpiresOn,
		TenantID:      br.TenantID,
		IDToken:       br.IDToken,
		Resource:      r.req.Resource,
		Stage:         StageBroker,
		CorrelationID: r.req.CorrelationID,
	}
	u := items.UserInfo(br.Account)
	if !u.IsZero() {
		res.UserInfo = &u
	}
	return res, nil
}

// redeem exchanges the refresh token of item for a token to the requested resource
// and writes the reply to the cache.
func (r *run) redeem(ctx context.Context, stage Stage, item items.Item) (*Result, error) {
	r.stage = stage
	r.c.log.Log(ctx, logger.Info, "redeeming cached refresh token", "stage", string(stage), "refresh_token", logger.Secret(item.RefreshToken))

	tr, err := r.c.redeemer.RedeemRefreshToken(ctx, accesstokens.RefreshParams{
		Authority:     strings.TrimSpace(r.req.Authority),
		ClientID:      r.req.ClientID,
		Resource:      r.req.Resource,
		RefreshToken:  item.RefreshToken,
		CorrelationID: r.req.CorrelationID,
	})
	if err != nil {
		return nil, err
	}
	if err := tr.Err(); err != nil {
		return nil, err
	}
	return r.save(ctx, stage, item, tr)
}

// save writes tr, the reply to redeeming prior, as the regular entry of the request.
// Whatever the reply leaves out is carried over from prior: the refresh token, the
// family id and the user.
func (r *run) save(ctx context.Context, stage Stage, prior items.Item, tr accesstokens.TokenResponse) (*Result, error) {
	item := tr.Item(r.authority, r.req.Resource, r.req.ClientID)
	if item.RefreshToken == "" {
		item.RefreshToken = prior.RefreshToken
	}
	if stage == StageMRRT || stage == StageFRT {
		item.IsMRRT = item.RefreshToken != ""
	}
	if item.FamilyClientID == "" {
		item.FamilyClientID = prior.FamilyClientID
	}
	if item.UserInfo.IsZero() {
		item.UserInfo = prior.UserInfo
		item.RawIDToken = prior.RawIDToken
		if item.TenantID == "" {
			item.TenantID = prior.TenantID
		}
	}

	var extra []string
	if item.UserInfo.IsZero() && r.user != "" {
		extra = append(extra, r.user)
	}
	if _, err := r.c.cache.Write(ctx, item, extra...); err != nil {
		return nil, err
	}
	return r.result(item, stage), nil
}

// staleOr returns res and err, unless err is a transient failure and the request
// accepts an access token inside its extended lifetime.
func (r *run) staleOr(ctx context.Context, res *Result, err error) (*Result, error) {
	if err == nil {
		return res, nil
	}
	if !r.req.ExtendedLifetime || !r.haveRegular || !errors.IsTransient(err) || !r.regular.WithinExtendedLifetime(r.c.now()) {
		return nil, err
	}
	r.c.log.Log(ctx, logger.Warn, "token endpoint unavailable, returning access token inside its extended lifetime", "error", err.Error())
	stale := r.result(r.regular, r.stage)
	stale.Stale = true
	return stale, nil
}

// learn records what an entry tells about the request: the family of the client and,
// for a request without a user, who the user is.
func (r *run) learn(item items.Item) {
	if r.familyID == "" {
		r.familyID = item.FamilyClientID
	}
	if r.user == "" && !item.UserInfo.IsZero() {
		r.user = item.UserID()
		if r.user == "" {
			r.user = item.DisplayableID()
		}
	}
}

func (r *run) result(item items.Item, stage Stage) *Result {
	return &Result{
		AccessToken:       item.AccessToken,
		ExpiresOn:         item.ExpiresOn.T,
		ExtendedExpiresOn: item.ExtendedExpiresOn.T,
		UserInfo:          item.UserInfo,
		TenantID:          item.TenantID,
		IDToken:           item.RawIDToken,
		Resource:          item.Resource,
		FamilyID:          item.FamilyClientID,
		Stage:             stage,
		CorrelationID:     r.req.CorrelationID,
	}
}
