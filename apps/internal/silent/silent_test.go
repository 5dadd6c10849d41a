// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package silent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/broker"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/cache"
	adalErrors "github.com/AzureAD/azure-activedirectory-library-for-go/apps/errors"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/cachekey"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/cipher"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/items"
	internalTime "github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/json/types/time"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/logger"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/metrics"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/oauth/ops/accesstokens"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/storage"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/tokencache"
	"github.com/google/uuid"
	"github.com/kylelemons/godebug/pretty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	authority = "https://login.microsoftonline.com/contoso"
	resA      = "https://graph.windows.net"
	resB      = "https://outlook.office365.com"
	clientA   = "client-a"
	clientB   = "client-b"
)

var (
	now   = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	alice = &items.UserInfo{UserID: "alice-oid", DisplayableID: "alice@contoso.com"}
	bob   = &items.UserInfo{UserID: "bob-oid", DisplayableID: "bob@contoso.com"}
)

type mockRedeemer struct {
	mock.Mock
}

func (m *mockRedeemer) RedeemRefreshToken(ctx context.Context, p accesstokens.RefreshParams) (accesstokens.TokenResponse, error) {
	args := m.Called(p.ClientID, p.Resource, p.RefreshToken)
	return args.Get(0).(accesstokens.TokenResponse), args.Error(1)
}

type redeemFunc func(ctx context.Context, p accesstokens.RefreshParams) (accesstokens.TokenResponse, error)

func (f redeemFunc) RedeemRefreshToken(ctx context.Context, p accesstokens.RefreshParams) (accesstokens.TokenResponse, error) {
	return f(ctx, p)
}

func newTestCache(t *testing.T) (*tokencache.Cache, *storage.Store) {
	t.Helper()
	src, err := cipher.NewRawKeySource([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	c, err := cipher.New(context.Background(), []cipher.KeySource{src})
	require.NoError(t, err)
	s, err := storage.New(cache.NewMemory(), c)
	require.NoError(t, err)
	return tokencache.New(s), s
}

func newCascade(t *testing.T, r Redeemer, options ...Option) (*Cascade, *tokencache.Cache, *storage.Store) {
	t.Helper()
	tc, s := newTestCache(t)
	options = append([]Option{WithClock(func() time.Time { return now })}, options...)
	return New(tc, r, options...), tc, s
}

func entry(resource, clientID, at, rt string, expiresIn time.Duration, user *items.UserInfo) items.Item {
	return items.Item{
		Authority:    authority,
		Resource:     resource,
		ClientID:     clientID,
		AccessToken:  at,
		RefreshToken: rt,
		ExpiresOn:    internalTime.Unix{T: now.Add(expiresIn)},
		UserInfo:     user,
	}
}

func mrrtEntry(e items.Item) items.Item {
	e.IsMRRT = true
	return e
}

func familyEntry(e items.Item, family string) items.Item {
	e.IsMRRT = true
	e.FamilyClientID = family
	return e
}

func granted(at, rt string) accesstokens.TokenResponse {
	return accesstokens.TokenResponse{AccessToken: at, RefreshToken: rt, ExpiresOn: now.Add(time.Hour), StatusCode: 200}
}

func oauthError(code string) accesstokens.TokenResponse {
	return accesstokens.TokenResponse{OAuthResponseBase: accesstokens.OAuthResponseBase{Error: code}, StatusCode: 400}
}

func seed(t *testing.T, tc *tokencache.Cache, entries ...items.Item) {
	t.Helper()
	for _, e := range entries {
		_, err := tc.Write(context.Background(), e)
		require.NoError(t, err)
	}
}

func request(user string) Request {
	return Request{Authority: authority, Resource: resA, ClientID: clientA, User: user}
}

type call struct {
	clientID, resource, rt string
	resp                   accesstokens.TokenResponse
	err                    error
}

func TestAcquireTokenSilent(t *testing.T) {
	transport := adalErrors.TransportError{Op: "token request", Err: errors.New("connection refused")}

	tests := []struct {
		desc  string
		seed  []items.Item
		req   Request
		calls []call

		wantAT    string
		wantStage Stage
		wantNil   bool
		err       bool
	}{
		{
			desc:      "Success: unexpired regular entry is returned without a call",
			seed:      []items.Item{entry(resA, clientA, "at1", "rt1", time.Hour, alice)},
			req:       request(alice.DisplayableID),
			wantAT:    "at1",
			wantStage: StageCache,
		},
		{
			desc:      "Success: token expiring inside the skew is refreshed",
			seed:      []items.Item{entry(resA, clientA, "at1", "rt1", 2*time.Minute, alice)},
			req:       request(alice.UserID),
			calls:     []call{{clientA, resA, "rt1", granted("at2", "rt2"), nil}},
			wantAT:    "at2",
			wantStage: StageRegular,
		},
		{
			desc: "Success: ForceRefresh skips the unexpired entry",
			seed: []items.Item{entry(resA, clientA, "at1", "rt1", time.Hour, alice)},
			req: func() Request {
				r := request(alice.UserID)
				r.ForceRefresh = true
				return r
			}(),
			calls:     []call{{clientA, resA, "rt1", granted("at2", "rt2"), nil}},
			wantAT:    "at2",
			wantStage: StageRegular,
		},
		{
			desc: "Success: expired entry without refresh token moves to the multi-resource token",
			seed: []items.Item{
				mrrtEntry(entry(resB, clientA, "atB", "rtM", time.Hour, alice)),
				entry(resA, clientA, "at1", "", -time.Hour, alice),
			},
			req:       request(alice.UserID),
			calls:     []call{{clientA, resA, "rtM", granted("at2", "rtM2"), nil}},
			wantAT:    "at2",
			wantStage: StageMRRT,
		},
		{
			desc: "Success: invalid_grant on the regular token moves to the multi-resource token",
			seed: []items.Item{
				mrrtEntry(entry(resB, clientA, "atB", "rtM", time.Hour, alice)),
				entry(resA, clientA, "at1", "rt1", -time.Hour, alice),
			},
			req: request(alice.UserID),
			calls: []call{
				{clientA, resA, "rt1", oauthError(adalErrors.InvalidGrant), nil},
				{clientA, resA, "rtM", granted("at2", "rtM2"), nil},
			},
			wantAT:    "at2",
			wantStage: StageMRRT,
		},
		{
			desc: "Success: invalid_grant on the multi-resource token moves to the family token",
			seed: []items.Item{
				familyEntry(entry(resB, clientB, "atB", "rtF", time.Hour, alice), "F"),
				mrrtEntry(entry(resB, clientA, "atB", "rtM", time.Hour, alice)),
			},
			req: request(alice.UserID),
			calls: []call{
				{clientA, resA, "rtM", oauthError(adalErrors.InvalidGrant), nil},
				{clientA, resA, "rtF", granted("at2", "rtF2"), nil},
			},
			wantAT:    "at2",
			wantStage: StageFRT,
		},
		{
			desc:  "Error: invalid_request on the regular token stops the cascade",
			seed:  []items.Item{mrrtEntry(entry(resA, clientA, "at1", "rt1", -time.Hour, alice))},
			req:   request(alice.UserID),
			calls: []call{{clientA, resA, "rt1", oauthError(adalErrors.InvalidRequest), nil}},
			err:   true,
		},
		{
			desc:  "Error: transport failure on the regular token stops the cascade",
			seed:  []items.Item{entry(resA, clientA, "at1", "rt1", -time.Hour, alice)},
			req:   request(alice.UserID),
			calls: []call{{clientA, resA, "rt1", accesstokens.TokenResponse{}, transport}},
			err:   true,
		},
		{
			desc: "Error: interaction_required on the multi-resource token does not reach the family token",
			seed: []items.Item{familyEntry(entry(resB, clientA, "atB", "rtM", time.Hour, alice), "F")},
			req:  request(alice.UserID),
			calls: []call{
				{clientA, resA, "rtM", oauthError(adalErrors.InteractionRequired), nil},
			},
			err: true,
		},
		{
			desc:    "Success: invalid_grant with nothing else cached asks for interaction",
			seed:    []items.Item{entry(resA, clientA, "at1", "rt1", -time.Hour, alice)},
			req:     request(alice.UserID),
			calls:   []call{{clientA, resA, "rt1", oauthError(adalErrors.InvalidGrant), nil}},
			wantNil: true,
		},
		{
			desc: "Success: invalid_grant on the regular token redeems a multi-resource token holding the same token",
			seed: []items.Item{mrrtEntry(entry(resA, clientA, "at1", "rt1", -time.Hour, alice))},
			req:  request(alice.UserID),
			calls: []call{
				{clientA, resA, "rt1", oauthError(adalErrors.InvalidGrant), nil},
				{clientA, resA, "rt1", granted("at2", "rt2"), nil},
			},
			wantAT:    "at2",
			wantStage: StageMRRT,
		},
		{
			desc: "Success: every entry holding a rejected token is redeemed in turn",
			seed: []items.Item{familyEntry(entry(resA, clientA, "at1", "rt1", -time.Hour, alice), "1")},
			req:  request(alice.UserID),
			calls: []call{
				{clientA, resA, "rt1", oauthError(adalErrors.InvalidGrant), nil},
				{clientA, resA, "rt1", oauthError(adalErrors.InvalidGrant), nil},
				{clientA, resA, "rt1", oauthError(adalErrors.InvalidGrant), nil},
			},
			wantNil: true,
		},
		{
			desc:    "Success: empty cache asks for interaction",
			req:     request(""),
			wantNil: true,
		},
	}

	for _, test := range tests {
		m := &mockRedeemer{}
		m.Test(t)
		for _, c := range test.calls {
			m.On("RedeemRefreshToken", c.clientID, c.resource, c.rt).Return(c.resp, c.err).Once()
		}
		cascade, tc, _ := newCascade(t, m)
		seed(t, tc, test.seed...)

		got, err := cascade.AcquireTokenSilent(context.Background(), test.req)
		m.AssertExpectations(t)
		switch {
		case err == nil && test.err:
			t.Errorf("TestAcquireTokenSilent(%s): got err == nil, want err != nil", test.desc)
			continue
		case err != nil && !test.err:
			t.Errorf("TestAcquireTokenSilent(%s): got err == %s, want err == nil", test.desc, err)
			continue
		case err != nil:
			continue
		}

		if test.wantNil {
			if got != nil {
				t.Errorf("TestAcquireTokenSilent(%s): got result from stage %s, want nil", test.desc, got.Stage)
			}
			continue
		}
		if got == nil {
			t.Errorf("TestAcquireTokenSilent(%s): got nil result, want a token", test.desc)
			continue
		}
		if got.AccessToken != test.wantAT || got.Stage != test.wantStage {
			t.Errorf("TestAcquireTokenSilent(%s): got (%s, %s), want (%s, %s)", test.desc, got.AccessToken, got.Stage, test.wantAT, test.wantStage)
		}
	}
}

func TestInvalidGrantRemovesRegular(t *testing.T) {
	ctx := context.Background()
	m := &mockRedeemer{}
	m.Test(t)
	m.On("RedeemRefreshToken", clientA, resA, "rt1").Return(oauthError(adalErrors.InvalidGrant), nil).Once()

	cascade, tc, s := newCascade(t, m)
	seed(t, tc, entry(resA, clientA, "at1", "rt1", -time.Hour, alice))

	got, err := cascade.AcquireTokenSilent(ctx, request(alice.DisplayableID))
	require.NoError(t, err)
	require.Nil(t, got)

	for _, u := range []string{"", alice.UserID, alice.DisplayableID} {
		_, ok, err := s.Get(ctx, cachekey.Regular(authority, resA, clientA, u))
		require.NoError(t, err)
		assert.False(t, ok, "regular entry under user %q survived invalid_grant", u)
	}
}

func TestOtherErrorKeepsCache(t *testing.T) {
	ctx := context.Background()
	m := &mockRedeemer{}
	m.Test(t)
	m.On("RedeemRefreshToken", clientA, resA, "rt1").Return(oauthError(adalErrors.InvalidRequest), nil).Once()

	cascade, tc, _ := newCascade(t, m)
	item := mrrtEntry(entry(resA, clientA, "at1", "rt1", -time.Hour, alice))
	seed(t, tc, item)

	_, err := cascade.AcquireTokenSilent(ctx, request(alice.UserID))
	require.Error(t, err)
	assert.Equal(t, adalErrors.InvalidRequest, adalErrors.Code(err))

	got, ok, err := tc.ReadRegular(ctx, tokencache.Query{Authority: authority, Resource: resA, ClientID: clientA, User: alice.UserID})
	require.NoError(t, err)
	require.True(t, ok)
	if diff := pretty.Compare(item, got); diff != "" {
		t.Errorf("TestOtherErrorKeepsCache: regular entry changed: -want/+got:\n%s", diff)
	}
	mrrt, ok, err := tc.ReadMRRT(ctx, authority, clientA, alice.UserID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "rt1", mrrt.RefreshToken)
}

func TestRefreshTokenPreserved(t *testing.T) {
	ctx := context.Background()
	m := &mockRedeemer{}
	m.Test(t)
	m.On("RedeemRefreshToken", clientA, resA, "rt1").Return(granted("at2", ""), nil).Once()

	cascade, tc, _ := newCascade(t, m)
	seed(t, tc, entry(resA, clientA, "at1", "rt1", -time.Hour, alice))

	got, err := cascade.AcquireTokenSilent(ctx, request(alice.UserID))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "at2", got.AccessToken)

	stored, ok, err := tc.ReadRegular(ctx, tokencache.Query{Authority: authority, Resource: resA, ClientID: clientA, User: alice.UserID})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "rt1", stored.RefreshToken)
	assert.Equal(t, "at2", stored.AccessToken)
	// The reply had no id token, the user is carried over.
	assert.Equal(t, alice, stored.UserInfo)
}

func TestFamilyPropagation(t *testing.T) {
	ctx := context.Background()
	resp := granted("at2", "rt2")
	resp.FamilyID = "1"
	resp.UserInfo = alice

	m := &mockRedeemer{}
	m.Test(t)
	m.On("RedeemRefreshToken", clientA, resA, "rt1").Return(resp, nil).Once()

	cascade, tc, _ := newCascade(t, m)
	seed(t, tc, entry(resA, clientA, "at1", "rt1", -time.Hour, alice))

	got, err := cascade.AcquireTokenSilent(ctx, request(alice.UserID))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "1", got.FamilyID)

	mrrt, ok, err := tc.ReadMRRT(ctx, authority, clientA, alice.UserID)
	require.NoError(t, err)
	require.True(t, ok, "MRRT entry not written")
	assert.Equal(t, "rt2", mrrt.RefreshToken)

	frt, ok, err := tc.ReadFRT(ctx, authority, "1", alice.DisplayableID)
	require.NoError(t, err)
	require.True(t, ok, "FRT entry not written")
	assert.Equal(t, "rt2", frt.RefreshToken)
}

func TestFamilyTokenOnly(t *testing.T) {
	ctx := context.Background()
	resp := granted("AT2", "rtF2")
	resp.FamilyID = "F"

	m := &mockRedeemer{}
	m.Test(t)
	m.On("RedeemRefreshToken", "C2", "R2", "rtF").Return(resp, nil).Once()

	cascade, _, s := newCascade(t, m)
	frt := tokencache.FRTItem(familyEntry(entry("R1", "C1", "at1", "rtF", time.Hour, alice), "F"))
	for _, u := range []string{alice.UserID, alice.DisplayableID} {
		require.NoError(t, s.Set(ctx, cachekey.FRT(authority, "F", u), frt))
	}

	got, err := cascade.AcquireTokenSilent(ctx, Request{Authority: authority, Resource: "R2", ClientID: "C2", User: alice.UserID})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "AT2", got.AccessToken)
	assert.Equal(t, StageFRT, got.Stage)

	keys := []string{
		cachekey.Regular(authority, "R2", "C2", alice.UserID),
		cachekey.MRRT(authority, "C2", alice.UserID),
		cachekey.FRT(authority, "F", alice.UserID),
	}
	for _, k := range keys {
		item, ok, err := s.Get(ctx, k)
		require.NoError(t, err)
		require.True(t, ok, "entry %s missing", k)
		assert.Equal(t, "rtF2", item.RefreshToken, "entry %s", k)
	}
}

func TestFamilyTokenRejected(t *testing.T) {
	ctx := context.Background()
	var (
		tc    *tokencache.Cache
		s     *storage.Store
		calls []string
	)
	r := redeemFunc(func(ctx context.Context, p accesstokens.RefreshParams) (accesstokens.TokenResponse, error) {
		calls = append(calls, p.RefreshToken)
		switch p.RefreshToken {
		case "rtF":
			// Another client of the user signs in while the family token is redeemed.
			if _, err := tc.Write(ctx, mrrtEntry(entry(resB, clientA, "atB", "rtM", time.Hour, alice))); err != nil {
				return accesstokens.TokenResponse{}, err
			}
			return oauthError(adalErrors.InvalidGrant), nil
		case "rtM":
			return granted("at2", "rtM2"), nil
		}
		return accesstokens.TokenResponse{}, errors.New("unexpected refresh token " + p.RefreshToken)
	})
	b := broker.Func(func(ctx context.Context, req broker.Request) (*broker.Result, error) {
		t.Errorf("TestFamilyTokenRejected: broker asked after a family token was redeemed")
		return nil, nil
	})

	var cascade *Cascade
	cascade, tc, s = newCascade(t, r, WithBroker(b))
	seed(t, tc, familyEntry(entry(resB, clientB, "atB", "rtF", time.Hour, alice), "F"))

	got, err := cascade.AcquireTokenSilent(ctx, request(alice.UserID))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "at2", got.AccessToken)
	assert.Equal(t, StageMRRT, got.Stage)
	assert.Equal(t, []string{"rtF", "rtM"}, calls)

	for _, u := range []string{alice.UserID, alice.DisplayableID} {
		_, ok, err := s.Get(ctx, cachekey.FRT(authority, "F", u))
		require.NoError(t, err)
		assert.False(t, ok, "family entry under user %q survived invalid_grant", u)
	}

	// A second rejection of the family token ends the request without another attempt.
	calls = nil
	seed(t, tc, familyEntry(entry(resB, clientB, "atB", "rtF", time.Hour, alice), "F"))
	req := request(alice.UserID)
	req.Resource = "https://vault.azure.net"
	r2 := redeemFunc(func(ctx context.Context, p accesstokens.RefreshParams) (accesstokens.TokenResponse, error) {
		calls = append(calls, p.RefreshToken)
		return oauthError(adalErrors.InvalidGrant), nil
	})
	cascade = New(tc, r2, WithClock(func() time.Time { return now }), WithBroker(b))
	got, err = cascade.AcquireTokenSilent(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, got)
	// The multi-resource token was already tried before the family token.
	assert.Equal(t, []string{"rtM2", "rtF"}, calls)
}

func TestFamilyTokenErrors(t *testing.T) {
	ctx := context.Background()
	transport := adalErrors.TransportError{Op: "token request", Err: errors.New("connection reset")}

	tests := []struct {
		desc string
		resp accesstokens.TokenResponse
		err  error
	}{
		{desc: "invalid_request", resp: oauthError(adalErrors.InvalidRequest)},
		{desc: "interaction_required", resp: oauthError(adalErrors.InteractionRequired)},
		{desc: "transport failure", err: transport},
	}

	for _, test := range tests {
		m := &mockRedeemer{}
		m.Test(t)
		m.On("RedeemRefreshToken", clientA, resA, "rtF").Return(test.resp, test.err).Once()

		cascade, tc, s := newCascade(t, m)
		seed(t, tc, familyEntry(entry(resB, clientB, "atB", "rtF", time.Hour, alice), "F"))

		_, err := cascade.AcquireTokenSilent(ctx, request(alice.UserID))
		m.AssertExpectations(t)
		if err == nil {
			t.Errorf("TestFamilyTokenErrors(%s): got err == nil, want err != nil", test.desc)
			continue
		}
		for _, u := range []string{alice.UserID, alice.DisplayableID} {
			item, ok, err := s.Get(ctx, cachekey.FRT(authority, "F", u))
			if err != nil || !ok || item.RefreshToken != "rtF" {
				t.Errorf("TestFamilyTokenErrors(%s): family entry under user %q changed (ok=%v, err=%v)", test.desc, u, ok, err)
			}
		}
	}
}

func TestExtendedLifetime(t *testing.T) {
	transport := adalErrors.TransportError{Op: "token request", Err: context.DeadlineExceeded}

	tests := []struct {
		desc     string
		extended bool
		resp     accesstokens.TokenResponse
		err      error
		extUntil time.Duration

		wantStale bool
	}{
		{desc: "transport failure returns the stale token", extended: true, err: transport, extUntil: time.Hour, wantStale: true},
		{desc: "retryable server error returns the stale token", extended: true, err: adalErrors.ServerError{StatusCode: 503, Retryable: true}, extUntil: time.Hour, wantStale: true},
		{desc: "not requested", extended: false, err: transport, extUntil: time.Hour},
		{desc: "extended lifetime passed", extended: true, err: transport, extUntil: -time.Minute},
		{desc: "OAuth error is not transient", extended: true, resp: oauthError(adalErrors.InvalidRequest), extUntil: time.Hour},
	}

	for _, test := range tests {
		m := &mockRedeemer{}
		m.Test(t)
		m.On("RedeemRefreshToken", clientA, resA, "rt1").Return(test.resp, test.err).Once()

		cascade, tc, _ := newCascade(t, m)
		item := entry(resA, clientA, "at1", "rt1", -time.Hour, alice)
		item.ExtendedExpiresOn = internalTime.Unix{T: now.Add(test.extUntil)}
		seed(t, tc, item)

		req := request(alice.UserID)
		req.ExtendedLifetime = test.extended
		got, err := cascade.AcquireTokenSilent(context.Background(), req)
		if !test.wantStale {
			if err == nil {
				t.Errorf("TestExtendedLifetime(%s): got err == nil, want err != nil", test.desc)
			}
			continue
		}
		if err != nil {
			t.Errorf("TestExtendedLifetime(%s): got err == %s, want err == nil", test.desc, err)
			continue
		}
		if !got.Stale || got.AccessToken != "at1" {
			t.Errorf("TestExtendedLifetime(%s): got (%s, stale=%v), want (at1, stale=true)", test.desc, got.AccessToken, got.Stale)
		}
	}
}

func TestBroker(t *testing.T) {
	ctx := context.Background()
	var asked []broker.Request
	b := broker.Func(func(ctx context.Context, req broker.Request) (*broker.Result, error) {
		asked = append(asked, req)
		return &broker.Result{
			AccessToken: "broker-at",
			ExpiresOn:   now.Add(time.Hour),
			Account:     broker.Account{UserID: alice.UserID, DisplayableID: alice.DisplayableID},
		}, nil
	})

	m := &mockRedeemer{}
	m.Test(t)
	cascade, tc, _ := newCascade(t, m, WithBroker(b))

	got, err := cascade.AcquireTokenSilent(ctx, request(alice.UserID))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StageBroker, got.Stage)
	assert.Equal(t, "broker-at", got.AccessToken)
	assert.Equal(t, alice, got.UserInfo)
	require.Len(t, asked, 1)
	assert.Equal(t, alice.UserID, asked[0].User)

	// Broker tokens are not cached.
	_, ok, err := tc.ReadRegular(ctx, tokencache.Query{Authority: authority, Resource: resA, ClientID: clientA, User: alice.UserID})
	require.NoError(t, err)
	assert.False(t, ok)

	// A cache hit never reaches the broker.
	seed(t, tc, entry(resA, clientA, "at1", "rt1", time.Hour, alice))
	got, err = cascade.AcquireTokenSilent(ctx, request(alice.UserID))
	require.NoError(t, err)
	assert.Equal(t, StageCache, got.Stage)
	assert.Len(t, asked, 1)
}

func TestAmbiguousUser(t *testing.T) {
	m := &mockRedeemer{}
	m.Test(t)
	cascade, tc, _ := newCascade(t, m)
	seed(t, tc,
		entry(resA, clientA, "at-alice", "rt-alice", time.Hour, alice),
		entry(resA, clientA, "at-bob", "rt-bob", time.Hour, bob),
	)

	_, err := cascade.AcquireTokenSilent(context.Background(), request(""))
	var ambiguous adalErrors.AmbiguousUserError
	require.ErrorAs(t, err, &ambiguous)
	assert.Equal(t, []string{"alice-oid", "bob-oid"}, ambiguous.UserIDs)

	got, err := cascade.AcquireTokenSilent(context.Background(), request(bob.DisplayableID))
	require.NoError(t, err)
	assert.Equal(t, "at-bob", got.AccessToken)
}

func TestCorrelationID(t *testing.T) {
	fixed := uuid.MustParse("00000000-0000-0000-0000-000000000001")

	tests := []struct {
		desc     string
		supplied string
		want     string
	}{
		{desc: "generated", want: fixed.String()},
		{desc: "supplied", supplied: "caller-id", want: "caller-id"},
	}

	for _, test := range tests {
		var gotParam, gotCtx string
		r := redeemFunc(func(ctx context.Context, p accesstokens.RefreshParams) (accesstokens.TokenResponse, error) {
			gotParam, gotCtx = p.CorrelationID, logger.CorrelationID(ctx)
			return granted("at2", "rt2"), nil
		})
		cascade, tc, _ := newCascade(t, r, WithCorrelationIDSource(func() uuid.UUID { return fixed }))
		seed(t, tc, entry(resA, clientA, "at1", "rt1", -time.Hour, alice))

		req := request(alice.UserID)
		req.CorrelationID = test.supplied
		got, err := cascade.AcquireTokenSilent(context.Background(), req)
		if err != nil {
			t.Errorf("TestCorrelationID(%s): got err == %s, want err == nil", test.desc, err)
			continue
		}
		if gotParam != test.want || gotCtx != test.want || got.CorrelationID != test.want {
			t.Errorf("TestCorrelationID(%s): got (param %s, ctx %s, result %s), want %s", test.desc, gotParam, gotCtx, got.CorrelationID, test.want)
		}
	}
}

func TestRequestValidation(t *testing.T) {
	cascade, _, _ := newCascade(t, &mockRedeemer{})

	_, err := cascade.AcquireTokenSilent(context.Background(), Request{Authority: "not a url", Resource: resA, ClientID: clientA})
	var fatal adalErrors.FatalConfigError
	assert.ErrorAs(t, err, &fatal)

	_, err = cascade.AcquireTokenSilent(context.Background(), Request{Authority: authority, ClientID: clientA})
	var arg adalErrors.ArgumentError
	assert.ErrorAs(t, err, &arg)

	_, err = cascade.AcquireTokenSilent(context.Background(), Request{Authority: authority, Resource: resA})
	assert.ErrorAs(t, err, &arg)
}

func TestSaveTokenResponse(t *testing.T) {
	ctx := context.Background()
	cascade, tc, _ := newCascade(t, &mockRedeemer{})

	resp := granted("at1", "rt1")
	resp.IsMRRT = true
	resp.UserInfo = alice
	got, err := cascade.SaveTokenResponse(ctx, authority, resA, clientA, "", resp)
	require.NoError(t, err)
	assert.Equal(t, StageAuthCode, got.Stage)

	_, ok, err := tc.ReadMRRT(ctx, authority, clientA, alice.DisplayableID)
	require.NoError(t, err)
	assert.True(t, ok, "MRRT entry not written")

	// Without user information the entry is also keyed by the identifier the caller used.
	_, err = cascade.SaveTokenResponse(ctx, authority, resB, clientA, "legacy-user", granted("atB", "rtB"))
	require.NoError(t, err)
	_, ok, err = tc.ReadRegular(ctx, tokencache.Query{Authority: authority, Resource: resB, ClientID: clientA, User: "legacy-user"})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = cascade.SaveTokenResponse(ctx, authority, resA, clientA, "", oauthError(adalErrors.InvalidGrant))
	assert.True(t, adalErrors.IsInvalidGrant(err))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	mtr, err := metrics.New(reg)
	require.NoError(t, err)

	m := &mockRedeemer{}
	m.Test(t)
	m.On("RedeemRefreshToken", clientA, resB, "rt1").Return(oauthError(adalErrors.InvalidGrant), nil).Once()
	cascade, tc, _ := newCascade(t, m, WithMetrics(mtr))
	seed(t, tc,
		entry(resA, clientA, "at1", "rt1", time.Hour, alice),
		entry(resB, clientA, "at1", "rt1", -time.Hour, alice),
	)

	_, err = cascade.AcquireTokenSilent(context.Background(), request(alice.UserID))
	require.NoError(t, err)
	req := request(alice.UserID)
	req.Resource = resB
	_, err = cascade.AcquireTokenSilent(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1.0, silentCount(t, reg, "cache", "cache_hit"))
	assert.Equal(t, 1.0, silentCount(t, reg, "frt", "interactive_required"))
}

func silentCount(t *testing.T, reg *prometheus.Registry, stage, outcome string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "adal_silent_results_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["stage"] == stage && labels["outcome"] == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}
