// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package accesstokens

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	adalErrors "github.com/AzureAD/azure-activedirectory-library-for-go/apps/errors"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/items"
	"github.com/AzureAD/azure-activedirectory-library-for-go/apps/internal/oauth/ops/internal/comm"
	"github.com/golang-jwt/jwt/v5"
	"github.com/kylelemons/godebug/pretty"
)

const testAuthority = "https://login.microsoftonline.com/contoso"

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeURLCaller struct {
	err     bool
	replies []comm.Reply

	calls       int
	gotEndpoint string
	gotHeaders  []http.Header
	gotQV       url.Values
}

func (f *fakeURLCaller) URLFormCall(ctx context.Context, endpoint string, headers http.Header, qv url.Values) (comm.Reply, error) {
	if f.err {
		return comm.Reply{}, adalErrors.TransportError{Op: "POST", Err: errors.New("connection refused")}
	}
	f.gotEndpoint = endpoint
	f.gotHeaders = append(f.gotHeaders, headers.Clone())
	f.gotQV = qv

	r := f.replies[f.calls]
	f.calls++
	if r.Header == nil {
		r.Header = http.Header{}
	}
	return r, nil
}

func (f *fakeURLCaller) compare(endpoint string, qv url.Values) error {
	if f.gotEndpoint != endpoint {
		return fmt.Errorf("got endpoint == %s, want endpoint == %s", f.gotEndpoint, endpoint)
	}
	if diff := pretty.Compare(qv, f.gotQV); diff != "" {
		return fmt.Errorf("qv -want/+got:\n%s", diff)
	}
	return nil
}

type fakeDeviceCert struct {
	err          bool
	gotChallenge string
}

func (f *fakeDeviceCert) ChallengeResponse(ctx context.Context, challenge, endpoint string) (string, error) {
	if f.err {
		return "", errors.New("no certificate")
	}
	f.gotChallenge = challenge
	return `PKeyAuth AuthToken="signed", Context="ctx", Version="1.0"`, nil
}

func ok(body string) comm.Reply {
	return comm.Reply{StatusCode: http.StatusOK, Body: []byte(body)}
}

func idToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestFromRefreshToken(t *testing.T) {
	params := RefreshParams{
		Authority:     testAuthority,
		ClientID:      "clientID",
		Resource:      "https://graph.windows.net",
		RefreshToken:  "refreshToken",
		CorrelationID: "corr-id",
	}

	tests := []struct {
		desc    string
		params  RefreshParams
		commErr bool
		qv      url.Values
		err     bool
	}{
		{
			desc:    "Error: comm returns error",
			params:  params,
			commErr: true,
			err:     true,
		},
		{
			desc: "Error: no refresh token",
			params: func() RefreshParams {
				p := params
				p.RefreshToken = ""
				return p
			}(),
			err: true,
		},
		{
			desc: "Error: no client id",
			params: func() RefreshParams {
				p := params
				p.ClientID = ""
				return p
			}(),
			err: true,
		},
		{
			desc:   "Success",
			params: params,
			qv: url.Values{
				grantType:    []string{refreshToken},
				refreshToken: []string{"refreshToken"},
				clientID:     []string{"clientID"},
				resource:     []string{"https://graph.windows.net"},
			},
		},
		{
			desc: "Success: no resource",
			params: func() RefreshParams {
				p := params
				p.Resource = ""
				return p
			}(),
			qv: url.Values{
				grantType:    []string{refreshToken},
				refreshToken: []string{"refreshToken"},
				clientID:     []string{"clientID"},
			},
		},
	}

	for _, test := range tests {
		fake := &fakeURLCaller{err: test.commErr, replies: []comm.Reply{ok(`{"access_token":"at"}`)}}
		client := Client{Comm: fake}

		// We don't care about the result here, that is covered by TestNewTokenResponse.
		// We care only that the comm package got what it needed.
		_, err := client.FromRefreshToken(context.Background(), test.params)
		switch {
		case err == nil && test.err:
			t.Errorf("TestFromRefreshToken(%s): got err == nil , want err != nil", test.desc)
			continue
		case err != nil && !test.err:
			t.Errorf("TestFromRefreshToken(%s): got err == %s , want err == nil", test.desc, err)
			continue
		case err != nil:
			continue
		}

		if err := fake.compare(testAuthority+TokenEndpointPath, test.qv); err != nil {
			t.Errorf("TestFromRefreshToken(%s): %s", test.desc, err)
		}
		if got := fake.gotHeaders[0].Get("client-request-id"); got != "corr-id" {
			t.Errorf("TestFromRefreshToken(%s): got client-request-id %q, want %q", test.desc, got, "corr-id")
		}
		if got := fake.gotHeaders[0].Get(PKeyAuthHeader); got != "" {
			t.Errorf("TestFromRefreshToken(%s): got %s header without a device certificate", test.desc, PKeyAuthHeader)
		}
	}
}

func TestFromAuthCode(t *testing.T) {
	params := AuthCodeParams{
		Authority:   testAuthority + "/",
		ClientID:    "clientID",
		Resource:    "https://graph.windows.net",
		Code:        "code",
		RedirectURI: "http://localhost:8400",
	}

	tests := []struct {
		desc   string
		params AuthCodeParams
		err    bool
	}{
		{
			desc: "Error: no code",
			params: func() AuthCodeParams {
				p := params
				p.Code = ""
				return p
			}(),
			err: true,
		},
		{
			desc: "Error: no redirect URI",
			params: func() AuthCodeParams {
				p := params
				p.RedirectURI = ""
				return p
			}(),
			err: true,
		},
		{
			desc:   "Success",
			params: params,
		},
	}

	for _, test := range tests {
		fake := &fakeURLCaller{replies: []comm.Reply{ok(`{"access_token":"at"}`)}}
		client := Client{Comm: fake}

		_, err := client.FromAuthCode(context.Background(), test.params)
		switch {
		case err == nil && test.err:
			t.Errorf("TestFromAuthCode(%s): got err == nil , want err != nil", test.desc)
			continue
		case err != nil && !test.err:
			t.Errorf("TestFromAuthCode(%s): got err == %s , want err == nil", test.desc, err)
			continue
		case err != nil:
			continue
		}

		want := url.Values{
			grantType:      []string{authCode},
			"code":         []string{"code"},
			clientID:       []string{"clientID"},
			"redirect_uri": []string{"http://localhost:8400"},
			resource:       []string{"https://graph.windows.net"},
		}
		if err := fake.compare(testAuthority+TokenEndpointPath, want); err != nil {
			t.Errorf("TestFromAuthCode(%s): %s", test.desc, err)
		}
	}
}

func TestReplyStatus(t *testing.T) {
	tests := []struct {
		desc          string
		reply         comm.Reply
		wantCode      string
		wantRetryable bool
		wantErr       bool
		wantFormatErr bool
	}{
		{
			desc:     "400 with invalid_grant is a response, not an error",
			reply:    comm.Reply{StatusCode: http.StatusBadRequest, Body: []byte(`{"error":"invalid_grant","error_description":"AADSTS70002","error_codes":[70002]}`)},
			wantCode: adalErrors.InvalidGrant,
		},
		{
			desc:     "401 with interaction_required is a response",
			reply:    comm.Reply{StatusCode: http.StatusUnauthorized, Body: []byte(`{"error":"interaction_required"}`)},
			wantCode: adalErrors.InteractionRequired,
		},
		{
			desc:          "400 with a body that is not JSON",
			reply:         comm.Reply{StatusCode: http.StatusBadRequest, Body: []byte(`<html>bad request</html>`)},
			wantErr:       true,
			wantFormatErr: true,
		},
		{
			desc:          "200 without an access token",
			reply:         ok(`{"token_type":"Bearer"}`),
			wantErr:       true,
			wantFormatErr: true,
		},
		{
			desc:          "503 is retryable",
			reply:         comm.Reply{StatusCode: http.StatusServiceUnavailable, Body: []byte(`busy`)},
			wantErr:       true,
			wantRetryable: true,
		},
		{
			desc:          "500 with an error code in the body is a retryable response",
			reply:         comm.Reply{StatusCode: http.StatusInternalServerError, Body: []byte(`{"error":"temporarily_unavailable"}`)},
			wantRetryable: true,
			wantCode:      "temporarily_unavailable",
		},
		{
			desc:          "503 with invalid_grant in the body is a response",
			reply:         comm.Reply{StatusCode: http.StatusServiceUnavailable, Body: []byte(`{"error":"invalid_grant"}`)},
			wantRetryable: true,
			wantCode:      adalErrors.InvalidGrant,
		},
		{
			desc:    "404 is a server error",
			reply:   comm.Reply{StatusCode: http.StatusNotFound, Body: []byte(`not found`)},
			wantErr: true,
		},
	}

	for _, test := range tests {
		fake := &fakeURLCaller{replies: []comm.Reply{test.reply}}
		client := Client{Comm: fake}

		tr, err := client.FromRefreshToken(context.Background(), RefreshParams{Authority: testAuthority, ClientID: "c", RefreshToken: "rt"})
		if test.wantErr {
			if err == nil {
				t.Errorf("TestReplyStatus(%s): got err == nil, want err != nil", test.desc)
				continue
			}
			var fe adalErrors.FormatError
			if got := errors.As(err, &fe); got != test.wantFormatErr {
				t.Errorf("TestReplyStatus(%s): got FormatError == %v, want %v", test.desc, got, test.wantFormatErr)
			}
			if got := adalErrors.IsTransient(err); got != test.wantRetryable {
				t.Errorf("TestReplyStatus(%s): got IsTransient == %v, want %v", test.desc, got, test.wantRetryable)
			}
			if got := adalErrors.Code(err); got != test.wantCode {
				t.Errorf("TestReplyStatus(%s): got code %q, want %q", test.desc, got, test.wantCode)
			}
			continue
		}
		if err != nil {
			t.Errorf("TestReplyStatus(%s): got err == %s, want err == nil", test.desc, err)
			continue
		}
		if got := adalErrors.Code(tr.Err()); got != test.wantCode {
			t.Errorf("TestReplyStatus(%s): got code %q, want %q", test.desc, got, test.wantCode)
		}
		if got := adalErrors.IsTransient(tr.Err()); got != test.wantRetryable {
			t.Errorf("TestReplyStatus(%s): got IsTransient == %v, want %v", test.desc, got, test.wantRetryable)
		}
		if tr.AccessToken != "" {
			t.Errorf("TestReplyStatus(%s): error response carries an access token", test.desc)
		}
	}
}

func TestPKeyAuthChallenge(t *testing.T) {
	challenge := `PKeyAuth Context="ctx", Version="1.0", CertAuthorities="OU=82dbaca4"`
	fake := &fakeURLCaller{replies: []comm.Reply{
		{StatusCode: http.StatusUnauthorized, Header: http.Header{"Www-Authenticate": []string{challenge}}},
		{StatusCode: http.StatusOK, Header: http.Header{"Client-Request-Id": []string{"corr-id"}}, Body: []byte(`{"access_token":"at"}`)},
	}}
	cert := &fakeDeviceCert{}
	client := Client{Comm: fake, DeviceCert: cert}

	tr, err := client.FromRefreshToken(context.Background(), RefreshParams{Authority: testAuthority, ClientID: "c", RefreshToken: "rt", CorrelationID: "corr-id"})
	if err != nil {
		t.Fatalf("TestPKeyAuthChallenge: got err == %s, want err == nil", err)
	}
	if fake.calls != 2 {
		t.Fatalf("TestPKeyAuthChallenge: got %d calls, want 2", fake.calls)
	}
	if got := fake.gotHeaders[0].Get(PKeyAuthHeader); got != "1.0" {
		t.Errorf("TestPKeyAuthChallenge: got %s == %q, want 1.0", PKeyAuthHeader, got)
	}
	if cert.gotChallenge != challenge {
		t.Errorf("TestPKeyAuthChallenge: device certificate got challenge %q, want %q", cert.gotChallenge, challenge)
	}
	if got := fake.gotHeaders[1].Get("Authorization"); got == "" {
		t.Errorf("TestPKeyAuthChallenge: retry was sent without an Authorization header")
	}
	if tr.AccessToken != "at" || tr.EchoedCorrelationID != "corr-id" {
		t.Errorf("TestPKeyAuthChallenge: got access token %q, echoed id %q", tr.AccessToken, tr.EchoedCorrelationID)
	}

	fake = &fakeURLCaller{replies: fake.replies}
	client = Client{Comm: fake, DeviceCert: &fakeDeviceCert{err: true}}
	if _, err := client.FromRefreshToken(context.Background(), RefreshParams{Authority: testAuthority, ClientID: "c", RefreshToken: "rt"}); err == nil {
		t.Errorf("TestPKeyAuthChallenge: failing device certificate got err == nil, want err != nil")
	}
}

func TestNewTokenResponse(t *testing.T) {
	idt := idToken(t, jwt.MapClaims{
		"oid":         "object-id",
		"sub":         "subject",
		"tid":         "tenant",
		"upn":         "user@contoso.com",
		"given_name":  "Given",
		"family_name": "Family",
		"iss":         "https://sts.windows.net/tenant/",
	})
	idtNoOID := idToken(t, jwt.MapClaims{"sub": "subject", "email": "user@example.com", "idp": "live.com"})

	tests := []struct {
		desc string
		body string
		want TokenResponse
		err  bool
	}{
		{
			desc: "Error: not JSON",
			body: `{`,
			err:  true,
		},
		{
			desc: "Error: invalid expires_in",
			body: `{"access_token":"at","expires_in":"soon"}`,
			err:  true,
		},
		{
			desc: "Success: full response",
			body: `{"access_token":"at","refresh_token":"rt","resource":"https://graph.windows.net","expires_in":3599,"ext_expires_in":"7200","foci":"1","id_token":"` + idt + `"}`,
			want: TokenResponse{
				AccessToken:  "at",
				RefreshToken: "rt",
				ExpiresOn:    testNow.Add(3599 * time.Second),
				ExtExpiresOn: testNow.Add(2 * time.Hour),
				Resource:     "https://graph.windows.net",
				IsMRRT:       true,
				FamilyID:     "1",
				TenantID:     "tenant",
				UserInfo: &items.UserInfo{
					UserID:           "object-id",
					DisplayableID:    "user@contoso.com",
					GivenName:        "Given",
					FamilyName:       "Family",
					IdentityProvider: "https://sts.windows.net/tenant/",
				},
				RawIDToken: idt,
				StatusCode: http.StatusOK,
			},
		},
		{
			desc: "Success: expires_in as string, no refresh token is not MRRT",
			body: `{"access_token":"at","resource":"r","expires_in":"60"}`,
			want: TokenResponse{
				AccessToken: "at",
				ExpiresOn:   testNow.Add(time.Minute),
				Resource:    "r",
				StatusCode:  http.StatusOK,
			},
		},
		{
			desc: "Success: no expiry uses the default",
			body: `{"access_token":"at","refresh_token":"rt"}`,
			want: TokenResponse{
				AccessToken:  "at",
				RefreshToken: "rt",
				ExpiresOn:    testNow.Add(DefaultExpiresIn),
				StatusCode:   http.StatusOK,
			},
		},
		{
			desc: "Success: expires_on only",
			body: `{"access_token":"at","expires_on":"1709298000"}`,
			want: TokenResponse{
				AccessToken: "at",
				ExpiresOn:   time.Unix(1709298000, 0),
				StatusCode:  http.StatusOK,
			},
		},
		{
			desc: "Success: subject and email stand in for oid and upn",
			body: `{"access_token":"at","id_token":"` + idtNoOID + `"}`,
			want: TokenResponse{
				AccessToken: "at",
				ExpiresOn:   testNow.Add(DefaultExpiresIn),
				UserInfo: &items.UserInfo{
					UserID:           "subject",
					DisplayableID:    "user@example.com",
					IdentityProvider: "live.com",
				},
				RawIDToken: idtNoOID,
				StatusCode: http.StatusOK,
			},
		},
		{
			desc: "Success: malformed id_token gives no user",
			body: `{"access_token":"at","id_token":"not.a-jwt"}`,
			want: TokenResponse{
				AccessToken: "at",
				ExpiresOn:   testNow.Add(DefaultExpiresIn),
				StatusCode:  http.StatusOK,
			},
		},
	}

	for _, test := range tests {
		got, err := NewTokenResponse([]byte(test.body), http.StatusOK, testNow)
		switch {
		case err == nil && test.err:
			t.Errorf("TestNewTokenResponse(%s): got err == nil, want err != nil", test.desc)
			continue
		case err != nil && !test.err:
			t.Errorf("TestNewTokenResponse(%s): got err == %s, want err == nil", test.desc, err)
			continue
		case err != nil:
			continue
		}

		if diff := pretty.Compare(test.want, got); diff != "" {
			t.Errorf("TestNewTokenResponse(%s): -want/+got:\n%s", test.desc, diff)
		}
	}
}

func TestItem(t *testing.T) {
	tr := TokenResponse{
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresOn:    testNow,
		IsMRRT:       true,
		FamilyID:     "1",
		UserInfo:     &items.UserInfo{UserID: "oid"},
	}
	item := tr.Item(testAuthority, "r", "c")
	if item.Kind() != items.Regular {
		t.Errorf("TestItem: got kind %s, want regular", item.Kind())
	}
	if item.AccessToken != "at" || item.RefreshToken != "rt" || !item.ExpiresOn.T.Equal(testNow) || item.FamilyClientID != "1" || !item.IsMRRT {
		t.Errorf("TestItem: fields not carried over: %+v", item)
	}
}
