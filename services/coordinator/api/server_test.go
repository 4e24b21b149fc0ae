package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"dealescrow/native/deal"
	"dealescrow/services/coordinator"
	"dealescrow/services/settlement"
)

const testSecret = "api-test-secret"

type fakeCoordinator struct {
	created  []coordinator.CreateParams
	resolved []bool
	extended []uint32
	fresh    []bool
	err      error
}

func (f *fakeCoordinator) CreateEscrow(_ context.Context, p coordinator.CreateParams) (*coordinator.CreateResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, p)
	return &coordinator.CreateResult{DealID: "0x01", ContractAddress: "0xabc", Status: "PENDING"}, nil
}

func (f *fakeCoordinator) GetStatus(_ context.Context, dealID string, fresh bool) (*coordinator.Status, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.fresh = append(f.fresh, fresh)
	return &coordinator.Status{DealID: dealID, Status: "FUNDED", Fresh: fresh}, nil
}

func (f *fakeCoordinator) dispatch(dealID, action string) (*coordinator.DispatchResult, error) {
	res := &coordinator.DispatchResult{DealID: dealID, Action: action, TxHash: "0xfeed", Status: "RELEASED"}
	if f.err != nil {
		return res, f.err
	}
	return res, nil
}

func (f *fakeCoordinator) Release(_ context.Context, dealID string) (*coordinator.DispatchResult, error) {
	return f.dispatch(dealID, coordinator.ActionRelease)
}

func (f *fakeCoordinator) Refund(_ context.Context, dealID string) (*coordinator.DispatchResult, error) {
	return f.dispatch(dealID, coordinator.ActionRefund)
}

func (f *fakeCoordinator) Resolve(_ context.Context, dealID string, favor bool) (*coordinator.DispatchResult, error) {
	f.resolved = append(f.resolved, favor)
	return f.dispatch(dealID, coordinator.ActionResolve)
}

func (f *fakeCoordinator) ExtendDeadline(_ context.Context, dealID string, deadline uint32) (*coordinator.DispatchResult, error) {
	f.extended = append(f.extended, deadline)
	return f.dispatch(dealID, coordinator.ActionExtendDeadline)
}

func (f *fakeCoordinator) DisputeIntent(_ context.Context, _ string) (coordinator.PayIntent, error) {
	return coordinator.PayIntent{Op: "dispute"}, f.err
}

func (f *fakeCoordinator) Settlement(_ context.Context, dealID string) (*settlement.Settlement, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &settlement.Settlement{DealID: dealID, Kind: settlement.KindRelease}, nil
}

func (f *fakeCoordinator) Payout(_ context.Context, dealID string) (*settlement.Settlement, error) {
	return f.Settlement(context.Background(), dealID)
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestServer(t *testing.T, svc Coordinator, limiter *RateLimiter) *httptest.Server {
	t.Helper()
	auth := NewAuthenticator(AuthConfig{HMACSecret: testSecret, Issuer: "dealescrow-test", Audience: "escrowd"}, quietLogger())
	srv := httptest.NewServer(NewServer(svc, Options{Auth: auth, Limiter: limiter, Logger: quietLogger()}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func token(t *testing.T, scope string, mutate func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   "merchant-7",
		"iss":   "dealescrow-test",
		"aud":   "escrowd",
		"scope": scope,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	if mutate != nil {
		mutate(claims)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func do(t *testing.T, method, url, bearer string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestCreateEscrowParsesRequest(t *testing.T) {
	svc := &fakeCoordinator{}
	srv := newTestServer(t, svc, nil)
	body := CreateRequest{
		BusinessID:        "order-1",
		Funder:            "0x1111111111111111111111111111111111111111",
		Beneficiary:       "0x2222222222222222222222222222222222222222",
		TotalAmount:       "10",
		BeneficiaryAmount: "9.5",
		Deadline:          1_900_000_000,
		Referrals:         []referralRequest{{AccountID: " ref:alice ", Amount: "0.1"}},
	}
	resp, out := do(t, http.MethodPost, srv.URL+"/v1/escrows", token(t, ScopeWrite, nil), body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %v", resp.StatusCode, out)
	}
	if out["dealId"] != "0x01" {
		t.Fatalf("unexpected response: %v", out)
	}
	if len(svc.created) != 1 {
		t.Fatalf("expected one create call")
	}
	got := svc.created[0]
	if !got.TotalAmount.Eq(deal.MustCoins("10")) || !got.BeneficiaryAmount.Eq(deal.MustCoins("9.5")) {
		t.Fatalf("amounts not parsed: %+v", got)
	}
	if got.Funder[0] != 0x11 || got.Beneficiary[19] != 0x22 {
		t.Fatalf("addresses not parsed: %+v", got)
	}
	if len(got.Referrals) != 1 || got.Referrals[0].AccountID != "ref:alice" {
		t.Fatalf("referrals not parsed: %+v", got.Referrals)
	}

	body.TotalAmount = "ten"
	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/escrows", token(t, ScopeWrite, nil), body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed amount, got %d", resp.StatusCode)
	}
}

func TestAuthRejectsBadTokens(t *testing.T) {
	srv := newTestServer(t, &fakeCoordinator{}, nil)
	url := srv.URL + "/v1/escrows/0x01"
	cases := []struct {
		name   string
		bearer string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "not-a-jwt", http.StatusUnauthorized},
		{"wrong issuer", token(t, ScopeRead, func(c jwt.MapClaims) { c["iss"] = "other" }), http.StatusUnauthorized},
		{"wrong audience", token(t, ScopeRead, func(c jwt.MapClaims) { c["aud"] = []interface{}{"x", "y"} }), http.StatusUnauthorized},
		{"expired", token(t, ScopeRead, func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() }), http.StatusUnauthorized},
		{"missing scope", token(t, ScopeWrite, nil), http.StatusForbidden},
		{"ok", token(t, ScopeRead+" "+ScopeWrite, nil), http.StatusOK},
	}
	for _, tc := range cases {
		resp, _ := do(t, http.MethodGet, url, tc.bearer, nil)
		if resp.StatusCode != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, resp.StatusCode)
		}
	}
	resp, _ := do(t, http.MethodPost, srv.URL+"/v1/escrows/0x01/release", token(t, ScopeRead, nil), nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("read scope must not release, got %d", resp.StatusCode)
	}
}

func TestStatusFreshFlag(t *testing.T) {
	svc := &fakeCoordinator{}
	srv := newTestServer(t, svc, nil)
	bearer := token(t, ScopeRead, nil)
	if resp, _ := do(t, http.MethodGet, srv.URL+"/v1/escrows/0x01?fresh=true", bearer, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/v1/escrows/0x01", bearer, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if len(svc.fresh) != 2 || !svc.fresh[0] || svc.fresh[1] {
		t.Fatalf("unexpected fresh flags: %v", svc.fresh)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/v1/escrows/0x01?fresh=maybe", bearer, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed fresh flag, got %d", resp.StatusCode)
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	svc := &fakeCoordinator{}
	srv := newTestServer(t, svc, nil)
	bearer := token(t, ScopeWrite, nil)
	base := srv.URL + "/v1/escrows/0x01"

	for _, path := range []string{"/release", "/refund"} {
		resp, out := do(t, http.MethodPost, base+path, bearer, nil)
		if resp.StatusCode != http.StatusOK || out["txHash"] != "0xfeed" {
			t.Fatalf("%s: %d %v", path, resp.StatusCode, out)
		}
	}
	if resp, _ := do(t, http.MethodPost, base+"/resolve", bearer, map[string]bool{"favorBeneficiary": true}); resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve: %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodPost, base+"/resolve", bearer, map[string]string{}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("resolve without favor should be rejected, got %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodPost, base+"/extend", bearer, map[string]uint32{"deadline": 1_900_000_000}); resp.StatusCode != http.StatusOK {
		t.Fatalf("extend: %d", resp.StatusCode)
	}
	if len(svc.resolved) != 1 || !svc.resolved[0] || len(svc.extended) != 1 || svc.extended[0] != 1_900_000_000 {
		t.Fatalf("unexpected calls: %+v", svc)
	}
}

func TestErrorMapping(t *testing.T) {
	bearer := token(t, ScopeRead+" "+ScopeWrite, nil)
	cases := []struct {
		err  error
		path string
		want int
	}{
		{fmt.Errorf("%w: nope", coordinator.ErrNotFound), "", http.StatusNotFound},
		{fmt.Errorf("%w: bad", coordinator.ErrInvalidParams), "", http.StatusBadRequest},
		{coordinator.ErrQueueFull, "/release", http.StatusServiceUnavailable},
		{deal.ErrInvalidState, "/release", http.StatusUnprocessableEntity},
		{fmt.Errorf("boom"), "/refund", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		srv := newTestServer(t, &fakeCoordinator{err: tc.err}, nil)
		method := http.MethodGet
		if tc.path != "" {
			method = http.MethodPost
		}
		resp, out := do(t, method, srv.URL+"/v1/escrows/0x01"+tc.path, bearer, nil)
		if resp.StatusCode != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, resp.StatusCode)
		}
		if tc.want == http.StatusUnprocessableEntity && out["exitCode"] != float64(deal.ExitInvalidState) {
			t.Fatalf("expected exit code in body, got %v", out)
		}
	}
}

func TestRateLimiterPerClient(t *testing.T) {
	limiter := NewRateLimiter(1, 2)
	srv := newTestServer(t, &fakeCoordinator{}, limiter)
	bearer := token(t, ScopeRead, nil)
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, _ := do(t, http.MethodGet, srv.URL+"/v1/escrows/0x01", bearer, nil)
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes: %v", codes)
	}
	resp, _ := do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz must bypass limits, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeCoordinator{}, nil)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), "go_goroutines") {
		t.Fatalf("unexpected metrics response: %d", resp.StatusCode)
	}
}
