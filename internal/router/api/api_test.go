package api

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	commonhealth "go.flowcatalyst.tech/dispatchcore/internal/common/health"
	"go.flowcatalyst.tech/dispatchcore/internal/router/circuitbreaker"
	"go.flowcatalyst.tech/dispatchcore/internal/router/health"
	"go.flowcatalyst.tech/dispatchcore/internal/router/manager"
	"go.flowcatalyst.tech/dispatchcore/internal/router/model"
	"go.flowcatalyst.tech/dispatchcore/internal/router/standby"
	"go.flowcatalyst.tech/dispatchcore/internal/router/warning"
)

type fakePools struct {
	inFlight []model.InFlightMessageInfo
	limit    int
	filter   string
}

func (f *fakePools) Snapshot() *manager.Snapshot {
	return &manager.Snapshot{
		Pools:    []model.PoolStats{{PoolCode: "ORDERS", InFlight: 1}},
		InFlight: len(f.inFlight),
	}
}

func (f *fakePools) PoolStats(code string) (model.PoolStats, bool) {
	if code != "ORDERS" {
		return model.PoolStats{}, false
	}
	return model.PoolStats{PoolCode: code, InFlight: 1}, true
}

func (f *fakePools) InFlight(limit int, messageID string) []model.InFlightMessageInfo {
	f.limit, f.filter = limit, messageID
	return f.inFlight
}

type fakeStandby struct{}

func (fakeStandby) Status() *standby.LeadershipStatus {
	return &standby.LeadershipStatus{Enabled: true, InstanceID: "r1", Role: standby.RoleStandby, LockHolder: "r2"}
}

type fixture struct {
	handler  http.Handler
	pools    *fakePools
	breakers *circuitbreaker.Registry
	warnings *warning.InMemoryService
	checker  *commonhealth.Checker
	ready    bool
}

func newFixture(t *testing.T, auth *Authenticator) *fixture {
	t.Helper()
	f := &fixture{
		pools:    &fakePools{inFlight: []model.InFlightMessageInfo{{MessageID: "job-1", PoolCode: "ORDERS"}}},
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 1, Cooldown: time.Minute}),
		warnings: warning.NewInMemoryService(nil),
		checker:  commonhealth.NewChecker(time.Second),
		ready:    true,
	}
	f.checker.AddReadinessCheck(commonhealth.FlagCheck("leadership", func() bool { return f.ready }))

	status := health.NewStatusService(func() bool { return f.ready }, func() bool { return true }, f.breakers, nil, f.warnings)
	f.handler = NewRouter(RouterOptions{
		Health: f.checker,
		Monitoring: &MonitoringHandler{
			Health:   status,
			Pools:    f.pools,
			Breakers: f.breakers,
			Standby:  fakeStandby{},
			Warnings: f.warnings,
		},
		Auth:        auth,
		CORSOrigins: []string{"http://localhost:4200"},
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/q/health/live").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/q/health/ready").Code)

	f.ready = false
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/q/health/ready").Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/q/health").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/q/health/live").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodGet, "/monitoring/pools")

	rec := f.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "flowcatalyst_http_requests_total")
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/q/metrics").Code)
}

func TestMonitoringHealthDegradesOnOpenBreaker(t *testing.T) {
	f := newFixture(t, nil)

	report := decode[health.Report](t, f.do(t, http.MethodGet, "/monitoring/health"))
	assert.Equal(t, health.StatusHealthy, report.Status)

	f.breakers.RecordFailure("http://svc/hook")
	report = decode[health.Report](t, f.do(t, http.MethodGet, "/monitoring/health"))
	assert.Equal(t, health.StatusDegraded, report.Status)
	assert.Equal(t, 1, report.OpenCircuitBreakers)

	f.ready = false
	rec := f.do(t, http.MethodGet, "/monitoring/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPoolsAndInFlight(t *testing.T) {
	f := newFixture(t, nil)

	snap := decode[manager.Snapshot](t, f.do(t, http.MethodGet, "/monitoring/pools"))
	require.Len(t, snap.Pools, 1)
	assert.Equal(t, "ORDERS", snap.Pools[0].PoolCode)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/monitoring/pools/ORDERS").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/monitoring/pools/NOPE").Code)

	rec := f.do(t, http.MethodGet, "/monitoring/in-flight?limit=5&messageId=job-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, f.pools.limit)
	assert.Equal(t, "job-1", f.pools.filter)

	f.do(t, http.MethodGet, "/monitoring/in-flight")
	assert.Equal(t, DefaultInFlightLimit, f.pools.limit)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/monitoring/in-flight?limit=-1").Code)
}

func TestStandbyAndTraffic(t *testing.T) {
	f := newFixture(t, nil)

	status := decode[standby.LeadershipStatus](t, f.do(t, http.MethodGet, "/monitoring/standby"))
	assert.Equal(t, standby.RoleStandby, status.Role)
	assert.Equal(t, "r2", status.LockHolder)

	rec := f.do(t, http.MethodGet, "/monitoring/traffic")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"enabled":false}`, rec.Body.String())
}

func TestCircuitBreakerReset(t *testing.T) {
	f := newFixture(t, nil)
	endpoint := "http://svc:8080/hooks/orders"
	f.breakers.RecordFailure(endpoint)
	require.Equal(t, circuitbreaker.StateOpen, f.breakers.State(endpoint))

	stats := decode[map[string]circuitbreaker.Stats](t, f.do(t, http.MethodGet, "/monitoring/circuit-breakers"))
	assert.Equal(t, circuitbreaker.StateOpen, stats[endpoint].State)

	path := "/monitoring/circuit-breakers/" + url.PathEscape(endpoint) + "/reset"
	rec := f.do(t, http.MethodPost, path)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, circuitbreaker.StateClosed, f.breakers.State(endpoint))

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/monitoring/circuit-breakers/unknown/reset").Code)

	f.breakers.RecordFailure(endpoint)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/monitoring/circuit-breakers/reset").Code)
	assert.Equal(t, 0, f.breakers.OpenCount())
}

func TestWarningsLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	f.warnings.AddWarning(warning.CategoryMediation, warning.SeverityError, "endpoint failing", "test")
	f.warnings.AddWarning(warning.CategoryPool, warning.SeverityInfo, "pool created", "test")

	all := decode[[]*warning.Warning](t, f.do(t, http.MethodGet, "/monitoring/warnings"))
	require.Len(t, all, 2)

	errs := decode[[]*warning.Warning](t, f.do(t, http.MethodGet, "/monitoring/warnings/severity/error"))
	require.Len(t, errs, 1)
	assert.Equal(t, "endpoint failing", errs[0].Message)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/monitoring/warnings/severity/loud").Code)

	rec := f.do(t, http.MethodPost, "/monitoring/warnings/"+errs[0].ID+"/acknowledge")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/monitoring/warnings/missing/acknowledge").Code)

	unacked := decode[[]*warning.Warning](t, f.do(t, http.MethodGet, "/monitoring/warnings/unacknowledged"))
	require.Len(t, unacked, 1)
	assert.Equal(t, "pool created", unacked[0].Message)

	removed := decode[map[string]int](t, f.do(t, http.MethodDelete, "/monitoring/warnings/old?hours=1"))
	assert.Equal(t, 0, removed["removed"])

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/monitoring/warnings").Code)
	assert.Equal(t, 0, f.warnings.Count())
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodOptions, "/monitoring/pools", func(r *http.Request) {
		r.Header.Set("Origin", "http://localhost:4200")
		r.Header.Set("Access-Control-Request-Method", "GET")
	})
	assert.Equal(t, "http://localhost:4200", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	auth, err := NewAuthenticator(AuthConfig{Mode: "basic", BasicUsername: "ops", BasicPasswordHash: string(hash)})
	require.NoError(t, err)
	f := newFixture(t, auth)

	rec := f.do(t, http.MethodGet, "/monitoring/pools")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	rec = f.do(t, http.MethodGet, "/monitoring/pools", func(r *http.Request) { r.SetBasicAuth("ops", "wrong") })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/monitoring/pools", func(r *http.Request) { r.SetBasicAuth("ops", "s3cret") })
	assert.Equal(t, http.StatusOK, rec.Code)

	// health and metrics stay public
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/q/health/live").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics").Code)
}

func signHS256(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return token
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func TestJWTAuthHS256(t *testing.T) {
	secret := []byte("test-secret")
	auth, err := NewAuthenticator(AuthConfig{Mode: AuthModeJWT, JWTSecret: secret, JWTIssuer: "flowcatalyst", JWTAudience: "router"})
	require.NoError(t, err)
	f := newFixture(t, auth)

	exp := time.Now().Add(time.Hour).Unix()
	cases := []struct {
		name   string
		token  string
		status int
	}{
		{"valid", signHS256(t, secret, jwt.MapClaims{"iss": "flowcatalyst", "aud": "router", "exp": exp}), http.StatusOK},
		{"wrong issuer", signHS256(t, secret, jwt.MapClaims{"iss": "other", "aud": "router", "exp": exp}), http.StatusUnauthorized},
		{"wrong audience", signHS256(t, secret, jwt.MapClaims{"iss": "flowcatalyst", "aud": "x", "exp": exp}), http.StatusUnauthorized},
		{"expired", signHS256(t, secret, jwt.MapClaims{"iss": "flowcatalyst", "aud": "router", "exp": time.Now().Add(-time.Minute).Unix()}), http.StatusUnauthorized},
		{"no expiry", signHS256(t, secret, jwt.MapClaims{"iss": "flowcatalyst", "aud": "router"}), http.StatusUnauthorized},
		{"wrong secret", signHS256(t, []byte("nope"), jwt.MapClaims{"iss": "flowcatalyst", "aud": "router", "exp": exp}), http.StatusUnauthorized},
		{"garbage", "not-a-token", http.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/monitoring/pools", bearer(tc.token))
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestJWTAuthRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	auth, err := NewAuthenticator(AuthConfig{Mode: AuthModeJWT, JWTPublicKey: &key.PublicKey})
	require.NoError(t, err)
	f := newFixture(t, auth)

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}).SignedString(key)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/monitoring/pools", bearer(token)).Code)

	// HS256 is not accepted when only a public key is configured
	hs := signHS256(t, []byte("x"), jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/monitoring/pools", bearer(hs)).Code)
}

func TestNewAuthenticatorRejectsIncompleteConfig(t *testing.T) {
	_, err := NewAuthenticator(AuthConfig{Mode: AuthModeBasic, BasicUsername: "ops"})
	assert.Error(t, err)
	_, err = NewAuthenticator(AuthConfig{Mode: AuthModeBasic, BasicUsername: "ops", BasicPasswordHash: "plain"})
	assert.Error(t, err)
	_, err = NewAuthenticator(AuthConfig{Mode: AuthModeJWT})
	assert.Error(t, err)
	_, err = NewAuthenticator(AuthConfig{Mode: "OAUTH"})
	assert.Error(t, err)

	a, err := NewAuthenticator(AuthConfig{})
	require.NoError(t, err)
	assert.Equal(t, AuthModeNone, a.Mode())
}
