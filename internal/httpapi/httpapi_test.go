package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"errly/internal/grouper"
	"errly/internal/pushhub"
	"errly/internal/store"
	"errly/internal/webhook"
	"errly/pkg/config"
	"errly/pkg/database"
	"errly/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init("error")
	os.Exit(m.Run())
}

type fakeHealthChecker struct {
	err error
}

func (f *fakeHealthChecker) HealthCheck(ctx context.Context) error { return f.err }

func newTestHandler(t *testing.T) (*Handler, *store.Store) {
	t.Helper()
	sqlxDB, err := sqlx.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	sqlxDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlxDB.Close() })
	require.NoError(t, sqlxDB.Ping())
	require.NoError(t, database.RunMigrations(context.Background(), sqlxDB, database.Migrations, database.MigrationsDir))

	db := database.WrapDB(sqlxDB)
	st := store.New(sqlxDB)
	g := grouper.New(db, st, webhook.New(), nil)
	hub := pushhub.New(st, 10)

	cfg := &config.Config{}

	h := New(cfg, &fakeHealthChecker{}, st, g, hub, nil, nil)
	t.Cleanup(h.Close)
	return h, st
}

func newTestServer(t *testing.T) (*httptest.Server, *Handler, *store.Store) {
	t.Helper()
	h, st := newTestHandler(t)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, h, st
}

func doJSON(t *testing.T, method, url string, headers map[string]string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func TestHandleHealth_ReportsOKWhenDBReachable(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/health", nil, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var payload healthPayload
	decodeBody(t, resp, &payload)
	assert.Equal(t, "ok", payload.Status)
	assert.True(t, payload.DBConnected)
}

func TestHandleHealth_Returns503WhenDBCheckFails(t *testing.T) {
	h, _ := newTestHandler(t)
	h.db = &fakeHealthChecker{err: assertError("boom")}
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp := doJSON(t, http.MethodGet, srv.URL+"/health", nil, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandleIngest_MissingIntegrationTokenSettingRejects(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/errors", map[string]string{"X-Errly-Token": "whatever"}, ingestRequest{
		Service: "api", Message: "boom",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleIngest_WrongTokenRejects(t *testing.T) {
	srv, _, st := newTestServer(t)
	require.NoError(t, st.SetSetting(context.Background(), integrationTokenKey, "correct-token"))

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/errors", map[string]string{"X-Errly-Token": "wrong-token"}, ingestRequest{
		Service: "api", Message: "boom",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleIngest_ValidTokenAndBodyCreatesGroup(t *testing.T) {
	srv, _, st := newTestServer(t)
	require.NoError(t, st.SetSetting(context.Background(), integrationTokenKey, "correct-token"))

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/errors", map[string]string{"X-Errly-Token": "correct-token"}, ingestRequest{
		Service: "api", Message: "boom", Severity: "warn",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out ingestResponse
	decodeBody(t, resp, &out)
	assert.True(t, out.IsNew)
	assert.NotEmpty(t, out.ID)
	assert.NotEmpty(t, out.Fingerprint)
}

func TestHandleIngest_MissingMessageReturns400(t *testing.T) {
	srv, _, st := newTestServer(t)
	require.NoError(t, st.SetSetting(context.Background(), integrationTokenKey, "correct-token"))

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/errors", map[string]string{"X-Errly-Token": "correct-token"}, ingestRequest{
		Service: "api",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleIngest_InvalidSeverityReturns400(t *testing.T) {
	srv, _, st := newTestServer(t)
	require.NoError(t, st.SetSetting(context.Background(), integrationTokenKey, "correct-token"))

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/errors", map[string]string{"X-Errly-Token": "correct-token"}, ingestRequest{
		Service: "api", Message: "boom", Severity: "critical",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func sessionCookieFor(t *testing.T, st *store.Store, rawToken string, ttl time.Duration) *http.Cookie {
	t.Helper()
	sum := sha256.Sum256([]byte(rawToken))
	id := hex.EncodeToString(sum[:])
	require.NoError(t, st.CreateSession(context.Background(), id, time.Now().Add(ttl).UnixMilli()))
	return &http.Cookie{Name: sessionCookieName, Value: rawToken}
}

func TestAuthenticatedEndpoints_RejectMissingSessionCookie(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/errors", nil, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthenticatedEndpoints_RejectExpiredSession(t *testing.T) {
	srv, _, st := newTestServer(t)
	cookie := sessionCookieFor(t, st, "raw-token", -time.Minute)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/errors", nil)
	require.NoError(t, err)
	req.AddCookie(cookie)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleList_ReturnsInsertedGroups(t *testing.T) {
	srv, h, st := newTestServer(t)
	cookie := sessionCookieFor(t, st, "raw-token", time.Hour)

	require.NoError(t, st.SetSetting(context.Background(), integrationTokenKey, "tok"))
	_, err := h.grouper.Process(context.Background(), grouper.Input{
		Service: "api", Message: "boom", Severity: "error", Source: store.SourceDirect,
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/errors", nil)
	require.NoError(t, err)
	req.AddCookie(cookie)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out listResponse
	decodeBody(t, resp, &out)
	assert.Equal(t, 1, out.Total)
	require.Len(t, out.Groups, 1)
	assert.Equal(t, "api", out.Groups[0].Service)
}

func TestHandleDetail_MissingIDReturns404(t *testing.T) {
	srv, _, st := newTestServer(t)
	cookie := sessionCookieFor(t, st, "raw-token", time.Hour)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/errors/does-not-exist", nil)
	require.NoError(t, err)
	req.AddCookie(cookie)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleUpdateStatus_RejectsInvalidStatus(t *testing.T) {
	srv, h, st := newTestServer(t)
	cookie := sessionCookieFor(t, st, "raw-token", time.Hour)

	result, err := h.grouper.Process(context.Background(), grouper.Input{
		Service: "api", Message: "boom", Severity: "error", Source: store.SourceDirect,
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPatch, srv.URL+"/api/errors/"+result.Group.ID+"/status", bytes.NewReader([]byte(`{"status":"bogus"}`)))
	require.NoError(t, err)
	req.AddCookie(cookie)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleUpdateStatus_AppliesValidTransition(t *testing.T) {
	srv, h, st := newTestServer(t)
	cookie := sessionCookieFor(t, st, "raw-token", time.Hour)

	result, err := h.grouper.Process(context.Background(), grouper.Input{
		Service: "api", Message: "boom", Severity: "error", Source: store.SourceDirect,
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPatch, srv.URL+"/api/errors/"+result.Group.ID+"/status", bytes.NewReader([]byte(`{"status":"resolved"}`)))
	require.NoError(t, err)
	req.AddCookie(cookie)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var g store.ErrorGroup
	decodeBody(t, resp, &g)
	assert.Equal(t, store.StatusResolved, g.Status)
}

func TestHandleBulkDelete_RejectsOversizedIDList(t *testing.T) {
	srv, _, st := newTestServer(t)
	cookie := sessionCookieFor(t, st, "raw-token", time.Hour)

	ids := make([]string, maxBulkDeleteIDs+1)
	for i := range ids {
		ids[i] = "id"
	}

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/errors", mustJSONBody(t, bulkDeleteRequest{IDs: ids}))
	require.NoError(t, err)
	req.AddCookie(cookie)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleDeleteAll_RequiresConfirmTrue(t *testing.T) {
	srv, _, st := newTestServer(t)
	cookie := sessionCookieFor(t, st, "raw-token", time.Hour)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/errors/delete-all", mustJSONBody(t, deleteAllRequest{Confirm: false}))
	require.NoError(t, err)
	req.AddCookie(cookie)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func mustJSONBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

type assertError string

func (e assertError) Error() string { return string(e) }
