package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/municipality-check/internal/boundary"
	"github.com/sells-group/municipality-check/internal/checker"
	"github.com/sells-group/municipality-check/internal/datasets"
	"github.com/sells-group/municipality-check/internal/model"
	"github.com/sells-group/municipality-check/internal/monitoring"
)

type fakeChecker struct {
	result    *model.CheckResult
	err       error
	history   []model.CheckLog
	lastReq   model.CheckRequest
	lastLimit int
}

func (f *fakeChecker) Check(_ context.Context, req model.CheckRequest) (*model.CheckResult, error) {
	f.lastReq = req
	return f.result, f.err
}

func (f *fakeChecker) History(_ context.Context, limit int) ([]model.CheckLog, error) {
	f.lastLimit = limit
	return f.history, f.err
}

type fakeRefresher struct {
	result map[string]datasets.LayerRefresh
	err    error
	which  string
}

func (f *fakeRefresher) Refresh(_ context.Context, which string) (map[string]datasets.LayerRefresh, error) {
	f.which = which
	return f.result, f.err
}

type fakeCollector struct {
	hours int
}

func (f *fakeCollector) Collect(_ context.Context, hours int) (*monitoring.Snapshot, error) {
	f.hours = hours
	return &monitoring.Snapshot{Total: 3, OK: 2, Failed: 1, LookbackHours: hours}, nil
}

type fakeLayers []boundary.LayerStats

func (f fakeLayers) Stats() []boundary.LayerStats { return f }

func newTestServer(deps Deps) *Server {
	if deps.Checker == nil {
		deps.Checker = &fakeChecker{}
	}
	if deps.Metrics == nil {
		deps.Metrics = promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return NewServer(":0", deps)
}

func do(t *testing.T, s *Server, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func detail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Detail
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(Deps{}), http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestRequestIDPropagated(t *testing.T) {
	rec := do(t, newTestServer(Deps{}), http.MethodGet, "/api/health", "", map[string]string{RequestIDHeader: "abc-123"})
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}

func TestCheck_OK(t *testing.T) {
	fc := &fakeChecker{result: &model.CheckResult{
		OK:           true,
		InputAddress: "1 Smith Street",
		Municipality: model.Ptr("eThekwini"),
		Confidence:   0.62,
		Hits:         []model.LayerHit{{Layer: model.LayerMunicipality, Match: model.Ptr("eThekwini")}},
	}}
	s := newTestServer(Deps{Checker: fc})

	rec := do(t, s, http.MethodPost, "/api/check", `{"address":"1 Smith Street","country":"South Africa","lat":-29.85}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "eThekwini", body["municipality"])
	assert.Contains(t, body, "reason")
	assert.Contains(t, body, "message")

	assert.Equal(t, "1 Smith Street", fc.lastReq.Address)
	assert.Equal(t, "South Africa", *fc.lastReq.Country)
	assert.InDelta(t, -29.85, *fc.lastReq.Lat, 1e-9)
	assert.Nil(t, fc.lastReq.Lon)
}

func TestCheck_BadRequests(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		detail string
	}{
		{"invalid json", `{"address":`, "Invalid JSON body"},
		{"missing address", `{}`, "Address is required"},
		{"bad latitude", `{"address":"x","lat":91,"lon":30}`, "lat must be between -90 and 90"},
		{"bad longitude", `{"address":"x","lat":-29,"lon":-181}`, "lon must be between -180 and 180"},
		{"wrong type", `{"address":42}`, "Invalid JSON body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, newTestServer(Deps{}), http.MethodPost, "/api/check", tc.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.detail, detail(t, rec))
		})
	}
}

func TestCheck_ServiceErrors(t *testing.T) {
	s := newTestServer(Deps{Checker: &fakeChecker{err: checker.ErrAddressRequired}})
	rec := do(t, s, http.MethodPost, "/api/check", `{"address":"   "}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Address is required", detail(t, rec))

	s = newTestServer(Deps{Checker: &fakeChecker{err: errors.New("checker: log check: disk full")}})
	rec = do(t, s, http.MethodPost, "/api/check", `{"address":"x"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal Server Error", detail(t, rec))
}

func TestHistory(t *testing.T) {
	fc := &fakeChecker{history: []model.CheckLog{{ID: 2, InputAddress: "b", CreatedAt: time.Unix(0, 0).UTC()}}}
	s := newTestServer(Deps{Checker: fc})

	rec := do(t, s, http.MethodGet, "/api/history?limit=7", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, fc.lastLimit)

	var rows []model.CheckLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].ID)

	rec = do(t, s, http.MethodGet, "/api/history", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, fc.lastLimit, "service applies the default")

	rec = do(t, s, http.MethodGet, "/api/history?limit=ten", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "limit must be an integer", detail(t, rec))
}

func TestHistory_EmptyIsArray(t *testing.T) {
	rec := do(t, newTestServer(Deps{}), http.MethodGet, "/api/history", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestStats(t *testing.T) {
	col := &fakeCollector{}
	s := newTestServer(Deps{Collector: col})

	rec := do(t, s, http.MethodGet, "/api/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 24, col.hours)

	var snap monitoring.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 3, snap.Total)

	rec = do(t, s, http.MethodGet, "/api/stats?hours=6", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 6, col.hours)

	rec = do(t, s, http.MethodGet, "/api/stats?hours=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, newTestServer(Deps{}), http.MethodGet, "/api/stats", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDatasets(t *testing.T) {
	layers := fakeLayers{{Layer: model.LayerMunicipality, Dir: "data/municipalities", Loaded: true, Files: 1, Features: 1}}
	rec := do(t, newTestServer(Deps{Layers: layers}), http.MethodGet, "/api/datasets", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "data/municipalities")
}

func TestRefresh_Disabled(t *testing.T) {
	s := newTestServer(Deps{Refresher: &fakeRefresher{}})
	rec := do(t, s, http.MethodPost, "/api/admin/refresh-datasets", "", map[string]string{AdminTokenHeader: "anything"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Admin refresh is disabled", detail(t, rec))
}

func TestRefresh_InvalidToken(t *testing.T) {
	s := newTestServer(Deps{Refresher: &fakeRefresher{}, AdminToken: "secret"})
	for _, token := range []string{"", "wrong", "secret "} {
		rec := do(t, s, http.MethodPost, "/api/admin/refresh-datasets", "", map[string]string{AdminTokenHeader: token})
		assert.Equal(t, http.StatusUnauthorized, rec.Code, token)
		assert.Equal(t, "Invalid admin token", detail(t, rec))
	}
}

func TestRefresh_OK(t *testing.T) {
	ref := &fakeRefresher{result: map[string]datasets.LayerRefresh{
		"nsc": {Features: 12, File: "data/nsc_regions/ethekwini_nsc.json"},
	}}
	s := newTestServer(Deps{Refresher: ref, AdminToken: "secret"})

	rec := do(t, s, http.MethodPost, "/api/admin/refresh-datasets?which=NSC", "", map[string]string{AdminTokenHeader: "secret"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "nsc", ref.which)
	assert.JSONEq(t, `{"ok":true,"which":"nsc","result":{"nsc":{"features":12,"file":"data/nsc_regions/ethekwini_nsc.json"}}}`, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/api/admin/refresh-datasets", "", map[string]string{AdminTokenHeader: "secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "all", ref.which)
}

func TestRefresh_Errors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		detail string
	}{
		{"invalid which", datasets.ErrInvalidWhich, http.StatusBadRequest, "Invalid 'which'. Use all|municipality|nsc|mpr"},
		{"missing url", &datasets.MissingURLError{Layer: model.LayerMPR, EnvVar: "MAC_ETHEKWINI_MPR_LAYER_URL"}, http.StatusBadRequest, "Missing MAC_ETHEKWINI_MPR_LAYER_URL"},
		{"upstream", errors.New("arcgis: unexpected status 503"), http.StatusBadGateway, "Dataset refresh failed: arcgis: unexpected status 503"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(Deps{Refresher: &fakeRefresher{err: tc.err}, AdminToken: "secret"})
			rec := do(t, s, http.MethodPost, "/api/admin/refresh-datasets?which=x", "", map[string]string{AdminTokenHeader: "secret"})
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.detail, detail(t, rec))
		})
	}
}

func TestCORS(t *testing.T) {
	s := newTestServer(Deps{})

	rec := do(t, s, http.MethodOptions, "/api/check", "", map[string]string{
		"Origin":                         "https://example.org",
		"Access-Control-Request-Method":  http.MethodPost,
		"Access-Control-Request-Headers": "Content-Type",
	})
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))

	rec = do(t, s, http.MethodGet, "/api/health", "", map[string]string{"Origin": "https://example.org"})
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNotFoundIsJSON(t *testing.T) {
	rec := do(t, newTestServer(Deps{}), http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Not Found", detail(t, rec))
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: "municipality_check", Name: "checks_total"})
	reg.MustRegister(c)
	c.Inc()

	s := newTestServer(Deps{Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})})
	rec := do(t, s, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "municipality_check_checks_total 1")
}
