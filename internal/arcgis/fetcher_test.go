package arcgis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/municipality-check/internal/resilience"
)

func newTestFetcher(pageSize int) *Fetcher {
	return NewFetcher(Options{
		UserAgent: "test-agent",
		Timeout:   5 * time.Second,
		PageSize:  pageSize,
		Retry: resilience.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		},
		Throttle: NewThrottle(rate.Inf, 1),
	})
}

func geojsonFeature(i int) string {
	return fmt.Sprintf(`{"type":"Feature","properties":{"NAME":"f%d"},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}}`, i)
}

func pageBody(n, start int) string {
	body := `{"type":"FeatureCollection","features":[`
	for i := 0; i < n; i++ {
		if i > 0 {
			body += ","
		}
		body += geojsonFeature(start + i)
	}
	return body + `]}`
}

func readJSON(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func TestFetchLayer_GeoJSONPaging(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		q := r.URL.Query()
		assert.Equal(t, "/arcgis/rest/services/Layer/FeatureServer/0/query", r.URL.Path)
		assert.Equal(t, "1=1", q.Get("where"))
		assert.Equal(t, "*", q.Get("outFields"))
		assert.Equal(t, "true", q.Get("returnGeometry"))
		assert.Equal(t, "4326", q.Get("outSR"))
		assert.Equal(t, "geojson", q.Get("f"))
		assert.Equal(t, "2", q.Get("resultRecordCount"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))

		offset, _ := strconv.Atoi(q.Get("resultOffset"))
		switch offset {
		case 0:
			_, _ = io.WriteString(w, pageBody(2, 0))
		case 2:
			_, _ = io.WriteString(w, pageBody(1, 2))
		default:
			t.Errorf("unexpected offset %d", offset)
		}
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "nested", "ethekwini_municipality.json")
	res, err := newTestFetcher(2).FetchLayer(context.Background(), srv.URL+"/arcgis/rest/services/Layer/FeatureServer/0/", out)
	require.NoError(t, err)
	assert.Equal(t, 3, res.FeatureCount)
	assert.Equal(t, FormatGeoJSON, res.Format)
	assert.Equal(t, out, res.Path)
	assert.Equal(t, int32(2), requests.Load())

	doc := readJSON(t, out)
	assert.Equal(t, "FeatureCollection", doc["type"])
	assert.Len(t, doc["features"], 3)

	entries, err := os.ReadDir(filepath.Dir(out))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file removed")
}

func TestFetchLayer_ExceededTransferLimitKeepsPaging(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("resultOffset"))
		if offset == 0 {
			// Server caps at one record and flags the truncation.
			_, _ = io.WriteString(w, `{"type":"FeatureCollection","properties":{"exceededTransferLimit":true},"features":[`+geojsonFeature(0)+`]}`)
			return
		}
		_, _ = io.WriteString(w, pageBody(1, 1))
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "layer.json")
	res, err := newTestFetcher(5).FetchLayer(context.Background(), srv.URL, out)
	require.NoError(t, err)
	assert.Equal(t, 2, res.FeatureCount)
}

func TestFetchLayer_FallsBackToESRIJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("f") {
		case "geojson":
			_, _ = io.WriteString(w, `{"error":{"code":400,"message":"Invalid format","details":[]}}`)
		case "json":
			_, _ = io.WriteString(w, `{"features":[{"attributes":{"REGION":"North"},"geometry":{"rings":[[[0,0],[0,1],[1,1],[0,0]]]}}]}`)
		}
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "ethekwini_nsc.json")
	res, err := newTestFetcher(10).FetchLayer(context.Background(), srv.URL+"/query", out)
	require.NoError(t, err)
	assert.Equal(t, FormatESRI, res.Format)
	assert.Equal(t, 1, res.FeatureCount)

	doc := readJSON(t, out)
	sr, ok := doc["spatialReference"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 4326, sr["wkid"])
	assert.EqualValues(t, 4326, sr["latestWkid"])
	assert.Len(t, doc["features"], 1)
}

func TestFetchLayer_FallbackOnHTTPErrorAndEmptyGeoJSON(t *testing.T) {
	for name, geojsonHandler := range map[string]func(w http.ResponseWriter){
		"status": func(w http.ResponseWriter) { w.WriteHeader(http.StatusBadRequest) },
		"empty":  func(w http.ResponseWriter) { _, _ = io.WriteString(w, `{"type":"FeatureCollection","features":[]}`) },
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Query().Get("f") == "geojson" {
					geojsonHandler(w)
					return
				}
				_, _ = io.WriteString(w, `{"features":[]}`)
			}))
			defer srv.Close()

			res, err := newTestFetcher(10).FetchLayer(context.Background(), srv.URL, filepath.Join(t.TempDir(), "x.json"))
			require.NoError(t, err)
			assert.Equal(t, FormatESRI, res.Format)
			assert.Equal(t, 0, res.FeatureCount)
		})
	}
}

func TestFetchLayer_ESRIErrorPayloadFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"error":{"code":498,"message":"Invalid token","details":["expired"]}}`)
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "x.json")
	_, err := newTestFetcher(10).FetchLayer(context.Background(), srv.URL, out)
	require.Error(t, err)
	assert.True(t, IsServerError(err))
	assert.Contains(t, err.Error(), "Invalid token")
	assert.NoFileExists(t, out)
}

func TestFetchLayer_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, pageBody(1, 0))
	}))
	defer srv.Close()

	res, err := newTestFetcher(10).FetchLayer(context.Background(), srv.URL, filepath.Join(t.TempDir(), "x.json"))
	require.NoError(t, err)
	assert.Equal(t, FormatGeoJSON, res.Format)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchLayer_ESRIStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestFetcher(10).FetchLayer(context.Background(), srv.URL, filepath.Join(t.TempDir(), "x.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestFetchLayer_ReplacesExistingFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, pageBody(1, 0))
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "x.json")
	require.NoError(t, os.WriteFile(out, []byte("old"), 0o644))

	_, err := newTestFetcher(10).FetchLayer(context.Background(), srv.URL, out)
	require.NoError(t, err)
	assert.Equal(t, "FeatureCollection", readJSON(t, out)["type"])
}

func TestFetchLayer_EmptyURL(t *testing.T) {
	_, err := newTestFetcher(10).FetchLayer(context.Background(), " ", "x.json")
	assert.Error(t, err)
}

func TestFetchLayer_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, pageBody(1, 0))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestFetcher(10).FetchLayer(ctx, srv.URL, filepath.Join(t.TempDir(), "x.json"))
	assert.Error(t, err)
}

func TestQueryURL(t *testing.T) {
	assert.Equal(t, "https://h/FeatureServer/0/query", queryURL("https://h/FeatureServer/0"))
	assert.Equal(t, "https://h/FeatureServer/0/query", queryURL(" https://h/FeatureServer/0/ "))
	assert.Equal(t, "https://h/FeatureServer/0/query", queryURL("https://h/FeatureServer/0/query"))
}

func TestThrottle(t *testing.T) {
	th := NewThrottle(10, 10)
	th.Throttled()
	assert.InDelta(t, 5, float64(th.Rate()), 1e-9)
	th.Throttled()
	th.Throttled()
	assert.InDelta(t, 2.5, float64(th.Rate()), 1e-9, "floored at a quarter")

	for i := 0; i < 20; i++ {
		th.Accepted()
	}
	assert.InDelta(t, 20, float64(th.Rate()), 1e-9, "capped at double")
	assert.NoError(t, th.Wait(context.Background()))
}
