// Package arcgis downloads every feature of an ArcGIS REST feature layer to a local file.
package arcgis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/municipality-check/internal/resilience"
)

// Output formats.
const (
	FormatGeoJSON = "geojson"
	FormatESRI    = "json"
)

// DefaultPageSize is the resultRecordCount requested per page.
const DefaultPageSize = 2000

// Options configures the Fetcher.
type Options struct {
	UserAgent  string
	Timeout    time.Duration
	PageSize   int
	Retry      resilience.RetryConfig
	HTTPClient *http.Client
	Throttle   *Throttle
}

// FetchResult describes a written layer file.
type FetchResult struct {
	FeatureCount int    `json:"features"`
	Path         string `json:"file"`
	Format       string `json:"format"`
}

// Fetcher pages through layer queries.
type Fetcher struct {
	client    *http.Client
	userAgent string
	pageSize  int
	retry     resilience.RetryConfig
	throttle  *Throttle
}

// NewFetcher creates a Fetcher with defaults for unset options.
func NewFetcher(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "municipality-address-check/1.0"
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Throttle == nil {
		opts.Throttle = NewThrottle(rate.Limit(5), 5)
	}
	return &Fetcher{
		client:    opts.HTTPClient,
		userAgent: opts.UserAgent,
		pageSize:  opts.PageSize,
		retry:     opts.Retry,
		throttle:  opts.Throttle,
	}
}

// serverError is the "error" object ArcGIS returns with HTTP 200.
type serverError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

func (e *serverError) Error() string {
	msg := "arcgis: server error " + strconv.Itoa(e.Code) + ": " + e.Message
	if len(e.Details) > 0 {
		msg += " (" + strings.Join(e.Details, "; ") + ")"
	}
	return msg
}

// page is one query response in either format.
type page struct {
	Features              []json.RawMessage `json:"features"`
	ExceededTransferLimit bool              `json:"exceededTransferLimit"`
	Properties            struct {
		ExceededTransferLimit bool `json:"exceededTransferLimit"`
	} `json:"properties"`
	Error *serverError `json:"error"`
}

func (p *page) more() bool {
	return p.ExceededTransferLimit || p.Properties.ExceededTransferLimit
}

// queryURL returns the layer's /query endpoint.
func queryURL(layerURL string) string {
	u := strings.TrimRight(strings.TrimSpace(layerURL), "/")
	if strings.HasSuffix(u, "/query") {
		return u
	}
	return u + "/query"
}

// FetchLayer downloads every feature of layerURL into outPath, replacing it atomically.
// GeoJSON output is tried first; servers that cannot produce it are re-queried as ESRI JSON.
func (f *Fetcher) FetchLayer(ctx context.Context, layerURL, outPath string) (*FetchResult, error) {
	if strings.TrimSpace(layerURL) == "" {
		return nil, eris.New("arcgis: layer url is empty")
	}
	q := queryURL(layerURL)
	log := zap.L().With(zap.String("component", "arcgis"), zap.String("layer", q))

	features, err := f.collect(ctx, q, FormatGeoJSON)
	if ctx.Err() != nil {
		return nil, eris.Wrap(ctx.Err(), "arcgis: fetch cancelled")
	}
	if err != nil {
		log.Info("geojson query unavailable, falling back to esri json", zap.Error(err))
	}
	if len(features) > 0 {
		doc := map[string]any{"type": "FeatureCollection", "features": features}
		if err := writeAtomic(outPath, doc); err != nil {
			return nil, err
		}
		log.Info("layer fetched", zap.Int("features", len(features)), zap.String("format", FormatGeoJSON))
		return &FetchResult{FeatureCount: len(features), Path: outPath, Format: FormatGeoJSON}, nil
	}

	features, err = f.collect(ctx, q, FormatESRI)
	if err != nil {
		return nil, err
	}
	if len(features) == 0 {
		log.Warn("layer returned no features")
	}
	doc := map[string]any{
		"spatialReference": map[string]int{"wkid": 4326, "latestWkid": 4326},
		"features":         features,
	}
	if err := writeAtomic(outPath, doc); err != nil {
		return nil, err
	}
	log.Info("layer fetched", zap.Int("features", len(features)), zap.String("format", FormatESRI))
	return &FetchResult{FeatureCount: len(features), Path: outPath, Format: FormatESRI}, nil
}

// collect pages through the query in one output format. It returns the features gathered
// so far together with the error that stopped it.
func (f *Fetcher) collect(ctx context.Context, q, format string) ([]json.RawMessage, error) {
	features := make([]json.RawMessage, 0)
	offset := 0
	for {
		p, err := f.fetchPage(ctx, q, format, offset)
		if err != nil {
			return features, err
		}
		if len(p.Features) == 0 {
			return features, nil
		}
		features = append(features, p.Features...)
		offset += len(p.Features)
		if len(p.Features) < f.pageSize && !p.more() {
			return features, nil
		}
	}
}

// fetchPage requests one page, retrying transient failures.
func (f *Fetcher) fetchPage(ctx context.Context, q, format string, offset int) (*page, error) {
	params := url.Values{
		"where":             {"1=1"},
		"outFields":         {"*"},
		"returnGeometry":    {"true"},
		"outSR":             {"4326"},
		"f":                 {format},
		"resultOffset":      {strconv.Itoa(offset)},
		"resultRecordCount": {strconv.Itoa(f.pageSize)},
	}
	reqURL := q + "?" + params.Encode()

	retry := f.retry
	retry.OnRetry = resilience.RetryLogger("arcgis", "query")

	return resilience.Retry(ctx, retry, func(ctx context.Context) (*page, error) {
		if err := f.throttle.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "arcgis: throttle wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "arcgis: build request")
		}
		req.Header.Set("User-Agent", f.userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, eris.Wrap(err, "arcgis: request")
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode == http.StatusTooManyRequests {
			f.throttle.Throttled()
		}
		if resp.StatusCode >= 400 {
			return nil, resilience.StatusError("arcgis", resp)
		}
		f.throttle.Accepted()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, eris.Wrap(err, "arcgis: read body")
		}

		var p page
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, eris.Wrap(err, "arcgis: decode page")
		}
		if p.Error != nil {
			return nil, p.Error
		}
		return &p, nil
	})
}

// IsServerError reports whether err is an error payload returned by the server.
func IsServerError(err error) bool {
	var se *serverError
	return errors.As(err, &se)
}

// writeAtomic writes v as JSON to a temp file beside path and renames it into place.
func writeAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "arcgis: create %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".arcgis-*.tmp")
	if err != nil {
		return eris.Wrap(err, "arcgis: create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if err := json.NewEncoder(tmp).Encode(v); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "arcgis: write layer")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "arcgis: close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return eris.Wrapf(err, "arcgis: replace %s", path)
	}
	return nil
}
