package geocode

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/municipality-check/internal/resilience"
)

const (
	// DefaultNominatimURL is the public OpenStreetMap Nominatim instance.
	DefaultNominatimURL = "https://nominatim.openstreetmap.org"

	// DefaultUserAgent identifies the service, as required by the Nominatim usage policy.
	DefaultUserAgent = "municipality-address-check/1.0"
)

// nominatimPlace is one entry of a Nominatim /search response.
// Coordinates arrive as strings.
type nominatimPlace struct {
	Lat         string   `json:"lat"`
	Lon         string   `json:"lon"`
	DisplayName string   `json:"display_name"`
	Importance  *float64 `json:"importance"`
}

// NominatimProvider geocodes via an OpenStreetMap Nominatim server.
type NominatimProvider struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NominatimOption configures a NominatimProvider.
type NominatimOption func(*NominatimProvider)

// WithNominatimURL overrides the server base URL.
func WithNominatimURL(u string) NominatimOption {
	return func(p *NominatimProvider) {
		if u != "" {
			p.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) NominatimOption {
	return func(p *NominatimProvider) {
		if ua != "" {
			p.userAgent = ua
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) NominatimOption {
	return func(p *NominatimProvider) {
		p.httpClient = hc
	}
}

// WithRateLimit sets the requests-per-second limit. The public server allows 1 req/s.
func WithRateLimit(rps float64) NominatimOption {
	return func(p *NominatimProvider) {
		if rps > 0 {
			burst := int(rps)
			if burst < 1 {
				burst = 1
			}
			p.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// NewNominatimProvider creates a provider for the public server unless overridden.
func NewNominatimProvider(opts ...NominatimOption) *NominatimProvider {
	p := &NominatimProvider{
		baseURL:    DefaultNominatimURL,
		userAgent:  DefaultUserAgent,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		limiter:    rate.NewLimiter(1, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements Provider.
func (p *NominatimProvider) Name() string { return "nominatim" }

// Available implements Provider.
func (p *NominatimProvider) Available() bool { return p.baseURL != "" }

// Geocode implements Provider.
func (p *NominatimProvider) Geocode(ctx context.Context, addr AddressInput) (*Result, error) {
	q := formatOneLine(addr)
	if q == "" {
		return &Result{Matched: false, Source: "nominatim"}, nil
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "geocode: nominatim rate limit")
	}

	params := url.Values{
		"q":      {q},
		"format": {"json"},
		"limit":  {"1"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: nominatim build request")
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: nominatim request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, resilience.StatusError("geocode: nominatim", resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: nominatim read body")
	}

	var places []nominatimPlace
	if err := json.Unmarshal(body, &places); err != nil {
		return nil, eris.Wrap(err, "geocode: nominatim parse response")
	}
	if len(places) == 0 {
		return &Result{Matched: false, Source: "nominatim"}, nil
	}

	place := places[0]
	lat, err := strconv.ParseFloat(place.Lat, 64)
	if err != nil {
		return nil, eris.Wrapf(err, "geocode: nominatim bad lat %q", place.Lat)
	}
	lon, err := strconv.ParseFloat(place.Lon, 64)
	if err != nil {
		return nil, eris.Wrapf(err, "geocode: nominatim bad lon %q", place.Lon)
	}

	importance := 0.5
	if place.Importance != nil {
		importance = *place.Importance
	}

	return &Result{
		Latitude:    lat,
		Longitude:   lon,
		DisplayName: place.DisplayName,
		Importance:  importance,
		Source:      "nominatim",
		Matched:     true,
	}, nil
}
