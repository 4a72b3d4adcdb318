package geocode

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/municipality-check/internal/resilience"
)

const googleGeocodeURL = "https://maps.googleapis.com/maps/api/geocode/json"

// googleGeocodeResponse is the JSON response from the Google Geocoding API.
type googleGeocodeResponse struct {
	Results      []googleResult `json:"results"`
	Status       string         `json:"status"`
	ErrorMessage string         `json:"error_message"`
}

type googleResult struct {
	Geometry struct {
		Location struct {
			Lat float64 `json:"lat"`
			Lng float64 `json:"lng"`
		} `json:"location"`
		LocationType string `json:"location_type"`
	} `json:"geometry"`
	FormattedAddress string `json:"formatted_address"`
}

// GoogleProvider geocodes via the Google Geocoding API.
type GoogleProvider struct {
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewGoogleProvider creates a GoogleProvider. A nil client gets a 20s timeout.
func NewGoogleProvider(apiKey string, hc *http.Client) *GoogleProvider {
	if hc == nil {
		hc = &http.Client{Timeout: 20 * time.Second}
	}
	return &GoogleProvider{
		apiKey:     apiKey,
		httpClient: hc,
		limiter:    rate.NewLimiter(25, 25),
	}
}

// Name implements Provider.
func (p *GoogleProvider) Name() string { return "google" }

// Available implements Provider.
func (p *GoogleProvider) Available() bool { return p.apiKey != "" }

// Geocode implements Provider.
func (p *GoogleProvider) Geocode(ctx context.Context, addr AddressInput) (*Result, error) {
	if p.apiKey == "" {
		return nil, eris.New("geocode: google api key not configured")
	}

	oneLine := formatOneLine(addr)
	if oneLine == "" {
		return &Result{Matched: false, Source: "google"}, nil
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "geocode: google rate limit")
	}

	params := url.Values{
		"address": {oneLine},
		"key":     {p.apiKey},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, googleGeocodeURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: google build request")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: google request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, resilience.StatusError("geocode: google", resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: google read body")
	}

	var googleResp googleGeocodeResponse
	if err := json.Unmarshal(body, &googleResp); err != nil {
		return nil, eris.Wrap(err, "geocode: google parse response")
	}

	switch googleResp.Status {
	case "OK":
	case "ZERO_RESULTS":
		return &Result{Matched: false, Source: "google"}, nil
	case "OVER_QUERY_LIMIT", "UNKNOWN_ERROR":
		return nil, resilience.NewTransientError(eris.Errorf("geocode: google status %s", googleResp.Status), http.StatusTooManyRequests)
	default:
		return nil, eris.Errorf("geocode: google status %s: %s", googleResp.Status, googleResp.ErrorMessage)
	}
	if len(googleResp.Results) == 0 {
		return &Result{Matched: false, Source: "google"}, nil
	}

	result := googleResp.Results[0]
	return &Result{
		Latitude:    result.Geometry.Location.Lat,
		Longitude:   result.Geometry.Location.Lng,
		DisplayName: result.FormattedAddress,
		Importance:  googleLocationTypeToImportance(result.Geometry.LocationType),
		Source:      "google",
		Matched:     true,
	}, nil
}

// googleLocationTypeToImportance maps Google's location_type onto a Nominatim-like importance.
func googleLocationTypeToImportance(locType string) float64 {
	switch strings.ToUpper(locType) {
	case "ROOFTOP":
		return 0.9
	case "RANGE_INTERPOLATED":
		return 0.7
	case "GEOMETRIC_CENTER":
		return 0.5
	default:
		return 0.35
	}
}
