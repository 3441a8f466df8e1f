// Package provider implements outbound geocoding: one HTTP client per
// configured endpoint plus the strategy that picks between them.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/plotline/plotline/internal/config"
	geocodedomain "github.com/plotline/plotline/internal/geocode/domain"
)

// HTTPProvider calls a JSON geocoding endpoint. The expected response is
// {"results": [{"lat": .., "lon": .., "confidence": .., "formatted": ".."}]};
// an empty result list counts as a provider failure.
type HTTPProvider struct {
	cfg    config.ProviderConfig
	client *http.Client
}

func NewHTTP(cfg config.ProviderConfig) *HTTPProvider {
	return &HTTPProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout()},
	}
}

func (p *HTTPProvider) ID() string { return p.cfg.ID }

func (p *HTTPProvider) Tags() []string { return p.cfg.Tags }

type geocodeResponse struct {
	Results []struct {
		Lat        float64 `json:"lat"`
		Lon        float64 `json:"lon"`
		Confidence float64 `json:"confidence"`
		Formatted  string  `json:"formatted"`
	} `json:"results"`
}

func (p *HTTPProvider) Geocode(ctx context.Context, address string) (*geocodedomain.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout())
	defer cancel()

	query := url.Values{}
	query.Set("q", address)
	if p.cfg.APIKey != "" {
		query.Set("api_key", p.cfg.APIKey)
	}
	endpoint := p.cfg.URL
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &geocodedomain.ProviderError{ProviderID: p.cfg.ID, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &geocodedomain.ProviderError{ProviderID: p.cfg.ID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &geocodedomain.ProviderError{
			ProviderID: p.cfg.ID,
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	var body geocodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &geocodedomain.ProviderError{ProviderID: p.cfg.ID, Err: err}
	}
	if len(body.Results) == 0 {
		return nil, &geocodedomain.ProviderError{ProviderID: p.cfg.ID, Err: geocodedomain.ErrNoResult}
	}

	first := body.Results[0]
	return &geocodedomain.Result{
		Latitude:         first.Lat,
		Longitude:        first.Lon,
		Confidence:       first.Confidence,
		ProviderID:       p.cfg.ID,
		FormattedAddress: first.Formatted,
	}, nil
}
