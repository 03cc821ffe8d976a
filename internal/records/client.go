package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/banshee-data/fieldlog/internal/httputil"
	"github.com/banshee-data/fieldlog/internal/monitoring"
)

const (
	createPath = "/api/objects/create"
	nearbyPath = "/api/objects/nearby"
	enrichPath = "/api/enrich-data"
)

// HTTPClient talks to the records REST backend.
type HTTPClient struct {
	base   string
	token  string
	client httputil.HTTPClient
}

// NewHTTPClient builds a client for the backend at baseURL. token is sent
// as a bearer token when non-empty.
func NewHTTPClient(baseURL, token string, c httputil.HTTPClient) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q must be http or https", baseURL)
	}
	if c == nil {
		return nil, errors.New("records: nil http client")
	}
	return &HTTPClient{base: strings.TrimRight(baseURL, "/"), token: token, client: c}, nil
}

// CreateRecord submits a payload. Transport failures come back as errors;
// a backend that answers with a failure status or success=false yields a
// Result with Success false and the backend message in Error.
func (c *HTTPClient) CreateRecord(ctx context.Context, p CreatePayload) (Result, error) {
	var res Result
	err := httputil.DoJSON(ctx, c.client, http.MethodPost, c.base+createPath, c.token, p, &res)
	var se *httputil.StatusError
	switch {
	case errors.As(err, &se):
		var env Result
		if json.Unmarshal([]byte(se.Body), &env) == nil && env.Error != "" {
			return Result{Success: false, Error: env.Error}, nil
		}
		return Result{Success: false, Error: fmt.Sprintf("Object Create failed (%d)", se.StatusCode)}, nil
	case err != nil:
		return Result{}, fmt.Errorf("create record: %w", err)
	}
	if !res.Success && res.Error == "" {
		res.Error = "Unknown"
	}
	return res, nil
}

// QueryNearby lists records within radiusM metres of (lat, lng).
func (c *HTTPClient) QueryNearby(ctx context.Context, lat, lng, radiusM float64) ([]Record, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lng", strconv.FormatFloat(lng, 'f', -1, 64))
	q.Set("radius", strconv.FormatFloat(radiusM, 'f', 0, 64))

	var out []Record
	if err := httputil.DoJSON(ctx, c.client, http.MethodGet, c.base+nearbyPath+"?"+q.Encode(), c.token, nil, &out); err != nil {
		return nil, fmt.Errorf("query nearby: %w", err)
	}
	monitoring.Logf("[Records] %d records within %.0fm of (%.6f, %.6f)", len(out), radiusM, lat, lng)
	return out, nil
}

// Enrich asks the backend for a description and category for label.
func (c *HTTPClient) Enrich(ctx context.Context, label string) (Enrichment, error) {
	var out Enrichment
	in := map[string]string{"label": label}
	if err := httputil.DoJSON(ctx, c.client, http.MethodPost, c.base+enrichPath, c.token, in, &out); err != nil {
		return Enrichment{}, fmt.Errorf("enrich %q: %w", label, err)
	}
	return out, nil
}
