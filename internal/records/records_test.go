package records

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fieldlog/internal/geo"
	"github.com/banshee-data/fieldlog/internal/httputil"
	"github.com/banshee-data/fieldlog/internal/monitoring"
	"github.com/banshee-data/fieldlog/internal/timeutil"
	"github.com/banshee-data/fieldlog/internal/tracking"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func validPayload(lat, lng float64) CreatePayload {
	return CreatePayload{
		Source:      SourceSentinel,
		ObjectClass: "animal",
		Name:        "DOG",
		Confidence:  0.82,
		Timestamp:   epoch.Format(time.RFC3339Nano),
		Location:    Location{Lat: lat, Lng: lng},
		Heading:     42,
		BBox:        &tracking.Box{X: 1, Y: 2, W: 3, H: 4},
		Metadata:    map[string]any{"description": "perro", "altitude": 2.5},
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	monitoring.SetLogger(nil)
	s, err := OpenStore(filepath.Join(t.TempDir(), "records.db"), timeutil.NewMockClock(epoch))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecord_DisplayTitleAndKind(t *testing.T) {
	tests := []struct {
		name      string
		rec       Record
		wantTitle string
		wantKind  string
	}{
		{"title wins", Record{Title: "T", Name: "N", Nombre: "Nb", Type: "a", Tipo: "b"}, "T", "a"},
		{"name next", Record{Name: "N", Nombre: "Nb", Tipo: "b"}, "N", "b"},
		{"nombre last", Record{Nombre: "Nb"}, "Nb", ""},
		{"nothing", Record{}, UnknownTitle, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantTitle, tt.rec.DisplayTitle())
			assert.Equal(t, tt.wantKind, tt.rec.Kind())
		})
	}
}

func TestRecord_AltitudeAndDecode(t *testing.T) {
	var r Record
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "x",
		"posicion": "POINT(-3.5 40.25)",
		"metadata": {"altitude": 4}
	}`), &r))
	assert.Equal(t, 4.0, r.AltitudeM())

	p, enc, err := r.Decode()
	require.NoError(t, err)
	assert.Equal(t, "wkt", enc.Kind())
	assert.Equal(t, geo.Position{Lat: 40.25, Lng: -3.5}, p)

	empty := Record{Metadata: map[string]any{"altitude": "high"}}
	assert.Zero(t, empty.AltitudeM())
	p, _, err = empty.Decode()
	assert.ErrorIs(t, err, geo.ErrNoPosition)
	assert.Equal(t, geo.Position{}, p)
}

func TestCreatePayload_Validate(t *testing.T) {
	assert.NoError(t, validPayload(40, -3).Validate())

	tests := []struct {
		name   string
		mutate func(*CreatePayload)
	}{
		{"no source", func(p *CreatePayload) { p.Source = "" }},
		{"no class", func(p *CreatePayload) { p.ObjectClass = "" }},
		{"confidence", func(p *CreatePayload) { p.Confidence = 1.2 }},
		{"latitude", func(p *CreatePayload) { p.Location.Lat = 91 }},
		{"longitude", func(p *CreatePayload) { p.Location.Lng = -181 }},
		{"timestamp", func(p *CreatePayload) { p.Timestamp = "yesterday" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPayload(40, -3)
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestCreatePayload_WireFormat(t *testing.T) {
	p := validPayload(40, -3)
	mission := "m-1"
	p.MissionID = &mission
	data, err := json.Marshal(p)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	for _, k := range []string{"source", "object_class", "name", "confidence", "timestamp",
		"location", "heading", "image_base64", "bbox", "metadata", "mission_id"} {
		assert.Contains(t, got, k)
	}
	assert.Equal(t, []any{1.0, 2.0, 3.0, 4.0}, got["bbox"])
	assert.Equal(t, map[string]any{"lat": 40.0, "lng": -3.0}, got["location"])

	// mission_id is always sent, null when there is no mission.
	p.MissionID = nil
	data, err = json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"mission_id":null`)
}

func TestNewHTTPClient_Validation(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	_, err := NewHTTPClient("ftp://backend", "", mock)
	assert.Error(t, err)
	_, err = NewHTTPClient("http://backend", "", nil)
	assert.Error(t, err)
	_, err = NewHTTPClient("https://backend/", "", mock)
	assert.NoError(t, err)
}

func TestHTTPClient_CreateRecord(t *testing.T) {
	monitoring.SetLogger(nil)
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		mock := httputil.NewMockHTTPClient()
		mock.AddResponse(http.StatusOK, `{"success":true,"data":{"id":"r1","nombre":"DOG"}}`)
		c, err := NewHTTPClient("http://backend/", "secret", mock)
		require.NoError(t, err)

		res, err := c.CreateRecord(ctx, validPayload(40, -3))
		require.NoError(t, err)
		assert.True(t, res.Success)
		require.NotNil(t, res.Data)
		assert.Equal(t, "r1", res.Data.ID)

		req := mock.GetRequest(0)
		assert.Equal(t, "http://backend/api/objects/create", req.URL.String())
		assert.Equal(t, "Bearer secret", req.Header.Get("Authorization"))
		var sent CreatePayload
		require.NoError(t, json.Unmarshal([]byte(mock.GetBody(0)), &sent))
		assert.Equal(t, "DOG", sent.Name)
	})

	t.Run("identified", func(t *testing.T) {
		mock := httputil.NewMockHTTPClient()
		mock.AddResponse(http.StatusOK, `{"success":true,"status":"identified","match":{"id":"r0","nombre":"Rex"}}`)
		c, _ := NewHTTPClient("http://backend", "", mock)
		res, err := c.CreateRecord(ctx, validPayload(40, -3))
		require.NoError(t, err)
		assert.Equal(t, StatusIdentified, res.Status)
		assert.Equal(t, "Rex", res.Match.DisplayTitle())
	})

	t.Run("backend refusal", func(t *testing.T) {
		mock := httputil.NewMockHTTPClient()
		mock.AddResponse(http.StatusOK, `{"success":false}`)
		mock.AddResponse(http.StatusInternalServerError, `{"success":false,"error":"DB Connection Error"}`)
		mock.AddResponse(http.StatusBadGateway, `<html>`)
		c, _ := NewHTTPClient("http://backend", "", mock)

		res, err := c.CreateRecord(ctx, validPayload(40, -3))
		require.NoError(t, err)
		assert.Equal(t, Result{Success: false, Error: "Unknown"}, res)

		res, err = c.CreateRecord(ctx, validPayload(40, -3))
		require.NoError(t, err)
		assert.Equal(t, "DB Connection Error", res.Error)

		res, err = c.CreateRecord(ctx, validPayload(40, -3))
		require.NoError(t, err)
		assert.Equal(t, "Object Create failed (502)", res.Error)
	})

	t.Run("transport failure", func(t *testing.T) {
		netErr := &url.Error{Op: "Post", URL: "http://backend", Err: errors.New("connection refused")}
		mock := httputil.NewMockHTTPClient()
		mock.AddErrorResponse(netErr)
		c, _ := NewHTTPClient("http://backend", "", mock)
		_, err := c.CreateRecord(ctx, validPayload(40, -3))
		var ue *url.Error
		assert.ErrorAs(t, err, &ue)
	})
}

func TestHTTPClient_QueryNearby(t *testing.T) {
	monitoring.SetLogger(nil)
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, `[{"id":"a","nombre":"Oak","lat":40.001,"lng":-3}]`)
	mock.AddResponse(http.StatusServiceUnavailable, "down")
	c, err := NewHTTPClient("http://backend", "", mock)
	require.NoError(t, err)

	recs, err := c.QueryNearby(context.Background(), 40, -3, 1000)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Oak", recs[0].DisplayTitle())

	q := mock.GetRequest(0).URL.Query()
	assert.Equal(t, "40", q.Get("lat"))
	assert.Equal(t, "-3", q.Get("lng"))
	assert.Equal(t, "1000", q.Get("radius"))

	_, err = c.QueryNearby(context.Background(), 40, -3, 1000)
	var se *httputil.StatusError
	assert.ErrorAs(t, err, &se)
}

func TestStore_MigratesOnOpen(t *testing.T) {
	s := newTestStore(t)
	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	require.NoError(t, s.MigrateDown())
	version, _, err = s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	require.NoError(t, s.MigrateUp())
}

func TestStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := validPayload(40.5, -3.25)
	p.ImageBase64 = "data:image/jpeg;base64," + strings.Repeat("A", 200)
	mission := "m-7"
	p.MissionID = &mission

	res, err := s.CreateRecord(ctx, p)
	require.NoError(t, err)
	require.True(t, res.Success)
	rec := res.Data
	require.NotNil(t, rec)

	assert.Equal(t, "DOG", rec.DisplayTitle())
	assert.Equal(t, "animal", rec.Kind())
	assert.Equal(t, SourceSentinel, rec.Source)
	assert.Equal(t, "m-7", *rec.MissionID)
	assert.Equal(t, epoch.Format(time.RFC3339Nano), rec.CreatedAt)
	assert.Equal(t, p.ImageBase64, rec.ImageBase64)
	assert.Equal(t, 2.5, rec.AltitudeM())
	assert.Equal(t, "perro", rec.Metadata["description"])
	assert.Equal(t, 42.0, rec.Metadata["heading"])
	assert.JSONEq(t, `"POINT(-3.25 40.5)"`, string(rec.Posicion))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(*rec, got); diff != "" {
		t.Errorf("Get mismatch (-create +get):\n%s", diff)
	}

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_CreateRejectsInvalidPayload(t *testing.T) {
	s := newTestStore(t)
	p := validPayload(95, 0)
	res, err := s.CreateRecord(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "latitude")
}

func TestStore_ShortImagesAreDropped(t *testing.T) {
	s := newTestStore(t)
	p := validPayload(1, 1)
	p.ImageBase64 = "tiny"
	res, err := s.CreateRecord(context.Background(), p)
	require.NoError(t, err)
	assert.Empty(t, res.Data.ImageBase64)
}

func TestStore_QueryNearby(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	origin := geo.Position{Lat: 40, Lng: -3}
	place := func(name string, bearing, dist float64) {
		t.Helper()
		pos, err := geo.DestinationPoint(origin.Lat, origin.Lng, bearing, dist)
		require.NoError(t, err)
		p := validPayload(pos.Lat, pos.Lng)
		p.Name = name
		p.ImageBase64 = strings.Repeat("B", 300)
		res, err := s.CreateRecord(ctx, p)
		require.NoError(t, err)
		require.True(t, res.Success)
	}
	place("far", 90, 800)
	place("near", 0, 50)
	place("mid", 180, 300)
	place("outside", 270, 5000)

	recs, err := s.QueryNearby(ctx, origin.Lat, origin.Lng, 1000)
	require.NoError(t, err)
	names := make([]string, len(recs))
	for i, r := range recs {
		names[i] = r.DisplayTitle()
		assert.Empty(t, r.ImageBase64, "listings leave images out")
	}
	assert.Equal(t, []string{"near", "mid", "far"}, names)

	_, err = s.QueryNearby(ctx, 0, 0, 0)
	assert.Error(t, err)

	require.NoError(t, s.Delete(ctx, recs[0].ID))
	assert.ErrorIs(t, s.Delete(ctx, recs[0].ID), ErrNotFound)
	recs, err = s.QueryNearby(ctx, origin.Lat, origin.Lng, 1000)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestStore_QueryNearbyAcrossAntimeridian(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, lng := range []float64{179.999, -179.999, 0} {
		res, err := s.CreateRecord(ctx, validPayload(0, lng))
		require.NoError(t, err)
		require.True(t, res.Success)
	}
	recs, err := s.QueryNearby(ctx, 0, 179.9995, 1000)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestServer_EndToEnd(t *testing.T) {
	s := newTestStore(t)
	srv := httptest.NewServer(NewServer(s, "tok").ServeMux())
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL, "tok", httputil.NewStandardClient(5*time.Second))
	require.NoError(t, err)
	ctx := context.Background()

	res, err := c.CreateRecord(ctx, validPayload(40, -3))
	require.NoError(t, err)
	require.True(t, res.Success)
	id := res.Data.ID

	recs, err := c.QueryNearby(ctx, 40, -3, 100)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, id, recs[0].ID)
	p, enc, err := recs[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, "direct", enc.Kind())
	assert.Equal(t, geo.Position{Lat: 40, Lng: -3}, p)

	var got Record
	require.NoError(t, httputil.DoJSON(ctx, httputil.NewStandardClient(time.Second), http.MethodGet,
		srv.URL+"/api/objects/"+id, "tok", nil, &got))
	assert.Equal(t, id, got.ID)

	require.NoError(t, httputil.DoJSON(ctx, httputil.NewStandardClient(time.Second), http.MethodDelete,
		srv.URL+"/api/objects/"+id, "tok", nil, nil))
	err = httputil.DoJSON(ctx, httputil.NewStandardClient(time.Second), http.MethodGet,
		srv.URL+"/api/objects/"+id, "tok", nil, &got)
	var se *httputil.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
}

func TestServer_RequestErrors(t *testing.T) {
	s := newTestStore(t)
	h := NewServer(s, "tok").ServeMux()

	tests := []struct {
		name   string
		method string
		target string
		body   string
		auth   string
		want   int
	}{
		{"missing token", http.MethodGet, "/api/objects/nearby?lat=1&lng=1", "", "", http.StatusUnauthorized},
		{"wrong token", http.MethodGet, "/api/objects/nearby?lat=1&lng=1", "", "Bearer nope", http.StatusUnauthorized},
		{"create via GET", http.MethodGet, "/api/objects/create", "", "Bearer tok", http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, "/api/objects/create", "{", "Bearer tok", http.StatusBadRequest},
		{"no lat", http.MethodGet, "/api/objects/nearby?lng=1", "", "Bearer tok", http.StatusBadRequest},
		{"bad radius", http.MethodGet, "/api/objects/nearby?lat=1&lng=1&radius=-4", "", "Bearer tok", http.StatusBadRequest},
		{"unknown id", http.MethodGet, "/api/objects/nope", "", "Bearer tok", http.StatusNotFound},
		{"put", http.MethodPut, "/api/objects/nope", "", "Bearer tok", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestServer_InvalidPayloadIsAFailedResult(t *testing.T) {
	s := newTestStore(t)
	h := NewServer(s, "").ServeMux()

	body, err := json.Marshal(validPayload(0, 200))
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/objects/create", strings.NewReader(string(body))))
	assert.Equal(t, http.StatusOK, rec.Code)

	var res Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "longitude")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/objects/nearby?lat=0&lng=0", nil))
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestServer_AttachAdminRoutes(t *testing.T) {
	s := newTestStore(t)
	mux := http.NewServeMux()
	require.NoError(t, NewServer(s, "").AttachAdminRoutes(mux))
}

func TestCategoryForClass(t *testing.T) {
	tests := map[string]string{
		"dog":          "animal",
		"Person":       "person",
		"dining table": "furniture",
		"cell phone":   "tech",
		"potted plant": "plant",
		"truck":        "vehicle",
		"toaster":      DefaultCategory,
	}
	for class, want := range tests {
		assert.Equal(t, want, CategoryForClass(class), class)
	}
}

func TestEnrich_ClientAgainstServer(t *testing.T) {
	s := newTestStore(t)
	srv := httptest.NewServer(NewServer(s, "").ServeMux())
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL, "", httputil.NewStandardClient(5*time.Second))
	require.NoError(t, err)

	got, err := c.Enrich(context.Background(), "horse")
	require.NoError(t, err)
	assert.Equal(t, Enrichment{Description: "horse detectado automáticamente.", Category: "animal"}, got)

	_, err = c.Enrich(context.Background(), " ")
	assert.Error(t, err)
}
