package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/fieldlog/internal/geo"
	"github.com/banshee-data/fieldlog/internal/monitoring"
	"github.com/banshee-data/fieldlog/internal/timeutil"
)

// ErrNotFound is returned for an unknown record id.
var ErrNotFound = errors.New("record not found")

const (
	// Images shorter than this are placeholders and are not kept.
	minImageLen = 100
	maxImageLen = 500000

	metresPerDegreeLat = 111320.0
)

// Store keeps records in a local sqlite database and answers the same
// create and nearby calls as the remote backend.
type Store struct {
	db    *sql.DB
	path  string
	clock timeutil.Clock
}

// OpenStore opens (creating if needed) the database at path and brings its
// schema up to date.
func OpenStore(path string, clock timeutil.Clock) (*Store, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open records db: %w", err)
	}
	// One writer keeps sqlite from returning SQLITE_BUSY under the server.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000; PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	s := &Store{db: db, path: path, clock: clock}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	monitoring.Logf("[Store] opened %s", path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for the debug console.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateRecord validates and inserts p. Invalid payloads are reported in
// the Result rather than as an error, matching the remote backend.
func (s *Store) CreateRecord(ctx context.Context, p CreatePayload) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}

	meta := make(map[string]any, len(p.Metadata)+4)
	for k, v := range p.Metadata {
		meta[k] = v
	}
	meta["source"] = p.Source
	meta["confidence"] = p.Confidence
	meta["heading"] = p.Heading
	meta["timestamp"] = p.Timestamp
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return Result{}, fmt.Errorf("encode metadata: %w", err)
	}

	var image sql.NullString
	if len(p.ImageBase64) > minImageLen {
		img := p.ImageBase64
		if len(img) > maxImageLen {
			img = img[:maxImageLen]
		}
		image = sql.NullString{String: img, Valid: true}
	}
	var mission sql.NullString
	if p.MissionID != nil && *p.MissionID != "" {
		mission = sql.NullString{String: *p.MissionID, Valid: true}
	}
	desc, _ := p.Metadata["description"].(string)
	pos := geo.Position{Lat: p.Location.Lat, Lng: p.Location.Lng}

	id := uuid.NewString()
	createdAt := s.clock.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (
			id, nombre, tipo, descripcion, posicion, lat, lng, source,
			confidence, heading, image_base64, metadata, mission_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.Name, p.ObjectClass, desc, geo.FormatWKT(pos), pos.Lat, pos.Lng, p.Source,
		p.Confidence, p.Heading, image, string(metaJSON), mission, createdAt,
	)
	if err != nil {
		return Result{}, fmt.Errorf("insert record: %w", err)
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	monitoring.Logf("[Store] %s record %s (%s) at %s", p.Source, id, p.ObjectClass, geo.FormatWKT(pos))
	return Result{Success: true, Data: &rec}, nil
}

const recordColumns = `id, nombre, tipo, posicion, lat, lng, source, confidence,
	heading, image_base64, metadata, mission_id, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		r        Record
		wktText  string
		lat, lng float64
		image    sql.NullString
		metaJSON string
		mission  sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Nombre, &r.Tipo, &wktText, &lat, &lng, &r.Source,
		&r.Confidence, &r.Heading, &image, &metaJSON, &mission, &r.CreatedAt); err != nil {
		return Record{}, err
	}
	r.Lat, r.Lng = &lat, &lng
	posJSON, err := json.Marshal(wktText)
	if err != nil {
		return Record{}, err
	}
	r.Posicion = posJSON
	r.ImageBase64 = image.String
	if mission.Valid {
		m := mission.String
		r.MissionID = &m
	}
	if err := json.Unmarshal([]byte(metaJSON), &r.Metadata); err != nil {
		return Record{}, fmt.Errorf("decode metadata of %s: %w", r.ID, err)
	}
	return r, nil
}

// Get returns one record by id.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get record %s: %w", id, err)
	}
	return r, nil
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// QueryNearby returns records within radiusM metres of (lat, lng), nearest
// first. Images are left out of the listing.
func (s *Store) QueryNearby(ctx context.Context, lat, lng, radiusM float64) ([]Record, error) {
	if radiusM <= 0 {
		return nil, fmt.Errorf("radius must be positive, got %v", radiusM)
	}

	// Bounding box prefilter, then exact great-circle distance.
	dLat := radiusM / metresPerDegreeLat
	minLng, maxLng := -180.0, 180.0
	if c := math.Cos(lat * math.Pi / 180); c > 1e-6 {
		dLng := dLat / c
		if dLng < 180 {
			minLng, maxLng = lng-dLng, lng+dLng
		}
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM records
		WHERE lat BETWEEN ? AND ?`+lngClause(minLng, maxLng),
		lngArgs(lat-dLat, lat+dLat, minLng, maxLng)...)
	if err != nil {
		return nil, fmt.Errorf("query nearby: %w", err)
	}
	defer rows.Close()

	type hit struct {
		rec  Record
		dist float64
	}
	var hits []hit
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("query nearby: %w", err)
		}
		d := geo.DistanceMeters(lat, lng, *r.Lat, *r.Lng)
		if d > radiusM {
			continue
		}
		r.ImageBase64 = ""
		hits = append(hits, hit{rec: r, dist: d})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query nearby: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })
	out := make([]Record, len(hits))
	for i, h := range hits {
		out[i] = h.rec
	}
	return out, nil
}

// lngClause handles boxes that cross the antimeridian.
func lngClause(minLng, maxLng float64) string {
	switch {
	case minLng <= -180 && maxLng >= 180:
		return ""
	case minLng < -180 || maxLng > 180:
		return ` AND (lng >= ? OR lng <= ?)`
	}
	return ` AND lng BETWEEN ? AND ?`
}

func lngArgs(minLat, maxLat, minLng, maxLng float64) []any {
	args := []any{minLat, maxLat}
	switch {
	case minLng <= -180 && maxLng >= 180:
	case minLng < -180:
		args = append(args, minLng+360, maxLng)
	case maxLng > 180:
		args = append(args, minLng, maxLng-360)
	default:
		args = append(args, minLng, maxLng)
	}
	return args
}
