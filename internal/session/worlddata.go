package session

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/fieldlog/internal/capture"
	"github.com/banshee-data/fieldlog/internal/geo"
	"github.com/banshee-data/fieldlog/internal/monitoring"
	"github.com/banshee-data/fieldlog/internal/records"
	"github.com/banshee-data/fieldlog/internal/world"
)

// LoadWorldData queries records around the current fix and rebuilds the
// marker set from them. The markers hide again after AutoHideAfter.
// Returns the number of markers anchored.
func (s *Session) LoadWorldData(ctx context.Context) (int, error) {
	if s.disposed.Load() {
		return 0, ErrDisposed
	}
	user, ok := s.fusion.Position()
	if !ok {
		s.notify("Esperando GPS...", 2*time.Second, capture.CodeGPS)
		return 0, capture.ErrNoFix
	}
	s.notify("Escaneando red quiral...", 0, "")

	recs, err := s.records.QueryNearby(ctx, user.Lat, user.Lng, s.cfg.NearbyRadiusM)
	if err != nil {
		s.notify(fmt.Sprintf("Error DB: %v", err), 4*time.Second, capture.ErrorCode(err))
		return 0, fmt.Errorf("nearby query: %w", err)
	}
	if s.disposed.Load() {
		return 0, ErrDisposed
	}
	if len(recs) == 0 {
		s.notify("No se encontraron rastros", 2*time.Second, "")
		return 0, nil
	}

	markers := s.world.Markers()
	markers.Clear()
	for _, r := range recs {
		markers.Add(world.Anchor(poiFromRecord(r), user))
	}
	s.energySaving.Store(false)
	s.notify("Entorno Sincronizado", 2*time.Second, "")
	monitoring.Logf("[Session %s] anchored %d markers", s.id[:8], len(recs))
	s.armAutoHide()
	return len(recs), nil
}

// poiFromRecord decodes r. A record whose position cannot be read is kept
// at {0,0} so one bad row never drops the rest.
func poiFromRecord(r records.Record) world.POI {
	pos, _, err := r.Decode()
	if err != nil {
		monitoring.Warnf("[Session] record %s: %v", r.ID, err)
		pos = geo.Position{}
	}
	kind := r.Kind()
	if kind == "" {
		kind = "unknown"
	}
	return world.POI{
		ID:        r.ID,
		Title:     r.DisplayTitle(),
		Type:      kind,
		Lat:       pos.Lat,
		Lng:       pos.Lng,
		AltitudeM: r.AltitudeM(),
		Metadata:  r.Metadata,
	}
}

// armAutoHide replaces any pending auto-hide with a fresh one.
func (s *Session) armAutoHide() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.autoHide != nil {
		s.autoHide.Stop()
	}
	if s.cfg.AutoHideAfter <= 0 || s.disposed.Load() {
		s.autoHide = nil
		return
	}
	s.autoHide = s.clock.AfterFunc(s.cfg.AutoHideAfter, s.hideMarkers)
}

func (s *Session) hideMarkers() {
	if s.disposed.Load() {
		return
	}
	markers := s.world.Markers()
	if markers.Len() == 0 {
		return
	}
	markers.Clear()
	s.energySaving.Store(true)
	s.notify("Vista Limpiada (Ahorro de Energía)", 3*time.Second, "")
}

// EnergySaving reports whether the markers were hidden to save power.
func (s *Session) EnergySaving() bool { return s.energySaving.Load() }

// Scan plays the scan sweep and reloads world data.
func (s *Session) Scan(ctx context.Context) (int, error) {
	if s.disposed.Load() {
		return 0, ErrDisposed
	}
	s.world.TriggerScan()
	s.energySaving.Store(false)
	return s.LoadWorldData(ctx)
}

// addRecord anchors a freshly saved record so it shows up without a reload.
func (s *Session) addRecord(r records.Record) {
	if s.disposed.Load() {
		return
	}
	user, ok := s.fusion.Position()
	if !ok {
		return
	}
	m := world.Anchor(poiFromRecord(r), user)
	if r.Source == records.SourceManual || r.Source == records.SourceTeach {
		// Hand-placed markers carry no altitude; drop them onto the floor.
		obj := world.Object3D{X: m.Local.X, Y: m.Local.Y, Z: m.Local.Z}
		s.world.ClampToGround(&obj)
		m.Local.Y = obj.Y
	}
	s.world.Markers().Add(m)
}
