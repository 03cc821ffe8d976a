package replay

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fieldlog/internal/fusion"
)

var epoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

// walk is a short session: a fix, a steady compass at 90°, and a second
// fix a few metres north.
func walk() []fusion.Event {
	var evs []fusion.Event
	evs = append(evs, fusion.Event{Type: fusion.EventGPS, At: epoch, Lat: 40.4168, Lng: -3.7038})
	for i := 0; i < 40; i++ {
		evs = append(evs, fusion.Event{
			Type:      fusion.EventMag,
			At:        epoch.Add(time.Duration(i) * 50 * time.Millisecond),
			MagSample: fusion.MagSample{WebkitHeading: ptr(90)},
		})
	}
	evs = append(evs, fusion.Event{Type: fusion.EventGPS, At: epoch.Add(2 * time.Second), Lat: 40.41685, Lng: -3.7038})
	return evs
}

func TestRecorderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	rec := NewRecorder(&buf)
	evs := walk()
	// Write out of order; LoadEvents sorts.
	require.NoError(t, rec.Record(evs[len(evs)-1]))
	for _, ev := range evs[:len(evs)-1] {
		require.NoError(t, rec.Record(ev))
	}
	assert.Equal(t, len(evs), rec.Count())

	got, err := LoadEvents(&buf)
	require.NoError(t, err)
	require.Len(t, got, len(evs))
	assert.Equal(t, fusion.EventGPS, got[0].Type)
	assert.True(t, got[len(got)-1].At.Equal(epoch.Add(2*time.Second)))
	h, ok := got[1].CompassHeading()
	require.True(t, ok)
	assert.Equal(t, 90.0, h)
}

func TestLoadEvents_Errors(t *testing.T) {
	tests := map[string]string{
		"bad json":     `{"type":"gps",`,
		"no timestamp": `{"type":"gps","lat":1,"lng":2}`,
		"unknown type": `{"type":"lidar","at":"2026-05-04T10:00:00Z"}`,
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadEvents(strings.NewReader("# header\n\n" + in + "\n"))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "line 3")
		})
	}
}

func TestRun(t *testing.T) {
	cfg := fusion.DefaultConfig()
	tr, err := Run(walk(), cfg)
	require.NoError(t, err)

	assert.Equal(t, 42, tr.Events)
	assert.Equal(t, 2, tr.Fixes)
	assert.Zero(t, tr.Skipped)
	require.NotEmpty(t, tr.Samples)
	assert.GreaterOrEqual(t, tr.Duration(), 2*time.Second)

	last := tr.Samples[len(tr.Samples)-1]
	assert.True(t, last.HasFix)
	assert.Equal(t, fusion.StatusOK, last.Status)
	assert.InDelta(t, 90, last.Heading, 5, "filter converges on a steady compass")
	assert.True(t, last.HasCompass)
	assert.Less(t, tr.MeanCompassError(), 90.0)

	_, err = Run(nil, cfg)
	assert.ErrorIs(t, err, ErrNoEvents)

	cfg.Interval = 0
	_, err = Run(walk(), cfg)
	assert.Error(t, err)
}

func TestMeanCompassError_Wraps(t *testing.T) {
	tr := Trace{Samples: []Sample{
		{Heading: 359, Compass: 1, HasCompass: true},
		{Heading: 10, Compass: 20, HasCompass: true},
		{Heading: 180},
	}}
	assert.InDelta(t, 6, tr.MeanCompassError(), 1e-9)
	assert.Zero(t, Trace{}.MeanCompassError())
}

func TestSavePlots(t *testing.T) {
	tr, err := Run(walk(), fusion.DefaultConfig())
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "plots")
	paths, err := SavePlots(tr, dir)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	for _, p := range paths {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}

	noFix := Trace{Samples: []Sample{{At: epoch, Heading: 10}, {At: epoch.Add(time.Second), Heading: 20}}}
	paths, err = SavePlots(noFix, dir)
	require.NoError(t, err)
	assert.Len(t, paths, 1, "no track without a fix")

	_, err = SavePlots(Trace{}, dir)
	assert.ErrorIs(t, err, ErrNoEvents)
}

func TestRenderChart(t *testing.T) {
	tr, err := Run(walk(), fusion.DefaultConfig())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, RenderChart(tr, "walk", &buf))
	html := buf.String()
	assert.Contains(t, html, "<html")
	assert.Contains(t, html, "fused")
	assert.Contains(t, html, "compass")

	assert.ErrorIs(t, RenderChart(Trace{}, "empty", &buf), ErrNoEvents)
}
