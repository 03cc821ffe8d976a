package tracking

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := NewTracker(DefaultTrackerConfig())
	require.NoError(t, err)
	return tr
}

func det(class string, x, y, w, h float64) Detection {
	return Detection{Class: class, Score: 0.9, BBox: Box{X: x, Y: y, W: w, H: h}, DistanceM: 2}
}

func TestKalmanFilter1D(t *testing.T) {
	t.Parallel()

	t.Run("rejects non-positive noise", func(t *testing.T) {
		_, err := NewKalmanFilter1D(0, 0.1)
		assert.Error(t, err)
		_, err = NewKalmanFilter1D(0.1, -1)
		assert.Error(t, err)
		_, err = NewKalmanFilter1D(math.NaN(), 0.1)
		assert.Error(t, err)
	})

	t.Run("first measurement becomes estimate", func(t *testing.T) {
		k, err := NewKalmanFilter1D(0.1, 0.05)
		require.NoError(t, err)
		assert.False(t, k.Initialized())
		assert.True(t, math.IsNaN(k.Estimate()))

		assert.Equal(t, 42.0, k.Filter(42))
		assert.True(t, k.Initialized())
		assert.Equal(t, 0.1, k.Covariance())
	})

	t.Run("predict grows uncertainty without moving the estimate", func(t *testing.T) {
		k, err := NewKalmanFilter1D(0.1, 0.05)
		require.NoError(t, err)
		assert.True(t, math.IsNaN(k.Predict()), "nothing to predict yet")
		assert.False(t, k.Initialized())

		k.Filter(7)
		assert.Equal(t, 7.0, k.Predict())
		assert.InDelta(t, 0.15, k.Covariance(), 1e-12)
		assert.Equal(t, 7.0, k.Predict())
		assert.InDelta(t, 0.20, k.Covariance(), 1e-12)
	})

	t.Run("converges monotonically toward a constant", func(t *testing.T) {
		k, err := NewKalmanFilter1D(0.1, 0.05)
		require.NoError(t, err)
		k.Filter(0)
		prevErr := 10.0
		for i := 0; i < 50; i++ {
			est := k.Filter(10)
			e := math.Abs(10 - est)
			assert.LessOrEqual(t, e, prevErr, "step %d", i)
			prevErr = e
		}
		assert.InDelta(t, 10.0, k.Estimate(), 1e-6)
	})

	t.Run("deterministic", func(t *testing.T) {
		a, _ := NewKalmanFilter1D(0.1, 0.05)
		b, _ := NewKalmanFilter1D(0.1, 0.05)
		for _, z := range []float64{3, 5, 4, 8, 1} {
			assert.Equal(t, a.Filter(z), b.Filter(z))
		}
	})
}

func TestIoU(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		a, b Box
		want float64
	}{
		{"identical", Box{0, 0, 10, 10}, Box{0, 0, 10, 10}, 1},
		{"disjoint", Box{0, 0, 10, 10}, Box{20, 20, 5, 5}, 0},
		{"half overlap", Box{0, 0, 10, 10}, Box{5, 0, 10, 10}, 50.0 / 150.0},
		{"touching edges", Box{0, 0, 10, 10}, Box{10, 0, 10, 10}, 0},
		{"zero area", Box{0, 0, 0, 0}, Box{0, 0, 0, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, IoU(tt.a, tt.b), 1e-9)
		})
	}
}

func TestBoxJSON(t *testing.T) {
	t.Parallel()
	data, err := json.Marshal(Box{1, 2, 3, 4})
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3,4]`, string(data))

	var b Box
	require.NoError(t, json.Unmarshal([]byte(`[5,6,7,8]`), &b))
	assert.Equal(t, Box{5, 6, 7, 8}, b)
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &b))
}

func TestNewTracker_Validation(t *testing.T) {
	t.Parallel()
	cfg := DefaultTrackerConfig()
	cfg.MaxMissingFrames = 0
	_, err := NewTracker(cfg)
	assert.Error(t, err)

	cfg = DefaultTrackerConfig()
	cfg.LerpFactor = 2
	_, err = NewTracker(cfg)
	assert.Error(t, err)

	cfg = DefaultTrackerConfig()
	cfg.ProcessNoise = 0
	_, err = NewTracker(cfg)
	assert.Error(t, err)
}

func TestTracker_Continuity(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(t)

	tr.Update([]Detection{det("person", 100, 100, 50, 100)})
	first := tr.Tracks()
	require.Len(t, first, 1)

	// IoU of the shifted box is well above 0.3.
	tr.Update([]Detection{det("person", 105, 102, 50, 100)})
	second := tr.Tracks()
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, 2, second[0].Hits)
	assert.Equal(t, 0, second[0].Missing)
}

func TestTracker_ClassIsolation(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(t)

	tr.Update([]Detection{det("person", 100, 100, 50, 100)})
	tr.Update([]Detection{det("dog", 100, 100, 50, 100)})

	tracks := tr.Tracks()
	require.Len(t, tracks, 2)
	assert.NotEqual(t, tracks[0].ID, tracks[1].ID)
	assert.Equal(t, "person", tracks[0].Class)
	assert.Equal(t, 1, tracks[0].Missing)
	assert.Equal(t, "dog", tracks[1].Class)
}

func TestTracker_LowIoUStartsNewTrack(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(t)

	tr.Update([]Detection{det("car", 0, 0, 10, 10)})
	tr.Update([]Detection{det("car", 8, 8, 10, 10)}) // IoU 4/196
	assert.Equal(t, 2, tr.Len())
}

func TestTracker_OneDetectionPerTrackPerTick(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(t)

	tr.Update([]Detection{det("cup", 0, 0, 10, 10)})
	tr.Update([]Detection{det("cup", 0, 0, 10, 10), det("cup", 1, 1, 10, 10)})

	tracks := tr.Tracks()
	require.Len(t, tracks, 2, "second overlapping detection cannot reuse a matched track")
	assert.Equal(t, 2, tracks[0].Hits)
	assert.Equal(t, 1, tracks[1].Hits)
}

func TestTracker_PrunesAfterMaxMissing(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(t)

	tr.Update([]Detection{det("person", 100, 100, 50, 100)})
	for i := 0; i < 9; i++ {
		tr.Update(nil)
	}
	require.Equal(t, 1, tr.Len(), "track survives nine misses")
	assert.Equal(t, 9, tr.Tracks()[0].Missing)

	tr.Update(nil)
	assert.Equal(t, 0, tr.Len(), "tenth miss prunes")
}

func TestTracker_MatchResetsMissing(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(t)

	tr.Update([]Detection{det("person", 100, 100, 50, 100)})
	for i := 0; i < 5; i++ {
		tr.Update(nil)
	}
	tr.Update([]Detection{det("person", 100, 100, 50, 100)})
	tracks := tr.Tracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, 0, tracks[0].Missing)
}

func TestTracker_SmoothedObjectsInterpolate(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(t)

	tr.Update([]Detection{det("person", 100, 100, 50, 100)})
	objs := tr.SmoothedObjects()
	require.Len(t, objs, 1)
	assert.Equal(t, Box{100, 100, 50, 100}, objs[0].BBox, "new track starts with visual == detection")

	tr.Update([]Detection{det("person", 110, 100, 50, 100)})
	logical := tr.Tracks()[0].Logical
	require.Greater(t, logical.X, 100.0)

	before := 100.0
	for i := 0; i < 30; i++ {
		objs = tr.SmoothedObjects()
		x := objs[0].BBox.X
		assert.GreaterOrEqual(t, x, before, "visual never moves away from logical")
		assert.LessOrEqual(t, x, logical.X)
		before = x
	}
	assert.InDelta(t, logical.X, before, 1e-3)

	// First smoothing step closes 30% of the gap.
	tr2 := newTestTracker(t)
	tr2.Update([]Detection{det("person", 100, 100, 50, 100)})
	tr2.Update([]Detection{det("person", 110, 100, 50, 100)})
	l := tr2.Tracks()[0].Logical.X
	got := tr2.SmoothedObjects()[0].BBox.X
	assert.InDelta(t, 100+(l-100)*0.3, got, 1e-9)
}

func TestTracker_SnapshotsAreCopies(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(t)
	tr.Update([]Detection{det("person", 100, 100, 50, 100)})

	objs := tr.SmoothedObjects()
	objs[0].BBox.X = -999
	objs[0].Class = "mutated"

	again := tr.Tracks()
	assert.Equal(t, "person", again[0].Class)
	assert.NotEqual(t, -999.0, again[0].Visual.X)
}

func TestTracker_Reset(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(t)
	tr.Update([]Detection{det("person", 1, 1, 5, 5)})
	tr.Reset()
	assert.Equal(t, 0, tr.Len())

	tr.Update([]Detection{det("person", 1, 1, 5, 5)})
	assert.Equal(t, 2, tr.Tracks()[0].ID, "ids are never reused")
}

func TestEstimateDepth(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0.5, EstimateDepth(1080, 1080))
	assert.InDelta(t, 5.0, EstimateDepth(108, 1080), 1e-9)
	assert.Equal(t, 30.0, EstimateDepth(1, 1080))
	assert.Equal(t, 0.5, EstimateDepth(5000, 1080))
	assert.Equal(t, 30.0, EstimateDepth(0, 1080))
	assert.Equal(t, 30.0, EstimateDepth(100, 0))
}

func TestScaleDetections(t *testing.T) {
	t.Parallel()
	raw := []Detection{{Class: "dog", Score: 0.8, BBox: Box{320, 320, 64, 64}}}
	got := ScaleDetections(raw, 640, 1280, 720)
	require.Len(t, got, 1)
	assert.Equal(t, Box{640, 360, 128, 72}, got[0].BBox)
	assert.InDelta(t, 5.0, got[0].DistanceM, 1e-9)
	assert.Equal(t, "dog", got[0].Class)

	assert.Nil(t, ScaleDetections(raw, 0, 1280, 720))
}

func TestCentralTarget(t *testing.T) {
	t.Parallel()
	objs := []SmoothedObject{
		{ID: 1, Detection: Detection{Class: "cup", BBox: Box{0, 0, 10, 10}}},
		{ID: 2, Detection: Detection{Class: "dog", BBox: Box{600, 320, 80, 80}}},
		{ID: 3, Detection: Detection{Class: "car", BBox: Box{1200, 700, 10, 10}}},
	}
	got, ok := CentralTarget(objs, 1280, 720)
	require.True(t, ok)
	assert.Equal(t, 2, got.ID)

	_, ok = CentralTarget(nil, 1280, 720)
	assert.False(t, ok)
}

func TestTracker_SnapshotDoesNotInterpolate(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(t)
	tr.Update([]Detection{det("person", 100, 100, 50, 100)})
	tr.Update([]Detection{det("person", 112, 100, 50, 100)})

	for i := 0; i < 3; i++ {
		objs := tr.Snapshot()
		require.Len(t, objs, 1)
		assert.Equal(t, 100.0, objs[0].BBox.X)
		assert.Equal(t, 0.9, objs[0].Score)
	}
	assert.Greater(t, tr.SmoothedObjects()[0].BBox.X, 100.0, "render step still moves it")
}
