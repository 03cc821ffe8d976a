package units

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvert(t *testing.T) {
	tests := []struct {
		name string
		mps  float64
		unit string
		want float64
	}{
		{"mps", 10, MPS, 10},
		{"kph", 10, KPH, 36},
		{"mph", 10, MPH, 22.3694},
		{"knots", 10, Knots, 19.4384},
		{"walking pace in mph", 1.4, MPH, 3.1317},
		{"unknown falls back to mps", 10, "furlongs", 10},
		{"zero", 0, Knots, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Convert(tt.mps, tt.unit), 1e-3)
		})
	}
}

func TestFromKnots(t *testing.T) {
	assert.InDelta(t, 0.514444, FromKnots(1), 1e-6)
	assert.InDelta(t, 5.2, Convert(FromKnots(5.2), Knots), 1e-9)
}

func TestParse(t *testing.T) {
	for _, u := range ValidUnits {
		got, err := Parse(u)
		require.NoError(t, err)
		assert.Equal(t, u, got)
	}
	for _, bad := range []string{"", "MPH", "kmh"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
	assert.Equal(t, "mps, kph, mph, knots", ValidUnitsString())
}
