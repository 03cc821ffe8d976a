// Package units converts receiver ground speed between the units the gps
// command can print.
package units

import (
	"fmt"
	"strings"
)

const (
	MPS   = "mps"
	KPH   = "kph"
	MPH   = "mph"
	Knots = "knots"
)

// ValidUnits lists the accepted --units values.
var ValidUnits = []string{MPS, KPH, MPH, Knots}

const knotMPS = 1852.0 / 3600.0

// IsValid reports whether unit is one of ValidUnits. Matching is case sensitive.
func IsValid(unit string) bool {
	for _, u := range ValidUnits {
		if unit == u {
			return true
		}
	}
	return false
}

// ValidUnitsString is used in flag help and error messages.
func ValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// FromKnots converts an NMEA speed-over-ground value to m/s.
func FromKnots(kn float64) float64 {
	return kn * knotMPS
}

// Convert converts a speed in m/s to unit. Unknown units return m/s.
func Convert(mps float64, unit string) float64 {
	switch unit {
	case KPH:
		return mps * 3.6
	case MPH:
		return mps * 2.23694
	case Knots:
		return mps / knotMPS
	default:
		return mps
	}
}

// Parse validates a --units flag value.
func Parse(unit string) (string, error) {
	if !IsValid(unit) {
		return "", fmt.Errorf("invalid units %q, want one of %s", unit, ValidUnitsString())
	}
	return unit, nil
}
