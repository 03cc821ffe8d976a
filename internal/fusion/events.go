package fusion

import (
	"fmt"
	"time"
)

// Event kinds understood by Apply.
const (
	EventGPS         = "gps"
	EventMag         = "mag"
	EventGyro        = "gyro"
	EventUnavailable = "gps_unavailable"
)

// Event is a timestamped sensor reading as streamed by the phone or stored
// in a replay log.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`

	Lat float64 `json:"lat,omitempty"`
	Lng float64 `json:"lng,omitempty"`

	MagSample

	RotationRate *float64 `json:"rotation_rate,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// Apply routes ev to the matching sensor handler.
func (e *Engine) Apply(ev Event) error {
	switch ev.Type {
	case EventGPS:
		e.HandleGPSFix(ev.Lat, ev.Lng)
	case EventMag:
		e.HandleMagnetometer(ev.MagSample)
	case EventGyro:
		e.HandleGyroscope(ev.RotationRate)
	case EventUnavailable:
		e.ReportUnavailable(ev.Reason)
	default:
		return fmt.Errorf("unknown sensor event type %q", ev.Type)
	}
	return nil
}
