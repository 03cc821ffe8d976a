package replay

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/fieldlog/internal/geo"
)

var (
	fusedColor   = color.RGBA{R: 0, G: 168, B: 255, A: 255}
	compassColor = color.RGBA{R: 255, G: 85, B: 0, A: 255}
)

// SavePlots writes heading.png and track.png into dir and returns their
// paths. The track plot is skipped when the trace has no fix.
func SavePlots(tr Trace, dir string) ([]string, error) {
	if len(tr.Samples) == 0 {
		return nil, ErrNoEvents
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	var paths []string
	heading := filepath.Join(dir, "heading.png")
	p, err := headingPlot(tr)
	if err != nil {
		return nil, err
	}
	if err := p.Save(12*vg.Inch, 5*vg.Inch, heading); err != nil {
		return nil, fmt.Errorf("save heading plot: %w", err)
	}
	paths = append(paths, heading)

	p, ok, err := trackPlot(tr)
	if err != nil {
		return paths, err
	}
	if ok {
		track := filepath.Join(dir, "track.png")
		if err := p.Save(8*vg.Inch, 8*vg.Inch, track); err != nil {
			return paths, fmt.Errorf("save track plot: %w", err)
		}
		paths = append(paths, track)
	}
	return paths, nil
}

func headingPlot(tr Trace) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Fused heading"
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Heading (deg)"
	p.Y.Min, p.Y.Max = 0, 360

	start := tr.Samples[0].At
	fused := make(plotter.XYs, 0, len(tr.Samples))
	compass := make(plotter.XYs, 0, len(tr.Samples))
	for _, s := range tr.Samples {
		x := s.At.Sub(start).Seconds()
		fused = append(fused, plotter.XY{X: x, Y: s.Heading})
		if s.HasCompass {
			compass = append(compass, plotter.XY{X: x, Y: s.Compass})
		}
	}

	line, err := plotter.NewLine(fused)
	if err != nil {
		return nil, fmt.Errorf("fused heading line: %w", err)
	}
	line.Color = fusedColor
	line.Width = vg.Points(1.5)
	p.Add(line)
	p.Legend.Add("fused", line)

	if len(compass) > 0 {
		pts, err := plotter.NewScatter(compass)
		if err != nil {
			return nil, fmt.Errorf("compass scatter: %w", err)
		}
		pts.Color = compassColor
		pts.Radius = vg.Points(1)
		pts.Shape = draw.CircleGlyph{}
		p.Add(pts)
		p.Legend.Add("compass", pts)
	}
	p.Add(plotter.NewGrid())
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// trackPlot draws the smoothed path in metres east and north of the first
// fix.
func trackPlot(tr Trace) (*plot.Plot, bool, error) {
	var (
		origin geo.Position
		have   bool
		pts    plotter.XYs
	)
	for _, s := range tr.Samples {
		if !s.HasFix {
			continue
		}
		if !have {
			origin, have = s.Position, true
		}
		v := geo.LocalVectorFromGPS(origin.Lat, origin.Lng, s.Position.Lat, s.Position.Lng)
		// -Z is north.
		pts = append(pts, plotter.XY{X: v.X, Y: -v.Z})
	}
	if !have {
		return nil, false, nil
	}

	p := plot.New()
	p.Title.Text = "Smoothed track"
	p.X.Label.Text = "East (m)"
	p.Y.Label.Text = "North (m)"
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, false, fmt.Errorf("track line: %w", err)
	}
	line.Color = fusedColor
	line.Width = vg.Points(1.5)
	p.Add(plotter.NewGrid(), line)
	return p, true, nil
}
