package replay

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// maxChartPoints bounds the series length; longer traces are strided.
const maxChartPoints = 4000

// RenderChart writes an interactive HTML chart of fused heading against
// the raw compass.
func RenderChart(tr Trace, title string, w io.Writer) error {
	if len(tr.Samples) == 0 {
		return ErrNoEvents
	}
	stride := len(tr.Samples)/maxChartPoints + 1
	start := tr.Samples[0].At

	xs := make([]string, 0, len(tr.Samples)/stride+1)
	fused := make([]opts.LineData, 0, cap(xs))
	compass := make([]opts.LineData, 0, cap(xs))
	for i := 0; i < len(tr.Samples); i += stride {
		s := tr.Samples[i]
		xs = append(xs, strconv.FormatFloat(s.At.Sub(start).Seconds(), 'f', 2, 64))
		fused = append(fused, opts.LineData{Value: round2(s.Heading)})
		if s.HasCompass {
			compass = append(compass, opts.LineData{Value: round2(s.Compass)})
		} else {
			compass = append(compass, opts.LineData{Value: "-"})
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Theme: "dark", Width: "100%", Height: "640px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    title,
			Subtitle: fmt.Sprintf("events=%d fixes=%d duration=%v mean |fused-compass|=%.1f°", tr.Events, tr.Fixes, tr.Duration(), tr.MeanCompassError()),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", Start: 0, End: 100}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Heading (°)", Min: 0, Max: 360}),
	)
	line.SetXAxis(xs).
		AddSeries("fused", fused, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)})).
		AddSeries("compass", compass, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
