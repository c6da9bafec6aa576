// Package report renders solve results as CSV, static plots, and
// interactive charts for offline inspection.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/AvatarWorld/deepdive/internal/geometry"
	"github.com/AvatarWorld/deepdive/internal/refine"
)

// PositionError is the Euclidean distance between an estimated pose and
// its paired ground-truth pose.
func PositionError(p refine.PerformancePair) float64 {
	dx := p.Estimated.Pos.X - p.Truth.Pos.X
	dy := p.Estimated.Pos.Y - p.Truth.Pos.Y
	dz := p.Estimated.Pos.Z - p.Truth.Pos.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// RotationError is the magnitude in radians of the rotation taking the
// estimated orientation onto the ground-truth orientation.
func RotationError(p refine.PerformancePair) float64 {
	rel := p.Truth.Compose(p.Estimated.Inverse())
	aa := geometry.ToAxisAngle(rel.Rot)
	return math.Sqrt(aa.X*aa.X + aa.Y*aa.Y + aa.Z*aa.Z)
}

// WritePerformanceCSV writes one row per estimated/truth pose pair.
func WritePerformanceCSV(w io.Writer, res *refine.Result) error {
	cw := csv.NewWriter(w)
	header := []string{
		"time", "tracker",
		"est_x", "est_y", "est_z",
		"truth_x", "truth_y", "truth_z",
		"pos_error_m", "rot_error_deg",
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, p := range res.Performance {
		row := []string{
			p.Time.UTC().Format(time.RFC3339Nano),
			p.Tracker,
			formatFloat(p.Estimated.Pos.X),
			formatFloat(p.Estimated.Pos.Y),
			formatFloat(p.Estimated.Pos.Z),
			formatFloat(p.Truth.Pos.X),
			formatFloat(p.Truth.Pos.Y),
			formatFloat(p.Truth.Pos.Z),
			formatFloat(PositionError(p)),
			formatFloat(RotationError(p) * 180 / math.Pi),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%.6f", v)
}

// SaveTrajectoryPlot renders a top-down X/Y view of the refined
// trajectory, with ground-truth samples overlaid when available. The
// output format follows the file extension (svg, png, pdf).
func SaveTrajectoryPlot(res *refine.Result, path string) error {
	if len(res.Trajectory) == 0 {
		return fmt.Errorf("empty trajectory")
	}

	p := plot.New()
	p.Title.Text = "Refined Trajectory (top-down)"
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"

	estPts := make(plotter.XYs, 0, len(res.Trajectory))
	for _, tp := range res.Trajectory {
		estPts = append(estPts, plotter.XY{X: tp.Pose.Pos.X, Y: tp.Pose.Pos.Y})
	}
	estLine, err := plotter.NewLine(estPts)
	if err != nil {
		return err
	}
	estLine.Width = vg.Points(1)
	p.Add(estLine)
	p.Legend.Add("estimated", estLine)

	if len(res.Performance) > 0 {
		truthPts := make(plotter.XYs, 0, len(res.Performance))
		for _, pair := range res.Performance {
			truthPts = append(truthPts, plotter.XY{X: pair.Truth.Pos.X, Y: pair.Truth.Pos.Y})
		}
		truthScatter, err := plotter.NewScatter(truthPts)
		if err != nil {
			return err
		}
		truthScatter.Radius = vg.Points(2)
		p.Add(truthScatter)
		p.Legend.Add("ground truth", truthScatter)
	}

	p.Legend.Top = true
	if err := p.Save(10*vg.Inch, 10*vg.Inch, path); err != nil {
		return fmt.Errorf("save trajectory plot: %w", err)
	}
	return nil
}

// RenderErrorChart writes an interactive HTML chart of per-epoch
// position and rotation error against elapsed time.
func RenderErrorChart(w io.Writer, res *refine.Result) error {
	if len(res.Performance) == 0 {
		return fmt.Errorf("no performance pairs")
	}

	start := res.Performance[0].Time
	elapsed := make([]string, 0, len(res.Performance))
	posErr := make([]opts.LineData, 0, len(res.Performance))
	rotErr := make([]opts.LineData, 0, len(res.Performance))
	for _, pair := range res.Performance {
		elapsed = append(elapsed, fmt.Sprintf("%.2f", pair.Time.Sub(start).Seconds()))
		posErr = append(posErr, opts.LineData{Value: PositionError(pair) * 1000})
		rotErr = append(rotErr, opts.LineData{Value: RotationError(pair) * 180 / math.Pi})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Tracking Error", Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Tracking Error",
			Subtitle: fmt.Sprintf("pairs=%d final_cost=%.3g", len(res.Performance), res.Summary.FinalCost),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Elapsed (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Error", NameLocation: "middle", NameGap: 35}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	line.SetXAxis(elapsed).
		AddSeries("position (mm)", posErr).
		AddSeries("rotation (deg)", rotErr)

	if err := line.Render(w); err != nil {
		return fmt.Errorf("render error chart: %w", err)
	}
	return nil
}
