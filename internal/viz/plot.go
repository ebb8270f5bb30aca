// Package viz renders point sets and fitted circles as images.
package viz

import (
	"fmt"
	"image/color"
	"io"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/cwbudde/lmcirclefit/internal/fit"
)

// circleSegments is the number of line segments used to draw a circle
const circleSegments = 180

var (
	pointColor  = color.RGBA{R: 30, G: 90, B: 200, A: 255}
	circleColor = color.RGBA{R: 220, G: 40, B: 40, A: 255}
	centerColor = color.RGBA{R: 120, G: 120, B: 120, A: 255}
)

// Options control the rendered plot
type Options struct {
	Title string
	Size  vg.Length // Width and height
}

// DefaultOptions returns a 6 inch square plot
func DefaultOptions() Options {
	return Options{Title: "Circle fit", Size: 6 * vg.Inch}
}

// Plot builds a plot of the points and, if circle is not nil, the fitted
// circle with its center.
func Plot(points []fit.Point, circle *fit.Circle, opts Options) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = opts.Title
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"
	p.Add(plotter.NewGrid())

	xys := make(plotter.XYs, len(points))
	for i, pt := range points {
		xys[i] = plotter.XY{X: pt.X, Y: pt.Y}
	}
	scatter, err := plotter.NewScatter(xys)
	if err != nil {
		return nil, fmt.Errorf("failed to build scatter: %w", err)
	}
	scatter.GlyphStyle.Color = pointColor
	scatter.GlyphStyle.Radius = vg.Points(3)
	scatter.GlyphStyle.Shape = draw.CircleGlyph{}
	p.Add(scatter)
	p.Legend.Add("points", scatter)

	if circle != nil && circle.Valid() {
		line, err := plotter.NewLine(CircleOutline(*circle, circleSegments))
		if err != nil {
			return nil, fmt.Errorf("failed to build circle outline: %w", err)
		}
		line.LineStyle.Color = circleColor
		line.LineStyle.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("fit r=%.4g sigma=%.3g", circle.R, circle.S), line)

		center, err := plotter.NewScatter(plotter.XYs{{X: circle.A, Y: circle.B}})
		if err != nil {
			return nil, fmt.Errorf("failed to build center marker: %w", err)
		}
		center.GlyphStyle.Color = centerColor
		center.GlyphStyle.Shape = draw.CrossGlyph{}
		center.GlyphStyle.Radius = vg.Points(4)
		p.Add(center)
	}

	squareAxes(p)
	return p, nil
}

// WritePNG renders the plot as PNG to w
func WritePNG(w io.Writer, points []fit.Point, circle *fit.Circle, opts Options) error {
	p, err := Plot(points, circle, opts)
	if err != nil {
		return err
	}

	wt, err := p.WriterTo(opts.Size, opts.Size, "png")
	if err != nil {
		return fmt.Errorf("failed to create png canvas: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write png: %w", err)
	}
	return nil
}

// CircleOutline samples n+1 points along the circle, closing the loop.
func CircleOutline(c fit.Circle, n int) plotter.XYs {
	xys := make(plotter.XYs, n+1)
	for k := 0; k <= n; k++ {
		theta := 2 * math.Pi * float64(k) / float64(n)
		xys[k] = plotter.XY{X: c.A + c.R*math.Cos(theta), Y: c.B + c.R*math.Sin(theta)}
	}
	return xys
}

// squareAxes widens the shorter axis so circles are not drawn as ellipses on
// a square canvas.
func squareAxes(p *plot.Plot) {
	dx := p.X.Max - p.X.Min
	dy := p.Y.Max - p.Y.Min
	if dx > dy {
		mid := (p.Y.Min + p.Y.Max) / 2
		p.Y.Min, p.Y.Max = mid-dx/2, mid+dx/2
	} else {
		mid := (p.X.Min + p.X.Max) / 2
		p.X.Min, p.X.Max = mid-dy/2, mid+dy/2
	}
}
