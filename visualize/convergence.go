// Package visualize renders search diagnostics, currently the convergence
// curve of a finished run.
package visualize

import (
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/automl-go/autotune/automl"
	"github.com/automl-go/autotune/pkg/errors"
)

// ConvergencePlot builds the best-loss-so-far curve over elapsed budget.
// Failed trials (infinite or NaN best loss) are skipped, so the curve only
// starts once a first model succeeded.
func ConvergencePlot(history []automl.HistoryPoint) (*plot.Plot, error) {
	pts := make(plotter.XYs, 0, len(history))
	for _, h := range history {
		if math.IsInf(h.BestLoss, 0) || math.IsNaN(h.BestLoss) {
			continue
		}
		pts = append(pts, plotter.XY{X: h.Elapsed, Y: h.BestLoss})
	}
	if len(pts) == 0 {
		return nil, errors.NewValueError("ConvergencePlot", "history has no successful trial")
	}

	p := plot.New()
	p.Title.Text = "Best validation loss"
	p.X.Label.Text = "budget used"
	p.Y.Label.Text = "best loss"

	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, errors.Wrap(err, "building the convergence line")
	}
	p.Add(line, plotter.NewGrid())
	return p, nil
}

// SaveConvergencePlot writes the convergence curve to path. The format is
// inferred from the extension (png, svg, pdf, ...).
func SaveConvergencePlot(history []automl.HistoryPoint, path string) error {
	p, err := ConvergencePlot(history)
	if err != nil {
		return err
	}
	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrap(err, "saving the convergence plot")
	}
	return nil
}
