package trainer

import (
	"fmt"
	"image/color"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// plotGlobalMap draws the valid points of every scan in the global frame and
// the sensor positions, and saves it as dir/global_map_e<epoch>.png.
func plotGlobalMap(dir string, epoch int, global []*mat.Dense, poses mat.Matrix, valid [][]bool) (string, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Global map, epoch %d", epoch)
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"

	var pts plotter.XYs
	for k, g := range global {
		n, _ := g.Dims()
		for i := 0; i < n; i++ {
			if k < len(valid) && i < len(valid[k]) && !valid[k][i] {
				continue
			}
			pts = append(pts, plotter.XY{X: g.At(i, 0), Y: g.At(i, 1)})
		}
	}
	if len(pts) > 0 {
		scatter, err := plotter.NewScatter(pts)
		if err != nil {
			return "", fmt.Errorf("trainer: plotting points: %w", err)
		}
		scatter.GlyphStyle.Radius = vg.Points(0.5)
		scatter.GlyphStyle.Color = color.RGBA{R: 40, G: 90, B: 200, A: 255}
		p.Add(scatter)
	}

	rows, _ := poses.Dims()
	if rows > 0 {
		sensors := make(plotter.XYs, rows)
		for i := range sensors {
			sensors[i] = plotter.XY{X: poses.At(i, 0), Y: poses.At(i, 1)}
		}
		path, err := plotter.NewLine(sensors)
		if err != nil {
			return "", fmt.Errorf("trainer: plotting trajectory: %w", err)
		}
		path.Width = vg.Points(1)
		path.Color = color.RGBA{R: 220, G: 50, B: 40, A: 255}
		p.Add(path)

		marks, err := plotter.NewScatter(sensors)
		if err != nil {
			return "", fmt.Errorf("trainer: plotting sensors: %w", err)
		}
		marks.GlyphStyle.Shape = draw.CrossGlyph{}
		marks.GlyphStyle.Color = path.Color
		p.Add(marks)
	}

	file := filepath.Join(dir, fmt.Sprintf("global_map_e%d.png", epoch))
	if err := p.Save(8*vg.Inch, 8*vg.Inch, file); err != nil {
		return "", fmt.Errorf("trainer: saving plot: %w", err)
	}
	return file, nil
}
