package featext

import (
	"github.com/chewxy/math32"
	"github.com/fogleman/gg"
)

// SaveGridPNG renders a feature grid as a grayscale heatmap PNG, one square
// of cellPixels per cell, shaded by the L2 norm of the cell's feature vector
// relative to the largest norm in the grid. Useful for eyeballing whether an
// extraction pipeline is producing sane activations.
func SaveGridPNG(grid *FeatureGrid, filename string, cellPixels int) error {
	if cellPixels < 1 {
		cellPixels = 1
	}
	norms := make([]float32, grid.CellsX*grid.CellsY)
	maxNorm := float32(0)
	for cy := 0; cy < grid.CellsY; cy++ {
		for cx := 0; cx < grid.CellsX; cx++ {
			sum := float32(0)
			for _, v := range grid.Cell(cx, cy) {
				sum += v * v
			}
			n := math32.Sqrt(sum)
			norms[cy*grid.CellsX+cx] = n
			maxNorm = max(maxNorm, n)
		}
	}

	dc := gg.NewContext(grid.CellsX*cellPixels, grid.CellsY*cellPixels)
	for cy := 0; cy < grid.CellsY; cy++ {
		for cx := 0; cx < grid.CellsX; cx++ {
			v := 0.0
			if maxNorm > 0 {
				v = float64(norms[cy*grid.CellsX+cx] / maxNorm)
			}
			dc.SetRGB(v, v, v)
			dc.DrawRectangle(float64(cx*cellPixels), float64(cy*cellPixels), float64(cellPixels), float64(cellPixels))
			dc.Fill()
		}
	}
	return dc.SavePNG(filename)
}
