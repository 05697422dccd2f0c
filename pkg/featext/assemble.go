package featext

import (
	"fmt"

	"github.com/cyclopcam/featex/pkg/cnn"
	"gonum.org/v1/gonum/mat"
)

// FeatureGrid is the output of feature extraction: one feature vector of
// Channels values per cell, on a CellsY x CellsX grid. Data is laid out
// row-major: Data[(y*CellsX + x)*Channels + c].
type FeatureGrid struct {
	CellsX   int
	CellsY   int
	Channels int
	Data     []float32
}

func NewFeatureGrid(cellsX, cellsY, channels int) *FeatureGrid {
	return &FeatureGrid{
		CellsX:   cellsX,
		CellsY:   cellsY,
		Channels: channels,
		Data:     make([]float32, cellsX*cellsY*channels),
	}
}

// Cell returns the feature vector of cell (x, y).
func (g *FeatureGrid) Cell(x, y int) []float32 {
	i := (y*g.CellsX + x) * g.Channels
	return g.Data[i : i+g.Channels]
}

// assemble runs the forward pass and turns the selected layers' activation
// tensors into one FeatureGrid: per-cell concatenation across layers, then
// scaling, then PCA projection.
func (x *Extractor) assemble(net cnn.Network, input *cnn.Tensor) (*FeatureGrid, error) {
	indices := make([]int, len(x.geom))
	for i, g := range x.geom {
		indices[i] = g.Index
	}
	outputs, err := net.Forward(input, indices)
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	if len(outputs) != len(x.geom) {
		return nil, fmt.Errorf("engine returned %v activation tensors, expected %v", len(outputs), len(x.geom))
	}
	for i, out := range outputs {
		if out.Channels != x.geom[i].Channels {
			return nil, fmt.Errorf("layer '%v' produced %v channels, expected %v", x.geom[i].Name, out.Channels, x.geom[i].Channels)
		}
	}

	// All selected layers share one cell size, but unpadded layers after the
	// selection point of one layer can shave cells off another, so their
	// spatial dimensions may differ by a few cells. The common grid is the
	// smallest one, and each layer is sampled with a centering offset.
	gridW := outputs[0].Width
	gridH := outputs[0].Height
	for _, out := range outputs[1:] {
		gridW = min(gridW, out.Width)
		gridH = min(gridH, out.Height)
	}
	if gridW <= 0 || gridH <= 0 {
		return nil, fmt.Errorf("image is smaller than the receptive field of the selected layers")
	}

	raw := make([]float32, x.outputChannels)
	grid := NewFeatureGrid(gridW, gridH, x.numFeatures())

	var diff, projected *mat.VecDense
	if x.pca != nil {
		diff = mat.NewVecDense(x.outputChannels, nil)
		projected = mat.NewVecDense(x.pca.outDim, nil)
	}

	for cy := 0; cy < gridH; cy++ {
		for cx := 0; cx < gridW; cx++ {
			off := 0
			for _, out := range outputs {
				oy := cy + (out.Height-gridH)/2
				ox := cx + (out.Width-gridW)/2
				for c := 0; c < out.Channels; c++ {
					raw[off+c] = out.At(c, oy, ox)
				}
				off += out.Channels
			}
			if x.scales != nil {
				for i, s := range x.scales {
					if s == 0 {
						// Channel never produced a nonzero activation during
						// scale estimation, so it is defined as always zero.
						raw[i] = 0
					} else {
						raw[i] /= s
					}
				}
			}
			cell := grid.Cell(cx, cy)
			if x.pca != nil {
				x.pca.project(raw, diff, projected, cell)
			} else {
				copy(cell, raw)
			}
		}
	}
	return grid, nil
}
