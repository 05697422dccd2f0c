package featext

import (
	"encoding/binary"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"
)

// pcaParams transforms a (scaled) feature cell c into Aᵀ(c - m), reducing it
// from rows(A) to cols(A) dimensions.
type pcaParams struct {
	mean   []float32 // length = rows of A = raw feature channel count
	a      *mat.Dense
	outDim int
}

// loadPCA loads PCA parameters from a binary file:
// two little-endian int32 (rows R, cols C), then R float32 for the mean
// vector, then R*C float32 for A in row-major order.
// R must equal the resolved output channel count of the layer selection.
func loadPCA(filename string, nChannels int) (*pcaParams, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, configErrorf("failed to read PCA file '%v': %v", filename, err)
	}
	if len(b) < 8 {
		return nil, configErrorf("PCA file '%v' is truncated", filename)
	}
	rows := int(int32(binary.LittleEndian.Uint32(b)))
	cols := int(int32(binary.LittleEndian.Uint32(b[4:])))
	if rows <= 0 || cols <= 0 {
		return nil, configErrorf("PCA file '%v' has invalid dimensions %vx%v", filename, rows, cols)
	}
	if rows != nChannels {
		return nil, configErrorf("PCA file '%v' has %v rows, but the selected layers have %v output channels", filename, rows, nChannels)
	}
	want := 8 + 4*(rows+rows*cols)
	if len(b) != want {
		return nil, configErrorf("PCA file '%v' is %v bytes, expected %v for a %vx%v matrix", filename, len(b), want, rows, cols)
	}

	floats := make([]float32, rows+rows*cols)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[8+i*4:]))
	}

	aData := make([]float64, rows*cols)
	for i, v := range floats[rows:] {
		aData[i] = float64(v)
	}
	return &pcaParams{
		mean:   floats[:rows],
		a:      mat.NewDense(rows, cols, aData),
		outDim: cols,
	}, nil
}

// project computes out = Aᵀ(in - mean). 'diff' and 'out' are scratch buffers
// owned by the caller, so one Extract call reuses them across all cells.
func (p *pcaParams) project(in []float32, diff, out *mat.VecDense, dst []float32) {
	for i, v := range in {
		diff.SetVec(i, float64(v-p.mean[i]))
	}
	out.MulVec(p.a.T(), diff)
	for i := 0; i < p.outDim; i++ {
		dst[i] = float32(out.AtVec(i))
	}
}
