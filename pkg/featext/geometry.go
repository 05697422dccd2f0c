package featext

import (
	"sort"
	"strings"

	"github.com/cyclopcam/featex/pkg/cnn"
	"github.com/cyclopcam/logs"
)

// Size is a width/height (or x/y) pair, measured in pixels or cells.
type Size struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// LayerGeometry is the derived geometry of one selected output layer,
// relative to the network's input.
type LayerGeometry struct {
	Name     string // Layer name
	Index    int    // Index in the network's layer list
	Cell     Size   // Input pixels covered by one output cell
	Border   Size   // Input pixels lost at each image edge to unpadded operations
	Channels int    // Output channels of this layer
}

// ComputeGeometry resolves the requested layer names against the network's
// layer list and derives, for each selected layer, the pixel footprint of one
// output cell and the border of input pixels that produce no output.
//
// If none of the names resolve (or names is empty), we fall back to the last
// convolutional layer before the first fully-connected layer.
//
// All selected layers must share the same cell size. Their per-cell feature
// vectors are concatenated on a common grid, so differing cell sizes would
// silently misalign, and are reported as a configuration error instead.
func ComputeGeometry(net cnn.Network, names []string, log logs.Log) ([]LayerGeometry, error) {
	layers := net.Layers()

	indices := resolveLayerNames(layers, names)
	if len(indices) == 0 {
		last := lastConvLayer(layers)
		if last < 0 {
			return nil, configErrorf("no layers matched %q, and the network has no convolutional layer to fall back to", strings.Join(names, ","))
		}
		if len(names) != 0 {
			log.Warnf("No layers matched %q, falling back to layer '%v'", strings.Join(names, ","), layers[last].Name)
		} else {
			log.Infof("Auto-selected layer '%v' for feature extraction", layers[last].Name)
		}
		indices = []int{last}
	}

	geom := make([]LayerGeometry, 0, len(indices))
	for _, idx := range indices {
		if layers[idx].Channels <= 0 {
			return nil, configErrorf("layer '%v' has no channel count", layers[idx].Name)
		}
		cell, border := walkChain(layers, idx)
		geom = append(geom, LayerGeometry{
			Name:     layers[idx].Name,
			Index:    idx,
			Cell:     cell,
			Border:   border,
			Channels: layers[idx].Channels,
		})
	}

	for _, g := range geom[1:] {
		if g.Cell != geom[0].Cell {
			return nil, configErrorf("layers '%v' and '%v' have different cell sizes (%v vs %v) and cannot be concatenated",
				geom[0].Name, g.Name, geom[0].Cell, g.Cell)
		}
	}
	return geom, nil
}

// walkChain accumulates cell and border size over the prefix chain of layers
// feeding layer 'last', inclusive.
//
// Each layer's border contribution ((kernel-1)/2 - padding, in that layer's
// own input units) is converted to input-image pixels by multiplying with the
// cell size accumulated so far. The running border is clamped at zero, so
// over-padded layers cannot produce a negative border.
func walkChain(layers []cnn.LayerInfo, last int) (cell Size, border Size) {
	cell = Size{X: 1, Y: 1}
	for i := 0; i <= last; i++ {
		p := geometryParams(layers[i])
		border.X = max(0, border.X+((p.KernelW-1)/2-p.PadW)*cell.X)
		border.Y = max(0, border.Y+((p.KernelH-1)/2-p.PadH)*cell.Y)
		cell.X *= p.StrideW
		cell.Y *= p.StrideH
	}
	return cell, border
}

// geometryParams returns the geometry-relevant parameters of a layer.
// Only convolution and pooling layers reduce or stride; everything else is
// treated as an identity pass-through.
func geometryParams(l cnn.LayerInfo) cnn.LayerInfo {
	if l.Kind != cnn.LayerConv && l.Kind != cnn.LayerPool {
		return cnn.LayerInfo{KernelW: 1, KernelH: 1, StrideW: 1, StrideH: 1}
	}
	if l.KernelW < 1 {
		l.KernelW = 1
	}
	if l.KernelH < 1 {
		l.KernelH = 1
	}
	if l.StrideW < 1 {
		l.StrideW = 1
	}
	if l.StrideH < 1 {
		l.StrideH = 1
	}
	return l
}

// resolveLayerNames maps names to layer indices, in network order, dropping
// names that don't resolve and duplicates.
func resolveLayerNames(layers []cnn.LayerInfo, names []string) []int {
	byName := map[string]int{}
	for i, l := range layers {
		byName[l.Name] = i
	}
	seen := map[int]bool{}
	indices := []int{}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if idx, ok := byName[name]; ok && !seen[idx] {
			seen[idx] = true
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)
	return indices
}

// lastConvLayer returns the index of the last convolutional layer before the
// first fully-connected layer, or -1 if there is none.
func lastConvLayer(layers []cnn.LayerInfo) int {
	last := -1
	for i, l := range layers {
		if l.Kind == cnn.LayerInnerProduct {
			break
		}
		if l.Kind == cnn.LayerConv {
			last = i
		}
	}
	return last
}
