package featext

// Package featext extracts dense per-cell feature vectors from images by
// reading activations from selected layers of a pre-trained CNN. It is a
// drop-in replacement for hand-crafted descriptors (eg HOG) in detection
// pipelines that expect a fixed-size feature vector per spatial cell.
//
// The network itself runs in an external inference engine (see pkg/cnn).
// What lives here is the part with no generic-inference equivalent: static
// geometry analysis of the layer graph (cell and border sizes), pixel/cell
// coordinate conversion, the activation post-processing pipeline (per-cell
// concatenation, scaling, PCA), and sharing of loaded networks between
// extractor instances (see pkg/netcache).

import (
	"strconv"
	"strings"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/featex/pkg/cnn"
	"github.com/cyclopcam/featex/pkg/netcache"
	"github.com/cyclopcam/logs"
)

// Extractor extracts dense CNN features from images.
//
// Configuration happens through SetParam/SetIntParam. "netFile" and
// "weightsFile" are required; once both are set, the network is loaded (or
// shared from the process-wide cache). Configuration is not safe to run
// concurrently with Extract, but once configured, Extract may be called from
// multiple goroutines if SupportsMultiThread reports true.
type Extractor struct {
	log    logs.Log
	cache  *netcache.Cache
	loader netcache.LoadFunc

	// Configuration parameters
	netFile     string
	weightsFile string
	layerNames  []string
	maxImgSize  int

	// State resolved from the parameters
	handle         *netcache.Handle
	mean           *channelMean
	geom           []LayerGeometry
	cellSize       Size
	borderSize     Size
	outputChannels int
	scales         []float32
	pca            *pcaParams
}

// NewExtractor creates an unconfigured extractor that shares networks through
// the process-wide cache. Set at least "netFile" and "weightsFile" before use.
func NewExtractor(log logs.Log) *Extractor {
	return &Extractor{
		log:    log,
		cache:  netcache.Shared(),
		loader: cnn.LoadNetwork,
	}
}

// Close releases the extractor's reference to the shared network. If this was
// the last reference, the network is unloaded.
func (x *Extractor) Close() {
	if x.handle != nil {
		x.handle.Release()
		x.handle = nil
	}
}

// SetParam sets a string configuration parameter. Recognized parameters:
//
//	netFile      Path to the network structure definition (required)
//	weightsFile  Path to the pre-trained weights (required)
//	meanFile     3-value text file or mean image, subtracted before inference
//	layerName    Comma-separated layer names to extract from ("" = auto-select
//	             the last convolutional layer before the fully-connected head)
//	scalesFile   Per-channel maxima text file; must not precede layerName
//	pcaFile      Binary PCA mean+matrix file; must not precede layerName
//	maxImgSize   Pixel cap on the larger image dimension (0 = unlimited)
//
// Unknown names return ErrUnknownParameter; invalid values return an error
// wrapping ErrConfig. A failed set leaves previously-applied configuration
// intact.
func (x *Extractor) SetParam(name, value string) error {
	switch name {
	case "netFile":
		x.netFile = value
		return x.reload()
	case "weightsFile":
		x.weightsFile = value
		return x.reload()
	case "meanFile":
		if value == "" {
			x.mean = nil
			return nil
		}
		mean, err := loadMean(value)
		if err != nil {
			return err
		}
		x.mean = mean
		return nil
	case "layerName":
		return x.setLayerNames(SplitLayerNames(value))
	case "scalesFile":
		if x.outputChannels == 0 {
			return configErrorf("scalesFile must not be set before layerName")
		}
		scales, err := loadScales(value, x.outputChannels)
		if err != nil {
			return err
		}
		x.scales = scales
		return nil
	case "pcaFile":
		if x.outputChannels == 0 {
			return configErrorf("pcaFile must not be set before layerName")
		}
		pca, err := loadPCA(value, x.outputChannels)
		if err != nil {
			return err
		}
		x.pca = pca
		return nil
	case "maxImgSize":
		v, err := strconv.Atoi(value)
		if err != nil {
			return configErrorf("maxImgSize must be an integer, got %q", value)
		}
		return x.SetIntParam(name, v)
	default:
		return configUnknownParam(name)
	}
}

// SetIntParam sets an integer configuration parameter. Recognized: maxImgSize.
func (x *Extractor) SetIntParam(name string, value int) error {
	switch name {
	case "maxImgSize":
		if value < 0 {
			return configErrorf("maxImgSize must be >= 0, got %v", value)
		}
		x.maxImgSize = value
		return nil
	default:
		return configUnknownParam(name)
	}
}

// Extract computes the dense feature grid of an image.
// Safe for concurrent calls on one extractor if SupportsMultiThread is true.
func (x *Extractor) Extract(img *cimg.Image) (*FeatureGrid, error) {
	return x.extract(img, true)
}

func (x *Extractor) extract(img *cimg.Image, allowResize bool) (*FeatureGrid, error) {
	if x.handle == nil {
		return nil, configErrorf("netFile and weightsFile must be set before extraction")
	}
	if len(x.geom) == 0 {
		return nil, configErrorf("no extraction layers are resolved")
	}
	net := x.handle.Network()
	_, input, err := x.prepare(img, net, allowResize)
	if err != nil {
		return nil, err
	}
	return x.assemble(net, input)
}

// NumFeatures returns the length of the feature vector of one cell: the PCA
// output dimension if PCA is configured, else the summed channel count of the
// selected layers.
func (x *Extractor) NumFeatures() int {
	return x.numFeatures()
}

// CellSize returns the input pixels covered by one cell along x and y.
func (x *Extractor) CellSize() Size {
	return x.cellSize
}

// BorderSize returns the pixels at each image edge that produce no cell
// output, due to unpadded convolutions and pooling.
func (x *Extractor) BorderSize() Size {
	return x.borderSize
}

// MaxImageSize returns the configured cap on the larger image dimension.
// 0 means unlimited.
func (x *Extractor) MaxImageSize() int {
	return x.maxImgSize
}

// SupportsMultiThread reports whether the inference engine allows concurrent
// forward passes on the shared network. Callers that get false should
// serialize their Extract calls.
func (x *Extractor) SupportsMultiThread() bool {
	return x.handle != nil && x.handle.Network().ConcurrentForward()
}

// PatchworkProcessing reports whether it is reasonable to tile multiple
// scales of an image onto one plane and extract them in a single pass.
func (x *Extractor) PatchworkProcessing() bool {
	return x.handle != nil
}

// PatchworkPadding returns the padding to leave between images tiled onto one
// plane. It equals the border size, so that neighboring images stay out of
// each other's receptive fields.
func (x *Extractor) PatchworkPadding() Size {
	return x.borderSize
}

// CellsToPixels converts a size in cells to the pixel size that produces it.
func (x *Extractor) CellsToPixels(cells Size) Size {
	return Size{
		X: cells.X*x.cellSize.X + 2*x.borderSize.X,
		Y: cells.Y*x.cellSize.Y + 2*x.borderSize.Y,
	}
}

// PixelsToCells converts a pixel size to the number of cells it yields.
func (x *Extractor) PixelsToCells(pixels Size) Size {
	return Size{
		X: max(0, (pixels.X-2*x.borderSize.X)/x.cellSize.X),
		Y: max(0, (pixels.Y-2*x.borderSize.Y)/x.cellSize.Y),
	}
}

// Geometry returns the derived geometry of each selected layer.
func (x *Extractor) Geometry() []LayerGeometry {
	return x.geom
}

func (x *Extractor) numFeatures() int {
	if x.pca != nil {
		return x.pca.outDim
	}
	return x.outputChannels
}

// reload acquires the configured network, sharing it through the cache.
// Does nothing until both netFile and weightsFile are set. On failure the
// previously loaded network (if any) stays active.
func (x *Extractor) reload() error {
	if x.netFile == "" || x.weightsFile == "" {
		return nil
	}
	handle, err := x.cache.Acquire(x.netFile, x.weightsFile, x.loader)
	if err != nil {
		return configErrorf("failed to load network '%v' with weights '%v': %v", x.netFile, x.weightsFile, err)
	}
	old := x.handle
	x.handle = handle
	if old != nil {
		old.Release()
	}
	x.log.Infof("Loaded network '%v' (%v layers)", x.netFile, len(handle.Network().Layers()))
	return x.resolveLayers(x.layerNames)
}

func (x *Extractor) setLayerNames(names []string) error {
	if x.handle == nil {
		// Resolution happens once the network is loaded
		x.layerNames = names
		return nil
	}
	return x.resolveLayers(names)
}

// resolveLayers recomputes the layer geometry for the given selection.
// On success the selection is committed, and any scale/PCA parameters whose
// length no longer matches the output channel count are dropped, since they
// logically depend on the selection. On failure all previous state stays.
func (x *Extractor) resolveLayers(names []string) error {
	geom, err := ComputeGeometry(x.handle.Network(), names, x.log)
	if err != nil {
		return err
	}
	x.layerNames = names
	x.geom = geom
	x.cellSize = geom[0].Cell
	x.borderSize = Size{}
	x.outputChannels = 0
	for _, g := range geom {
		x.borderSize.X = max(x.borderSize.X, g.Border.X)
		x.borderSize.Y = max(x.borderSize.Y, g.Border.Y)
		x.outputChannels += g.Channels
	}
	if x.scales != nil && len(x.scales) != x.outputChannels {
		x.log.Warnf("Layer selection changed to %v output channels, dropping loaded scales", x.outputChannels)
		x.scales = nil
	}
	if x.pca != nil && len(x.pca.mean) != x.outputChannels {
		x.log.Warnf("Layer selection changed to %v output channels, dropping loaded PCA parameters", x.outputChannels)
		x.pca = nil
	}
	return nil
}

// SplitLayerNames parses a comma-separated layer list, the format of the
// "layerName" parameter.
func SplitLayerNames(v string) []string {
	names := []string{}
	for _, name := range strings.Split(v, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}
