package featext

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/featex/pkg/cnn"
	"github.com/cyclopcam/featex/pkg/netcache"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

// stubNet implements cnn.Network for tests. The forward function receives the
// prepared input tensor and the selected layer indices.
type stubNet struct {
	layers     []cnn.LayerInfo
	order      cnn.ChannelOrder
	concurrent bool
	forward    func(input *cnn.Tensor, layers []int) ([]*cnn.Tensor, error)
}

func (s *stubNet) Layers() []cnn.LayerInfo        { return s.layers }
func (s *stubNet) InputChannels() int             { return 3 }
func (s *stubNet) ChannelOrder() cnn.ChannelOrder { return s.order }
func (s *stubNet) ConcurrentForward() bool        { return s.concurrent }
func (s *stubNet) Close() error                   { return nil }

func (s *stubNet) Forward(input *cnn.Tensor, layers []int) ([]*cnn.Tensor, error) {
	if s.forward == nil {
		return nil, cnn.ErrNoForward
	}
	return s.forward(input, layers)
}

// identityNet is a 1x1 convolution that returns its input unchanged:
// cell size (1,1), border (0,0), 3 output channels. Extraction through it
// exposes the preprocessed pixel values directly.
func identityNet() *stubNet {
	net := &stubNet{
		layers: []cnn.LayerInfo{
			{Name: "conv1", Kind: cnn.LayerConv, KernelW: 1, KernelH: 1, StrideW: 1, StrideH: 1, Channels: 3},
		},
		concurrent: true,
	}
	net.forward = func(input *cnn.Tensor, layers []int) ([]*cnn.Tensor, error) {
		return []*cnn.Tensor{input}, nil
	}
	return net
}

// toyNet is the reference chain conv(3x3, stride 1, pad 0) + pool(2x2,
// stride 2, pad 0), with 2 output channels whose activation at (c,y,x) is
// c*100 + y*10 + x.
func toyNet() *stubNet {
	net := &stubNet{
		layers: []cnn.LayerInfo{
			{Name: "conv1", Kind: cnn.LayerConv, KernelW: 3, KernelH: 3, StrideW: 1, StrideH: 1, Channels: 2},
			{Name: "pool1", Kind: cnn.LayerPool, KernelW: 2, KernelH: 2, StrideW: 2, StrideH: 2, Channels: 2},
		},
		concurrent: true,
	}
	net.forward = func(input *cnn.Tensor, layers []int) ([]*cnn.Tensor, error) {
		convH, convW := input.Height-2, input.Width-2
		poolH, poolW := (convH-2)/2+1, (convW-2)/2+1
		outs := []*cnn.Tensor{}
		for _, idx := range layers {
			h, w := convH, convW
			if idx == 1 {
				h, w = poolH, poolW
			}
			t := cnn.NewTensor(2, h, w)
			for c := 0; c < 2; c++ {
				for y := 0; y < h; y++ {
					for x := 0; x < w; x++ {
						t.Set(c, y, x, float32(c*100+y*10+x))
					}
				}
			}
			outs = append(outs, t)
		}
		return outs, nil
	}
	return net
}

// newTestExtractor gives the extractor its own cache and a loader that
// returns 'net', counting loads.
func newTestExtractor(t *testing.T, net cnn.Network, loads *atomic.Int32) *Extractor {
	x := NewExtractor(logs.NewTestingLog(t))
	x.cache = netcache.NewCache()
	x.loader = func(defPath, weightsPath string) (cnn.Network, error) {
		if loads != nil {
			loads.Add(1)
		}
		return net, nil
	}
	return x
}

func configure(t *testing.T, x *Extractor, params map[string]string) {
	require.NoError(t, x.SetParam("netFile", "net.json"))
	require.NoError(t, x.SetParam("weightsFile", "weights.bin"))
	for name, value := range params {
		require.NoError(t, x.SetParam(name, value))
	}
}

func testImage(width, height int) *cimg.Image {
	img := cimg.NewImage(width, height, cimg.PixelFormatRGB)
	for y := 0; y < height; y++ {
		row := img.Pixels[y*img.Stride:]
		for x := 0; x < width; x++ {
			row[x*3] = byte(40 + x)
			row[x*3+1] = byte(80 + y)
			row[x*3+2] = byte(120 + x + y)
		}
	}
	return img
}

func TestExtractToyNet(t *testing.T) {
	x := newTestExtractor(t, toyNet(), nil)
	defer x.Close()
	configure(t, x, map[string]string{"layerName": "pool1"})

	require.Equal(t, Size{X: 2, Y: 2}, x.CellSize())
	require.Equal(t, Size{X: 1, Y: 1}, x.BorderSize())
	require.Equal(t, 2, x.NumFeatures())
	require.True(t, x.SupportsMultiThread())
	require.True(t, x.PatchworkProcessing())
	require.Equal(t, x.BorderSize(), x.PatchworkPadding())

	grid, err := x.Extract(testImage(10, 8))
	require.NoError(t, err)
	require.Equal(t, 4, grid.CellsX)
	require.Equal(t, 3, grid.CellsY)
	require.Equal(t, 2, grid.Channels)

	// The grid dimensions agree with the unit conversion
	require.Equal(t, Size{X: grid.CellsX, Y: grid.CellsY}, x.PixelsToCells(Size{X: 10, Y: 8}))

	require.Equal(t, []float32{12, 112}, grid.Cell(2, 1))
	require.Equal(t, []float32{23, 123}, grid.Cell(3, 2))
}

func TestExtractConcatenatesLayers(t *testing.T) {
	// conv1 and pool1 have different cell sizes, so concatenating them fails.
	// A net with two same-cell-size layers concatenates in network order.
	net := toyNet()
	x := newTestExtractor(t, net, nil)
	defer x.Close()
	require.NoError(t, x.SetParam("netFile", "net.json"))
	require.NoError(t, x.SetParam("weightsFile", "weights.bin"))
	err := x.SetParam("layerName", "conv1,pool1")
	require.ErrorIs(t, err, ErrConfig)

	// The failed selection must not have clobbered the selection resolved at
	// load time (auto-select picked "conv1", the last convolutional layer)
	require.Equal(t, Size{X: 1, Y: 1}, x.CellSize())
	require.Equal(t, Size{X: 1, Y: 1}, x.BorderSize())
	grid, err := x.Extract(testImage(10, 8))
	require.NoError(t, err)
	require.Equal(t, 2, grid.Channels)
	require.Equal(t, 8, grid.CellsX)
	require.Equal(t, 6, grid.CellsY)
}

func TestExtractIdentityMeanAndOrder(t *testing.T) {
	dir := t.TempDir()
	meanFile := filepath.Join(dir, "mean.txt")
	require.NoError(t, os.WriteFile(meanFile, []byte("10\n20\n30\n"), 0644))

	net := identityNet()
	net.order = cnn.OrderBGR
	x := newTestExtractor(t, net, nil)
	defer x.Close()
	configure(t, x, map[string]string{"layerName": "conv1", "meanFile": meanFile})

	img := testImage(4, 3)
	grid, err := x.Extract(img)
	require.NoError(t, err)
	require.Equal(t, 4, grid.CellsX)
	require.Equal(t, 3, grid.CellsY)
	require.Equal(t, 3, grid.Channels)

	// With a BGR network, plane 0 is blue. Pixel (2,1) is (42, 81, 123),
	// mean (10, 20, 30) in RGB order.
	cell := grid.Cell(2, 1)
	require.InDelta(t, 123-30, cell[0], 1e-4)
	require.InDelta(t, 81-20, cell[1], 1e-4)
	require.InDelta(t, 42-10, cell[2], 1e-4)
}

func TestMaxImgSizeDownscales(t *testing.T) {
	x := newTestExtractor(t, identityNet(), nil)
	defer x.Close()
	configure(t, x, map[string]string{"layerName": "conv1", "maxImgSize": "4"})

	grid, err := x.Extract(testImage(8, 4))
	require.NoError(t, err)
	require.Equal(t, 4, grid.CellsX)
	require.Equal(t, 2, grid.CellsY)

	require.NoError(t, x.SetIntParam("maxImgSize", 0))
	grid, err = x.Extract(testImage(8, 4))
	require.NoError(t, err)
	require.Equal(t, 8, grid.CellsX)
}

func TestUnitConversionRoundTrip(t *testing.T) {
	x := newTestExtractor(t, toyNet(), nil)
	defer x.Close()
	configure(t, x, map[string]string{"layerName": "pool1"})

	for c := 0; c <= 6; c++ {
		cells := Size{X: c, Y: c}
		require.Equal(t, cells, x.PixelsToCells(x.CellsToPixels(cells)))
	}
	border := x.BorderSize()
	for p := 2 * border.X; p <= 40; p++ {
		pixels := Size{X: p, Y: p}
		back := x.CellsToPixels(x.PixelsToCells(pixels))
		require.LessOrEqual(t, back.X, pixels.X)
		require.LessOrEqual(t, back.Y, pixels.Y)
	}
	// Below the border there are no cells
	require.Equal(t, Size{}, x.PixelsToCells(Size{X: 1, Y: 1}))
}

func TestScales(t *testing.T) {
	dir := t.TempDir()
	scalesFile := filepath.Join(dir, "scales.txt")
	require.NoError(t, os.WriteFile(scalesFile, []byte("2\n4\n0\n"), 0644))

	x := newTestExtractor(t, identityNet(), nil)
	defer x.Close()

	// Before layerName (nothing resolved yet): rejected
	require.ErrorIs(t, x.SetParam("scalesFile", scalesFile), ErrConfig)

	configure(t, x, map[string]string{"layerName": "conv1"})
	require.NoError(t, x.SetParam("scalesFile", scalesFile))

	grid, err := x.Extract(testImage(4, 3))
	require.NoError(t, err)
	cell := grid.Cell(2, 1)
	require.InDelta(t, 42.0/2, cell[0], 1e-4)
	require.InDelta(t, 81.0/4, cell[1], 1e-4)
	// A zero observed maximum defines the channel as always zero
	require.Equal(t, float32(0), cell[2])
}

func TestScalesWrongLength(t *testing.T) {
	dir := t.TempDir()
	scalesFile := filepath.Join(dir, "scales.txt")
	require.NoError(t, os.WriteFile(scalesFile, []byte("1\n2\n"), 0644))

	x := newTestExtractor(t, identityNet(), nil)
	defer x.Close()
	configure(t, x, map[string]string{"layerName": "conv1"})
	require.ErrorIs(t, x.SetParam("scalesFile", scalesFile), ErrConfig)
}

func writePCAFile(t *testing.T, filename string, rows, cols int, mean []float32, a []float32) {
	f, err := os.Create(filename)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, binary.Write(f, binary.LittleEndian, []int32{int32(rows), int32(cols)}))
	require.NoError(t, binary.Write(f, binary.LittleEndian, mean))
	require.NoError(t, binary.Write(f, binary.LittleEndian, a))
}

func TestPCA(t *testing.T) {
	dir := t.TempDir()
	pcaFile := filepath.Join(dir, "pca.bin")
	// A is 3x2 row-major: [[1,0],[0,1],[1,1]]
	writePCAFile(t, pcaFile, 3, 2,
		[]float32{1, 2, 3},
		[]float32{1, 0, 0, 1, 1, 1})

	x := newTestExtractor(t, identityNet(), nil)
	defer x.Close()

	require.ErrorIs(t, x.SetParam("pcaFile", pcaFile), ErrConfig)

	configure(t, x, map[string]string{"layerName": "conv1"})
	require.NoError(t, x.SetParam("pcaFile", pcaFile))
	require.Equal(t, 2, x.NumFeatures())

	grid, err := x.Extract(testImage(4, 3))
	require.NoError(t, err)
	require.Equal(t, 2, grid.Channels)

	// Pixel (2,1) preprocesses to c = (42, 81, 123); out = Aᵀ(c - m)
	cell := grid.Cell(2, 1)
	require.InDelta(t, (42-1)+(123-3), cell[0], 1e-3)
	require.InDelta(t, (81-2)+(123-3), cell[1], 1e-3)
}

func TestPCAMalformed(t *testing.T) {
	dir := t.TempDir()
	x := newTestExtractor(t, identityNet(), nil)
	defer x.Close()
	configure(t, x, map[string]string{"layerName": "conv1"})

	truncated := filepath.Join(dir, "truncated.bin")
	require.NoError(t, os.WriteFile(truncated, []byte{1, 2, 3}, 0644))
	require.ErrorIs(t, x.SetParam("pcaFile", truncated), ErrConfig)

	wrongRows := filepath.Join(dir, "wrongrows.bin")
	writePCAFile(t, wrongRows, 2, 2, []float32{1, 2}, []float32{1, 0, 0, 1})
	require.ErrorIs(t, x.SetParam("pcaFile", wrongRows), ErrConfig)

	badLength := filepath.Join(dir, "badlength.bin")
	writePCAFile(t, badLength, 3, 2, []float32{1, 2, 3}, []float32{1, 0, 0})
	require.ErrorIs(t, x.SetParam("pcaFile", badLength), ErrConfig)
}

func TestUnknownParameter(t *testing.T) {
	x := newTestExtractor(t, identityNet(), nil)
	defer x.Close()
	require.ErrorIs(t, x.SetParam("bogus", "1"), ErrUnknownParameter)
	require.ErrorIs(t, x.SetIntParam("bogus", 1), ErrUnknownParameter)
	require.ErrorIs(t, x.SetParam("maxImgSize", "abc"), ErrConfig)
	require.ErrorIs(t, x.SetIntParam("maxImgSize", -1), ErrConfig)
}

func TestLayerChangeDropsScales(t *testing.T) {
	dir := t.TempDir()
	scalesFile := filepath.Join(dir, "scales.txt")
	require.NoError(t, os.WriteFile(scalesFile, []byte("2\n4\n8\n"), 0644))

	// Two conv layers with equal cell size but different channel counts
	net := &stubNet{
		layers: []cnn.LayerInfo{
			{Name: "conv1", Kind: cnn.LayerConv, KernelW: 1, KernelH: 1, StrideW: 1, StrideH: 1, Channels: 3},
			{Name: "conv2", Kind: cnn.LayerConv, KernelW: 1, KernelH: 1, StrideW: 1, StrideH: 1, Channels: 5},
		},
	}
	x := newTestExtractor(t, net, nil)
	defer x.Close()
	configure(t, x, map[string]string{"layerName": "conv1"})
	require.NoError(t, x.SetParam("scalesFile", scalesFile))
	require.NotNil(t, x.scales)

	// Selecting both layers changes the channel count, so the scales no
	// longer apply and are dropped
	require.NoError(t, x.SetParam("layerName", "conv1,conv2"))
	require.Equal(t, 8, x.NumFeatures())
	require.Nil(t, x.scales)
}

func TestLoadFailureKeepsNothing(t *testing.T) {
	x := NewExtractor(logs.NewTestingLog(t))
	x.cache = netcache.NewCache()
	x.loader = func(defPath, weightsPath string) (cnn.Network, error) {
		return nil, os.ErrNotExist
	}
	require.NoError(t, x.SetParam("netFile", "net.json"))
	require.ErrorIs(t, x.SetParam("weightsFile", "weights.bin"), ErrConfig)
	require.Equal(t, 0, x.cache.Len())

	_, err := x.Extract(testImage(4, 4))
	require.ErrorIs(t, err, ErrConfig)
}

func TestExtractorsShareNetwork(t *testing.T) {
	loads := atomic.Int32{}
	cache := netcache.NewCache()
	newShared := func() *Extractor {
		x := newTestExtractor(t, identityNet(), &loads)
		x.cache = cache
		configure(t, x, map[string]string{"layerName": "conv1"})
		return x
	}

	x1 := newShared()
	x2 := newShared()
	require.Equal(t, int32(1), loads.Load(), "identical configuration must share one network")

	x1.Close()
	x2.Close()
	require.Equal(t, 0, cache.Len())

	x3 := newShared()
	defer x3.Close()
	require.Equal(t, int32(2), loads.Load(), "all holders gone, third instance loads fresh")
}

func TestConcurrentExtract(t *testing.T) {
	x := newTestExtractor(t, toyNet(), nil)
	defer x.Close()
	configure(t, x, map[string]string{"layerName": "pool1"})
	require.True(t, x.SupportsMultiThread())

	img := testImage(20, 16)
	want, err := x.Extract(img)
	require.NoError(t, err)

	wg := sync.WaitGroup{}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			grid, err := x.Extract(img)
			require.NoError(t, err)
			require.Equal(t, want.Data, grid.Data)
		}()
	}
	wg.Wait()
}

func TestMeanFromImage(t *testing.T) {
	dir := t.TempDir()
	meanFile := filepath.Join(dir, "mean.jpg")
	meanImg := cimg.NewImage(6, 6, cimg.PixelFormatRGB)
	for i := 0; i < len(meanImg.Pixels); i += 3 {
		meanImg.Pixels[i] = 10
		meanImg.Pixels[i+1] = 20
		meanImg.Pixels[i+2] = 30
	}
	require.NoError(t, meanImg.WriteJPEG(meanFile, cimg.MakeCompressParams(cimg.Sampling444, 99, 0), 0644))

	mean, err := loadMean(meanFile)
	require.NoError(t, err)
	require.NotNil(t, mean.image)
	require.InDelta(t, 10, mean.scalar[0], 2)
	require.InDelta(t, 20, mean.scalar[1], 2)
	require.InDelta(t, 30, mean.scalar[2], 2)

	// A garbage file is neither a triple nor an image
	garbage := filepath.Join(dir, "garbage.bin")
	require.NoError(t, os.WriteFile(garbage, []byte("not a mean\x00\x01"), 0644))
	_, err = loadMean(garbage)
	require.ErrorIs(t, err, ErrConfig)
}

func TestMeanImagePixelAligned(t *testing.T) {
	dir := t.TempDir()
	meanFile := filepath.Join(dir, "mean.jpg")
	// Mean image with the same dimensions as the input: subtraction is
	// pixel-aligned rather than scalar
	meanImg := cimg.NewImage(4, 3, cimg.PixelFormatRGB)
	for i := 0; i < len(meanImg.Pixels); i += 3 {
		meanImg.Pixels[i] = 5
		meanImg.Pixels[i+1] = 10
		meanImg.Pixels[i+2] = 15
	}
	require.NoError(t, meanImg.WriteJPEG(meanFile, cimg.MakeCompressParams(cimg.Sampling444, 99, 0), 0644))

	x := newTestExtractor(t, identityNet(), nil)
	defer x.Close()
	configure(t, x, map[string]string{"layerName": "conv1", "meanFile": meanFile})

	grid, err := x.Extract(testImage(4, 3))
	require.NoError(t, err)
	cell := grid.Cell(2, 1)
	require.InDelta(t, 42-5, cell[0], 2)
	require.InDelta(t, 81-10, cell[1], 2)
	require.InDelta(t, 123-15, cell[2], 2)
}

func TestSaveGridPNG(t *testing.T) {
	grid := NewFeatureGrid(4, 3, 2)
	for i := range grid.Data {
		grid.Data[i] = float32(math.Sin(float64(i)))
	}
	filename := filepath.Join(t.TempDir(), "grid.png")
	require.NoError(t, SaveGridPNG(grid, filename, 8))
	info, err := os.Stat(filename)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}
