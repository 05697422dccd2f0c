package featext

import (
	"github.com/bmharper/cimg/v2"
	"github.com/bmharper/tiledinference"
)

// ExtractTiled extracts features from an image that exceeds maxImgSize by
// splitting it into overlapping tiles, extracting each tile at full
// resolution, and stitching the per-tile grids into one FeatureGrid. This
// trades multiple forward passes for avoiding the downsizing that a plain
// Extract would apply.
//
// Tiles overlap by at least 2x the border size, so every interior cell is
// produced by a tile in which its receptive field is fully present. If the
// image fits within maxImgSize (or maxImgSize is 0), this is equivalent to
// Extract.
//
// nThreads tiles are processed in parallel. If the inference engine does not
// support concurrent forward passes, processing is serialized regardless.
func (x *Extractor) ExtractTiled(img *cimg.Image, nThreads int) (*FeatureGrid, error) {
	if x.handle == nil {
		return nil, configErrorf("netFile and weightsFile must be set before extraction")
	}
	if len(x.geom) == 0 {
		return nil, configErrorf("no extraction layers are resolved")
	}
	if x.maxImgSize == 0 || max(img.Width, img.Height) <= x.maxImgSize {
		return x.Extract(img)
	}

	cell := x.cellSize
	border := x.borderSize
	minPadding := 2*max(border.X, border.Y) + max(cell.X, cell.Y)
	// Leave one cell of headroom, since tile origins get aligned down to the
	// cell grid below, which can grow a tile by up to cell-1 pixels.
	tileSize := x.maxImgSize - max(cell.X, cell.Y)
	if tileSize <= minPadding {
		return nil, configErrorf("maxImgSize %v is too small to tile with cell %v and border %v", x.maxImgSize, cell, border)
	}
	tiling := tiledinference.MakeTiling(img.Width, img.Height, tileSize, tileSize, minPadding)
	if tiling.IsSingle() {
		return x.Extract(img)
	}

	globalCells := x.PixelsToCells(Size{X: img.Width, Y: img.Height})
	grid := NewFeatureGrid(globalCells.X, globalCells.Y, x.numFeatures())

	type tileJob struct {
		tx, ty int
	}
	type tileResult struct {
		grid *FeatureGrid
		gx0  int // global cell coordinates of the tile's first cell
		gy0  int
	}

	numTiles := tiling.NumX * tiling.NumY
	jobs := make(chan tileJob, numTiles)
	for ty := 0; ty < tiling.NumY; ty++ {
		for tx := 0; tx < tiling.NumX; tx++ {
			jobs <- tileJob{tx: tx, ty: ty}
		}
	}
	results := make([]*tileResult, numTiles)

	if !x.SupportsMultiThread() {
		nThreads = 1
	}
	nThreads = max(1, min(nThreads, numTiles))

	workerDone := make(chan error, nThreads)
	worker := func() {
		for {
			select {
			case job := <-jobs:
				r := tiling.TileRect(job.tx, job.ty)
				// Align the tile origin down to the cell grid, so that the
				// tile's cells land exactly on global cell positions
				x1 := int(r.X1) / cell.X * cell.X
				y1 := int(r.Y1) / cell.Y * cell.Y
				x2 := min(int(r.X2), img.Width)
				y2 := min(int(r.Y2), img.Height)
				tileImg := cimg.NewImage(x2-x1, y2-y1, cimg.PixelFormatRGB)
				tileImg.CopyImageRect(img, x1, y1, x2, y2, 0, 0)
				tileGrid, err := x.extract(tileImg, false)
				if err != nil {
					workerDone <- err
					return
				}
				results[job.ty*tiling.NumX+job.tx] = &tileResult{
					grid: tileGrid,
					gx0:  x1 / cell.X,
					gy0:  y1 / cell.Y,
				}
			default:
				workerDone <- nil
				return
			}
		}
	}
	for i := 0; i < nThreads; i++ {
		go worker()
	}
	var firstError error
	for i := 0; i < nThreads; i++ {
		if err := <-workerDone; err != nil && firstError == nil {
			firstError = err
		}
	}
	if firstError != nil {
		return nil, firstError
	}

	// Stitch. Overlapping cells are written more than once with (up to engine
	// edge effects) identical values, so later tiles simply overwrite.
	for _, res := range results {
		if res == nil {
			continue
		}
		for cy := 0; cy < res.grid.CellsY; cy++ {
			gy := res.gy0 + cy
			if gy >= grid.CellsY {
				break
			}
			for cx := 0; cx < res.grid.CellsX; cx++ {
				gx := res.gx0 + cx
				if gx >= grid.CellsX {
					break
				}
				copy(grid.Cell(gx, gy), res.grid.Cell(cx, cy))
			}
		}
	}
	return grid, nil
}
