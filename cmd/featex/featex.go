package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/featex/pkg/cnn"
	"github.com/cyclopcam/featex/pkg/featext"
	"github.com/cyclopcam/logs"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("featex", "Extract dense CNN features from an image")
	netFile := parser.String("n", "net", &argparse.Options{Help: "Network structure definition file", Required: true})
	weightsFile := parser.String("w", "weights", &argparse.Options{Help: "Pre-trained weights file", Required: false, Default: ""})
	layers := parser.String("l", "layers", &argparse.Options{Help: "Comma-separated layer names to extract from (empty = auto-select)", Required: false, Default: ""})
	meanFile := parser.String("", "mean", &argparse.Options{Help: "Mean file (3-value text file or mean image)", Required: false, Default: ""})
	scalesFile := parser.String("", "scales", &argparse.Options{Help: "Per-channel maxima file for scaling to [-1,1]", Required: false, Default: ""})
	pcaFile := parser.String("", "pca", &argparse.Options{Help: "Binary PCA mean+matrix file", Required: false, Default: ""})
	maxSize := parser.Int("", "maxsize", &argparse.Options{Help: "Maximum size of the larger image dimension, 0 = unlimited", Required: false, Default: 0})
	image := parser.String("i", "image", &argparse.Options{Help: "Input image. If omitted, print the network's geometry and exit", Required: false, Default: ""})
	output := parser.String("o", "output", &argparse.Options{Help: "Output feature file (int32 cellsY,cellsX,channels header + float32 data, little endian)", Required: false, Default: ""})
	viz := parser.String("", "viz", &argparse.Options{Help: "Write a per-cell activation heatmap PNG", Required: false, Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, _ := logs.NewLog()

	if *image == "" {
		// Geometry-only mode works from the structure definition alone
		net, err := cnn.LoadNetwork(*netFile, *weightsFile)
		check(err)
		defer net.Close()
		geom, err := featext.ComputeGeometry(net, featext.SplitLayerNames(*layers), logger)
		check(err)
		fmt.Printf("%-20v %6v %12v %12v %9v\n", "layer", "index", "cell", "border", "channels")
		for _, g := range geom {
			fmt.Printf("%-20v %6v %6v,%-5v %6v,%-5v %9v\n", g.Name, g.Index, g.Cell.X, g.Cell.Y, g.Border.X, g.Border.Y, g.Channels)
		}
		return
	}

	x := featext.NewExtractor(logger)
	defer x.Close()
	check(x.SetParam("netFile", *netFile))
	check(x.SetParam("weightsFile", *weightsFile))
	check(x.SetIntParam("maxImgSize", *maxSize))
	check(x.SetParam("layerName", *layers))
	if *meanFile != "" {
		check(x.SetParam("meanFile", *meanFile))
	}
	if *scalesFile != "" {
		check(x.SetParam("scalesFile", *scalesFile))
	}
	if *pcaFile != "" {
		check(x.SetParam("pcaFile", *pcaFile))
	}

	img, err := cimg.ReadFile(*image)
	check(err)

	grid, err := x.Extract(img)
	check(err)
	logger.Infof("Extracted %vx%v cells, %v features per cell (cell size %v,%v, border %v,%v)",
		grid.CellsX, grid.CellsY, grid.Channels,
		x.CellSize().X, x.CellSize().Y, x.BorderSize().X, x.BorderSize().Y)

	if *output != "" {
		check(writeGrid(grid, *output))
	}
	if *viz != "" {
		check(featext.SaveGridPNG(grid, *viz, 8))
	}
}

func writeGrid(grid *featext.FeatureGrid, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	header := []int32{int32(grid.CellsY), int32(grid.CellsX), int32(grid.Channels)}
	if err := binary.Write(f, binary.LittleEndian, header); err != nil {
		return err
	}
	return binary.Write(f, binary.LittleEndian, grid.Data)
}
