package featext

import (
	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/featex/pkg/cnn"
)

// prepare converts an image into the network's input tensor: optional
// aspect-preserving downsize to maxImgSize, mean subtraction, and channel
// reordering into planar float32.
// Returns the (possibly downsized) image too, so callers know the pixel
// dimensions the feature grid corresponds to.
func (x *Extractor) prepare(img *cimg.Image, net cnn.Network, allowResize bool) (*cimg.Image, *cnn.Tensor, error) {
	if img.NChan() != 3 {
		return nil, nil, configErrorf("expected a 3 channel image, got %v channels", img.NChan())
	}
	if net.InputChannels() != 3 {
		return nil, nil, configErrorf("network expects %v input channels, only 3 channel input is supported", net.InputChannels())
	}

	if allowResize && x.maxImgSize > 0 && max(img.Width, img.Height) > x.maxImgSize {
		var newWidth, newHeight int
		if img.Width >= img.Height {
			newWidth = x.maxImgSize
			newHeight = int(float64(img.Height)*float64(x.maxImgSize)/float64(img.Width) + 0.5)
		} else {
			newHeight = x.maxImgSize
			newWidth = int(float64(img.Width)*float64(x.maxImgSize)/float64(img.Height) + 0.5)
		}
		img = cimg.ResizeNew(img, newWidth, newHeight, nil)
	}

	input := cnn.NewTensor(3, img.Height, img.Width)

	// plane[c] is the tensor plane that receives image channel c (R,G,B)
	plane := [3]int{0, 1, 2}
	if net.ChannelOrder() == cnn.OrderBGR {
		plane = [3]int{2, 1, 0}
	}

	meanImage := x.mean != nil && x.mean.image != nil &&
		x.mean.image.Width == img.Width && x.mean.image.Height == img.Height
	var scalar [3]float32
	if x.mean != nil {
		scalar = x.mean.scalar
	}

	nchan := img.NChan()
	for y := 0; y < img.Height; y++ {
		row := img.Pixels[y*img.Stride:]
		var meanRow []byte
		var meanChan int
		if meanImage {
			meanRow = x.mean.image.Pixels[y*x.mean.image.Stride:]
			meanChan = x.mean.image.NChan()
		}
		for x2 := 0; x2 < img.Width; x2++ {
			for c := 0; c < 3; c++ {
				v := float32(row[x2*nchan+c])
				if meanImage {
					v -= float32(meanRow[x2*meanChan+c])
				} else {
					v -= scalar[c]
				}
				input.Set(plane[c], y, x2, v)
			}
		}
	}
	return img, input, nil
}
