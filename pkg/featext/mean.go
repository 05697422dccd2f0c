package featext

import (
	"os"
	"strconv"
	"strings"

	"github.com/bmharper/cimg/v2"
)

// channelMean is the mean subtracted from input pixels before inference.
// The scalar triple is always populated, in R,G,B order. If the mean file was
// a full mean image, the image is kept too, and preprocessing subtracts it
// pixel-aligned whenever its dimensions match the (possibly downsized) input.
type channelMean struct {
	scalar [3]float32
	image  *cimg.Image
}

// loadMean loads a channel mean from either a plain text file with 3 values
// (one per channel, R G B), or any decodable image file, whose channel-wise
// average becomes the scalar triple.
func loadMean(filename string) (*channelMean, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, configErrorf("failed to read mean file '%v': %v", filename, err)
	}

	// A per-channel triple is exactly 3 numeric tokens
	fields := strings.Fields(string(b))
	if len(fields) == 3 {
		mean := &channelMean{}
		ok := true
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 32)
			if err != nil {
				ok = false
				break
			}
			mean.scalar[i] = float32(v)
		}
		if ok {
			return mean, nil
		}
	}

	img, err := cimg.ReadFile(filename)
	if err != nil {
		return nil, configErrorf("mean file '%v' is neither a 3-value text file nor a decodable image: %v", filename, err)
	}
	if img.NChan() < 3 {
		return nil, configErrorf("mean image '%v' has %v channels, expected at least 3", filename, img.NChan())
	}
	mean := &channelMean{image: img}
	mean.scalar = averageChannels(img)
	return mean, nil
}

func averageChannels(img *cimg.Image) [3]float32 {
	sum := [3]float64{}
	nchan := img.NChan()
	for y := 0; y < img.Height; y++ {
		row := img.Pixels[y*img.Stride:]
		for x := 0; x < img.Width; x++ {
			sum[0] += float64(row[x*nchan])
			sum[1] += float64(row[x*nchan+1])
			sum[2] += float64(row[x*nchan+2])
		}
	}
	npix := float64(img.Width * img.Height)
	return [3]float32{
		float32(sum[0] / npix),
		float32(sum[1] / npix),
		float32(sum[2] / npix),
	}
}
