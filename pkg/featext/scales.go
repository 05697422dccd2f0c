package featext

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// loadScales loads the per-channel maximum magnitudes used to normalize raw
// activations into [-1, 1]. The file is plain text, one value per line, and
// must contain exactly nChannels values. A value of 0 marks a channel whose
// observed maximum was zero; scaling pins such channels to 0.
func loadScales(filename string, nChannels int) ([]float32, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, configErrorf("failed to read scales file '%v': %v", filename, err)
	}
	defer f.Close()
	scales := []float32{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 32)
		if err != nil {
			return nil, configErrorf("invalid value %q in scales file '%v'", line, filename)
		}
		scales = append(scales, float32(v))
	}
	if err := scanner.Err(); err != nil {
		return nil, configErrorf("failed to read scales file '%v': %v", filename, err)
	}
	if len(scales) != nChannels {
		return nil, configErrorf("scales file '%v' has %v values, but the selected layers have %v output channels", filename, len(scales), nChannels)
	}
	return scales, nil
}
