package cnn

// Tensor is a planar float32 activation or input buffer, laid out
// channel-major: Data[c*Height*Width + y*Width + x].
type Tensor struct {
	Channels int
	Height   int
	Width    int
	Data     []float32
}

func NewTensor(channels, height, width int) *Tensor {
	return &Tensor{
		Channels: channels,
		Height:   height,
		Width:    width,
		Data:     make([]float32, channels*height*width),
	}
}

func (t *Tensor) At(c, y, x int) float32 {
	return t.Data[(c*t.Height+y)*t.Width+x]
}

func (t *Tensor) Set(c, y, x int, v float32) {
	t.Data[(c*t.Height+y)*t.Width+x] = v
}

// Channel returns the plane of channel c as a slice of Height*Width values.
func (t *Tensor) Channel(c int) []float32 {
	plane := t.Height * t.Width
	return t.Data[c*plane : (c+1)*plane]
}
