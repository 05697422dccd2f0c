package cnn

import (
	"errors"
)

// Package cnn is the interface layer between feature extraction code and a
// CNN inference engine. It defines the structural view of a network (layer
// list with kernel/stride/padding/channel parameters) and the minimal runtime
// surface that an engine binding must provide (a forward pass that yields the
// activation tensors of requested layers).
// Engine bindings register themselves with RegisterEngine.

// Returned by Forward on networks that carry structure but no weights.
var ErrNoForward = errors.New("network has no inference engine attached")

// LayerKind classifies a layer for geometry purposes. Anything that is not a
// convolution or a pooling layer is geometrically an identity (kernel 1,
// stride 1, no padding). Fully-connected layers are distinguished only so
// that automatic layer selection can stop in front of the classifier head.
type LayerKind int

const (
	LayerOther LayerKind = iota
	LayerConv
	LayerPool
	LayerInnerProduct
)

func (k LayerKind) String() string {
	switch k {
	case LayerConv:
		return "conv"
	case LayerPool:
		return "pool"
	case LayerInnerProduct:
		return "fc"
	default:
		return "other"
	}
}

// LayerInfo holds the static structural parameters of one layer.
type LayerInfo struct {
	Name     string
	Kind     LayerKind
	KernelW  int
	KernelH  int
	StrideW  int
	StrideH  int
	PadW     int
	PadH     int
	Channels int // Number of output channels of this layer
}

// ChannelOrder is the order in which a network expects its input planes.
type ChannelOrder int

const (
	OrderRGB ChannelOrder = iota
	OrderBGR
)

// Network is a loaded CNN.
// The structural metadata (Layers, InputChannels, ChannelOrder) is immutable
// after load and safe for concurrent reads. Whether Forward may be called
// concurrently on one shared network is engine-specific and reported by
// ConcurrentForward.
type Network interface {
	// Layers returns the layer list in topological order, input first.
	Layers() []LayerInfo

	// InputChannels returns the number of input image channels (eg 3 for RGB).
	InputChannels() int

	// ChannelOrder returns the plane order expected in the input tensor.
	ChannelOrder() ChannelOrder

	// Forward runs one forward pass on the prepared input tensor, and returns
	// the activation tensor of each requested layer, in the same order.
	// Layer indices refer to the slice returned by Layers.
	Forward(input *Tensor, layers []int) ([]*Tensor, error)

	// ConcurrentForward returns true if Forward is safe to call from multiple
	// goroutines on this network.
	ConcurrentForward() bool

	// Close releases engine resources. The netcache package calls this when
	// the last holder of a shared network releases it.
	Close() error
}
