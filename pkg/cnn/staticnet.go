package cnn

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// StaticNetwork is a Network built from a JSON structure definition alone,
// without weights or an inference engine. It supports every structural query
// (and therefore all geometry analysis), but Forward fails with ErrNoForward.
// Engine bindings typically parse the same definition to describe their layer
// graph, and test code embeds a StaticNetwork and overrides Forward.
type StaticNetwork struct {
	layers        []LayerInfo
	inputChannels int
	order         ChannelOrder
}

// JSON definition of a network's structure. Kernel/stride/pad are square by
// default; the *H variants override the vertical value when present.
type networkDef struct {
	Name          string     `json:"name"`
	InputChannels int        `json:"inputChannels"`
	ChannelOrder  string     `json:"channelOrder"` // "rgb" (default) or "bgr"
	Layers        []layerDef `json:"layers"`
}

type layerDef struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Kernel   int    `json:"kernel,omitempty"`
	KernelH  int    `json:"kernelH,omitempty"`
	Stride   int    `json:"stride,omitempty"`
	StrideH  int    `json:"strideH,omitempty"`
	Pad      int    `json:"pad,omitempty"`
	PadH     int    `json:"padH,omitempty"`
	Channels int    `json:"channels,omitempty"`
}

// ParseDefinition parses a JSON network structure definition.
func ParseDefinition(b []byte) (*StaticNetwork, error) {
	def := networkDef{}
	if err := json.Unmarshal(b, &def); err != nil {
		return nil, fmt.Errorf("invalid network definition: %w", err)
	}
	if len(def.Layers) == 0 {
		return nil, fmt.Errorf("network definition has no layers")
	}
	net := &StaticNetwork{
		inputChannels: def.InputChannels,
	}
	if net.inputChannels == 0 {
		net.inputChannels = 3
	}
	switch strings.ToLower(def.ChannelOrder) {
	case "", "rgb":
		net.order = OrderRGB
	case "bgr":
		net.order = OrderBGR
	default:
		return nil, fmt.Errorf("invalid channel order %q", def.ChannelOrder)
	}
	for i, l := range def.Layers {
		if l.Name == "" {
			return nil, fmt.Errorf("layer %v has no name", i)
		}
		net.layers = append(net.layers, l.toInfo())
	}
	return net, nil
}

// LoadDefinition reads and parses a JSON network structure definition file.
func LoadDefinition(filename string) (*StaticNetwork, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseDefinition(b)
}

func (l *layerDef) toInfo() LayerInfo {
	info := LayerInfo{
		Name:     l.Name,
		Kind:     parseLayerKind(l.Type),
		KernelW:  l.Kernel,
		KernelH:  l.KernelH,
		StrideW:  l.Stride,
		StrideH:  l.StrideH,
		PadW:     l.Pad,
		PadH:     l.PadH,
		Channels: l.Channels,
	}
	// Square shorthand, and identity defaults for anything unset
	if info.KernelW == 0 {
		info.KernelW = 1
	}
	if info.KernelH == 0 {
		info.KernelH = info.KernelW
	}
	if info.StrideW == 0 {
		info.StrideW = 1
	}
	if info.StrideH == 0 {
		info.StrideH = info.StrideW
	}
	if info.PadH == 0 {
		info.PadH = info.PadW
	}
	return info
}

// Unknown layer types are not an error. They become LayerOther, which is
// geometrically an identity.
func parseLayerKind(t string) LayerKind {
	switch strings.ToLower(t) {
	case "conv", "convolution":
		return LayerConv
	case "pool", "pooling":
		return LayerPool
	case "fc", "innerproduct", "inner_product":
		return LayerInnerProduct
	default:
		return LayerOther
	}
}

func (n *StaticNetwork) Layers() []LayerInfo {
	return n.layers
}

func (n *StaticNetwork) InputChannels() int {
	return n.inputChannels
}

func (n *StaticNetwork) ChannelOrder() ChannelOrder {
	return n.order
}

func (n *StaticNetwork) Forward(input *Tensor, layers []int) ([]*Tensor, error) {
	return nil, ErrNoForward
}

func (n *StaticNetwork) ConcurrentForward() bool {
	return false
}

func (n *StaticNetwork) Close() error {
	return nil
}
