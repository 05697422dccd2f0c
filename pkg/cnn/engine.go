package cnn

import (
	"fmt"
	"strings"
	"sync"
)

// Engine is an inference engine binding that can load networks from disk.
// Bindings register themselves in an init() with RegisterEngine, so that
// linking a binding into a binary is all that's needed to enable it.
type Engine interface {
	// CanLoad reports whether this engine recognizes the given file pair.
	CanLoad(defPath, weightsPath string) bool

	// Load loads the network definition and weights, ready for Forward.
	Load(defPath, weightsPath string) (Network, error)
}

var (
	enginesLock sync.Mutex
	engines     []Engine
)

func RegisterEngine(e Engine) {
	enginesLock.Lock()
	defer enginesLock.Unlock()
	engines = append(engines, e)
}

// LoadNetwork loads a network using the first registered engine that
// recognizes the file pair. If no engine claims it and the definition is a
// JSON structure file, we return a StaticNetwork, which supports geometry
// analysis but not inference.
func LoadNetwork(defPath, weightsPath string) (Network, error) {
	enginesLock.Lock()
	candidates := make([]Engine, len(engines))
	copy(candidates, engines)
	enginesLock.Unlock()

	for _, e := range candidates {
		if e.CanLoad(defPath, weightsPath) {
			return e.Load(defPath, weightsPath)
		}
	}
	if strings.HasSuffix(strings.ToLower(defPath), ".json") {
		return LoadDefinition(defPath)
	}
	return nil, fmt.Errorf("no inference engine recognizes network '%v'", defPath)
}
