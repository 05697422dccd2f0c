package featext

import (
	"errors"
	"fmt"
)

// ErrConfig is the root of all configuration failures: missing or invalid
// required parameters, inconsistent layer selections, malformed or
// wrong-length scale/PCA/mean files. Check with errors.Is.
var ErrConfig = errors.New("invalid configuration")

// ErrUnknownParameter is returned by SetParam/SetIntParam for parameter names
// that are not recognized. Already-applied configuration is unaffected.
var ErrUnknownParameter = errors.New("unknown parameter")

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %v", ErrConfig, fmt.Sprintf(format, args...))
}

func configUnknownParam(name string) error {
	return fmt.Errorf("%w: %q", ErrUnknownParameter, name)
}
