package connector

import (
	"fmt"

	"github.com/3leaps/tunedispatch/pkg/provider"
)

// UnsupportedError reports an operation outside the connector's capability
// set. It matches provider.ErrUnsupported with errors.Is.
type UnsupportedError struct {
	Op         string
	Kind       provider.ProviderType
	Capability provider.Capability
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("%s connector does not support %s (requires %s capability)", e.Kind, e.Op, e.Capability)
}

func (e *UnsupportedError) Unwrap() error {
	return provider.ErrUnsupported
}
