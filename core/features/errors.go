package features

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument classifies caller mistakes such as a nil kind
	ErrInvalidArgument = errors.New("features: invalid argument")

	// ErrInvalidOperation classifies calls made in the wrong lifecycle phase
	ErrInvalidOperation = errors.New("features: invalid operation")

	// ErrNilKind is returned when a nil kind is used as a key
	ErrNilKind = fmt.Errorf("%w: nil capability kind", ErrInvalidArgument)
)
