package zerohead

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/zerohead/models/postprocess"
)

var (
	// ErrShapeMismatch reports a tensor whose dimensions violate a documented contract.
	ErrShapeMismatch = postprocess.ErrShapeMismatch
	// ErrInvalidConfig reports an inconsistent head configuration.
	ErrInvalidConfig = errors.New("invalid head config")
	// ErrNMSDisabled is returned by Predict when the head is configured for raw outputs.
	ErrNMSDisabled = errors.New("nms disabled; use Decode for raw outputs")
)

func shapeErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrShapeMismatch, format, args...)
}
