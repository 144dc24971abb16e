package errors

import "errors"

var (
	// Configuration errors
	ErrInvalidDimension  = errors.New("invalid vector dimension")
	ErrUnsupportedMetric = errors.New("unsupported distance metric")
	ErrInvalidPath       = errors.New("invalid index path")

	// Index lifecycle errors
	ErrDimensionMismatch   = errors.New("vector dimension mismatch")
	ErrOutOfOrderInsertion = errors.New("out of order insertion")
	ErrEmptyIndex          = errors.New("index is empty")
	ErrAlreadyBuilt        = errors.New("index already built")
	ErrNotBuilt            = errors.New("index not built")
	ErrInvalidState        = errors.New("invalid index state")

	// Persistence errors
	ErrMissingIndexFile   = errors.New("index file not found")
	ErrMissingLabelFile   = errors.New("label file not found")
	ErrLabelCountMismatch = errors.New("label count does not match index size")
	ErrChecksumMismatch   = errors.New("artifact checksum mismatch")
	ErrIncompatibleIndex  = errors.New("incompatible index file")

	// Record store errors
	ErrInvalidRecord = errors.New("invalid record")

	// Artifact errors
	ErrArtifactNotFound = errors.New("artifact not found")
)
