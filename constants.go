package tsbuild

import "github.com/ehrlich-b/go-tsbuild/internal/constants"

// Re-exported constants for the public API, so callers configuring
// InputConfig/ComputeConfig don't need to import internal/constants
// themselves.
const (
	DefaultTimesliceSize      = constants.DefaultTimesliceSize
	DefaultOverlapSize        = constants.DefaultOverlapSize
	DefaultProcessorInstances = constants.DefaultProcessorInstances
	DefaultBasePort           = constants.DefaultBasePort
	MinDataBufferSizeExp      = constants.MinDataBufferSizeExp
	MaxDataBufferSizeExp      = constants.MaxDataBufferSizeExp
	AutoAssign                = constants.AutoAssign
)
