package remap

import "github.com/behrlich/go-remap/internal/constants"

// Re-export constants for public API
const (
	DefaultSectorSize           = constants.DefaultSectorSize
	DefaultSpareOverheadPercent = constants.DefaultSpareOverheadPercent
	DefaultConfidenceThreshold  = constants.DefaultConfidenceThreshold

	// DataRegionStart is the first spare sector available for
	// relocated data; everything below it holds metadata copies.
	DataRegionStart = constants.DataRegionStart

	// MetadataCopies is the number of redundant metadata copies kept
	// on the spare.
	MetadataCopies = constants.MetadataCopies
)
