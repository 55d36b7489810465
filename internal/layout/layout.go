// Package layout fixes the shared directory-tree contract the stages
// communicate through. Every stage reads and writes these names; changing
// one is a pipeline-wide migration.
package layout

import "path/filepath"

// Subdirectory names inside a dataset directory.
const (
	// FramesDir holds the normalized raw frames.
	FramesDir = "Frames"
	// AlignedDir holds motion-corrected tilt series and everything
	// downstream of them.
	AlignedDir = "Aligned"
	// ThumbsDir holds QC thumbnails of aligned stacks.
	ThumbsDir = "alignedJPG"
	// ProcessedDir holds raw input consumed by motion correction.
	ProcessedDir = "Processed"
	// DoneDir holds units that finished archival transfer.
	DoneDir = "Done"
)

// ArchiveFramesDir is the raw-frames subdirectory inside an archived
// dataset.
const ArchiveFramesDir = "Frames"

// Frames returns the dataset's raw-frames directory.
func Frames(datasetDir string) string {
	return filepath.Join(datasetDir, FramesDir)
}

// Aligned returns the dataset's motion-correction output directory.
func Aligned(datasetDir string) string {
	return filepath.Join(datasetDir, AlignedDir)
}

// Thumbs returns the QC thumbnail directory.
func Thumbs(datasetDir string) string {
	return filepath.Join(datasetDir, AlignedDir, ThumbsDir)
}

// Processed returns the consumed-raw-input directory.
func Processed(datasetDir string) string {
	return filepath.Join(datasetDir, AlignedDir, ProcessedDir)
}

// Done returns the directory finished units are relocated into.
func Done(datasetDir string) string {
	return filepath.Join(datasetDir, AlignedDir, DoneDir)
}

// Archive returns the archival destination for a durable dataset ID.
func Archive(archiveRoot, durableID string) string {
	return filepath.Join(archiveRoot, durableID)
}

// ArchiveFrames returns the raw-frames destination inside an archive.
func ArchiveFrames(archiveRoot, durableID string) string {
	return filepath.Join(archiveRoot, durableID, ArchiveFramesDir)
}
