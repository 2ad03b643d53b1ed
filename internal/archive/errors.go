package archive

import "errors"

var (
	// ErrFinalized is returned when writing to an archive after Finalize.
	ErrFinalized = errors.New("archive already finalized")

	// ErrEntryTimeout is returned when an entry's deadline expires before
	// its source reaches EOF. The partial entry is finalized and the
	// archive remains valid.
	ErrEntryTimeout = errors.New("archive entry deadline exceeded")

	// ErrEmptyEntryName is returned when an entry is added with no name.
	ErrEmptyEntryName = errors.New("archive entry name is empty")
)
