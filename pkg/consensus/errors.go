package consensus

import "errors"

var (
	// ErrInvalidConfig is returned by New when the configuration is unusable.
	ErrInvalidConfig = errors.New("consensus: invalid configuration")

	// ErrCommittedTruncation marks an attempt to overwrite a committed
	// entry. It indicates a broken leader and is only ever logged.
	ErrCommittedTruncation = errors.New("consensus: refusing to truncate committed entries")
)
