package posegraph

import "github.com/pkg/errors"

var (
	// ErrNotFound is returned by lookups that miss, e.g. no key within the
	// requested time threshold.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyInitialized is returned when Initialize is called twice.
	ErrAlreadyInitialized = errors.New("graph already initialized")

	// ErrUnknownKey is returned when a factor references a key with no node.
	ErrUnknownKey = errors.New("factor references unknown key")

	// ErrDuplicateFactor is returned when a prior/odom/between factor would
	// duplicate an existing (from, to, type) triple.
	ErrDuplicateFactor = errors.New("duplicate factor")

	// ErrChainBroken is returned when an odometry factor would break the
	// simple-path invariant of a robot's spine.
	ErrChainBroken = errors.New("odometry chain broken")

	// ErrCorruptArchive is returned by Load on version mismatch, malformed
	// contents, or a missing keyed scan.
	ErrCorruptArchive = errors.New("corrupt archive")
)
