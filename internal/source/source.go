// Package source provides the line-oriented inputs of the ingestion loop.
package source

import "errors"

var (
	// ErrPortUnavailable is returned by Open when the port cannot be opened.
	ErrPortUnavailable = errors.New("source: port unavailable")
	// ErrPortClosed is returned by ReadLine when the port fails mid-session.
	ErrPortClosed = errors.New("source: port closed")
)

// LineSource is the interface all inputs implement.
type LineSource interface {
	// Name returns a human-readable description.
	Name() string
	// Open acquires the underlying device.
	Open() error
	// ReadLine blocks for at most one read timeout. It returns ("", nil) when
	// no complete line arrived in time.
	ReadLine() (string, error)
	// Close releases the device. It is safe to call more than once.
	Close() error
}

// IsNull reports whether port names the "no hardware" sentinel.
func IsNull(port string) bool {
	return port == "" || port == "null" || port == "synthetic"
}
