// Package faults defines the error taxonomy shared by the registries, the
// provisioners and the lifecycle controller. Packages wrap these sentinels
// with context; the controller collapses all of them into a single failure
// token on the wire.
package faults

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrAlreadyRunning = errors.New("already running")
	ErrInvalidConfig  = errors.New("invalid config")
	ErrInvalidFormat  = errors.New("invalid format")
	ErrInvalidState   = errors.New("invalid state")
	ErrResource       = errors.New("resource error")
	ErrBackend        = errors.New("backend error")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrNotFound, "NotFound"},
	{ErrAlreadyExists, "AlreadyExists"},
	{ErrAlreadyRunning, "AlreadyRunning"},
	{ErrInvalidConfig, "InvalidConfig"},
	{ErrInvalidFormat, "InvalidFormat"},
	{ErrInvalidState, "InvalidState"},
	{ErrResource, "ResourceError"},
	{ErrBackend, "BackendError"},
}

// KindOf names the taxonomy entry err belongs to, or "Unknown".
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Unknown"
}
