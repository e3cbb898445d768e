package relay

import (
	"errors"
	"sync/atomic"
)

var errNoFullscreen = errors.New("display does not support fullscreen")

// Display is the presentation host of one relay: the viewers' screen, as far
// as the server can tell. Fullscreen is a flag the viewers poll through the
// session snapshot.
type Display struct {
	supported  bool
	fullscreen atomic.Bool
}

// NewDisplay creates a display that honours fullscreen requests only when
// supported is set.
func NewDisplay(supported bool) *Display {
	return &Display{supported: supported}
}

// FullscreenSupported answers the capability probe.
func (d *Display) FullscreenSupported() bool {
	return d.supported
}

// ToggleFullscreen flips the flag and returns the new state.
func (d *Display) ToggleFullscreen() (bool, error) {
	if !d.supported {
		return false, errNoFullscreen
	}
	for {
		cur := d.fullscreen.Load()
		if d.fullscreen.CompareAndSwap(cur, !cur) {
			return !cur, nil
		}
	}
}

// Fullscreen reports the current state.
func (d *Display) Fullscreen() bool {
	return d.fullscreen.Load()
}
