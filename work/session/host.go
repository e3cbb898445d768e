package session

// Presentation is the host surface that can switch the output to fullscreen.
type Presentation interface {
	ToggleFullscreen() (bool, error)
}

// Capabilities records what the host supports. It is probed once at startup
// and handed to every controller.
type Capabilities struct {
	Fullscreen bool
}

// ProbeCapabilities inspects a presentation host. Hosts may opt out of
// fullscreen by implementing FullscreenSupported.
func ProbeCapabilities(p Presentation) Capabilities {
	if p == nil {
		return Capabilities{}
	}
	if probe, ok := p.(interface{ FullscreenSupported() bool }); ok {
		return Capabilities{Fullscreen: probe.FullscreenSupported()}
	}
	return Capabilities{Fullscreen: true}
}
