package session

import "fmt"

// Status is the lifecycle state of a playback session.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusPlaying
	StatusPaused
	StatusRecovering
	StatusFailed
	StatusEnded
)

var statusNames = [...]string{
	StatusIdle:       "idle",
	StatusLoading:    "loading",
	StatusPlaying:    "playing",
	StatusPaused:     "paused",
	StatusRecovering: "recovering",
	StatusFailed:     "failed",
	StatusEnded:      "ended",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText renders the status by name in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if name == string(text) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// HoldsDecoder reports whether a session in this status owns a decoder.
func (s Status) HoldsDecoder() bool {
	switch s {
	case StatusLoading, StatusPlaying, StatusPaused, StatusRecovering:
		return true
	}
	return false
}

// Active reports whether playback controls (toggle, seek) apply.
func (s Status) Active() bool {
	return s == StatusPlaying || s == StatusPaused
}
