package session

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the controller.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindInvalidInput
	KindInvalidState
	KindTransientDecoder
	KindSourceExhausted
	KindUnstablePlayback
	KindUnsupportedOperation
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidState         = errors.New("operation not valid in current state")
	ErrTransientDecoder     = errors.New("transient decoder error")
	ErrSourceExhausted      = errors.New("could not load any stream")
	ErrUnstablePlayback     = errors.New("stream too unstable")
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

var kindNames = map[ErrorKind]string{
	KindNone:                 "",
	KindInvalidInput:         "invalid_input",
	KindInvalidState:         "invalid_state",
	KindTransientDecoder:     "transient_decoder_error",
	KindSourceExhausted:      "source_exhausted",
	KindUnstablePlayback:     "unstable_playback",
	KindUnsupportedOperation: "unsupported_operation",
}

func (k ErrorKind) String() string {
	return kindNames[k]
}

func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ErrorKind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", text)
}

// KindOf maps an error returned by this package back to its kind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrTransientDecoder):
		return KindTransientDecoder
	case errors.Is(err, ErrSourceExhausted):
		return KindSourceExhausted
	case errors.Is(err, ErrUnstablePlayback):
		return KindUnstablePlayback
	case errors.Is(err, ErrUnsupportedOperation):
		return KindUnsupportedOperation
	}
	return KindNone
}
