package session

import (
	"net/http"
	"slices"
)

// Sink is the single media output surface a session renders into.
type Sink interface {
	Play()
	Pause()
	Seek(position float64)
	SetVolume(volume float64)
}

// Decoder turns a stream URL into media on an attached sink. Implementations
// report progress through the EventFunc given to Attach and may call it from
// any goroutine. Detach and Destroy must not block on goroutines that deliver
// events.
type Decoder interface {
	Attach(sink Sink, events EventFunc) error
	Load(url string, headers http.Header) error
	Detach() error
	Destroy() error
}

// DecoderFactory creates a fresh decoder for a candidate.
type DecoderFactory func() (Decoder, error)

// EventFunc receives decoder events.
type EventFunc func(Event)

// EventType identifies a decoder event.
type EventType int

const (
	EventReady EventType = iota
	EventError
	EventBuffering
)

func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventError:
		return "error"
	case EventBuffering:
		return "buffering"
	}
	return "unknown"
}

// Severity is the recovery class of a fatal decoder error.
type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityTerminal
	SeverityRecoverable
)

func (s Severity) String() string {
	switch s {
	case SeverityTerminal:
		return "terminal"
	case SeverityRecoverable:
		return "recoverable"
	}
	return "unknown"
}

// Error codes shared by decoders and the default classifier.
const (
	CodeManifestLoad    = "manifestLoadError"
	CodeManifestParse   = "manifestParsingError"
	CodeManifestDenied  = "manifestForbidden"
	CodeLevelSwitch     = "levelSwitchError"
	CodeBufferStalled   = "bufferStalledError"
	CodeBufferNudge     = "bufferNudgeOnStall"
	CodeBufferSeekHole  = "bufferSeekOverHole"
	CodeFragmentGap     = "fragmentGapError"
	CodeAttachFailure   = "attachError"
	CodeFragmentLoad    = "fragLoadError"
	CodeInternalFailure = "internalException"
)

// Event is a notification from a decoder.
type Event struct {
	Type      EventType
	Duration  float64 // Ready: seconds, <= 0 when unknown (live)
	Code      string  // Error
	Fatal     bool    // Error
	Severity  Severity
	Buffering bool // Buffering
	Err       error
}

// Ready builds a ready event for a stream of the given duration.
func Ready(duration float64) Event {
	return Event{Type: EventReady, Duration: duration}
}

// FatalError builds a fatal error event. The severity may be left unknown
// for the classifier to decide.
func FatalError(code string, severity Severity, err error) Event {
	return Event{Type: EventError, Code: code, Fatal: true, Severity: severity, Err: err}
}

// NonFatalError builds an error event the controller ignores.
func NonFatalError(code string, err error) Event {
	return Event{Type: EventError, Code: code, Err: err}
}

// Buffering builds a buffering state event.
func Buffering(active bool) Event {
	return Event{Type: EventBuffering, Buffering: active}
}

// Classifier maps a fatal error event to its recovery class.
type Classifier func(Event) Severity

var recoverableCodes = []string{
	CodeBufferStalled,
	CodeBufferNudge,
	CodeBufferSeekHole,
	CodeFragmentGap,
}

// DefaultClassifier honours an explicit severity and otherwise treats the
// buffer-stall and media-gap codes as recoverable and everything else as
// terminal.
func DefaultClassifier(ev Event) Severity {
	if ev.Severity != SeverityUnknown {
		return ev.Severity
	}
	if slices.Contains(recoverableCodes, ev.Code) {
		return SeverityRecoverable
	}
	return SeverityTerminal
}

// CodeClassifier builds a classifier from an explicit recoverable code set.
func CodeClassifier(recoverable ...string) Classifier {
	set := make(map[string]struct{}, len(recoverable))
	for _, code := range recoverable {
		set[code] = struct{}{}
	}
	return func(ev Event) Severity {
		if _, ok := set[ev.Code]; ok {
			return SeverityRecoverable
		}
		return SeverityTerminal
	}
}
