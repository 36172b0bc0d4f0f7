package mockengine

import (
	"time"

	"github.com/danshapiro/decisiongraph/internal/contract"
)

// Shape selects the response revision the fake Engine emits.
type Shape string

const (
	ShapeLegacy Shape = "legacy"
	ShapeV11    Shape = "v1.1"
	ShapeV12    Shape = "v1.2"
)

// Failure describes an injected error response.
type Failure struct {
	Status     int    // HTTP status, default 503
	Code       string // payload code; empty omits it
	Message    string
	RetryAfter string // Retry-After header value
}

// Knobs steer the fake Engine's behavior. Zero values mean "behave".
type Knobs struct {
	Shape Shape

	// RunFailures makes the next N POST /v1/run calls fail with Failure.
	// Negative fails every call.
	RunFailures int
	Failure     Failure
	RunDelay    time.Duration

	// ValidateStatus, when non-zero, answers POST /v1/validate with that
	// status and a SERVER_ERROR payload.
	ValidateStatus int

	// StreamStatus, when non-zero, rejects POST /v1/stream before any frame.
	StreamStatus int
	StreamCode   string
	// FrameError sends an error frame with this code right after started.
	FrameError string
	// DropAfterFrames ends the event stream after N frames with no terminal frame.
	DropAfterFrames int
	FrameDelay      time.Duration
	ProgressSteps   int

	MissingHash bool
	Streaming   bool // advertised in /v1/version
	VersionDown bool // /v1/version answers 503

	Limits contract.Limits
}

func DefaultKnobs() Knobs {
	return Knobs{
		Shape:         ShapeLegacy,
		Streaming:     true,
		ProgressSteps: 4,
		Limits:        contract.DefaultLimits(),
	}
}
