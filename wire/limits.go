package wire

// Default maximum frame size (32 MB). Full-screen redraw batches from a large
// grid stay well below this.
const DefaultMaxFrame int = 33_554_432

// Hard limit on frame size (128 MB) - prevents a garbled length field from
// buffering without bound
const MaxFrameHardLimit int = 134_217_728

// Limits bounds how much a stream decoder will buffer for one frame
type Limits struct {
	MaxFrame int `yaml:"max_frame"`
}

// DefaultLimits returns the default stream limits
func DefaultLimits() Limits {
	return Limits{
		MaxFrame: DefaultMaxFrame,
	}
}

// Effective returns the frame limit to enforce, clamped to the hard limit.
// A zero or negative MaxFrame selects the default.
func (l Limits) Effective() int {
	if l.MaxFrame <= 0 {
		return DefaultMaxFrame
	}
	return min(l.MaxFrame, MaxFrameHardLimit)
}
