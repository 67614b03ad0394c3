package recorder

import (
	"fmt"
	"image"
)

// FrameSource is where a sink samples composited frames from.
type FrameSource interface {
	Snapshot(dst *image.RGBA) (*image.RGBA, uint64, bool)
}

// Handlers receive a sink's output. OnChunk takes ownership of the slice.
// OnError reports that the sink ended on its own; by then it has delivered
// every chunk it ever will. Neither handler is called from inside Start or
// Stop.
type Handlers struct {
	OnChunk func([]byte)
	OnError func(error)
}

// Sink encodes frames sampled from a FrameSource into container chunks.
type Sink interface {
	Start(src FrameSource, fps int, h Handlers) error
	// Stop finishes the stream and returns once the last chunk was handed
	// to OnChunk.
	Stop() error
}

type SinkFactory func() Sink

// SinkError means the recording stream failed or ended unexpectedly.
type SinkError struct {
	Err error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("recording sink: %v", e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }
func (e *SinkError) Cause() error  { return e.Err }
