package playback

import (
	"sync/atomic"

	"github.com/dkeye/VideoCall/internal/core"
)

type SinkState int32

const (
	SinkStateOk SinkState = iota
	SinkStateDelete
)

// outSink is a single renderer attached to a relay.
type outSink struct {
	sink  core.Sink
	state atomic.Int32 // Zero by default (SinkStateOk)
}

func newOutSink(sink core.Sink) *outSink {
	return &outSink{sink: sink}
}

func (o *outSink) GetState() SinkState {
	return SinkState(o.state.Load())
}

func (o *outSink) MarkDelete() {
	o.state.Store(int32(SinkStateDelete))
}
