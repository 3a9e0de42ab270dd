package playback

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/VideoCall/internal/domain"
)

type chanSource struct {
	pkts chan *rtp.Packet
}

func newChanSource() *chanSource { return &chanSource{pkts: make(chan *rtp.Packet, 16)} }

func (s *chanSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	p, ok := <-s.pkts
	if !ok {
		return nil, nil, io.EOF
	}
	return p, nil, nil
}

type recordingSink struct {
	mu   sync.Mutex
	seqs []uint16
	err  error
}

func (s *recordingSink) WriteRTP(p *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.seqs = append(s.seqs, p.SequenceNumber)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seqs)
}

func pkt(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}}
}

func TestTrack_FansOutToSinks(t *testing.T) {
	src := newChanSource()
	tr := NewTrack(context.Background(), "t1", "u1", domain.MediaVideo, src, nil)
	t.Cleanup(tr.Stop)

	a, b := &recordingSink{}, &recordingSink{}
	require.NoError(t, tr.Play(context.Background(), a))
	require.NoError(t, tr.Play(context.Background(), b))
	assert.Equal(t, 2, tr.relay.SinkCount())

	src.pkts <- pkt(1)
	src.pkts <- pkt(2)

	require.Eventually(t, func() bool { return a.count() == 2 && b.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "t1", tr.ID())
	assert.Equal(t, domain.MediaVideo, tr.MediaKind())
	assert.Equal(t, domain.ParticipantID("u1"), tr.Participant())
}

func TestTrack_FailingSinkIsDropped(t *testing.T) {
	src := newChanSource()
	tr := NewTrack(context.Background(), "t1", "u1", domain.MediaAudio, src, nil)
	t.Cleanup(tr.Stop)

	bad := &recordingSink{err: errors.New("renderer gone")}
	good := &recordingSink{}
	require.NoError(t, tr.Play(context.Background(), bad))
	require.NoError(t, tr.Play(context.Background(), good))

	src.pkts <- pkt(1)
	require.Eventually(t, func() bool { return good.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return tr.relay.SinkCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestTrack_PlayContextDetachesSink(t *testing.T) {
	src := newChanSource()
	tr := NewTrack(context.Background(), "t1", "u1", domain.MediaAudio, src, nil)
	t.Cleanup(tr.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	s := &recordingSink{}
	require.NoError(t, tr.Play(ctx, s))
	cancel()

	require.Eventually(t, func() bool { return tr.relay.SinkCount() == 0 }, time.Second, 5*time.Millisecond)
	src.pkts <- pkt(7)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, s.count())
}

func TestTrack_StopIsIdempotent(t *testing.T) {
	src := newChanSource()
	calls := 0
	tr := NewTrack(context.Background(), "t1", "u1", domain.MediaAudio, src, func() { calls++ })

	tr.Stop()
	tr.Stop()
	assert.Equal(t, 1, calls)

	select {
	case <-tr.Stopped():
	default:
		t.Fatal("Stopped channel not closed")
	}
	assert.ErrorIs(t, tr.Play(context.Background(), &recordingSink{}), ErrTrackStopped)
}

func TestTrack_SourceEndMarksSinksDeleted(t *testing.T) {
	src := newChanSource()
	tr := NewTrack(context.Background(), "t1", "u1", domain.MediaAudio, src, nil)
	t.Cleanup(tr.Stop)

	require.NoError(t, tr.Play(context.Background(), &recordingSink{}))
	close(src.pkts)

	select {
	case <-tr.relay.done:
	case <-time.After(time.Second):
		t.Fatal("relay loop did not exit")
	}
	assert.Zero(t, tr.relay.SinkCount())
}
