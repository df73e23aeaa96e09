package shm

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	internalshm "github.com/srediag/shmpipe/internal/shm"
	"github.com/srediag/shmpipe/pkg/sem"
)

type ChannelTestSuite struct {
	suite.Suite
	ctx   context.Context
	names Names
}

func TestChannelTestSuite(t *testing.T) {
	suite.Run(t, new(ChannelTestSuite))
}

func (s *ChannelTestSuite) SetupSuite() {
	if runtime.GOOS != "linux" {
		s.T().Skip("channels need /dev/shm")
	}
	if _, err := os.Stat("/dev/shm"); err != nil {
		s.T().Skipf("/dev/shm not available: %v", err)
	}
	s.ctx = context.Background()
}

func (s *ChannelTestSuite) SetupTest() {
	s.names = NamesFor(900_000_000 + rand.Intn(1_000_000))
}

func (s *ChannelTestSuite) TearDownTest() {
	_ = sem.Unlink(s.names.WriteSem)
	_ = sem.Unlink(s.names.ReadSem)
	_ = internalshm.Unlink(s.names.Segment)
}

func (s *ChannelTestSuite) config(capacity int) Config {
	return Config{Capacity: capacity, Names: s.names}
}

func (s *ChannelTestSuite) open(capacity int) *Channel {
	ch, err := Open(s.ctx, s.config(capacity))
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = ch.Close() })
	return ch
}

func (s *ChannelTestSuite) requireRemoved() {
	ok, err := internalshm.Exists(s.names.Segment)
	s.Require().NoError(err)
	s.Require().False(ok, "segment %s still present", s.names.Segment)
	for _, name := range []string{s.names.WriteSem, s.names.ReadSem} {
		ok, err := sem.Exists(name)
		s.Require().NoError(err)
		s.Require().False(ok, "semaphore %s still present", name)
	}
}

func (s *ChannelTestSuite) requirePresent() {
	ok, err := internalshm.Exists(s.names.Segment)
	s.Require().NoError(err)
	s.Require().True(ok)
	for _, name := range []string{s.names.WriteSem, s.names.ReadSem} {
		ok, err := sem.Exists(name)
		s.Require().NoError(err)
		s.Require().True(ok)
	}
}

// transfer runs a writer and a reader concurrently, both opening the channel.
func (s *ChannelTestSuite) transfer(capacity int, data []byte) (*recordingSink, error, error) {
	sendErr := make(chan error, 1)
	go func() {
		ch, err := Open(s.ctx, s.config(capacity))
		if err != nil {
			sendErr <- err
			return
		}
		sendErr <- ch.Send(s.ctx, bytes.NewReader(data))
	}()

	sink := &recordingSink{}
	ch, err := Open(s.ctx, s.config(capacity))
	s.Require().NoError(err)
	recvErr := ch.Receive(s.ctx, sink)

	select {
	case err := <-sendErr:
		return sink, err, recvErr
	case <-time.After(10 * time.Second):
		s.FailNow("writer did not finish")
		return nil, nil, nil
	}
}

func (s *ChannelTestSuite) TestRoundTrip() {
	payloads := map[string][]byte{
		"empty":  {},
		"single": {0x00},
		"text":   []byte("hello, shared memory\n"),
		"binary": binaryPayload(4099),
	}
	for _, capacity := range []int{1, 2, 3, 64, 4096} {
		for label, data := range payloads {
			s.Run(label, func() {
				s.names = NamesFor(900_000_000 + rand.Intn(1_000_000))
				defer s.TearDownTest()

				sink, sendErr, recvErr := s.transfer(capacity, data)
				s.Require().NoError(sendErr, "capacity %d", capacity)
				s.Require().NoError(recvErr, "capacity %d", capacity)
				s.Require().Equal(string(data), sink.String(), "capacity %d", capacity)
				s.Require().GreaterOrEqual(sink.flushes, 1)
				s.requireRemoved()
			})
		}
	}
}

func (s *ChannelTestSuite) TestWriterFinishesBeforeReaderAttaches() {
	data := []byte("0123456789")
	w := s.open(16)
	s.Require().NoError(w.Send(s.ctx, bytes.NewReader(data)))
	s.requirePresent()

	r := s.open(16)
	st := r.Stats()
	s.Equal(len(data)+1, st.Filled)
	s.Equal(16-len(data)-1, st.Free)

	sink := &recordingSink{}
	s.Require().NoError(r.Receive(s.ctx, sink))
	s.Equal(data, sink.Bytes())
	s.requireRemoved()
}

func (s *ChannelTestSuite) TestRingLayoutAfterShortStream() {
	w := s.open(3)
	s.Require().NoError(w.Send(s.ctx, strings.NewReader("AB")))

	r := s.open(3)
	s.Equal(int32('A'), r.seg.load(0))
	s.Equal(int32('B'), r.seg.load(1))
	s.Equal(endOfStreamWord, r.seg.load(2))
	st := r.Stats()
	s.Equal(0, st.Free)
	s.Equal(3, st.Filled)

	sink := &recordingSink{}
	s.Require().NoError(r.Receive(s.ctx, sink))
	s.Equal("AB", sink.String())
}

func (s *ChannelTestSuite) TestSlotAccountingWhileIdle() {
	const capacity = 8
	w := s.open(capacity)
	r := s.open(capacity)

	st := r.Stats()
	s.True(st.Open)
	s.Equal(capacity, st.Free)
	s.Equal(0, st.Filled)

	src := make(chanSource, 16)
	sendErr := make(chan error, 1)
	go func() { sendErr <- w.Send(s.ctx, src) }()
	src <- 'x'
	src <- 'y'
	src <- 'z'

	// The writer holds one more free slot while it waits on the source.
	s.Eventually(func() bool {
		st := r.Stats()
		return st.Filled == 3 && st.Free == capacity-4
	}, 5*time.Second, 5*time.Millisecond)
	s.Equal(os.Getpid(), r.Stats().WriterPID)

	close(src)
	sink := &recordingSink{}
	s.Require().NoError(r.Receive(s.ctx, sink))
	s.Equal("xyz", sink.String())
	s.Require().NoError(<-sendErr)
}

func (s *ChannelTestSuite) TestReaderSeesWriterTeardown() {
	w := s.open(4)
	r := s.open(4)

	recvErr := make(chan error, 1)
	go func() { recvErr <- r.Receive(s.ctx, &recordingSink{}) }()
	s.Eventually(func() bool { return r.Stats().ReaderPID != 0 }, 5*time.Second, 5*time.Millisecond)

	s.Require().NoError(w.Teardown())
	select {
	case err := <-recvErr:
		s.ErrorIs(err, ErrPeerExited)
	case <-time.After(5 * time.Second):
		s.FailNow("reader still blocked after writer teardown")
	}
	s.requireRemoved()
	s.ErrorIs(r.Ready(), ErrClosed)
}

func (s *ChannelTestSuite) TestWriterSeesReaderTeardown() {
	w := s.open(2)
	r := s.open(2)

	sendErr := make(chan error, 1)
	go func() { sendErr <- w.Send(s.ctx, endlessSource('x')) }()
	s.Eventually(func() bool { return r.Stats().Free == 0 }, 5*time.Second, 5*time.Millisecond)

	s.Require().NoError(r.Teardown())
	select {
	case err := <-sendErr:
		s.ErrorIs(err, ErrPeerExited)
	case <-time.After(5 * time.Second):
		s.FailNow("writer still blocked after reader teardown")
	}
	s.requireRemoved()
}

func (s *ChannelTestSuite) TestPendingBytesAreDroppedWhenWriterAborts() {
	w := s.open(8)
	src := make(chanSource, 4)
	sendErr := make(chan error, 1)
	go func() { sendErr <- w.Send(s.ctx, src) }()
	src <- 'a'
	src <- 'b'

	r := s.open(8)
	s.Eventually(func() bool { return r.Stats().Filled == 2 }, 5*time.Second, 5*time.Millisecond)
	s.Require().NoError(w.Teardown())
	close(src)
	s.ErrorIs(<-sendErr, ErrClosed)

	s.True(r.Stats().PeerExited)
	s.ErrorIs(r.Live(), ErrPeerExited)
	sink := &recordingSink{}
	s.ErrorIs(r.Receive(s.ctx, sink), ErrPeerExited)
	s.Empty(sink.Bytes())
}

func (s *ChannelTestSuite) TestTeardownIsIdempotent() {
	ch := s.open(4)
	s.Require().NoError(ch.Teardown())
	s.requireRemoved()
	s.NoError(ch.Teardown())
	s.NoError(ch.Close())

	st := ch.Stats()
	s.False(st.Open)
	s.Equal(4, st.Capacity)
}

func (s *ChannelTestSuite) TestCloseKeepsNames() {
	ch := s.open(4)
	s.Require().NoError(ch.Close())
	s.NoError(ch.Close())
	s.requirePresent()
	s.ErrorIs(ch.Send(s.ctx, strings.NewReader("x")), ErrClosed)
}

func (s *ChannelTestSuite) TestTeardownAfterCompletedSendKeepsStream() {
	w := s.open(8)
	s.Require().NoError(w.Send(s.ctx, strings.NewReader("abc")))
	s.Require().NoError(w.Teardown())
	s.requirePresent()

	r := s.open(8)
	sink := &recordingSink{}
	s.Require().NoError(r.Receive(s.ctx, sink))
	s.Equal("abc", sink.String())
	s.requireRemoved()
}

func (s *ChannelTestSuite) TestSizeMismatchLeavesExistingChannel() {
	first := s.open(8)

	_, err := Open(s.ctx, s.config(16))
	s.Require().Error(err)
	s.ErrorIs(err, ErrSizeMismatch)
	var rerr *ResourceError
	s.Require().ErrorAs(err, &rerr)
	s.Equal(s.names.Segment, rerr.Name)

	s.requirePresent()
	s.False(first.Stats().PeerExited)
}

func (s *ChannelTestSuite) TestInvalidCapacity() {
	for _, capacity := range []int{0, -1, MaxCapacity + 1} {
		_, err := Open(s.ctx, s.config(capacity))
		s.ErrorIs(err, ErrInvalidCapacity, "capacity %d", capacity)
	}
	ok, err := internalshm.Exists(s.names.Segment)
	s.Require().NoError(err)
	s.False(ok)
}

func (s *ChannelTestSuite) TestUnopenedChannel() {
	ch := NewChannel(s.config(4))
	s.ErrorIs(ch.Ready(), ErrNotOpen)
	s.ErrorIs(ch.Send(s.ctx, strings.NewReader("x")), ErrNotOpen)
	s.NoError(ch.Teardown())
	s.ErrorIs(ch.Open(s.ctx), ErrClosed)
	s.requireRemoved()
}

func (s *ChannelTestSuite) TestOpenTwice() {
	ch := s.open(4)
	s.Require().NoError(ch.Ready())
	s.ErrorIs(ch.Open(s.ctx), ErrAlreadyOpen)
}

func (s *ChannelTestSuite) TestContextCancelTearsDown() {
	r := s.open(4)
	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()

	err := r.Receive(ctx, &recordingSink{})
	s.ErrorIs(err, context.DeadlineExceeded)
	s.requireRemoved()
}

func (s *ChannelTestSuite) TestLivenessCheckDetectsVanishedWriter() {
	if _, err := exec.LookPath("true"); err != nil {
		s.T().Skip("true(1) not available")
	}
	cmd := exec.Command("true")
	s.Require().NoError(cmd.Run())
	dead := cmd.Process.Pid

	cfg := s.config(4)
	cfg.PeerCheckInterval = 10 * time.Millisecond
	r, err := Open(s.ctx, cfg)
	s.Require().NoError(err)
	r.seg.setPID(roleWriter, dead)

	err = r.Receive(s.ctx, &recordingSink{})
	s.ErrorIs(err, ErrPeerExited)
	s.Contains(err.Error(), "is gone")
	s.requireRemoved()
}

func (s *ChannelTestSuite) TestLivenessCheckWaitsForLivePeer() {
	cfg := s.config(4)
	cfg.PeerCheckInterval = 5 * time.Millisecond
	w, err := Open(s.ctx, cfg)
	s.Require().NoError(err)
	r, err := Open(s.ctx, cfg)
	s.Require().NoError(err)

	src := make(chanSource)
	sendErr := make(chan error, 1)
	go func() { sendErr <- w.Send(s.ctx, src) }()
	go func() {
		time.Sleep(50 * time.Millisecond)
		src <- 'k'
		close(src)
	}()

	sink := &recordingSink{}
	s.Require().NoError(r.Receive(s.ctx, sink))
	s.Equal("k", sink.String())
	s.Require().NoError(<-sendErr)
}

func (s *ChannelTestSuite) TestSourceErrorTearsDown() {
	w := s.open(4)
	boom := errors.New("boom")
	err := w.Send(s.ctx, failingSource{err: boom})
	s.ErrorIs(err, boom)
	var terr *TransferError
	s.Require().ErrorAs(err, &terr)
	s.Equal("read source", terr.Op)
	s.requireRemoved()
}

func (s *ChannelTestSuite) TestSinkErrorTearsDown() {
	w := s.open(4)
	s.Require().NoError(w.Send(s.ctx, strings.NewReader("abc")))

	r := s.open(4)
	boom := errors.New("disk full")
	err := r.Receive(s.ctx, &recordingSink{failWrite: boom})
	s.ErrorIs(err, boom)
	s.requireRemoved()
}

func (s *ChannelTestSuite) TestCorruptSlotIsReported() {
	w := s.open(4)
	w.seg.store(0, 300)
	s.Require().NoError(w.readSem.Post())

	r := s.open(4)
	s.ErrorIs(r.Receive(s.ctx, &recordingSink{}), ErrCorruptSlot)
	s.requireRemoved()
}

type recordingSink struct {
	bytes.Buffer
	flushes   int
	failWrite error
}

func (r *recordingSink) WriteByte(c byte) error {
	if r.failWrite != nil {
		return r.failWrite
	}
	return r.Buffer.WriteByte(c)
}

func (r *recordingSink) Flush() error {
	r.flushes++
	return nil
}

// chanSource yields bytes as they are sent and io.EOF once closed.
type chanSource chan byte

func (c chanSource) ReadByte() (byte, error) {
	b, ok := <-c
	if !ok {
		return 0, io.EOF
	}
	return b, nil
}

type endlessSource byte

func (e endlessSource) ReadByte() (byte, error) { return byte(e), nil }

type failingSource struct{ err error }

func (f failingSource) ReadByte() (byte, error) { return 0, f.err }

func binaryPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}
