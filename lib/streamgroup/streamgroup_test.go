package streamgroup_test

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmusatyalab/vmnetfs/lib/streamgroup"
)

func TestNonBlockingWouldBlockWhenEmpty(t *testing.T) {
	g := streamgroup.New(nil)
	s := g.NewStream()
	buf := make([]byte, 16)
	n, err := s.Read(buf, false)
	assert.Equal(t, 0, n)
	assert.Equal(t, streamgroup.ErrWouldBlock, err)
}

func TestWriteThenRead(t *testing.T) {
	g := streamgroup.New(nil)
	s := g.NewStream()
	g.Write([]byte("hello"))

	buf := make([]byte, 16)
	n, err := s.Read(buf, false)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestFanOutToMultipleStreams(t *testing.T) {
	g := streamgroup.New(nil)
	s1 := g.NewStream()
	s2 := g.NewStream()
	g.Write([]byte("abc"))

	buf := make([]byte, 16)
	n1, err := s1.Read(buf, false)
	require.NoError(t, err)
	n2, err := s2.Read(buf[:8], false)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf[:n1]))
	assert.Equal(t, 3, n2)
}

func TestCloseUnblocksAndThenEOF(t *testing.T) {
	g := streamgroup.New(nil)
	s := g.NewStream()

	done := make(chan struct{})
	var readErr error
	go func() {
		buf := make([]byte, 16)
		_, readErr = s.Read(buf, true)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond) // let the goroutine block on Wait
	g.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocking Read did not unblock on Close")
	}
	assert.Equal(t, io.EOF, readErr)

	// further reads continue to report EOF
	buf := make([]byte, 4)
	n, err := s.Read(buf, true)
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
}

func TestCloseDrainsBufferedDataFirst(t *testing.T) {
	g := streamgroup.New(nil)
	s := g.NewStream()
	g.Write([]byte("buffered"))
	g.Close()

	buf := make([]byte, 16)
	n, err := s.Read(buf, true)
	require.NoError(t, err)
	assert.Equal(t, "buffered", string(buf[:n]))

	n, err = s.Read(buf, true)
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
}

func TestPopulateSeedsBeforeLiveWrites(t *testing.T) {
	populate := func(w io.Writer) {
		_, _ = w.Write([]byte("seed\n"))
	}
	g := streamgroup.New(populate)
	s := g.NewStream()
	g.Write([]byte("live\n"))

	buf := make([]byte, 32)
	n, err := s.Read(buf, false)
	require.NoError(t, err)
	assert.Equal(t, "seed\nlive\n", string(buf[:n]))
}

func TestLateJoinerOnlySeesOwnHistoryNotOthersLive(t *testing.T) {
	g := streamgroup.New(nil)
	s1 := g.NewStream()
	g.Write([]byte("before"))
	s2 := g.NewStream() // joins after "before" was written

	buf := make([]byte, 16)
	n, err := s2.Read(buf, false)
	assert.Equal(t, streamgroup.ErrWouldBlock, err)
	assert.Equal(t, 0, n)

	n, err = s1.Read(buf, false)
	require.NoError(t, err)
	assert.Equal(t, "before", string(buf[:n]))
}
