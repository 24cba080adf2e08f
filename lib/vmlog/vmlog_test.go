package vmlog_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmusatyalab/vmnetfs/lib/vmlog"
)

func TestEmitWritesToOutputAndStream(t *testing.T) {
	l := vmlog.Init()
	var out bytes.Buffer
	l.SetOutput(&out)

	s := l.Subscribe()
	l.Infof("chunk-1", "fetched %d bytes", 128)

	buf := make([]byte, 128)
	n, err := s.Read(buf, false)
	require.NoError(t, err)
	assert.Equal(t, "chunk-1: fetched 128 bytes\n", string(buf[:n]))
	assert.Contains(t, out.String(), "fetched 128 bytes")
}

func TestSubscribeReplaysRingBeforeLiveLines(t *testing.T) {
	l := vmlog.Init()
	var out bytes.Buffer
	l.SetOutput(&out)

	l.Debugf("a", "first")
	l.Debugf("a", "second")

	s := l.Subscribe()
	l.Debugf("a", "third")

	buf := make([]byte, 256)
	n, err := s.Read(buf, false)
	require.NoError(t, err)
	got := string(buf[:n])
	assert.Equal(t, "a: first\na: second\na: third\n", got)
}

func TestRingBufferIsBounded(t *testing.T) {
	l := vmlog.Init()
	var out bytes.Buffer
	l.SetOutput(&out)

	// Emit enough lines that the ring buffer must trim its oldest entries.
	line := strings.Repeat("x", 1024)
	for i := 0; i < 128; i++ {
		l.Debugf("t", "%s", line)
	}

	s := l.Subscribe()
	// Drain whatever the ring replays; it must not have grown unbounded.
	buf := make([]byte, 256*1024)
	n, err := s.Read(buf, false)
	require.NoError(t, err)
	assert.LessOrEqual(t, n, 64*1024+256)
}

func TestCloseEndsSubscriberStream(t *testing.T) {
	l := vmlog.Init()
	s := l.Subscribe()
	l.Close()

	buf := make([]byte, 16)
	n, err := s.Read(buf, true)
	assert.Equal(t, 0, n)
	assert.Error(t, err)
}

func TestSetDefaultRetargetsPackageLevelHelpers(t *testing.T) {
	l := vmlog.Init()
	var out bytes.Buffer
	l.SetOutput(&out)
	vmlog.SetDefault(l)

	vmlog.Infof("driver", "hello %s", "world")
	assert.Contains(t, out.String(), "hello world")
}

func TestErrorfTaggedLine(t *testing.T) {
	l := vmlog.Init()
	s := l.Subscribe()
	l.Errorf("fetch", "boom")

	buf := make([]byte, 32)
	n, err := s.Read(buf, false)
	require.NoError(t, err)
	assert.Equal(t, "fetch: boom\n", string(buf[:n]))
}
