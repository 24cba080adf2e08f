package bitmap_test

import (
	"bufio"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmusatyalab/vmnetfs/lib/bitmap"
)

func TestSetAndTest(t *testing.T) {
	b := bitmap.New()
	assert.False(t, b.Test(0))
	assert.True(t, b.Set(0))
	assert.True(t, b.Test(0))
	// idempotent: second Set of the same index reports false
	assert.False(t, b.Set(0))
	assert.True(t, b.Test(0))
}

func TestSetGrowsAcrossByteBoundaries(t *testing.T) {
	b := bitmap.New()
	for _, i := range []int{0, 7, 8, 63, 64, 1000} {
		assert.True(t, b.Set(i), "first Set of %d should report true", i)
	}
	for _, i := range []int{0, 7, 8, 63, 64, 1000} {
		assert.True(t, b.Test(i))
	}
	assert.False(t, b.Test(1), "unset bit between set ones must read false")
	assert.False(t, b.Test(999))
}

func TestSubscribeSeesExistingThenLive(t *testing.T) {
	b := bitmap.New()
	b.Set(1)
	b.Set(5)

	s := b.Subscribe()
	b.Set(9)
	b.Close()

	r := bufio.NewReader(readerFrom(t, s))
	var got []int
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			n, perr := strconv.Atoi(line[:len(line)-1])
			require.NoError(t, perr)
			got = append(got, n)
		}
		if err != nil {
			break
		}
	}
	assert.ElementsMatch(t, []int{1, 5, 9}, got)
}

// readerFrom adapts a streamgroup.Stream (blocking Read(p, blocking)) into
// an io.Reader for convenience in tests.
func readerFrom(t *testing.T, s interface {
	Read(p []byte, blocking bool) (int, error)
}) *blockingReader {
	t.Helper()
	return &blockingReader{s: s}
}

type blockingReader struct {
	s interface {
		Read(p []byte, blocking bool) (int, error)
	}
}

func (r *blockingReader) Read(p []byte) (int, error) {
	return r.s.Read(p, true)
}

func TestConcurrentSetOnlyOneWinner(t *testing.T) {
	b := bitmap.New()
	const n = 64
	var wg sync.WaitGroup
	wins := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wins[i] = b.Set(42)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, w := range wins {
		if w {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	assert.True(t, b.Test(42))
}
