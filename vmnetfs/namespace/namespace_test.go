package namespace_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmusatyalab/vmnetfs/lib/vmlog"
	"github.com/cmusatyalab/vmnetfs/vmnetfs/config"
	"github.com/cmusatyalab/vmnetfs/vmnetfs/image"
	"github.com/cmusatyalab/vmnetfs/vmnetfs/namespace"
	"github.com/cmusatyalab/vmnetfs/vmnetfs/transport"
)

const sampleXML = `<config>
  <image>
    <name>disk</name>
    <origin><url>https://example.org/disk.raw</url></origin>
    <size>4096</size>
    <cache><path>%s</path><chunk-size>4096</chunk-size></cache>
  </image>
</config>`

func buildTestNamespace(t *testing.T) *namespace.Namespace {
	t.Helper()
	ns, _ := buildTestNamespaceWithImage(t)
	return ns
}

func buildTestNamespaceWithImage(t *testing.T) (*namespace.Namespace, *image.Image) {
	t.Helper()
	dir := t.TempDir()
	doc, err := config.Parse(strings.NewReader(fmt.Sprintf(sampleXML, dir)))
	require.NoError(t, err)

	client, err := transport.New(transport.Options{MaxConcurrent: 1})
	require.NoError(t, err)

	img, err := image.Open(image.Config{
		Name:        "disk",
		OriginURL:   doc.Images[0].Origin.URL,
		ChunkSize:   4096,
		InitialSize: 4096,
		CacheDir:    dir,
		Client:      client,
	})
	require.NoError(t, err)
	t.Cleanup(img.Close)

	images := map[string]*image.Image{"disk": img}
	return namespace.Build(doc, images, vmlog.Init()), img
}

func TestBuildRegistersExpectedPaths(t *testing.T) {
	ns := buildTestNamespace(t)

	for _, p := range []string{
		"/config",
		"/log",
		"/disk/image",
		"/disk/stats/bytes_read",
		"/disk/stats/bytes_written",
		"/disk/stats/chunk_fetches",
		"/disk/stats/chunk_dirties",
		"/disk/stats/io_errors",
		"/disk/stats/chunk_size",
		"/disk/stats/chunks",
		"/disk/streams/chunks_accessed",
		"/disk/streams/chunks_cached",
		"/disk/streams/chunks_modified",
		"/disk/streams/io",
	} {
		_, ok := ns.Lookup(p)
		assert.True(t, ok, "expected path %s to be registered", p)
	}
}

func TestUnknownPathNotFound(t *testing.T) {
	ns := buildTestNamespace(t)
	_, ok := ns.Lookup("/disk/nonexistent")
	assert.False(t, ok)
}

func TestFixedChunkSizeEntry(t *testing.T) {
	ns := buildTestNamespace(t)
	e, ok := ns.Lookup("/disk/stats/chunk_size")
	require.True(t, ok)
	assert.Equal(t, namespace.KindFixed, e.Kind)
	assert.Equal(t, "4096\n", e.Fixed)
}

func TestDerivedChunksRecomputesAfterTruncate(t *testing.T) {
	ns, img := buildTestNamespaceWithImage(t)
	e, ok := ns.Lookup("/disk/stats/chunks")
	require.True(t, ok)
	assert.Equal(t, namespace.KindDerived, e.Kind)
	assert.Equal(t, "1\n", e.ReadDerivedSnapshot())

	require.NoError(t, img.Truncate(4096*3))
	assert.Equal(t, "3\n", e.ReadDerivedSnapshot(), "stats/chunks must reflect current_size at each open, not the size at mount time")
}

func TestCounterSnapshotAndPoll(t *testing.T) {
	ns := buildTestNamespace(t)
	e, ok := ns.Lookup("/disk/stats/bytes_read")
	require.True(t, ok)

	snap, h := e.ReadCounterSnapshot()
	assert.Equal(t, "0\n", snap)
	assert.False(t, h.IsChanged())
}

func TestImageEntryModeIsReadWrite(t *testing.T) {
	ns := buildTestNamespace(t)
	e, ok := ns.Lookup("/disk/image")
	require.True(t, ok)
	assert.Equal(t, uint32(0600), e.Kind.Mode())
}

func TestStreamEntryModeIsReadOnly(t *testing.T) {
	ns := buildTestNamespace(t)
	e, ok := ns.Lookup("/disk/streams/io")
	require.True(t, ok)
	assert.Equal(t, uint32(0400), e.Kind.Mode())
	s := e.Stream.Subscribe()
	require.NotNil(t, s)
}

func TestConfigEntryServesRenderedDocument(t *testing.T) {
	ns := buildTestNamespace(t)
	e, ok := ns.Lookup("/config")
	require.True(t, ok)
	assert.Contains(t, e.Fixed, "image disk")
}
