package config_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmusatyalab/vmnetfs/vmnetfs/config"
)

const sampleXML = `<config>
  <image>
    <name>disk</name>
    <origin>
      <url>https://example.org/disk.raw</url>
      <credentials>
        <username>alice</username>
        <password>hunter2</password>
      </credentials>
      <cookies>
        <cookie>session=abc123</cookie>
      </cookies>
      <validators>
        <etag>"v1"</etag>
      </validators>
    </origin>
    <size>1048576</size>
    <cache>
      <path>/var/cache/vmnetfs/disk</path>
      <chunk-size>131072</chunk-size>
    </cache>
  </image>
</config>`

func TestParseValidDocument(t *testing.T) {
	doc, err := config.Parse(strings.NewReader(sampleXML))
	require.NoError(t, err)
	require.Len(t, doc.Images, 1)
	img := doc.Images[0]
	assert.Equal(t, "disk", img.Name)
	assert.Equal(t, "https://example.org/disk.raw", img.Origin.URL)
	assert.Equal(t, int64(1048576), img.Size)
	assert.Equal(t, int64(131072), img.Cache.ChunkSize)
	require.NotNil(t, img.Origin.Credentials)
	assert.Equal(t, "alice", img.Origin.Credentials.Username)
}

func TestParseRejectsMissingURL(t *testing.T) {
	const bad = `<config><image><name>disk</name><size>10</size><cache><path>/x</path><chunk-size>1</chunk-size></cache></image></config>`
	_, err := config.Parse(strings.NewReader(bad))
	assert.Error(t, err)
}

func TestParseRejectsNoImages(t *testing.T) {
	_, err := config.Parse(strings.NewReader(`<config></config>`))
	assert.Error(t, err)
}

func TestRenderRedactsSecrets(t *testing.T) {
	doc, err := config.Parse(strings.NewReader(sampleXML))
	require.NoError(t, err)

	out := doc.Render()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "alice")
	assert.NotContains(t, out, "session=abc123")
	assert.Contains(t, out, "***")
	assert.Contains(t, out, "https://example.org/disk.raw")
	assert.Contains(t, out, `"v1"`)
}

func TestReadFramedRoundTrip(t *testing.T) {
	framed := append([]byte("4\n"), []byte("abcd")...)
	got, err := config.ReadFramed(bytes.NewReader(framed))
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(got))
}

func TestReadFramedRejectsMalformedLength(t *testing.T) {
	_, err := config.ReadFramed(bytes.NewReader([]byte("not-a-number\nabcd")))
	assert.Error(t, err)
}
