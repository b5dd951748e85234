package utils

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntern(t *testing.T) {
	a := Intern("chrEBV")
	b := InternBytes([]byte("chrEBV"))
	c := Intern("NC_009334")
	assert.True(t, a == b)
	assert.False(t, a == c)
	assert.Equal(t, "chrEBV", *b)
}

func TestOpenDecompressedGzip(t *testing.T) {
	name := filepath.Join(t.TempDir(), "reads.txt.gz")
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte("C\tread1\t10376\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, os.WriteFile(name, buf.Bytes(), 0o644))

	r, err := OpenDecompressed(name)
	require.NoError(t, err)
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "C\tread1\t10376\n", string(content))
}

func TestHandleBGZFPlain(t *testing.T) {
	r, err := HandleBGZF(bufio.NewReader(bytes.NewReader([]byte("plain"))))
	require.NoError(t, err)
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "plain", string(content))
}
