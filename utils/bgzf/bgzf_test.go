package bgzf

import (
	"bufio"
	"bytes"
	"compress/flate"
	"encoding/binary"
	"hash/crc32"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendBlock(t *testing.T, out []byte, data []byte) []byte {
	var compressed bytes.Buffer
	w, err := flate.NewWriter(&compressed, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	header := []byte{
		0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00,
		0x00, 0x00, 0x00, 0xff, 0x06, 0x00,
		'B', 'C', 0x02, 0x00, 0x00, 0x00,
	}
	binary.LittleEndian.PutUint16(header[16:18], uint16(len(header)+compressed.Len()+8-1))
	out = append(out, header...)
	out = append(out, compressed.Bytes()...)
	var trailer [8]byte
	binary.LittleEndian.PutUint32(trailer[0:4], crc32.ChecksumIEEE(data))
	binary.LittleEndian.PutUint32(trailer[4:8], uint32(len(data)))
	return append(out, trailer[:]...)
}

func makeBGZF(t *testing.T, chunks ...string) []byte {
	var out []byte
	for _, chunk := range chunks {
		out = appendBlock(t, out, []byte(chunk))
	}
	return appendBlock(t, out, nil)
}

func TestReader(t *testing.T) {
	chunks := make([]string, 50)
	for i := range chunks {
		chunks[i] = strings.Repeat(string(rune('a'+i%26)), 1000+i)
	}
	input := bufio.NewReader(bytes.NewReader(makeBGZF(t, chunks...)))
	ok, err := IsBGZF(input)
	require.NoError(t, err)
	require.True(t, ok)
	r, err := NewReader(input)
	require.NoError(t, err)
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, strings.Join(chunks, ""), string(content))
}

// withinDeadline fails the test when f does not return in time.
func withinDeadline(t *testing.T, f func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reader blocked on a corrupt BGZF block")
	}
}

func corruptFirstBlock(t *testing.T, chunks ...string) []byte {
	data := makeBGZF(t, chunks...)
	first := int(binary.LittleEndian.Uint16(data[16:18])) + 1
	data[first-8] ^= 0xff
	return data
}

func TestReaderCorrupt(t *testing.T) {
	r, err := NewReader(bufio.NewReader(bytes.NewReader(corruptFirstBlock(t, "some alignment data"))))
	require.NoError(t, err)
	withinDeadline(t, func() {
		_, err := io.ReadAll(r)
		assert.ErrorContains(t, err, "invalid CRC-32")
		assert.Error(t, r.Close())
	})
}

func TestReaderCorruptManyBlocks(t *testing.T) {
	chunks := make([]string, 20)
	for i := range chunks {
		chunks[i] = strings.Repeat("acgt", 500+i)
	}
	r, err := NewReader(bufio.NewReader(bytes.NewReader(corruptFirstBlock(t, chunks...))))
	require.NoError(t, err)
	withinDeadline(t, func() {
		_, err := io.ReadAll(r)
		assert.Error(t, err)
		_ = r.Close()
	})
}

func TestReaderCloseAfterCorrupt(t *testing.T) {
	r, err := NewReader(bufio.NewReader(bytes.NewReader(corruptFirstBlock(t, "some alignment data"))))
	require.NoError(t, err)
	withinDeadline(t, func() {
		assert.Error(t, r.Close())
	})
}

func TestIsGzip(t *testing.T) {
	ok, err := IsGzip(bufio.NewReader(strings.NewReader("@HD\tVN:1.6\n")))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = IsBGZF(bufio.NewReader(strings.NewReader("x")))
	require.NoError(t, err)
	assert.False(t, ok)
}
