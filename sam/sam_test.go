package sam

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exascience/micrite/diag"
)

const testHeader = "@HD\tVN:1.6\tSO:unsorted\n" +
	"@SQ\tSN:chr1\tLN:10000\n" +
	"@SQ\tSN:chrEBV\tLN:171823\n"

func writeSam(t *testing.T, lines ...string) string {
	name := filepath.Join(t.TempDir(), "input.sam")
	content := testHeader + strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(name, []byte(content), 0o644))
	return name
}

func TestParseSamAlignment(t *testing.T) {
	line := "read1\t99\tchr1\t100\t60\t5S45M\t=\t300\t250\t" +
		strings.Repeat("A", 50) + "\t" + strings.Repeat("I", 50) + "\tAS:i:140\tMC:Z:50M"
	aln, err := ParseSamAlignment([]byte(line))
	require.NoError(t, err)
	assert.Equal(t, "read1", aln.QNAME)
	assert.Equal(t, FirstMate, aln.MateRole())
	assert.True(t, aln.IsPrimary())
	start, end, ok := aln.RefInterval()
	require.True(t, ok)
	assert.EqualValues(t, 99, start)
	assert.EqualValues(t, 144, end)
	contig, mstart, mend, ok := aln.MateRefInterval()
	require.True(t, ok)
	assert.Equal(t, "chr1", contig)
	assert.EqualValues(t, 299, mstart)
	assert.EqualValues(t, 349, mend)
	as, ok := aln.IntTag("AS")
	require.True(t, ok)
	assert.EqualValues(t, 140, as)
	assert.EqualValues(t, 5, aln.MaxSoftClip())
	assert.Equal(t, line+"\n", string(aln.Format(nil)))
}

func TestParseSamAlignmentCorrupt(t *testing.T) {
	for _, line := range []string{
		"read1\t99\tchr1",
		"read1\tx\tchr1\t100\t60\t50M\t=\t300\t250\tA\tI",
		"read1\t99\tchr1\t100\t60\t50Q\t=\t300\t250\tA\tI",
		"read1\t99\tchr1\t100\t60\t1M\t=\t300\t250\tAA\tI",
	} {
		_, err := ParseSamAlignment([]byte(line))
		assert.Equal(t, diag.CorruptAlignmentRecord, diag.KindOf(err), line)
	}
}

func TestOriginalSequence(t *testing.T) {
	aln := &Alignment{FLAG: Reversed, SEQ: []byte("AACGTN"), QUAL: []byte("ABCDEF")}
	seq, qual := aln.OriginalSequence()
	assert.Equal(t, "NACGTT", string(seq))
	assert.Equal(t, "FEDCBA", string(qual))
	assert.Equal(t, "AACGTN", string(aln.SEQ), "alignment modified")
	assert.Equal(t, "@r/2\nNACGTT\n+\nFEDCBA\n", string((&Alignment{QNAME: "r", FLAG: Reversed, SEQ: aln.SEQ, QUAL: aln.QUAL}).FormatFastq(nil, "/2")))
}

func TestGoodSequence(t *testing.T) {
	q := Quality{MinLength: 50, MinPhred: 17, MaxN: 2}
	good := &Alignment{SEQ: []byte(strings.Repeat("A", 50)), QUAL: []byte(strings.Repeat("5", 50))}
	assert.True(t, good.GoodSequence(q))
	short := &Alignment{SEQ: []byte(strings.Repeat("A", 49)), QUAL: []byte(strings.Repeat("5", 49))}
	assert.False(t, short.GoodSequence(q))
	lowQual := &Alignment{SEQ: good.SEQ, QUAL: []byte(strings.Repeat("1", 50))}
	assert.False(t, lowQual.GoodSequence(q))
	manyN := &Alignment{SEQ: []byte("NNN" + strings.Repeat("A", 47)), QUAL: good.QUAL}
	assert.False(t, manyN.GoodSequence(q))
	dup := &Alignment{FLAG: Duplicate, SEQ: good.SEQ, QUAL: good.QUAL}
	assert.False(t, dup.GoodSequence(q))
	assert.True(t, dup.GoodSequence(Quality{}))
}

func TestGoodSequenceNoAmbiguousBases(t *testing.T) {
	q := Quality{MinLength: 50, MinPhred: 17, MaxN: 0}
	qual := []byte(strings.Repeat("5", 60))
	clean := &Alignment{SEQ: []byte(strings.Repeat("ACGT", 15)), QUAL: qual}
	assert.True(t, clean.GoodSequence(q))
	withN := &Alignment{SEQ: []byte("NNNNN" + strings.Repeat("A", 55)), QUAL: qual}
	assert.False(t, withN.GoodSequence(q))
	oneN := &Alignment{SEQ: []byte("n" + strings.Repeat("A", 59)), QUAL: qual}
	assert.False(t, oneN.GoodSequence(q))
}

func TestScannerSkipsCorrupt(t *testing.T) {
	name := writeSam(t,
		"r1\t0\tchr1\t10\t60\t4M\t*\t0\t0\tACGT\tIIII",
		"r2\tbroken",
		"r3\t4\t*\t0\t0\t*\t*\t0\t0\tACGT\tIIII",
	)
	input, err := Open(name)
	require.NoError(t, err)
	defer input.Close()
	hdr, err := input.ParseHeader()
	require.NoError(t, err)
	assert.Equal(t, []string{"chr1", "chrEBV"}, hdr.Contigs())
	tally := diag.NewTally(false)
	sc := NewScanner(input, tally)
	var names []string
	for sc.Scan() {
		names = append(names, sc.Alignment().QNAME)
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []string{"r1", "r3"}, names)
	assert.EqualValues(t, 1, tally.Count(diag.CorruptAlignmentRecord))
}

func TestScannerStrict(t *testing.T) {
	input, err := Open(writeSam(t, "r2\tbroken"))
	require.NoError(t, err)
	defer input.Close()
	sc := NewScanner(input, diag.NewTally(true))
	assert.False(t, sc.Scan())
	assert.Equal(t, diag.CorruptAlignmentRecord, diag.KindOf(sc.Err()))
}

func TestCountIndexStats(t *testing.T) {
	var lines []string
	for i := 0; i < 9000; i++ {
		lines = append(lines, "h\t0\tchr1\t10\t60\t4M\t*\t0\t0\tACGT\tIIII")
	}
	for i := 0; i < 1000; i++ {
		lines = append(lines, "v\t0\tchrEBV\t10\t60\t4M\t*\t0\t0\tACGT\tIIII")
	}
	lines = append(lines,
		"s\t256\tchrEBV\t10\t60\t4M\t*\t0\t0\tACGT\tIIII",
		"u\t4\t*\t0\t0\t*\t*\t0\t0\tACGT\tIIII",
	)
	input, err := Open(writeSam(t, lines...))
	require.NoError(t, err)
	defer input.Close()
	stats, err := CountIndexStats(input, nil)
	require.NoError(t, err)
	assert.Equal(t, IndexStats{
		{Name: "chr1", Length: 10000, Mapped: 9000},
		{Name: "chrEBV", Length: 171823, Mapped: 1000},
		{Name: "*", Unmapped: 1},
	}, stats)
	assert.EqualValues(t, 10000, stats.TotalMapped())

	var buf bytes.Buffer
	require.NoError(t, stats.Write(&buf))
	parsed, err := ParseIndexStats(&buf)
	require.NoError(t, err)
	assert.Equal(t, stats, parsed)
}

func TestParseIndexStatsInvalid(t *testing.T) {
	_, err := ParseIndexStats(strings.NewReader("chr1\t100\t5\n"))
	assert.Error(t, err)
}

func appendInt32(out []byte, v int32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	return append(out, buf[:]...)
}

func TestParseBam(t *testing.T) {
	var header []byte
	header = append(header, bamMagic...)
	text := "@HD\tVN:1.6\n"
	header = appendInt32(header, int32(len(text)))
	header = append(header, text...)
	header = appendInt32(header, 2)
	for _, ref := range []Reference{{"chr1", 10000}, {"chrEBV", 171823}} {
		header = appendInt32(header, int32(len(ref.Name)+1))
		header = append(append(header, ref.Name...), 0)
		header = appendInt32(header, ref.Length)
	}
	hdr, refs, err := ParseBamHeader(bytes.NewReader(header))
	require.NoError(t, err)
	assert.Equal(t, []string{"chr1", "chrEBV"}, hdr.Contigs())
	assert.Len(t, refs, 2)
	assert.Contains(t, hdr.Lines, "@SQ\tSN:chrEBV\tLN:171823")

	var record []byte
	record = appendInt32(record, 1)  // refID
	record = appendInt32(record, 99) // pos
	record = append(record, 5, 60)   // l_read_name, mapq
	record = append(record, 0, 0)    // bin
	record = append(record, 1, 0)    // n_cigar_op
	record = append(record, 0x10, 0) // flag: reversed
	record = appendInt32(record, 4)  // l_seq
	record = appendInt32(record, -1) // next refID
	record = appendInt32(record, -1) // next pos
	record = appendInt32(record, 0)  // tlen
	record = append(record, "read"...)
	record = append(record, 0)
	record = appendInt32(record, 4<<4|0) // 4M
	record = append(record, 0x12, 0x48)  // ACGT
	record = append(record, 30, 30, 30, 30)
	record = append(record, 'A', 'S', 'C', 140)
	record = append(record, 'R', 'G', 'Z')
	record = append(append(record, "grp"...), 0)
	record = append(record, 'X', 'B', 'B', 's')
	record = appendInt32(record, 2)
	record = append(record, 0xff, 0xff, 2, 0)

	aln, err := ParseBamAlignment(record, refs)
	require.NoError(t, err)
	assert.Equal(t, "read\t16\tchrEBV\t100\t60\t4M\t*\t0\t0\tACGT\t????\tAS:i:140\tRG:Z:grp\tXB:B:s,-1,2\n", string(aln.Format(nil)))

	_, err = ParseBamAlignment(record[:40], refs)
	assert.Equal(t, diag.CorruptAlignmentRecord, diag.KindOf(err))
}
