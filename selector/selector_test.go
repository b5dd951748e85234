package selector

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exascience/micrite/diag"
	"github.com/exascience/micrite/intervals"
	"github.com/exascience/micrite/sam"
)

const testHeader = "@HD\tVN:1.6\tSO:unsorted\n@SQ\tSN:chr1\tLN:100000\n@SQ\tSN:chrEBV\tLN:171823\n"

var testSeq = strings.Repeat("ACGTTGCA", 8)[:60]

func samLine(qname string, flag int, rname string, pos, mapq int, cigar, rnext string, pnext int, seq string, tags ...string) string {
	qual := strings.Repeat("I", len(seq))
	fields := []string{qname, fmt.Sprint(flag), rname, fmt.Sprint(pos), fmt.Sprint(mapq), cigar, rnext, fmt.Sprint(pnext), "0", seq, qual}
	return strings.Join(append(fields, tags...), "\t")
}

func writeSam(t *testing.T, lines []string) string {
	name := filepath.Join(t.TempDir(), "input.sam")
	require.NoError(t, os.WriteFile(name, []byte(testHeader+strings.Join(lines, "\n")+"\n"), 0o644))
	return name
}

func openSam(t *testing.T, name string) *sam.InputFile {
	input, err := sam.Open(name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = input.Close() })
	return input
}

func testContigMap(t *testing.T) *ContigMap {
	contigs, err := NewContigMap([]Microbe{
		{Taxid: 10376, Name: "EBV", Contigs: []string{"chrEBV", "NC_007605"}},
		{Taxid: 32604, Name: "HHV6B", Contigs: []string{"NC_000898"}},
	})
	require.NoError(t, err)
	return contigs
}

func TestNewContigMap(t *testing.T) {
	contigs := testContigMap(t)
	taxid, ok := contigs.Taxid("NC_007605")
	assert.True(t, ok)
	assert.EqualValues(t, 10376, taxid)
	assert.Equal(t, []uint32{10376, 32604}, contigs.Taxids())
	assert.Equal(t, []string{"NC_000898", "NC_007605", "chrEBV"}, contigs.Contigs())

	_, err := NewContigMap([]Microbe{{Taxid: 1, Contigs: []string{"x"}}, {Taxid: 2, Contigs: []string{"x"}}})
	assert.Error(t, err)
}

func TestSuperfast(t *testing.T) {
	stats := sam.IndexStats{
		{Name: "chr1", Length: 248956422, Mapped: 9000},
		{Name: "chrEBV", Length: 171823, Mapped: 1000},
		{Name: "*", Unmapped: 25},
	}
	evidence, err := Superfast(stats, testContigMap(t), []uint32{10376})
	require.NoError(t, err)
	require.Len(t, evidence, 1)
	assert.EqualValues(t, 1000, evidence[0].Count)
	assert.EqualValues(t, 10000, evidence[0].Total)
	assert.InDelta(t, 0.10, evidence[0].Proportion(), 1e-12)

	_, err = Superfast(stats, testContigMap(t), []uint32{32604})
	assert.Equal(t, diag.MissingReferenceContig, diag.KindOf(err))
}

func TestSuperfastDefaultTaxaSkipsAbsentGenomes(t *testing.T) {
	stats := sam.IndexStats{
		{Name: "chr1", Length: 248956422, Mapped: 9000},
		{Name: "chrEBV", Length: 171823, Mapped: 1000},
		{Name: "*", Unmapped: 25},
	}
	evidence, err := Superfast(stats, testContigMap(t), nil)
	require.NoError(t, err)
	require.Len(t, evidence, 1)
	assert.EqualValues(t, 10376, evidence[0].Taxid)
	assert.EqualValues(t, 1000, evidence[0].Count)

	evidence, err = Superfast(sam.IndexStats{{Name: "chr1", Length: 248956422, Mapped: 9000}}, testContigMap(t), nil)
	require.NoError(t, err)
	assert.Empty(t, evidence)
}

func TestQuick(t *testing.T) {
	var lines []string
	for i := 0; i < 60; i++ {
		lines = append(lines, samLine(fmt.Sprintf("host%v", i), 0, "chr1", 1000+i, 60, "60M", "*", 0, testSeq))
	}
	for i := 0; i < 10; i++ {
		lines = append(lines, samLine(fmt.Sprintf("hard%v", i), 0, "chrEBV", 500, 60, "60M", "*", 0, testSeq))
	}
	for i := 0; i < 30; i++ {
		lines = append(lines, samLine(fmt.Sprintf("ebv%v", i), 0, "chrEBV", 5000, 60, "60M", "*", 0, testSeq))
	}
	lines = append(lines,
		samLine("ebv0", 256, "chrEBV", 7000, 0, "60M", "*", 0, testSeq),
		samLine("unmapped", 4, "*", 0, 0, "*", "*", 0, testSeq),
	)
	input := openSam(t, writeSam(t, lines))
	hardToMap := intervals.Build(map[string][]intervals.Interval{"chrEBV": {{Start: 0, End: 1000}}}, "chr1", "chrEBV")
	evidence, err := Quick(input, testContigMap(t), []uint32{10376}, hardToMap, nil)
	require.NoError(t, err)
	require.Len(t, evidence, 1)
	assert.EqualValues(t, 30, evidence[0].Count)
	assert.EqualValues(t, 100, evidence[0].Total)
	assert.Equal(t, "EBV", evidence[0].Name)
}

func TestQuickMissingContig(t *testing.T) {
	input := openSam(t, writeSam(t, []string{samLine("r", 4, "*", 0, 0, "*", "*", 0, testSeq)}))
	_, err := Quick(input, testContigMap(t), []uint32{32604}, nil, nil)
	assert.Equal(t, diag.MissingReferenceContig, diag.KindOf(err))
}

func TestQuickDefaultTaxa(t *testing.T) {
	input := openSam(t, writeSam(t, []string{
		samLine("host", 0, "chr1", 1000, 60, "60M", "*", 0, testSeq),
		samLine("ebv", 0, "chrEBV", 5000, 60, "60M", "*", 0, testSeq),
	}))
	evidence, err := Quick(input, testContigMap(t), nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, evidence, 1)
	assert.EqualValues(t, 10376, evidence[0].Taxid)
	assert.EqualValues(t, 1, evidence[0].Count)
	assert.EqualValues(t, 2, evidence[0].Total)
}

func fullFixture() []string {
	return []string{
		samLine("p1", 99, "chr1", 100, 60, "60M", "=", 300, testSeq),
		samLine("p2", 73, "chr1", 1000, 60, "60M", "=", 1000, testSeq),
		samLine("u1", 0, "chrEBV", 100, 60, "60M", "*", 0, testSeq, "AS:i:140"),
		samLine("p3", 99, "chr1", 2000, 60, "60M", "=", 5000, testSeq),
		samLine("bad", 4, "*", 0, 0, "*", "*", 0, "ACGT"),
		samLine("p1", 147, "chr1", 300, 60, "60M", "=", 100, testSeq),
		samLine("p3", 147, "chr1", 5000, 60, "60M", "=", 2000, testSeq),
		samLine("p4", 73, "chr1", 3000, 60, "60M", "=", 3000, testSeq),
		samLine("p2", 133, "chr1", 1000, 0, "*", "=", 1000, testSeq),
	}
}

func fullOptions() Options {
	options := DefaultOptions()
	options.DecoyContigs = []string{"chrEBV", "NC_007605"}
	options.HomologyDecoy = intervals.Build(map[string][]intervals.Interval{"chr1": {{Start: 4990, End: 5010}}}, "chr1", "chrEBV")
	return options
}

func fastqNames(fastq string) (names []string) {
	lines := strings.Split(strings.TrimSuffix(fastq, "\n"), "\n")
	for i := 0; i+3 < len(lines); i += 4 {
		names = append(names, lines[i])
	}
	return
}

func TestFull(t *testing.T) {
	input := openSam(t, writeSam(t, fullFixture()))
	var first, second, single bytes.Buffer
	summary, err := Full(input, fullOptions(), NewOutput(&first, &second, &single), diag.NewTally(false))
	require.NoError(t, err)

	assert.EqualValues(t, 9, summary.Reads)
	assert.EqualValues(t, 7, summary.Mapped)
	assert.EqualValues(t, 2, summary.Unmapped)
	assert.EqualValues(t, 7, summary.Candidates)
	assert.EqualValues(t, 6, summary.Written)
	assert.EqualValues(t, 1, summary.Filtered)
	assert.EqualValues(t, 1, summary.Orphans)
	assert.Equal(t, []string{"chrEBV"}, summary.DecoyContigs)
	assert.EqualValues(t, 1, summary.GoodAlignments["chrEBV"])

	assert.Equal(t, []string{"@p3/1", "@p2/1"}, fastqNames(first.String()))
	assert.Equal(t, []string{"@p3/2", "@p2/2"}, fastqNames(second.String()))
	assert.Equal(t, []string{"@u1", "@p4"}, fastqNames(single.String()))

	var out bytes.Buffer
	require.NoError(t, summary.Write(&out))
	assert.Contains(t, out.String(), "total depth (number of reads)\t9\n")
	assert.Contains(t, out.String(), "Contig [chrEBV] good quality alignments\t1\n")
}

func TestFullReverseComplement(t *testing.T) {
	input := openSam(t, writeSam(t, []string{samLine("rev", 16, "chrEBV", 100, 60, "60M", "*", 0, strings.Repeat("A", 59)+"C")}))
	var first, second, single bytes.Buffer
	_, err := Full(input, fullOptions(), NewOutput(&first, &second, &single), nil)
	require.NoError(t, err)
	assert.Equal(t, "@rev\nG"+strings.Repeat("T", 59)+"\n+\n"+strings.Repeat("I", 60)+"\n", single.String())
}

func TestFullSoftClip(t *testing.T) {
	lines := []string{samLine("clip", 0, "chr1", 100, 60, "30S30M", "*", 0, testSeq)}
	options := fullOptions()
	for _, c := range []struct {
		predicate PartlyUnmapped
		expected  int64
	}{{MateUnmapped, 0}, {SoftClipped, 1}, {Either, 1}, {NotPartly, 0}} {
		input := openSam(t, writeSam(t, lines))
		options.PartlyUnmapped = c.predicate
		var first, second, single bytes.Buffer
		summary, err := Full(input, options, NewOutput(&first, &second, &single), nil)
		require.NoError(t, err)
		assert.Equal(t, c.expected, summary.Candidates, c.predicate.String())
	}
}

func TestFullSoftClipMateCigar(t *testing.T) {
	options := fullOptions()
	options.PartlyUnmapped = SoftClipped

	// without MC, the clean mate cannot be recognized and the clipped
	// read is written without it
	input := openSam(t, writeSam(t, []string{
		samLine("sc", 99, "chr1", 100, 60, "30S30M", "=", 400, testSeq),
		samLine("sc", 147, "chr1", 400, 60, "60M", "=", 100, testSeq),
	}))
	var first, second, single bytes.Buffer
	summary, err := Full(input, options, NewOutput(&first, &second, &single), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, summary.Candidates)
	assert.EqualValues(t, 1, summary.Orphans)
	assert.Empty(t, first.String())
	assert.Equal(t, []string{"@sc"}, fastqNames(single.String()))

	input = openSam(t, writeSam(t, []string{
		samLine("sc", 99, "chr1", 100, 60, "30S30M", "=", 400, testSeq, "MC:Z:60M"),
		samLine("sc", 147, "chr1", 400, 60, "60M", "=", 100, testSeq, "MC:Z:30S30M"),
	}))
	first.Reset()
	second.Reset()
	single.Reset()
	summary, err = Full(input, options, NewOutput(&first, &second, &single), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, summary.Candidates)
	assert.EqualValues(t, 0, summary.Orphans)
	assert.Equal(t, []string{"@sc/1"}, fastqNames(first.String()))
	assert.Equal(t, []string{"@sc/2"}, fastqNames(second.String()))
	assert.Empty(t, single.String())
}

func TestFullStrictCorrupt(t *testing.T) {
	input := openSam(t, writeSam(t, []string{"broken\tline"}))
	var first, second, single bytes.Buffer
	_, err := Full(input, fullOptions(), NewOutput(&first, &second, &single), diag.NewTally(true))
	assert.Equal(t, diag.CorruptAlignmentRecord, diag.KindOf(err))
}

func TestCreateOutput(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "sample")
	input := openSam(t, writeSam(t, fullFixture()))
	out, err := CreateOutput(prefix)
	require.NoError(t, err)
	_, err = Full(input, fullOptions(), out, nil)
	require.NoError(t, err)
	require.NoError(t, out.Close())
	_, _, singleName := CandidateFiles(prefix)
	data, err := os.ReadFile(singleName)
	require.NoError(t, err)
	assert.Equal(t, []string{"@u1", "@p4"}, fastqNames(string(data)))
}

func TestParsePartlyUnmapped(t *testing.T) {
	for _, pu := range []PartlyUnmapped{MateUnmapped, SoftClipped, Either, NotPartly} {
		parsed, err := ParsePartlyUnmapped(pu.String())
		require.NoError(t, err)
		assert.Equal(t, pu, parsed)
	}
	_, err := ParsePartlyUnmapped("sometimes")
	assert.Error(t, err)
}
