package sift

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
	"github.com/exascience/micrite/sam"
	"github.com/exascience/micrite/selector"
	"github.com/exascience/micrite/taxonomy"
)

const ebvStrain = 82830

var readSeq = strings.Repeat("ACGGTCATTG", 6)

func testResolver(t *testing.T) *taxonomy.Resolver {
	tree, err := taxonomy.FromReport([]taxonomy.ReportRow{
		{Taxid: 1, Name: "root"},
		{Taxid: 10239, Name: "Viruses", Depth: 1},
		{Taxid: 10292, Name: "Herpesviridae", Depth: 2},
		{Taxid: 10376, Name: "Human gammaherpesvirus 4", Depth: 3},
		{Taxid: ebvStrain, Name: "Epstein-Barr virus strain AG876", Depth: 4},
		{Taxid: 32604, Name: "Human betaherpesvirus 6B", Depth: 3},
	})
	require.NoError(t, err)
	return taxonomy.NewResolver(tree)
}

func writeFile(t *testing.T, dir, name, content string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func classifications(nEBV, nHost int, extra ...string) string {
	var sb strings.Builder
	for i := 0; i < nEBV; i++ {
		fmt.Fprintf(&sb, "C\tebv%02d\t%v\t120\t%v:50\n", i, ebvStrain, ebvStrain)
	}
	for i := 0; i < nHost; i++ {
		fmt.Fprintf(&sb, "U\thost%02d\t0\t120\t0:86\n", i)
	}
	for _, line := range extra {
		sb.WriteString(line + "\n")
	}
	return sb.String()
}

func fastqRecord(name string) string {
	return "@" + name + "\n" + readSeq + "\n+\n" + strings.Repeat("I", len(readSeq)) + "\n"
}

func countPrefix(text, prefix string) (n int) {
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return
}

func TestOutputName(t *testing.T) {
	assert.Equal(t, "out/s.taxid10376.fastq", OutputName("out/s", []uint32{10376}, "reads.fq.gz", 0, 1))
	assert.Equal(t, "s.taxid10376_32604_2.fasta", OutputName("s", []uint32{10376, 32604}, "r2.fa", 1, 2))
	assert.Equal(t, "s.taxid10376.sam", OutputName("s", []uint32{10376}, "in.bam", 0, 1))
}

func TestExtractFasta(t *testing.T) {
	dir := t.TempDir()
	var fasta strings.Builder
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&fasta, ">host%02d\n%v\n", i, readSeq)
	}
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&fasta, ">ebv%02d description\n%v\n", i, readSeq)
	}
	job := Job{
		Resolver:        testResolver(t),
		Taxids:          []uint32{10376},
		Classifications: writeFile(t, dir, "reads.kout", classifications(50, 20)),
		Sources:         []string{writeFile(t, dir, "reads.fasta", fasta.String())},
		Prefix:          filepath.Join(dir, "sample"),
	}
	tally := diag.NewTally(false)
	report, err := Extract(job, tally)
	require.NoError(t, err)
	assert.Equal(t, 50, report.Targets)
	assert.Equal(t, []uint32{10376, ebvStrain}, report.Taxa)
	assert.Zero(t, report.Missing)
	require.Len(t, report.Sources, 1)
	assert.EqualValues(t, 50, report.Sources[0].Records)
	assert.Zero(t, tally.Total())

	first, err := os.ReadFile(report.Sources[0].Output)
	require.NoError(t, err)
	assert.Equal(t, 50, countPrefix(string(first), ">ebv"))
	assert.Zero(t, countPrefix(string(first), ">host"))
	assert.True(t, strings.HasPrefix(string(first), ">ebv00 description\n"+readSeq+"\n"))

	_, err = Extract(job, diag.NewTally(false))
	require.NoError(t, err)
	second, err := os.ReadFile(report.Sources[0].Output)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(first, second), "extraction is not idempotent")
}

func TestExtractInterleavedPairs(t *testing.T) {
	dir := t.TempDir()
	var fastq strings.Builder
	for i := 0; i < 50; i++ {
		fastq.WriteString(fastqRecord(fmt.Sprintf("ebv%02d/1", i)))
		if i != 7 {
			fastq.WriteString(fastqRecord(fmt.Sprintf("ebv%02d/2", i)))
		}
		fastq.WriteString(fastqRecord(fmt.Sprintf("host%02d/1", i)))
		fastq.WriteString(fastqRecord(fmt.Sprintf("host%02d/2", i)))
	}
	job := Job{
		Resolver:        testResolver(t),
		Taxids:          []uint32{10376},
		Classifications: writeFile(t, dir, "reads.kout", classifications(50, 50)),
		Sources:         []string{writeFile(t, dir, "reads.fastq", fastq.String())},
		Prefix:          filepath.Join(dir, "sample"),
		RequirePairs:    true,
	}
	tally := diag.NewTally(false)
	report, err := Extract(job, tally)
	require.NoError(t, err)
	assert.Equal(t, 50, report.Targets)
	assert.EqualValues(t, 99, report.Sources[0].Records)
	assert.EqualValues(t, 1, report.Sources[0].Unpaired)
	assert.EqualValues(t, 1, tally.Count(diag.SequenceSourceMismatch))

	data, err := os.ReadFile(report.Sources[0].Output)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 99*4)
	assert.Equal(t, "@ebv00/1", lines[0])
	assert.Equal(t, "@ebv00/2", lines[4])
	assert.Equal(t, "@ebv07/1", lines[98*4], "reads without mate come last")
}

func TestExtractSplitMates(t *testing.T) {
	dir := t.TempDir()
	var r1, r2 strings.Builder
	for i := 0; i < 50; i++ {
		r1.WriteString(fastqRecord(fmt.Sprintf("ebv%02d/1", i)))
		if i != 3 {
			r2.WriteString(fastqRecord(fmt.Sprintf("ebv%02d/2", i)))
		}
	}
	job := Job{
		Resolver:        testResolver(t),
		Taxids:          []uint32{10376},
		Classifications: writeFile(t, dir, "reads.kout", classifications(50, 0)),
		Sources:         []string{writeFile(t, dir, "r1.fastq", r1.String()), writeFile(t, dir, "r2.fastq", r2.String())},
		Prefix:          filepath.Join(dir, "sample"),
		RequirePairs:    true,
	}
	tally := diag.NewTally(false)
	report, err := Extract(job, tally)
	require.NoError(t, err)
	require.Len(t, report.Sources, 2)
	assert.EqualValues(t, 50, report.Sources[0].Records)
	assert.EqualValues(t, 49, report.Sources[1].Records)
	assert.EqualValues(t, 1, report.Sources[0].Unpaired)
	assert.Zero(t, report.Sources[1].Unpaired)
	assert.Equal(t, filepath.Join(dir, "sample.taxid10376_2.fastq"), report.Sources[1].Output)
	assert.EqualValues(t, 1, tally.Count(diag.SequenceSourceMismatch))
}

func TestExtractMissingAndNotClassified(t *testing.T) {
	dir := t.TempDir()
	source := writeFile(t, dir, "reads.fastq", fastqRecord("ebv00"))
	kout := writeFile(t, dir, "reads.kout", classifications(2, 1, "malformed"))
	tally := diag.NewTally(false)
	report, err := Extract(Job{
		Resolver:        testResolver(t),
		Taxids:          []uint32{10376},
		Classifications: kout,
		Sources:         []string{source},
		Prefix:          filepath.Join(dir, "ebv"),
	}, tally)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Targets)
	assert.Equal(t, 1, report.Missing)
	assert.EqualValues(t, 1, tally.Count(diag.SequenceSourceMismatch))
	assert.EqualValues(t, 1, tally.Count(diag.MalformedReportLine))

	tally = diag.NewTally(false)
	report, err = Extract(Job{
		Resolver:        testResolver(t),
		Taxids:          []uint32{32604},
		Classifications: kout,
		Sources:         []string{source},
		Prefix:          filepath.Join(dir, "hhv6b"),
	}, tally)
	require.NoError(t, err)
	assert.Zero(t, report.Targets)
	assert.EqualValues(t, 1, tally.Count(diag.TaxidNotClassified))
	data, err := os.ReadFile(report.Sources[0].Output)
	require.NoError(t, err)
	assert.Empty(t, data)

	_, err = Extract(Job{
		Resolver:        testResolver(t),
		Taxids:          []uint32{10376},
		Classifications: kout,
		Sources:         []string{source},
		Prefix:          filepath.Join(dir, "strict"),
	}, diag.NewTally(true))
	assert.Equal(t, diag.MalformedReportLine, diag.KindOf(err))
}

func samLine(qname string, flag int, rname string, pos int, cigar string) string {
	return strings.Join([]string{qname, fmt.Sprint(flag), rname, fmt.Sprint(pos), "60", cigar, "*", "0", "0",
		readSeq, strings.Repeat("I", len(readSeq)), "AS:i:150"}, "\t")
}

func TestExtractAlignmentsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	var sb strings.Builder
	sb.WriteString("@HD\tVN:1.6\tSO:unsorted\n@SQ\tSN:chr1\tLN:100000\n@SQ\tSN:chrEBV\tLN:171823\n")
	for i := 0; i < 50; i++ {
		switch {
		case i < 30:
			sb.WriteString(samLine(fmt.Sprintf("ebv%02d", i), 77, "*", 0, "*") + "\n")
			sb.WriteString(samLine(fmt.Sprintf("ebv%02d", i), 141, "*", 0, "*") + "\n")
		default:
			sb.WriteString(samLine(fmt.Sprintf("ebv%02d", i), 0, "chrEBV", 1000+i, "60M") + "\n")
		}
		sb.WriteString(samLine(fmt.Sprintf("host%02d", i), 0, "chr1", 1000+i, "60M") + "\n")
	}
	job := Job{
		Resolver:        testResolver(t),
		Taxids:          []uint32{10376},
		Classifications: writeFile(t, dir, "reads.kout", classifications(50, 50)),
		Sources:         []string{writeFile(t, dir, "input.sam", sb.String())},
		Prefix:          filepath.Join(dir, "sample"),
		RequirePairs:    true,
		CommandLine:     "micrite sift",
	}
	tally := diag.NewTally(false)
	report, err := Extract(job, tally)
	require.NoError(t, err)
	assert.EqualValues(t, 80, report.Sources[0].Records)
	assert.Zero(t, report.Sources[0].Unpaired)
	assert.Zero(t, tally.Total())

	input, err := sam.Open(report.Sources[0].Output)
	require.NoError(t, err)
	defer input.Close()
	hdr, err := input.ParseHeader()
	require.NoError(t, err)
	assert.Equal(t, "@PG\tID:micrite-sift\tPN:micrite\tVN:0.3.0\tCL:micrite sift", hdr.Lines[len(hdr.Lines)-1])

	options := selector.DefaultOptions()
	options.DecoyContigs = []string{"chrEBV"}
	var first, second, single bytes.Buffer
	summary, err := selector.Full(input, options, selector.NewOutput(&first, &second, &single), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 80, summary.Reads)
	assert.EqualValues(t, 80, summary.Candidates)
}
