package cmd

import (
	"bytes"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTaxids(t *testing.T) {
	taxids, err := parseTaxids("10376, 32604,10566")
	require.NoError(t, err)
	assert.Equal(t, []uint32{10376, 32604, 10566}, taxids)

	taxids, err = parseTaxids("")
	require.NoError(t, err)
	assert.Nil(t, taxids)

	_, err = parseTaxids("10376,EBV")
	assert.Error(t, err)
}

func TestGivenFlags(t *testing.T) {
	var (
		flags  flag.FlagSet
		policy string
		common commonOptions
	)
	flags.StringVar(&policy, "policy", "superfast", "")
	common.register(&flags)
	require.NoError(t, flags.Parse([]string{"--strict", "--sample", "S1"}))
	given := givenFlags(&flags)
	assert.True(t, given["strict"])
	assert.True(t, given["sample"])
	assert.False(t, given["policy"])
	assert.Equal(t, "S1", common.sample)
}

func TestCommonOptionsLoad(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "micrite.yaml")
	require.NoError(t, os.WriteFile(file, []byte("sample: from-file\nstrict: true\n"), 0666))

	var (
		flags  flag.FlagSet
		common commonOptions
	)
	common.register(&flags)
	require.NoError(t, flags.Parse([]string{"--config", file, "--sample", "from-flag"}))
	cfg, err := common.load(&flags)
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.Sample)
	assert.True(t, cfg.Strict)
}

func TestWriteCounts(t *testing.T) {
	var out bytes.Buffer
	names := map[uint32]string{10376: "Human gammaherpesvirus 4"}
	require.NoError(t, writeCounts(&out, map[uint32]int64{32604: 0, 10376: 50}, func(taxid uint32) string {
		return names[taxid]
	}))
	assert.Equal(t, "taxid\tname\treads\n10376\tHuman gammaherpesvirus 4\t50\n32604\t\t0\n", out.String())
}

func TestWriteFile(t *testing.T) {
	name := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, writeFile(name, func(w io.Writer) error {
		_, err := io.WriteString(w, "hello\n")
		return err
	}))
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestCheckTaxonomySource(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, checkTaxonomySource("", ""))
	assert.False(t, checkTaxonomySource("a", "b"))
	assert.True(t, checkTaxonomySource("", dir))
	assert.False(t, checkTaxonomySource(filepath.Join(dir, "missing.kreport"), ""))
}
