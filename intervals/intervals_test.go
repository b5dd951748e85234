package intervals

import (
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exascience/micrite/diag"
)

func intervalsEqual(intervals1, intervals2 []Interval) bool {
	if len(intervals1) != len(intervals2) {
		return false
	}
	for i, interval1 := range intervals1 {
		if interval1 != intervals2[i] {
			return false
		}
	}
	return true
}

func makeLargeIntervalsSlice() (result []Interval) {
	result = make([]Interval, 0x30000)
	result[0].Start = 0
	result[0].End = 3
	for i := 1; i < len(result); i++ {
		switch r := rand.Intn(100); {
		case r < 20:
			result[i].Start = result[i-1].End - 1
		case r < 30:
			result[i].Start = result[i-1].End
		default:
			result[i].Start = result[i-1].End + 1
		}
		result[i].End = result[i].Start + 3
	}
	return result
}

func checkFlattened(t *testing.T, name string, intervals []Interval) {
	if intervals[0].Start > intervals[0].End {
		t.Error(name, "a failed")
	}
	for i := 1; i < len(intervals); i++ {
		interval := intervals[i]
		if interval.Start > interval.End || interval.Start <= intervals[i-1].End {
			t.Error(name, "b failed")
			return
		}
	}
}

func TestFlatten(t *testing.T) {
	for name, flatten := range map[string]func([]Interval) []Interval{
		"Flatten":         Flatten,
		"ParallelFlatten": ParallelFlatten,
	} {
		if flatten(nil) != nil {
			t.Error("empty", name, "failed")
		}
		if !intervalsEqual(flatten([]Interval{{2, 3}, {3, 4}}), []Interval{{2, 4}}) {
			t.Error(name, "1 failed")
		}
		if !intervalsEqual(flatten([]Interval{{2, 3}, {4, 5}}), []Interval{{2, 3}, {4, 5}}) {
			t.Error(name, "2 failed")
		}
		if !intervalsEqual(flatten([]Interval{{2, 4}, {3, 5}, {4, 6}}), []Interval{{2, 6}}) {
			t.Error(name, "3 failed")
		}
		if !intervalsEqual(flatten([]Interval{{2, 4}, {3, 5}, {4, 6}, {7, 9}}), []Interval{{2, 6}, {7, 9}}) {
			t.Error(name, "4 failed")
		}
		if !intervalsEqual(flatten([]Interval{{2, 3}, {3, 4}, {5, 6}, {6, 7}}), []Interval{{2, 4}, {5, 7}}) {
			t.Error(name, "5 failed")
		}
		if !intervalsEqual(flatten([]Interval{{2, 3}, {2, 5}, {2, 4}, {2, 3}, {2, 6}, {2, 7}}), []Interval{{2, 7}}) {
			t.Error(name, "6 failed")
		}
		checkFlattened(t, name+" 7", flatten(makeLargeIntervalsSlice()))
	}
}

func TestParallelFlattenAgrees(t *testing.T) {
	large := makeLargeIntervalsSlice()
	sequential := Flatten(append([]Interval(nil), large...))
	parallel := ParallelFlatten(large)
	assert.True(t, intervalsEqual(sequential, parallel))
}

func BenchmarkFlatten(b *testing.B) {
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		intervals := makeLargeIntervalsSlice()
		b.StartTimer()
		_ = Flatten(intervals)
	}
}

func BenchmarkParallelFlatten(b *testing.B) {
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		intervals := makeLargeIntervalsSlice()
		b.StartTimer()
		_ = ParallelFlatten(intervals)
	}
}

func TestOverlap(t *testing.T) {
	if Overlap(nil, 2, 3) {
		t.Error("empty Overlap failed")
	}
	if Overlap([]Interval{{1, 3}, {7, 8}}, 4, 6) {
		t.Error("Overlap 1 failed")
	}
	if !Overlap([]Interval{{2, 4}, {6, 8}}, 1, 3) {
		t.Error("Overlap 2 failed")
	}
	if !Overlap([]Interval{{2, 4}, {6, 8}}, 2, 3) {
		t.Error("Overlap 3 failed")
	}
	if !Overlap([]Interval{{2, 4}, {6, 8}}, 3, 7) {
		t.Error("Overlap 4 failed")
	}
	if !Overlap([]Interval{{2, 4}, {6, 8}}, 5, 7) {
		t.Error("Overlap 5 failed")
	}
	if !Overlap([]Interval{{2, 4}, {6, 8}}, 7, 9) {
		t.Error("Overlap 6 failed")
	}
	if !Overlap([]Interval{{2, 4}, {6, 8}}, 1, 10) {
		t.Error("Overlap 7 failed")
	}
	if Overlap([]Interval{{2, 4}, {6, 8}}, 4, 6) {
		t.Error("Overlap 8 failed: half-open ends must not touch")
	}
	if Overlap([]Interval{{2, 4}, {6, 8}}, 8, 10) {
		t.Error("Overlap 9 failed")
	}
	if Overlap([]Interval{{2, 4}, {6, 8}}, 0, 2) {
		t.Error("Overlap 10 failed")
	}
	if Overlap([]Interval{{2, 4}, {6, 8}}, 3, 3) {
		t.Error("Overlap 11 failed: empty range")
	}
}

func TestIntersect(t *testing.T) {
	if !intervalsEqual(Intersect(nil, 2, 3), nil) {
		t.Error("empty Intersect failed")
	}
	if !intervalsEqual(Intersect([]Interval{{1, 3}, {7, 8}}, 4, 6), nil) {
		t.Error("Intersect 1 failed")
	}
	if !intervalsEqual(Intersect([]Interval{{2, 4}, {6, 8}}, 1, 3), []Interval{{2, 4}}) {
		t.Error("Intersect 2 failed")
	}
	if !intervalsEqual(Intersect([]Interval{{2, 4}, {6, 8}}, 2, 6), []Interval{{2, 4}}) {
		t.Error("Intersect 3 failed")
	}
	if !intervalsEqual(Intersect([]Interval{{2, 4}, {6, 8}}, 3, 7), []Interval{{2, 4}, {6, 8}}) {
		t.Error("Intersect 4 failed")
	}
	if !intervalsEqual(Intersect([]Interval{{2, 4}, {6, 8}}, 4, 9), []Interval{{6, 8}}) {
		t.Error("Intersect 5 failed")
	}
	if !intervalsEqual(Intersect([]Interval{{2, 4}, {6, 8}}, 1, 10), []Interval{{2, 4}, {6, 8}}) {
		t.Error("Intersect 6 failed")
	}
}

func TestIndex(t *testing.T) {
	input := map[string][]Interval{
		"chr1": {{500, 900}, {100, 200}, {150, 300}, {300, 310}},
	}
	index := Build(input, "chr1", "chr2")
	assert.Equal(t, []Interval{{500, 900}, {100, 200}, {150, 300}, {300, 310}}, input["chr1"], "input modified")
	assert.Equal(t, []Interval{{100, 310}, {500, 900}}, index.Intervals("chr1"))
	assert.Equal(t, 2, index.Len())

	ok, err := index.Overlaps("chr1", 309, 320)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = index.Overlaps("chr1", 310, 500)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = index.Overlaps("chr2", 0, 1000)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = index.Overlaps("chr1", 20, 10)
	assert.Equal(t, diag.InvalidRegion, diag.KindOf(err))
	_, err = index.Overlaps("chrUn", 0, 10)
	assert.Equal(t, diag.InvalidRegion, diag.KindOf(err))
}

func TestIndexConcurrentQueries(t *testing.T) {
	index := Build(map[string][]Interval{"chr1": makeLargeIntervalsSlice()})
	flat := index.Intervals("chr1")
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				interval := flat[rand.Intn(len(flat))]
				ok, err := index.Overlaps("chr1", interval.Start, interval.Start+1)
				if err != nil || !ok {
					t.Error("concurrent query failed")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestLoadRegions(t *testing.T) {
	dir := t.TempDir()
	hard := filepath.Join(dir, "hard.bed")
	require.NoError(t, os.WriteFile(hard, []byte("chr1\t100\t200\nchr1\t150\t250\n"), 0o644))
	regions, err := LoadRegions(hard, "", []string{"chr1", "chrEBV"})
	require.NoError(t, err)
	assert.Equal(t, []Interval{{100, 250}}, regions.HardToMap.Intervals("chr1"))
	assert.True(t, regions.HomologyDecoy.Knows("chrEBV"))
	assert.Equal(t, 0, regions.HomologyDecoy.Len())

	bad := filepath.Join(dir, "bad.bed")
	require.NoError(t, os.WriteFile(bad, []byte("chr1\t300\t200\n"), 0o644))
	_, err = LoadRegions("", bad, nil)
	assert.Equal(t, diag.InvalidRegion, diag.KindOf(err))
}
