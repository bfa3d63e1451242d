package progress_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sneh-joshi/disqube/internal/progress"
)

func TestTracker_Milestones(t *testing.T) {
	var got []int
	tr := progress.New("scan", 10, 25, func(_ string, p int, _, _ uint64) { got = append(got, p) })
	for i := 0; i < 10; i++ {
		tr.Advance(1)
	}
	assert.Equal(t, []int{25, 50, 75, 100}, got)
}

func TestTracker_FinishOnce(t *testing.T) {
	calls := 0
	tr := progress.New("scan", 1, 50, func(string, int, uint64, uint64) { calls++ })
	tr.Advance(1)
	tr.Finish()
	assert.Equal(t, 1, calls)
}

func TestRange_VisitsInclusive(t *testing.T) {
	tr := progress.New("scan", 3, 10, nil)
	var seen []uint32
	for v := range progress.Range(5, 7, tr) {
		seen = append(seen, v)
	}
	assert.Equal(t, []uint32{5, 6, 7}, seen)
	assert.Equal(t, 100, tr.Percent())
}

func TestRange_EarlyBreak(t *testing.T) {
	tr := progress.New("scan", 100, 10, nil)
	n := 0
	for range progress.Range(0, 99, tr) {
		n++
		if n == 5 {
			break
		}
	}
	assert.Equal(t, 5, n)
	assert.Equal(t, 4, tr.Percent(), "the broken-out value is not counted")
}

func TestRange_Empty(t *testing.T) {
	var last int
	tr := progress.New("scan", 0, 10, func(_ string, p int, _, _ uint64) { last = p })
	for range progress.Range(2, 1, tr) {
		t.Fatal("empty range yielded")
	}
	assert.Equal(t, 100, last)
}

func TestRange_MaxUint32DoesNotWrap(t *testing.T) {
	tr := progress.New("scan", 2, 10, nil)
	var seen []uint32
	for v := range progress.Range(^uint32(0)-1, ^uint32(0), tr) {
		seen = append(seen, v)
	}
	assert.Len(t, seen, 2)
}
