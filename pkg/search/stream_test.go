package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityStream_BoundsMemoryToCapacity(t *testing.T) {
	s := NewPriorityStream(3)
	for i := 0; i < 100; i++ {
		s.Offer(Result{Path: string(rune('a' + i%26)), Score: float64(i)})
	}
	assert.Equal(t, 3, s.Len())
}

func TestPriorityStream_DrainReturnsHighestScoresFirst(t *testing.T) {
	s := NewPriorityStream(3)
	s.Offer(Result{Path: "low", Score: 1})
	s.Offer(Result{Path: "high", Score: 10})
	s.Offer(Result{Path: "mid", Score: 5})

	results := s.Drain()
	assert.Len(t, results, 3)
	assert.Equal(t, "high", results[0].Path)
	assert.Equal(t, "mid", results[1].Path)
	assert.Equal(t, "low", results[2].Path)
}

func TestPriorityStream_EvictsLowestWhenFull(t *testing.T) {
	s := NewPriorityStream(2)
	s.Offer(Result{Path: "a", Score: 1})
	s.Offer(Result{Path: "b", Score: 2})
	s.Offer(Result{Path: "c", Score: 3}) // should evict "a"

	results := s.Drain()
	paths := []string{results[0].Path, results[1].Path}
	assert.ElementsMatch(t, []string{"b", "c"}, paths)
}

func TestFuzzyScore(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		target  string
		matches bool
	}{
		{"exact subsequence", "abc", "abc", true},
		{"scattered subsequence", "ace", "abcde", true},
		{"no match", "xyz", "abc", false},
		{"empty target", "a", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := fuzzyScore(tt.pattern, tt.target)
			if tt.matches {
				assert.Greater(t, score, 0.0)
			} else {
				assert.Equal(t, 0.0, score)
			}
		})
	}
}
