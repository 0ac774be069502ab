package search

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/relaykit/taskrunner/pkg/cache"
)

// Strategy selects how Engine.Search matches a query against a
// filename or file content.
type Strategy string

const (
	StrategyExact   Strategy = "exact"
	StrategyGlob    Strategy = "glob"
	StrategyRegex   Strategy = "regex"
	StrategyFuzzy   Strategy = "fuzzy"
	StrategyContent Strategy = "content"
)

// Query parameterizes one search.
type Query struct {
	Root        string
	Pattern     string
	Strategy    Strategy
	MinScore    float64
	MaxResults  int
	MaxFileSize int64 // 0 disables the content-search size gate
}

// Engine is the File Search Engine (C3): it drives a Walker over a
// root directory, scores each candidate against Query, retains the
// top matches in a PriorityStream, and caches the final result set
// keyed by (root, pattern, strategy).
type Engine struct {
	walker *Walker
	cache  *cache.ResultCache
	log    zerolog.Logger
}

// NewEngine constructs an Engine over walker, optionally caching
// results in resultCache (nil disables caching).
func NewEngine(walker *Walker, resultCache *cache.ResultCache, log zerolog.Logger) *Engine {
	return &Engine{walker: walker, cache: resultCache, log: log}
}

// CacheKey derives the Result Cache key for a query.
func CacheKey(q Query) string {
	return fmt.Sprintf("search:%s:%s:%s", q.Root, q.Strategy, q.Pattern)
}

// Search streams the root directory and returns the highest-scoring
// matches, bounded by q.MaxResults regardless of how many files are
// scanned — memory use is O(MaxResults), not O(tree size).
func (e *Engine) Search(ctx context.Context, q Query) ([]Result, error) {
	if e.cache != nil {
		if cached, found, _ := e.cache.Get(ctx, CacheKey(q)); found {
			if results, ok := cached.([]Result); ok {
				return results, nil
			}
		}
	}

	stream := NewPriorityStream(q.MaxResults)
	matcher, err := newMatcher(q)
	if err != nil {
		return nil, err
	}

	for entry := range e.walker.Walk(ctx, q.Root) {
		if entry.Info.IsDir() {
			continue
		}
		select {
		case <-ctx.Done():
			return stream.Drain(), ctx.Err()
		default:
		}

		if q.Strategy == StrategyContent {
			if q.MaxFileSize > 0 && entry.Info.Size() > q.MaxFileSize {
				continue
			}
			if score, snippet, ok := matcher.matchContent(entry.Path); ok {
				stream.Offer(Result{Path: entry.Path, Score: score, MatchedOn: "content", Snippet: snippet, Size: entry.Info.Size()})
			}
			continue
		}

		if score, ok := matcher.matchName(filepath.Base(entry.Path)); ok {
			stream.Offer(Result{Path: entry.Path, Score: score, MatchedOn: "name", Size: entry.Info.Size()})
		}
	}

	results := stream.Drain()
	if e.cache != nil {
		_ = e.cache.Set(ctx, CacheKey(q), results, 0)
	}
	return results, nil
}

type matcher struct {
	query    Query
	regex    *regexp.Regexp
}

func newMatcher(q Query) (*matcher, error) {
	m := &matcher{query: q}
	if q.Strategy == StrategyRegex {
		re, err := regexp.Compile(q.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex pattern: %w", err)
		}
		m.regex = re
	}
	return m, nil
}

func (m *matcher) matchName(name string) (float64, bool) {
	switch m.query.Strategy {
	case StrategyExact:
		if name == m.query.Pattern {
			return 1.0, true
		}
		return 0, false
	case StrategyGlob:
		ok, err := filepath.Match(m.query.Pattern, name)
		if err != nil || !ok {
			return 0, false
		}
		return 1.0, true
	case StrategyRegex:
		if m.regex.MatchString(name) {
			return 1.0, true
		}
		return 0, false
	case StrategyFuzzy:
		score := fuzzyScore(m.query.Pattern, name)
		threshold := m.query.MinScore
		if threshold <= 0 {
			threshold = 0.3
		}
		return score, score >= threshold
	default:
		return 0, false
	}
}

func (m *matcher) matchContent(path string) (float64, string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if strings.Contains(line, m.query.Pattern) {
			return 1.0, fmt.Sprintf("%d: %s", lineNum, strings.TrimSpace(line)), true
		}
	}
	return 0, "", false
}

// fuzzyScore returns a 0..1 subsequence-match score. It is 0 unless
// every pattern character is found, in order, within name; otherwise
// it is 0.6*density + 0.4*coverage, where density is the pattern length
// over the span of the match and coverage is the pattern length over
// the name length. Where in name the match starts does not matter.
func fuzzyScore(pattern, name string) float64 {
	pattern, name = strings.ToLower(pattern), strings.ToLower(name)
	if pattern == "" {
		return 0
	}

	pi := 0
	matchedAt := make([]int, 0, len(pattern))
	for ni, ch := range name {
		if pi >= len(pattern) {
			break
		}
		if rune(pattern[pi]) == ch {
			matchedAt = append(matchedAt, ni)
			pi++
		}
	}
	if pi < len(pattern) {
		return 0
	}

	span := float64(len(name))
	if len(matchedAt) > 0 {
		span = float64(matchedAt[len(matchedAt)-1]-matchedAt[0]) + 1
	}
	density := float64(len(pattern)) / span
	coverage := float64(len(pattern)) / float64(len(name))
	return 0.6*density + 0.4*coverage
}
