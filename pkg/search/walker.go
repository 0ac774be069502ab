package search

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/relaykit/taskrunner/pkg/security"
)

// Entry is one filesystem entry yielded by the walker.
type Entry struct {
	Path  string
	Info  os.FileInfo
	Depth int
}

// WalkerConfig bounds a single walk.
type WalkerConfig struct {
	MaxDepth          int
	ExcludedDirs      map[string]bool
	FollowSymlinks    bool
	MaxEntriesPerScan int
}

// Walker streams filesystem entries under a root, pruning excluded
// directories and stopping at MaxDepth, so a caller never has to hold
// the whole tree in memory.
type Walker struct {
	config WalkerConfig
	policy security.PathPolicy
	log    zerolog.Logger
}

// NewWalker constructs a Walker. A nil policy defaults to
// security.AllowAll.
func NewWalker(config WalkerConfig, policy security.PathPolicy, log zerolog.Logger) *Walker {
	if policy == nil {
		policy = security.AllowAll{}
	}
	if config.ExcludedDirs == nil {
		config.ExcludedDirs = map[string]bool{}
	}
	return &Walker{config: config, policy: policy, log: log}
}

// Walk streams entries under root onto the returned channel, honoring
// ctx cancellation (e.g. a job's abort signal). The channel is closed
// when the walk completes, the entry cap is hit, or ctx is cancelled.
func (w *Walker) Walk(ctx context.Context, root string) <-chan Entry {
	out := make(chan Entry)

	go func() {
		defer close(out)
		emitted := 0
		w.walkDir(ctx, root, 0, out, &emitted)
	}()

	return out
}

func (w *Walker) walkDir(ctx context.Context, dir string, depth int, out chan<- Entry, emitted *int) {
	if depth > w.config.MaxDepth {
		return
	}
	if !w.policy.Allowed(dir) {
		w.log.Debug().Str("path", dir).Msg("directory excluded by policy")
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		w.log.Debug().Err(err).Str("path", dir).Msg("failed to read directory")
		return
	}

	for _, de := range entries {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if w.config.MaxEntriesPerScan > 0 && *emitted >= w.config.MaxEntriesPerScan {
			return
		}

		name := de.Name()
		path := filepath.Join(dir, name)

		if de.IsDir() {
			if w.config.ExcludedDirs[name] {
				continue
			}
			info, err := de.Info()
			if err == nil {
				select {
				case out <- Entry{Path: path, Info: info, Depth: depth}:
					*emitted++
				case <-ctx.Done():
					return
				}
			}
			w.walkDir(ctx, path, depth+1, out, emitted)
			continue
		}

		if de.Type()&os.ModeSymlink != 0 && !w.config.FollowSymlinks {
			continue
		}
		if !w.policy.Allowed(path) {
			continue
		}

		info, err := de.Info()
		if err != nil {
			continue
		}
		select {
		case out <- Entry{Path: path, Info: info, Depth: depth}:
			*emitted++
		case <-ctx.Done():
			return
		}
	}
}
