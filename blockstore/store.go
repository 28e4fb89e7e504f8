// Package blockstore persists per-session block lists in PebbleDB so a
// returning session keeps refusing the peers it blocked before.
package blockstore

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/rs/zerolog"
)

const keyPrefix = "block/"

// Store maps session ids to the ids they blocked.
// Keys are block/<escaped session id>/<escaped target id>; values hold the
// unix-millisecond time the block was made.
//
// A nil *Store is valid and behaves as an empty store that discards writes.
type Store struct {
	db  *pebble.DB
	log zerolog.Logger
}

type options struct {
	fs  vfs.FS
	log zerolog.Logger
}

// Option configures Open.
type Option func(*options)

// WithFS opens the database on fs instead of the host filesystem.
func WithFS(fs vfs.FS) Option {
	return func(o *options) { o.fs = fs }
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// Open opens or creates the store rooted at dir.
func Open(dir string, opts ...Option) (*Store, error) {
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if dir == "" {
		return nil, fmt.Errorf("blockstore: empty data path")
	}

	popts := &pebble.Options{}
	if o.fs != nil {
		popts.FS = o.fs
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := pebble.Open(filepath.Clean(dir), popts)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &Store{
		db:  db,
		log: o.log.With().Str("component", "blockstore").Logger(),
	}, nil
}

func sessionPrefix(sessionID string) []byte {
	return []byte(keyPrefix + url.PathEscape(sessionID) + "/")
}

// upperBound returns the smallest key greater than every key with prefix p.
func upperBound(p []byte) []byte {
	end := append([]byte(nil), p...)
	end[len(end)-1]++
	return end
}

// Add records that sessionID blocked target. The write skips fsync; losing
// the last few blocks on a crash is acceptable.
func (s *Store) Add(sessionID, target string) error {
	if s == nil || s.db == nil {
		return nil
	}
	key := append(sessionPrefix(sessionID), url.PathEscape(target)...)
	val := []byte(fmt.Sprintf("%d", time.Now().UnixMilli()))
	if err := s.db.Set(key, val, pebble.NoSync); err != nil {
		return fmt.Errorf("set block %s/%s: %w", sessionID, target, err)
	}
	s.log.Debug().Str("session", sessionID).Str("target", target).Msg("block stored")
	return nil
}

// Remove deletes a stored block. Removing a block that does not exist is
// not an error.
func (s *Store) Remove(sessionID, target string) error {
	if s == nil || s.db == nil {
		return nil
	}
	key := append(sessionPrefix(sessionID), url.PathEscape(target)...)
	if err := s.db.Delete(key, pebble.NoSync); err != nil {
		return fmt.Errorf("delete block %s/%s: %w", sessionID, target, err)
	}
	return nil
}

// List returns the ids sessionID blocked, in key order.
func (s *Store) List(sessionID string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	prefix := sessionPrefix(sessionID)
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("new iter: %w", err)
	}
	defer func() { _ = it.Close() }()

	var out []string
	for it.First(); it.Valid(); it.Next() {
		raw := string(it.Key()[len(prefix):])
		target, err := url.PathUnescape(raw)
		if err != nil {
			s.log.Warn().Err(err).Str("key", string(it.Key())).Msg("skip malformed block key")
			continue
		}
		out = append(out, target)
	}
	return out, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
