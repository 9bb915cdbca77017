// Copyright 2026 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mirror incrementally copies CT logs to local storage.
//
// Each log is mirrored by a Synchronizer that walks the log from a persisted
// cursor up to the tree size announced by the log, appending records to a
// shard file and saving the cursor after every batch. A Scheduler runs one
// Synchronizer per log concurrently.
package mirror

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/danjacques/gofslock/fslock"
	"github.com/google/uuid"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/inetdata/ctmirror/ctlog"
	"github.com/inetdata/ctmirror/seal"
)

// DefaultBatchSize is the number of records requested per get-entries call.
const DefaultBatchSize = 2000

// ErrEmptyBatch is returned when a log returns no records for a range below
// its tree size.
var ErrEmptyBatch = errors.New("log returned an empty batch")

// Outcome is the terminal state of a synchronization pass.
type Outcome int

const (
	// OutcomeFailed means the pass stopped on an error. Batches completed
	// before the error are kept.
	OutcomeFailed Outcome = iota
	// OutcomeAlreadySynced means the cursor already matched the tree size.
	OutcomeAlreadySynced
	// OutcomeSynced means new records were mirrored and sealed.
	OutcomeSynced
	// OutcomeShrunk means the log reported fewer records than already
	// mirrored. Nothing was done.
	OutcomeShrunk
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFailed:
		return "failed"
	case OutcomeAlreadySynced:
		return "already_synced"
	case OutcomeSynced:
		return "synced"
	case OutcomeShrunk:
		return "shrunk"
	default:
		return "unknown"
	}
}

// Result summarizes one pass over one log.
type Result struct {
	Log     string
	Outcome Outcome

	StartCursor int64
	EndCursor   int64
	TreeSize    int64
	NewRecords  int64
	Batches     int

	// Shard is the shard written by this pass, if any.
	Shard string
	// Sealed is the compressed shard, set once sealing succeeded.
	Sealed string

	Duration time.Duration
	Err      error
}

// LogClient is the part of ctlog.Client used by the Synchronizer.
type LogClient interface {
	GetSTH(ctx context.Context) (*ctlog.TreeHead, error)
	GetEntries(ctx context.Context, start, end int64) (*ctlog.EntryBatch, error)
}

// Synchronizer mirrors one log.
//
// A pass holds "<log>.lock" in Dir, so concurrent passes over the same log
// and directory fail instead of interleaving, even across processes.
type Synchronizer struct {
	Endpoint ctlog.Endpoint
	Client   LogClient
	// Dir is the storage directory. It must exist.
	Dir string
	// Sealer compresses the shard at the end of the pass. Defaults to
	// seal.Gzip.
	Sealer seal.Sealer
	// Reporter receives progress events. Defaults to LogReporter.
	Reporter Reporter
	// BatchSize is the maximum number of records per get-entries call.
	// Defaults to DefaultBatchSize.
	BatchSize int64
}

// Sync runs one pass: it fetches the tree head, then fetches and appends all
// records between the persisted cursor and the tree size, and finally seals
// the shard.
//
// It never panics on remote misbehavior and always returns a Result; errors
// are in Result.Err.
func (s *Synchronizer) Sync(ctx context.Context) (res Result) {
	name := s.Endpoint.Name
	ctx = logging.SetFields(ctx, logging.Fields{
		"log":  name,
		"pass": uuid.NewString(),
	})
	started := clock.Now(ctx)
	res = Result{Log: name}

	defer func() {
		res.Duration = clock.Since(ctx, started)
		if res.Err != nil {
			res.Outcome = OutcomeFailed
			s.report(ctx, Event{
				Kind:     PassFailed,
				Log:      name,
				Cursor:   res.EndCursor,
				TreeSize: res.TreeSize,
				Err:      res.Err,
			})
		}
		passCount.Add(ctx, 1, name, res.Outcome.String())
	}()

	lock, err := fslock.Lock(LockPath(s.Dir, name))
	if err != nil {
		if errors.Is(err, fslock.ErrLockHeld) {
			err = errors.Fmt("another pass over %s is running: %w", name, err)
		}
		res.Err = err
		return
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logging.WithError(err).Warningf(ctx, "Failed to release the lock of %s", name)
		}
	}()

	store := &StateStore{Dir: s.Dir}
	st, err := store.Load(ctx, name)
	if err != nil {
		res.Err = err
		return
	}
	res.StartCursor = st.Entries
	res.EndCursor = st.Entries
	cursorGauge.Set(ctx, st.Entries, name)

	shard := &shardWriter{path: ShardPath(s.Dir, name, st.Entries)}
	s.recoverShards(ctx, shard.path)

	head, err := s.Client.GetSTH(ctx)
	if err != nil {
		res.Err = errors.Fmt("fetching tree head: %w", err)
		return
	}
	res.TreeSize = head.TreeSize
	treeSizeGauge.Set(ctx, head.TreeSize, name)

	switch {
	case head.TreeSize == st.Entries:
		res.Outcome = OutcomeAlreadySynced
		s.report(ctx, Event{Kind: AlreadySynced, Log: name, Cursor: st.Entries, TreeSize: head.TreeSize})
		return
	case head.TreeSize < st.Entries:
		res.Outcome = OutcomeShrunk
		s.report(ctx, Event{
			Kind:     Warning,
			Log:      name,
			Cursor:   st.Entries,
			TreeSize: head.TreeSize,
			Message:  "tree size is smaller than the mirrored cursor, skipping the log",
		})
		return
	}
	s.report(ctx, Event{Kind: PassStarted, Log: name, Cursor: st.Entries, TreeSize: head.TreeSize})

	cursor := st.Entries
	for cursor < head.TreeSize {
		end := min(cursor+s.batchSize()-1, head.TreeSize-1)
		n, err := s.fetchBatch(ctx, store, shard, cursor, end)
		if err != nil {
			res.Err = err
			return
		}
		cursor += n
		res.EndCursor = cursor
		res.NewRecords += n
		res.Batches++
		res.Shard = shard.path

		recordsFetched.Add(ctx, n, name)
		batchesFetched.Add(ctx, 1, name)
		cursorGauge.Set(ctx, cursor, name)
		s.report(ctx, Event{Kind: BatchWritten, Log: name, Cursor: cursor, TreeSize: head.TreeSize, Records: n})
	}

	size, err := shard.Size()
	if err != nil {
		res.Err = errors.Fmt("inspecting shard: %w", err)
		return
	}
	s.report(ctx, Event{Kind: ShardSealing, Log: name, Records: res.NewRecords, Bytes: size, Path: shard.path})
	if res.Sealed, err = s.sealer().Seal(ctx, shard.path); err != nil {
		res.Err = errors.Fmt("sealing: %w", err)
		return
	}

	res.Outcome = OutcomeSynced
	s.report(ctx, Event{Kind: PassFinished, Log: name, Cursor: cursor, TreeSize: head.TreeSize, Records: res.NewRecords})
	return
}

// LockPath returns the path of the lock file held during a pass over a log.
func LockPath(dir, log string) string {
	return filepath.Join(dir, log+".lock")
}

// fetchBatch fetches records [start, end], appends them to the shard and
// saves the new cursor.
//
// Returns the number of records appended. On failure the shard is rolled
// back, so that it never holds records past the saved cursor.
func (s *Synchronizer) fetchBatch(ctx context.Context, store *StateStore, shard *shardWriter, start, end int64) (int64, error) {
	batch, err := s.Client.GetEntries(ctx, start, end)
	if err != nil {
		return 0, errors.Fmt("fetching entries [%d, %d]: %w", start, end, err)
	}
	entries := batch.Entries
	if len(entries) == 0 {
		return 0, errors.Fmt("entries [%d, %d]: %w", start, end, ErrEmptyBatch)
	}
	if want := end - start + 1; int64(len(entries)) > want {
		s.report(ctx, Event{
			Kind:    Warning,
			Log:     s.Endpoint.Name,
			Cursor:  start,
			Records: int64(len(entries)),
			Message: "log returned more records than requested, ignoring the excess",
		})
		entries = entries[:want]
	}

	size, err := shard.Size()
	if err != nil {
		return 0, errors.Fmt("inspecting shard: %w", err)
	}
	n := int64(len(entries))
	err = shard.Append(entries)
	if err == nil {
		err = store.Save(ctx, s.Endpoint.Name, State{Entries: start + n})
	}
	if err != nil {
		if terr := shard.Truncate(size); terr != nil {
			logging.WithError(terr).Errorf(ctx, "Failed to roll back %s to %d bytes", shard.path, size)
		}
		return 0, errors.Fmt("storing entries [%d, %d]: %w", start, start+n-1, err)
	}
	return n, nil
}

// recoverShards seals shards left unsealed by earlier passes.
//
// A leftover shard named like the current one holds only records past the
// saved cursor, which will be fetched again, so it is discarded instead.
func (s *Synchronizer) recoverShards(ctx context.Context, current string) {
	name := s.Endpoint.Name
	set, err := ListShards(s.Dir, name)
	if err != nil {
		s.report(ctx, Event{Kind: Warning, Log: name, Err: err, Message: "listing leftover shards"})
		return
	}
	for _, path := range set.Unsealed {
		if ctx.Err() != nil {
			return
		}
		if path == current {
			s.report(ctx, Event{Kind: Warning, Log: name, Path: path, Message: "discarding records past the saved cursor in " + path})
			if err := os.Remove(path); err != nil {
				s.report(ctx, Event{Kind: Warning, Log: name, Path: path, Err: err, Message: "discarding " + path})
			}
			continue
		}
		ev := Event{Kind: ShardSealing, Log: name, Path: path}
		ev.Records, _ = countRecords(path)
		if fi, err := os.Stat(path); err == nil {
			ev.Bytes = fi.Size()
		}
		s.report(ctx, ev)
		if _, err := s.sealer().Seal(ctx, path); err != nil {
			s.report(ctx, Event{Kind: Warning, Log: name, Path: path, Err: err, Message: "sealing leftover shard " + path})
		}
	}
}

func (s *Synchronizer) batchSize() int64 {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return DefaultBatchSize
}

func (s *Synchronizer) sealer() seal.Sealer {
	if s.Sealer != nil {
		return s.Sealer
	}
	return &seal.Gzip{}
}

func (s *Synchronizer) report(ctx context.Context, ev Event) {
	if s.Reporter != nil {
		s.Reporter.Report(ctx, ev)
	} else {
		LogReporter{}.Report(ctx, ev)
	}
}
