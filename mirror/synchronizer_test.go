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

package mirror

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/danjacques/gofslock/fslock"
	"github.com/klauspost/compress/gzip"

	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/memlogger"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
	"go.chromium.org/luci/common/tsmon"

	"github.com/inetdata/ctmirror/ctlog"
)

var testEndpoint = ctlog.Endpoint{
	Name:    "ct.example.com_log",
	BaseURL: "https://ct.example.com/log",
}

// fakeLog is an in-memory CT log.
type fakeLog struct {
	mu sync.Mutex

	size int64
	// maxBatch caps the number of entries returned per call, if positive.
	maxBatch int64
	// extra is the number of bogus entries appended to every reply.
	extra int
	// sthErr is returned by GetSTH.
	sthErr error
	// entriesErr, if set, is called before serving GetEntries.
	entriesErr func(start, end int64) error

	sthCalls int
	ranges   [][2]int64
}

func record(i int64) string {
	return fmt.Sprintf(`{"leaf_input":"leaf-%d","extra_data":"chain-%d"}`, i, i)
}

func (f *fakeLog) GetSTH(ctx context.Context) (*ctlog.TreeHead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sthCalls++
	if f.sthErr != nil {
		return nil, f.sthErr
	}
	return &ctlog.TreeHead{TreeSize: f.size}, nil
}

func (f *fakeLog) GetEntries(ctx context.Context, start, end int64) (*ctlog.EntryBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges = append(f.ranges, [2]int64{start, end})
	if f.entriesErr != nil {
		if err := f.entriesErr(start, end); err != nil {
			return nil, err
		}
	}
	last := min(end, f.size-1)
	if f.maxBatch > 0 {
		last = min(last, start+f.maxBatch-1)
	}
	b := &ctlog.EntryBatch{Start: start, Entries: []json.RawMessage{}}
	for i := start; i <= last; i++ {
		// Pretty-printed on purpose: shards must hold compact lines.
		b.Entries = append(b.Entries, json.RawMessage(fmt.Sprintf(`{"leaf_input": "leaf-%d", "extra_data": "chain-%d"}`, i, i)))
	}
	for i := 0; i < f.extra; i++ {
		b.Entries = append(b.Entries, json.RawMessage(`{"bogus": true}`))
	}
	b.End = start + int64(len(b.Entries)) - 1
	return b, nil
}

func (f *fakeLog) calls() (sth int, ranges [][2]int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sthCalls, append([][2]int64(nil), f.ranges...)
}

// eventLog collects reported events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventLog) Report(ctx context.Context, ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) kinds() []EventKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []EventKind
	for _, ev := range e.events {
		out = append(out, ev.Kind)
	}
	return out
}

// failingSealer fails every Seal call.
type failingSealer struct{}

func (failingSealer) Seal(ctx context.Context, path string) (string, error) {
	return "", errors.New("disk on fire")
}

func readLines(t testing.TB, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var sc *bufio.Scanner
	if filepath.Ext(path) == ".gz" {
		zr, err := gzip.NewReader(f)
		if err != nil {
			t.Fatal(err)
		}
		sc = bufio.NewScanner(zr)
	} else {
		sc = bufio.NewScanner(f)
	}
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	return lines
}

func records(from, to int64) []string {
	var out []string
	for i := from; i < to; i++ {
		out = append(out, record(i))
	}
	return out
}

func savedCursor(t testing.TB, ctx context.Context, dir string) int64 {
	t.Helper()
	st, err := (&StateStore{Dir: dir}).Load(ctx, testEndpoint.Name)
	if err != nil {
		t.Fatal(err)
	}
	return st.Entries
}

func TestSynchronizer(t *testing.T) {
	t.Parallel()

	ftt.Run("With a fake log", t, func(t *ftt.Test) {
		ctx, _ := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC)
		ctx, _ = tsmon.WithDummyInMemory(ctx)
		ctx = memlogger.Use(ctx)

		dir := t.TempDir()
		log := &fakeLog{size: 4500}
		events := &eventLog{}
		s := &Synchronizer{
			Endpoint: testEndpoint,
			Client:   log,
			Dir:      dir,
			Reporter: events,
		}
		shard0 := ShardPath(dir, testEndpoint.Name, 0)

		t.Run("Mirrors a fresh log in windows", func(t *ftt.Test) {
			res := s.Sync(ctx)
			assert.Loosely(t, res.Err, should.BeNil)
			assert.Loosely(t, res.Outcome, should.Equal(OutcomeSynced))
			assert.Loosely(t, res.StartCursor, should.Equal(int64(0)))
			assert.Loosely(t, res.EndCursor, should.Equal(int64(4500)))
			assert.Loosely(t, res.TreeSize, should.Equal(int64(4500)))
			assert.Loosely(t, res.NewRecords, should.Equal(int64(4500)))
			assert.Loosely(t, res.Batches, should.Equal(3))
			assert.Loosely(t, res.Shard, should.Equal(shard0))
			assert.Loosely(t, res.Sealed, should.Equal(shard0+".gz"))

			_, ranges := log.calls()
			assert.Loosely(t, ranges, should.Match([][2]int64{{0, 1999}, {2000, 3999}, {4000, 4499}}))

			assert.Loosely(t, savedCursor(t, ctx, dir), should.Equal(int64(4500)))
			assert.Loosely(t, readLines(t, shard0+".gz"), should.Match(records(0, 4500)))
			_, err := os.Stat(shard0)
			assert.Loosely(t, os.IsNotExist(err), should.BeTrue)

			assert.Loosely(t, events.kinds(), should.Match([]EventKind{
				PassStarted, BatchWritten, BatchWritten, BatchWritten, ShardSealing, PassFinished,
			}))

			assert.Loosely(t, recordsFetched.Get(ctx, testEndpoint.Name), should.Equal(int64(4500)))
			assert.Loosely(t, batchesFetched.Get(ctx, testEndpoint.Name), should.Equal(int64(3)))
			assert.Loosely(t, passCount.Get(ctx, testEndpoint.Name, "synced"), should.Equal(int64(1)))
			assert.Loosely(t, cursorGauge.Get(ctx, testEndpoint.Name), should.Equal(int64(4500)))
			assert.Loosely(t, treeSizeGauge.Get(ctx, testEndpoint.Name), should.Equal(int64(4500)))

			t.Run("A second pass is a no-op", func(t *ftt.Test) {
				events.events = nil
				res := s.Sync(ctx)
				assert.Loosely(t, res.Err, should.BeNil)
				assert.Loosely(t, res.Outcome, should.Equal(OutcomeAlreadySynced))
				assert.Loosely(t, res.NewRecords, should.Equal(int64(0)))
				assert.Loosely(t, res.Shard, should.BeEmpty)

				_, ranges := log.calls()
				assert.Loosely(t, ranges, should.HaveLength(3))
				assert.Loosely(t, events.kinds(), should.Match([]EventKind{AlreadySynced}))

				all, err := filepath.Glob(filepath.Join(dir, "*"))
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, all, should.Match([]string{
					LockPath(dir, testEndpoint.Name),
					shard0 + ".gz",
					filepath.Join(dir, testEndpoint.Name+"_meta.json"),
				}))
			})

			t.Run("A grown log is mirrored into a new shard", func(t *ftt.Test) {
				log.size = 5000
				res := s.Sync(ctx)
				assert.Loosely(t, res.Err, should.BeNil)
				assert.Loosely(t, res.StartCursor, should.Equal(int64(4500)))
				assert.Loosely(t, res.NewRecords, should.Equal(int64(500)))

				shard := ShardPath(dir, testEndpoint.Name, 4500)
				assert.Loosely(t, res.Sealed, should.Equal(shard+".gz"))
				assert.Loosely(t, readLines(t, shard+".gz"), should.Match(records(4500, 5000)))
			})

			t.Run("A shrunk log is skipped", func(t *ftt.Test) {
				log.size = 4000
				events.events = nil
				res := s.Sync(ctx)
				assert.Loosely(t, res.Err, should.BeNil)
				assert.Loosely(t, res.Outcome, should.Equal(OutcomeShrunk))
				assert.Loosely(t, savedCursor(t, ctx, dir), should.Equal(int64(4500)))
				assert.Loosely(t, events.kinds(), should.Match([]EventKind{Warning}))

				_, ranges := log.calls()
				assert.Loosely(t, ranges, should.HaveLength(3))
			})
		})

		t.Run("An empty log is already synced", func(t *ftt.Test) {
			log.size = 0
			res := s.Sync(ctx)
			assert.Loosely(t, res.Err, should.BeNil)
			assert.Loosely(t, res.Outcome, should.Equal(OutcomeAlreadySynced))
			_, ranges := log.calls()
			assert.Loosely(t, ranges, should.BeEmpty)
		})

		t.Run("Short replies advance the cursor by what was returned", func(t *ftt.Test) {
			log.maxBatch = 700
			s.BatchSize = 1000
			res := s.Sync(ctx)
			assert.Loosely(t, res.Err, should.BeNil)
			assert.Loosely(t, res.Batches, should.Equal(7))

			_, ranges := log.calls()
			prevEnd := int64(-1)
			for _, r := range ranges {
				// Windows are contiguous, bounded by the batch size and the tree size.
				assert.Loosely(t, r[0], should.BeGreaterThan(prevEnd))
				assert.Loosely(t, r[1]-r[0]+1, should.BeLessThanOrEqual(int64(1000)))
				assert.Loosely(t, r[1], should.BeLessThanOrEqual(int64(4499)))
				prevEnd = r[0] + 699
			}
			assert.Loosely(t, ranges[1], should.Match([2]int64{700, 1699}))
			assert.Loosely(t, readLines(t, res.Sealed), should.Match(records(0, 4500)))
		})

		t.Run("Excess entries are dropped", func(t *ftt.Test) {
			log.extra = 3
			res := s.Sync(ctx)
			assert.Loosely(t, res.Err, should.BeNil)
			assert.Loosely(t, res.EndCursor, should.Equal(int64(4500)))
			assert.Loosely(t, readLines(t, res.Sealed), should.Match(records(0, 4500)))
			assert.Loosely(t, events.kinds(), should.Contain(Warning))
		})

		t.Run("Empty batch is a failure", func(t *ftt.Test) {
			res := (&Synchronizer{
				Endpoint: testEndpoint,
				Client:   &emptyAfter{fakeLog: log, after: 2000},
				Dir:      dir,
				Reporter: events,
			}).Sync(ctx)
			assert.Loosely(t, errors.Is(res.Err, ErrEmptyBatch), should.BeTrue)
			assert.Loosely(t, res.Outcome, should.Equal(OutcomeFailed))
			assert.Loosely(t, res.EndCursor, should.Equal(int64(2000)))
			assert.Loosely(t, savedCursor(t, ctx, dir), should.Equal(int64(2000)))
			assert.Loosely(t, readLines(t, shard0), should.Match(records(0, 2000)))
		})

		t.Run("Tree head failure", func(t *ftt.Test) {
			log.sthErr = ctlog.ErrMissingTreeSize
			res := s.Sync(ctx)
			assert.Loosely(t, errors.Is(res.Err, ctlog.ErrBadShape), should.BeTrue)
			assert.Loosely(t, res.Outcome, should.Equal(OutcomeFailed))
			assert.Loosely(t, events.kinds(), should.Match([]EventKind{PassFailed}))
			assert.Loosely(t, passCount.Get(ctx, testEndpoint.Name, "failed"), should.Equal(int64(1)))

			_, err := os.Stat(filepath.Join(dir, testEndpoint.Name+"_meta.json"))
			assert.Loosely(t, os.IsNotExist(err), should.BeTrue)
		})

		t.Run("Resumes after a failure", func(t *ftt.Test) {
			broken := true
			log.entriesErr = func(start, end int64) error {
				if broken && start == 2000 {
					return errors.New("connection reset")
				}
				return nil
			}
			res := s.Sync(ctx)
			assert.Loosely(t, res.Err, should.ErrLike("connection reset"))
			assert.Loosely(t, res.EndCursor, should.Equal(int64(2000)))
			assert.Loosely(t, res.Shard, should.Equal(shard0))
			assert.Loosely(t, res.Sealed, should.BeEmpty)
			assert.Loosely(t, savedCursor(t, ctx, dir), should.Equal(int64(2000)))
			assert.Loosely(t, readLines(t, shard0), should.Match(records(0, 2000)))

			broken = false
			res = s.Sync(ctx)
			assert.Loosely(t, res.Err, should.BeNil)
			assert.Loosely(t, res.StartCursor, should.Equal(int64(2000)))
			assert.Loosely(t, res.NewRecords, should.Equal(int64(2500)))

			// The leftover shard got sealed, and together both shards hold
			// every record exactly once.
			set, err := ListShards(dir, testEndpoint.Name)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, set.Unsealed, should.BeEmpty)
			assert.Loosely(t, set.Sealed, should.Match([]string{
				shard0 + ".gz",
				ShardPath(dir, testEndpoint.Name, 2000) + ".gz",
			}))
			var all []string
			for _, p := range set.Sealed {
				all = append(all, readLines(t, p)...)
			}
			assert.Loosely(t, all, should.Match(records(0, 4500)))
		})

		t.Run("Records past the cursor are discarded", func(t *ftt.Test) {
			assert.Loosely(t, os.WriteFile(shard0, []byte(record(0)+"\n"+record(1)+"\n"), 0644), should.BeNil)
			res := s.Sync(ctx)
			assert.Loosely(t, res.Err, should.BeNil)
			assert.Loosely(t, readLines(t, res.Sealed), should.Match(records(0, 4500)))
		})

		t.Run("Seal failure keeps the cursor and the shard", func(t *ftt.Test) {
			s.Sealer = failingSealer{}
			res := s.Sync(ctx)
			assert.Loosely(t, res.Err, should.ErrLike("disk on fire"))
			assert.Loosely(t, res.Outcome, should.Equal(OutcomeFailed))
			assert.Loosely(t, savedCursor(t, ctx, dir), should.Equal(int64(4500)))
			assert.Loosely(t, readLines(t, shard0), should.Match(records(0, 4500)))

			t.Run("and the next pass seals it", func(t *ftt.Test) {
				s.Sealer = nil
				res := s.Sync(ctx)
				assert.Loosely(t, res.Err, should.BeNil)
				assert.Loosely(t, res.Outcome, should.Equal(OutcomeAlreadySynced))
				assert.Loosely(t, readLines(t, shard0+".gz"), should.Match(records(0, 4500)))
			})
		})

		t.Run("Cancellation stops the pass", func(t *ftt.Test) {
			ctx, cancel := context.WithCancel(ctx)
			log.entriesErr = func(start, end int64) error {
				if start == 2000 {
					cancel()
					return context.Canceled
				}
				return nil
			}
			res := s.Sync(ctx)
			assert.Loosely(t, errors.Is(res.Err, context.Canceled), should.BeTrue)
			assert.Loosely(t, savedCursor(t, ctx, dir), should.Equal(int64(2000)))
		})

		t.Run("Concurrent passes over one log are refused", func(t *ftt.Test) {
			h, err := fslock.Lock(LockPath(dir, testEndpoint.Name))
			assert.Loosely(t, err, should.BeNil)
			defer h.Unlock()

			res := s.Sync(ctx)
			assert.Loosely(t, errors.Is(res.Err, fslock.ErrLockHeld), should.BeTrue)
			assert.Loosely(t, res.Outcome, should.Equal(OutcomeFailed))
			sth, _ := log.calls()
			assert.Loosely(t, sth, should.Equal(0))
		})

		t.Run("Log lines carry the log name", func(t *ftt.Test) {
			s.Reporter = nil
			res := s.Sync(ctx)
			assert.Loosely(t, res.Err, should.BeNil)

			ml := logging.Get(ctx).(*memlogger.MemLogger)
			msgs := ml.Messages()
			assert.Loosely(t, msgs, should.NotBeEmpty)
			last := msgs[len(msgs)-1]
			assert.Loosely(t, last.Msg, should.Equal(testEndpoint.Name+" synchronized with 4500 new entries (4500 total)"))
			assert.Loosely(t, last.Data["log"], should.Equal(any(testEndpoint.Name)))
			assert.Loosely(t, last.Data["pass"], should.NotBeNil)
		})
	})
}

// emptyAfter serves no entries at or past a given index.
type emptyAfter struct {
	*fakeLog
	after int64
}

func (e *emptyAfter) GetEntries(ctx context.Context, start, end int64) (*ctlog.EntryBatch, error) {
	if start >= e.after {
		e.fakeLog.mu.Lock()
		e.fakeLog.ranges = append(e.fakeLog.ranges, [2]int64{start, end})
		e.fakeLog.mu.Unlock()
		return &ctlog.EntryBatch{Start: start, End: start - 1, Entries: []json.RawMessage{}}, nil
	}
	return e.fakeLog.GetEntries(ctx, start, end)
}
