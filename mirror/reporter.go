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
	"context"

	"github.com/dustin/go-humanize"

	"go.chromium.org/luci/common/logging"
)

// EventKind enumerates progress events emitted by a Synchronizer.
type EventKind int

const (
	// PassStarted is emitted once the remote tree head is known.
	PassStarted EventKind = iota
	// AlreadySynced is emitted when the cursor already matches the tree size.
	AlreadySynced
	// BatchWritten is emitted after a batch is appended and the cursor saved.
	BatchWritten
	// ShardSealing is emitted right before a shard is compressed.
	ShardSealing
	// PassFinished is emitted when a pass completes successfully.
	PassFinished
	// PassFailed is emitted when a pass stops on an error.
	PassFailed
	// Warning is emitted for conditions that do not fail the pass.
	Warning
)

func (k EventKind) String() string {
	switch k {
	case PassStarted:
		return "PassStarted"
	case AlreadySynced:
		return "AlreadySynced"
	case BatchWritten:
		return "BatchWritten"
	case ShardSealing:
		return "ShardSealing"
	case PassFinished:
		return "PassFinished"
	case PassFailed:
		return "PassFailed"
	case Warning:
		return "Warning"
	default:
		return "Unknown"
	}
}

// Event describes one step of a synchronization pass.
//
// Only fields relevant to the Kind are populated.
type Event struct {
	Kind EventKind
	Log  string

	Cursor   int64 // records mirrored so far
	TreeSize int64 // remote tree size at the start of the pass
	Records  int64 // records in the batch, shard or pass
	Bytes    int64 // shard size
	Path     string
	Err      error
	Message  string
}

// Reporter receives progress events.
//
// It is called concurrently by synchronizers of different logs.
type Reporter interface {
	Report(ctx context.Context, ev Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, ev Event)

// Report implements Reporter.
func (f ReporterFunc) Report(ctx context.Context, ev Event) { f(ctx, ev) }

// LogReporter renders events through the context logger.
type LogReporter struct{}

// Report implements Reporter.
func (LogReporter) Report(ctx context.Context, ev Event) {
	switch ev.Kind {
	case PassStarted:
		logging.Infof(ctx, "%s has %d total records available", ev.Log, ev.TreeSize)
	case AlreadySynced:
		logging.Infof(ctx, "%s is already synchronized with %d entries", ev.Log, ev.Cursor)
	case BatchWritten:
		logging.Infof(ctx, "%s downloaded %d/%d records", ev.Log, ev.Cursor, ev.TreeSize)
	case ShardSealing:
		logging.Infof(ctx, "%s compressing data file containing %d records (%s): %s",
			ev.Log, ev.Records, humanize.Bytes(uint64(ev.Bytes)), ev.Path)
	case PassFinished:
		logging.Infof(ctx, "%s synchronized with %d new entries (%d total)", ev.Log, ev.Records, ev.Cursor)
	case PassFailed:
		logging.WithError(ev.Err).Errorf(ctx, "%s failed to sync at %d/%d", ev.Log, ev.Cursor, ev.TreeSize)
	case Warning:
		if ev.Err != nil {
			logging.WithError(ev.Err).Warningf(ctx, "%s: %s", ev.Log, ev.Message)
		} else {
			logging.Warningf(ctx, "%s: %s", ev.Log, ev.Message)
		}
	}
}
