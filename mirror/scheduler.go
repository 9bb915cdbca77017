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

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/runtime/paniccatcher"
	"go.chromium.org/luci/common/sync/parallel"

	"github.com/inetdata/ctmirror/ctlog"
	"github.com/inetdata/ctmirror/seal"
)

// Scheduler runs one Synchronizer per log, all concurrently.
type Scheduler struct {
	// Dir is the storage directory shared by all logs.
	Dir string
	// BatchSize is passed to every Synchronizer.
	BatchSize int64
	// NewClient builds the client of a log.
	NewClient func(ep ctlog.Endpoint) LogClient
	Sealer    seal.Sealer
	Reporter  Reporter
}

// Results are the outcomes of one scheduler run, in endpoint order.
type Results []Result

// Err returns an errors.MultiError with one error per failed log, or nil if
// every log succeeded.
func (r Results) Err() error {
	var merr errors.MultiError
	for _, res := range r {
		if res.Err != nil {
			merr = append(merr, errors.Fmt("%s: %w", res.Log, res.Err))
		}
	}
	if len(merr) == 0 {
		return nil
	}
	return merr
}

// Run synchronizes all endpoints and waits for all of them to finish.
//
// A failure or panic while synchronizing one log is recorded in its Result
// and does not affect the others.
func (s *Scheduler) Run(ctx context.Context, endpoints []ctlog.Endpoint) Results {
	results := make(Results, len(endpoints))
	parallel.FanOutIn(func(work chan<- func() error) {
		for i, ep := range endpoints {
			work <- func() error {
				results[i] = s.syncOne(ctx, ep)
				return nil
			}
		}
	})
	return results
}

func (s *Scheduler) syncOne(ctx context.Context, ep ctlog.Endpoint) (res Result) {
	res = Result{Log: ep.Name, Outcome: OutcomeFailed}
	defer paniccatcher.Catch(func(p *paniccatcher.Panic) {
		res = Result{
			Log:     ep.Name,
			Outcome: OutcomeFailed,
			Err:     errors.Fmt("panic while synchronizing: %v", p.Reason),
		}
		s.report(ctx, Event{Kind: PassFailed, Log: ep.Name, Err: res.Err, Message: p.Stack})
	})
	sync := &Synchronizer{
		Endpoint:  ep,
		Client:    s.NewClient(ep),
		Dir:       s.Dir,
		Sealer:    s.Sealer,
		Reporter:  s.Reporter,
		BatchSize: s.BatchSize,
	}
	return sync.Sync(ctx)
}

func (s *Scheduler) report(ctx context.Context, ev Event) {
	if s.Reporter != nil {
		s.Reporter.Report(ctx, ev)
	} else {
		LogReporter{}.Report(ctx, ev)
	}
}
