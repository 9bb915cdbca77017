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

package main

import (
	"context"
	"time"

	"github.com/maruel/subcommands"
	"golang.org/x/sync/semaphore"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/text"
	"go.chromium.org/luci/common/errors"
	luciflag "go.chromium.org/luci/common/flag"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/system/filesystem"
	"go.chromium.org/luci/common/system/signals"
	"go.chromium.org/luci/common/tsmon"
	"go.chromium.org/luci/common/tsmon/target"

	"github.com/inetdata/ctmirror/config"
	"github.com/inetdata/ctmirror/ctlog"
	"github.com/inetdata/ctmirror/mirror"
	"github.com/inetdata/ctmirror/seal"
)

func cmdSync() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "sync -config <path> [-log <url>]...",
		ShortDesc: "fetches new records from every configured log",
		LongDesc: text.Doc(`
			Fetches new records from every configured log.

			All logs are synchronized concurrently. Each log resumes from its
			saved cursor, appends new records to a shard file in the storage
			directory and compresses the shard once caught up.

			Exits with code 1 if any log failed. Logs that failed keep every
			batch completed before the failure and resume from there next time.
		`),
		CommandRun: func() subcommands.CommandRun {
			c := &syncRun{}
			c.init()
			c.Flags.Var(luciflag.StringSlice(&c.logs), "log",
				"A log URL to synchronize instead of the configured ones. Can be specified multiple times.")
			c.Flags.IntVar(&c.maxTries, "max-tries", 0, "Overrides max_tries from the configuration.")
			c.Flags.Int64Var(&c.batchSize, "batch-size", 0, "Overrides batch_size from the configuration.")
			c.tsmonFlags = tsmon.NewFlags()
			c.tsmonFlags.Flush = tsmon.FlushAuto
			c.tsmonFlags.Target.TargetType = target.TaskType
			c.tsmonFlags.Target.TaskServiceName = "ctmirror"
			c.tsmonFlags.Target.TaskJobName = "sync"
			c.tsmonFlags.Register(&c.Flags)
			return c
		},
	}
}

type syncRun struct {
	commandBase

	logs       []string
	maxTries   int
	batchSize  int64
	tsmonFlags tsmon.Flags
}

func (c *syncRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	if len(args) != 0 {
		return c.argErr(a, "unexpected arguments %q", args)
	}
	ctx := cli.GetContext(a, c, env)

	cfg, err := c.loadConfig()
	if err != nil {
		return c.argErr(a, "%s", err)
	}
	if len(c.logs) != 0 {
		cfg.Logs = c.logs
	}
	if c.maxTries != 0 {
		cfg.MaxTries = c.maxTries
	}
	if c.batchSize != 0 {
		cfg.BatchSize = c.batchSize
	}
	if err := cfg.Validate(); err != nil {
		return c.done(ctx, errors.Fmt("bad configuration: %w", err))
	}

	ctx = tsmon.WithState(ctx, tsmon.NewState())
	if err := tsmon.InitializeFromFlags(ctx, &c.tsmonFlags); err != nil {
		logging.WithError(err).Warningf(ctx, "Failed to initialize tsmon, metrics are disabled")
	}
	defer tsmon.Shutdown(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	signals.HandleInterrupt(cancel)

	return c.done(ctx, runSync(ctx, cfg))
}

// runSync runs one synchronization pass over all configured logs.
func runSync(ctx context.Context, cfg *config.Config) error {
	eps, err := cfg.Endpoints()
	if err != nil {
		return err
	}
	if err := filesystem.MakeDirs(cfg.StoragePath); err != nil {
		return errors.Fmt("creating storage directory: %w", err)
	}

	opts := cfg.ClientOptions()
	if cfg.MaxConcurrentRequests > 0 {
		opts.Concurrency = semaphore.NewWeighted(cfg.MaxConcurrentRequests)
	}

	var sealer seal.Sealer = &seal.Gzip{}
	if args := seal.ParseCommand(cfg.GzipCommand); args != nil {
		sealer = &seal.Command{Args: args}
	}

	sched := &mirror.Scheduler{
		Dir:       cfg.StoragePath,
		BatchSize: cfg.BatchSize,
		NewClient: func(ep ctlog.Endpoint) mirror.LogClient {
			return ctlog.NewClient(ep, opts)
		},
		Sealer:   sealer,
		Reporter: mirror.LogReporter{},
	}

	started := clock.Now(ctx)
	logging.Infof(ctx, "Synchronizing %d logs into %s", len(eps), cfg.StoragePath)
	results := sched.Run(ctx, eps)

	var records int64
	var failed int
	for _, res := range results {
		records += res.NewRecords
		if res.Err != nil {
			failed++
		}
	}
	logging.Infof(ctx, "Fetched %d new records from %d logs in %s, %d failed",
		records, len(eps), clock.Since(ctx, started).Round(time.Millisecond), failed)
	return results.Err()
}
