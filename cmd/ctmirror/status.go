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
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/data/text"
	"go.chromium.org/luci/common/errors"

	"github.com/inetdata/ctmirror/config"
	"github.com/inetdata/ctmirror/mirror"
)

func cmdStatus() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "status -config <path>",
		ShortDesc: "prints the local progress of every configured log",
		LongDesc: text.Doc(`
			Prints the local progress of every configured log.

			For each log: the number of mirrored records, the number of shards
			waiting to be sealed and the number and size of sealed shards. Does
			not contact the logs.
		`),
		CommandRun: func() subcommands.CommandRun {
			c := &statusRun{}
			c.init()
			return c
		},
	}
}

type statusRun struct {
	commandBase
}

func (c *statusRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	if len(args) != 0 {
		return c.argErr(a, "unexpected arguments %q", args)
	}
	ctx := cli.GetContext(a, c, env)

	cfg, err := c.loadConfig()
	if err != nil {
		return c.argErr(a, "%s", err)
	}
	return c.done(ctx, printStatus(ctx, a.GetOut(), cfg))
}

// logStatus is the local progress of one log.
type logStatus struct {
	Name        string
	Entries     int64
	Unsealed    int
	Sealed      int
	SealedBytes int64
}

func collectStatus(ctx context.Context, cfg *config.Config) ([]logStatus, error) {
	dir, err := storageDir(cfg)
	if err != nil {
		return nil, err
	}
	eps, err := cfg.Endpoints()
	if err != nil {
		return nil, err
	}
	store := &mirror.StateStore{Dir: dir}
	out := make([]logStatus, 0, len(eps))
	for _, ep := range eps {
		st, err := store.Load(ctx, ep.Name)
		if err != nil {
			return nil, errors.Fmt("%s: %w", ep.Name, err)
		}
		set, err := mirror.ListShards(dir, ep.Name)
		if err != nil {
			return nil, errors.Fmt("%s: %w", ep.Name, err)
		}
		ls := logStatus{
			Name:     ep.Name,
			Entries:  st.Entries,
			Unsealed: len(set.Unsealed),
			Sealed:   len(set.Sealed),
		}
		for _, p := range set.Sealed {
			if fi, err := os.Stat(p); err == nil {
				ls.SealedBytes += fi.Size()
			}
		}
		out = append(out, ls)
	}
	return out, nil
}

func printStatus(ctx context.Context, w io.Writer, cfg *config.Config) error {
	status, err := collectStatus(ctx, cfg)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "LOG\tRECORDS\tUNSEALED\tSEALED\tSIZE")
	for _, s := range status {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
			s.Name, humanize.Comma(s.Entries), s.Unsealed, s.Sealed, humanize.Bytes(uint64(s.SealedBytes)))
	}
	return tw.Flush()
}
