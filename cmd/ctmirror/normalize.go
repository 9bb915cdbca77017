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

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/data/text"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/system/signals"

	"github.com/inetdata/ctmirror/normalize"
	"github.com/inetdata/ctmirror/seal"
)

func cmdNormalize() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "normalize -config <path>",
		ShortDesc: "converts sealed shards with the configured converter",
		LongDesc: text.Doc(`
			Converts sealed shards with the configured converter.

			Every "<log>_data_<start>.json.gz" shard in the storage directory
			without a matching "normalized/<log>_data_<start>.mtbl" is
			decompressed and fed to converter_command, which receives the output
			path as its last argument.
		`),
		CommandRun: func() subcommands.CommandRun {
			c := &normalizeRun{}
			c.init()
			return c
		},
	}
}

type normalizeRun struct {
	commandBase
}

func (c *normalizeRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	if len(args) != 0 {
		return c.argErr(a, "unexpected arguments %q", args)
	}
	ctx := cli.GetContext(a, c, env)

	cfg, err := c.loadConfig()
	if err != nil {
		return c.argErr(a, "%s", err)
	}
	dir, err := storageDir(cfg)
	if err != nil {
		return c.done(ctx, err)
	}
	converter := seal.ParseCommand(cfg.ConverterCommand)
	if converter == nil {
		return c.done(ctx, errors.New("converter_command is empty"))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	signals.HandleInterrupt(cancel)

	n := &normalize.Normalizer{Dir: dir, Converter: converter}
	sum, err := n.Run(ctx)
	logging.Infof(ctx, "Converted %d shards, %d already converted", len(sum.Converted), sum.Skipped)
	return c.done(ctx, err)
}
