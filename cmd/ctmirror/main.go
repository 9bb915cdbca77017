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

// Command ctmirror mirrors Certificate Transparency logs to local storage.
//
// Usage:
//
//	ctmirror sync -config ctmirror.yaml
//	ctmirror normalize -config ctmirror.yaml
//	ctmirror status -config ctmirror.yaml
package main

import (
	"context"
	"os"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/flag/fixflagpos"
	"go.chromium.org/luci/common/logging/gologger"
)

var logCfg = gologger.LoggerConfig{
	Out: os.Stderr,
}

func application() *cli.Application {
	return &cli.Application{
		Name:  "ctmirror",
		Title: "Mirrors Certificate Transparency logs to local storage.",
		Context: func(ctx context.Context) context.Context {
			return logCfg.Use(ctx)
		},
		Commands: []*subcommands.Command{
			cmdSync(),
			cmdNormalize(),
			cmdStatus(),

			{}, // a separator
			subcommands.CmdHelp,
		},
	}
}

func main() {
	os.Exit(subcommands.Run(application(), fixflagpos.FixSubcommands(os.Args[1:])))
}
