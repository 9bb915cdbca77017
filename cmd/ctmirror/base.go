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
	"os"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/inetdata/ctmirror/config"
)

// commandBase holds flags shared by all subcommands.
type commandBase struct {
	subcommands.CommandRunBase

	configPath  string
	storagePath string
	logConfig   logging.Config
}

func (c *commandBase) init() {
	c.Flags.StringVar(&c.configPath, "config", "", "Path to the YAML configuration file.")
	c.Flags.StringVar(&c.storagePath, "storage", "", "Overrides storage_path from the configuration.")
	c.logConfig.Level = logging.Info
	c.logConfig.AddFlags(&c.Flags)
}

// ModifyContext implements cli.ContextModificator.
func (c *commandBase) ModifyContext(ctx context.Context) context.Context {
	return c.logConfig.Set(ctx)
}

// loadConfig reads -config and applies the shared overrides.
//
// Without -config, only flags configure the run.
func (c *commandBase) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if c.configPath != "" {
		var err error
		if cfg, err = config.Load(c.configPath); err != nil {
			return nil, err
		}
	}
	if c.storagePath != "" {
		cfg.StoragePath = c.storagePath
	}
	return cfg, nil
}

// done reports err, if any, and returns the exit code.
func (c *commandBase) done(ctx context.Context, err error) int {
	if err == nil {
		return 0
	}
	var merr errors.MultiError
	if errors.As(err, &merr) {
		for _, e := range merr {
			logging.Errorf(ctx, "%s", e)
		}
	} else {
		logging.Errorf(ctx, "%s", err)
	}
	return 1
}

// argErr reports a command line error and returns the exit code.
func (c *commandBase) argErr(a subcommands.Application, format string, args ...any) int {
	fmt.Fprintf(a.GetErr(), "%s: %s\n", a.GetName(), fmt.Sprintf(format, args...))
	c.Flags.PrintDefaults()
	return 2
}

// storageDir checks the storage directory exists.
func storageDir(cfg *config.Config) (string, error) {
	fi, err := os.Stat(cfg.StoragePath)
	if err != nil {
		return "", errors.Fmt("storage directory: %w", err)
	}
	if !fi.IsDir() {
		return "", errors.Fmt("storage directory: %s is not a directory", cfg.StoragePath)
	}
	return cfg.StoragePath, nil
}
