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

// Package seal compresses finished shard files.
//
// A sealed shard replaces "<shard>" with "<shard>.gz". Sealed shards are what
// the normalization step consumes.
package seal

import (
	"bytes"
	"context"
	"os"
	"strings"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/exec"
	"go.chromium.org/luci/common/logging"
)

// Suffix is appended to the shard path to get the sealed path.
const Suffix = ".gz"

// Sealer compresses a shard file in place.
type Sealer interface {
	// Seal compresses the file at path into path+Suffix and removes path.
	//
	// Returns the path of the sealed file.
	Seal(ctx context.Context, path string) (string, error)
}

// SealedPath returns where the sealed version of a shard lives.
func SealedPath(path string) string {
	return path + Suffix
}

// Command seals shards by running an external compressor, gzip style: the
// shard path is appended as the last argument and the compressor is expected
// to replace the file with its ".gz" version.
type Command struct {
	// Args is the compressor command line, e.g. ["nice", "gzip"].
	Args []string
}

// ParseCommand splits a command line on whitespace.
//
// Returns nil for an empty or blank command.
func ParseCommand(cmd string) []string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// Seal implements Sealer.
//
// The compressor is not killed if ctx is canceled midway.
func (c *Command) Seal(ctx context.Context, path string) (string, error) {
	if len(c.Args) == 0 {
		return "", errors.New("no compression command configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", errors.Fmt("shard to seal: %w", err)
	}

	args := append(append([]string(nil), c.Args[1:]...), path)
	cmd := exec.Command(ctx, c.Args[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	logging.Debugf(ctx, "Running %q", append([]string{c.Args[0]}, args...))
	if err := cmd.Run(); err != nil {
		return "", errors.Fmt("compressing %s with %q: %w: %s", path, c.Args[0], err, strings.TrimSpace(stderr.String()))
	}

	sealed := SealedPath(path)
	if _, err := os.Stat(sealed); err != nil {
		return "", errors.Fmt("compressor did not produce %s: %w", sealed, err)
	}
	if _, err := os.Stat(path); err == nil {
		return "", errors.Fmt("compressor left %s in place", path)
	}
	return sealed, nil
}
