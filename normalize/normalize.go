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

// Package normalize converts sealed shards into the downstream index format.
//
// Each sealed shard "<dir>/<name>_data_<start>.json.gz" is decompressed and
// streamed into an external converter, which writes
// "<dir>/normalized/<name>_data_<start>.mtbl". Shards whose output already
// exists are skipped, so Run can be repeated after every sync.
package normalize

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/exec"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/system/filesystem"
)

// DefaultConverter is the converter used when none is configured.
const DefaultConverter = "inetdata-ct2mtbl"

// OutputDir is the subdirectory of the storage directory receiving outputs.
const OutputDir = "normalized"

// Normalizer converts sealed shards found in Dir.
type Normalizer struct {
	Dir string
	// Converter is the converter command line. The output path is appended
	// as the last argument; records are fed on stdin, one JSON document per
	// line.
	Converter []string
}

// Summary describes one Run.
type Summary struct {
	// Converted lists the outputs written by this run.
	Converted []string
	// Skipped is the number of shards with an existing output.
	Skipped int
}

// Run converts every sealed shard that has no output yet, in lexical order.
//
// Stops at the first failure. Outputs written before that remain valid.
func (n *Normalizer) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	if len(n.Converter) == 0 {
		return sum, errors.New("no converter command configured")
	}

	shards, err := filepath.Glob(filepath.Join(n.Dir, "*_data_*.json.gz"))
	if err != nil {
		return sum, err
	}
	sort.Strings(shards)
	if len(shards) == 0 {
		logging.Infof(ctx, "No sealed shards in %s", n.Dir)
		return sum, nil
	}

	outDir := filepath.Join(n.Dir, OutputDir)
	if err := filesystem.MakeDirs(outDir); err != nil {
		return sum, errors.Fmt("creating %s: %w", outDir, err)
	}

	for _, src := range shards {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		dst := OutputPath(n.Dir, src)
		switch _, err := os.Stat(dst); {
		case err == nil:
			sum.Skipped++
			continue
		case !os.IsNotExist(err):
			return sum, err
		}
		if err := n.convert(ctx, src, dst); err != nil {
			return sum, err
		}
		sum.Converted = append(sum.Converted, dst)
	}
	return sum, nil
}

// OutputPath returns where the output of a sealed shard goes.
func OutputPath(dir, shard string) string {
	base := strings.TrimSuffix(filepath.Base(shard), ".json.gz")
	return filepath.Join(dir, OutputDir, base+".mtbl")
}

func (n *Normalizer) convert(ctx context.Context, src, dst string) (err error) {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return errors.Fmt("reading %s: %w", src, err)
	}
	defer zr.Close()

	tmp := dst + ".tmp"
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	args := append(append([]string(nil), n.Converter[1:]...), tmp)
	cmd := exec.Command(ctx, n.Converter[0], args...)
	cmd.Stdin = zr
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logging.Infof(ctx, "Processing %s with command: %q", src, append([]string{n.Converter[0]}, args...))
	if err = cmd.Run(); err != nil {
		return errors.Fmt("converting %s: %w: %s", src, err, strings.TrimSpace(stderr.String()))
	}
	if err = os.Rename(tmp, dst); err != nil {
		return errors.Fmt("moving %s into place: %w", dst, err)
	}
	return nil
}
