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

package seal

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"go.chromium.org/luci/common/errors"
)

// Gzip seals shards in-process.
//
// The output is written to a temporary file next to the shard and renamed
// into place, so an interrupted Seal never leaves a truncated archive behind.
type Gzip struct {
	// Level is the gzip compression level. Zero means gzip.DefaultCompression.
	Level int
}

// Seal implements Sealer.
func (g *Gzip) Seal(ctx context.Context, path string) (sealed string, err error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	level := g.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}

	src, err := os.Open(path)
	if err != nil {
		return "", errors.Fmt("shard to seal: %w", err)
	}
	defer src.Close()

	sealed = SealedPath(path)
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(sealed)+".*.tmp")
	if err != nil {
		return "", errors.Fmt("creating temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	zw, err := gzip.NewWriterLevel(tmp, level)
	if err != nil {
		return "", err
	}
	zw.Name = filepath.Base(path)
	if _, err = io.Copy(zw, src); err != nil {
		return "", errors.Fmt("compressing %s: %w", path, err)
	}
	if err = zw.Close(); err != nil {
		return "", errors.Fmt("compressing %s: %w", path, err)
	}
	if err = tmp.Sync(); err != nil {
		return "", err
	}
	if err = tmp.Close(); err != nil {
		return "", err
	}
	if err = os.Rename(tmp.Name(), sealed); err != nil {
		return "", errors.Fmt("moving %s into place: %w", sealed, err)
	}
	if err := os.Remove(path); err != nil {
		return "", errors.Fmt("removing sealed shard %s: %w", path, err)
	}
	return sealed, nil
}
