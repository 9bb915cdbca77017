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
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.chromium.org/luci/common/errors"

	"github.com/inetdata/ctmirror/seal"
)

// ShardPath returns the path of the shard a pass starting at cursor start
// appends to.
func ShardPath(dir, log string, start int64) string {
	return filepath.Join(dir, fmt.Sprintf("%s_data_%d.json", log, start))
}

// shardWriter appends records to one shard file, one JSON document per line.
type shardWriter struct {
	path string
}

// Append writes the records and syncs the file before returning, so that a
// cursor saved afterwards never points past data that is not on disk.
func (w *shardWriter) Append(records []json.RawMessage) (err error) {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	bw := bufio.NewWriter(f)
	var line bytes.Buffer
	for i, rec := range records {
		line.Reset()
		if err := json.Compact(&line, rec); err != nil {
			return errors.Fmt("record %d is not valid JSON: %w", i, err)
		}
		line.WriteByte('\n')
		if _, err := bw.Write(line.Bytes()); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// Size returns the current size of the shard, 0 if it does not exist yet.
func (w *shardWriter) Size() (int64, error) {
	fi, err := os.Stat(w.path)
	switch {
	case os.IsNotExist(err):
		return 0, nil
	case err != nil:
		return 0, err
	}
	return fi.Size(), nil
}

// Truncate drops everything written past size.
func (w *shardWriter) Truncate(size int64) error {
	if size == 0 {
		if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return os.Truncate(w.path, size)
}

// countRecords counts the lines of a shard.
func countRecords(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var n int64
	buf := make([]byte, 64*1024)
	for {
		c, err := f.Read(buf)
		n += int64(bytes.Count(buf[:c], []byte{'\n'}))
		switch {
		case err == io.EOF:
			return n, nil
		case err != nil:
			return n, err
		}
	}
}

// ShardSet lists the shard files of one log, ordered by starting cursor.
type ShardSet struct {
	Unsealed []string
	Sealed   []string
}

// ListShards finds the shard files of a log in dir.
func ListShards(dir, log string) (ShardSet, error) {
	var set ShardSet
	matches, err := filepath.Glob(filepath.Join(dir, log+"_data_*.json*"))
	if err != nil {
		return set, err
	}
	var unsealed, sealed []shardFile
	for _, m := range matches {
		rest := strings.TrimPrefix(filepath.Base(m), log+"_data_")
		isSealed := strings.HasSuffix(rest, ".json"+seal.Suffix)
		rest = strings.TrimSuffix(strings.TrimSuffix(rest, seal.Suffix), ".json")
		start, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			// Belongs to another log with a longer name, or is a temp file.
			continue
		}
		if isSealed {
			sealed = append(sealed, shardFile{m, start})
		} else if strings.HasSuffix(m, ".json") {
			unsealed = append(unsealed, shardFile{m, start})
		}
	}
	set.Unsealed = sortShards(unsealed)
	set.Sealed = sortShards(sealed)
	return set, nil
}

type shardFile struct {
	path  string
	start int64
}

func sortShards(s []shardFile) []string {
	if len(s) == 0 {
		return nil
	}
	sort.Slice(s, func(i, j int) bool { return s[i].start < s[j].start })
	out := make([]string, len(s))
	for i, f := range s {
		out[i] = f.path
	}
	return out
}
