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
	"encoding/json"
	"os"
	"path/filepath"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// ErrCursorRegression is returned by StateStore.Save when asked to move a
// cursor backwards.
var ErrCursorRegression = errors.New("cursor would move backwards")

// State is the resumable cursor of one log.
type State struct {
	// Entries is the number of records durably mirrored so far, which is also
	// the index of the next record to fetch.
	Entries int64 `json:"entries"`
}

// StateStore keeps one "<log>_meta.json" document per log in Dir.
type StateStore struct {
	Dir string
}

// MetaPath returns the path of the state document of a log.
func (s *StateStore) MetaPath(log string) string {
	return filepath.Join(s.Dir, log+"_meta.json")
}

// Load reads the state of a log.
//
// A missing document is not an error: nothing was synchronized yet.
func (s *StateStore) Load(ctx context.Context, log string) (State, error) {
	path := s.MetaPath(log)
	blob, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		logging.Debugf(ctx, "No state at %s, starting from scratch", path)
		return State{}, nil
	case err != nil:
		return State{}, errors.Fmt("reading state: %w", err)
	}
	var st State
	if err := json.Unmarshal(blob, &st); err != nil {
		return State{}, errors.Fmt("corrupted state in %s: %w", path, err)
	}
	if st.Entries < 0 {
		return State{}, errors.Fmt("corrupted state in %s: negative cursor %d", path, st.Entries)
	}
	return st, nil
}

// Save replaces the state of a log.
//
// The document is written to a temporary file, synced and renamed over the
// old one, so readers see either the old or the new cursor, never a torn
// write. Refuses to move the cursor backwards.
func (s *StateStore) Save(ctx context.Context, log string, st State) (err error) {
	prev, err := s.Load(ctx, log)
	if err != nil {
		return err
	}
	if st.Entries < prev.Entries {
		return errors.Fmt("saving %d over %d: %w", st.Entries, prev.Entries, ErrCursorRegression)
	}

	blob, err := json.Marshal(&st)
	if err != nil {
		return err
	}
	path := s.MetaPath(log)
	tmp, err := os.CreateTemp(s.Dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Fmt("saving state: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(append(blob, '\n')); err != nil {
		return errors.Fmt("saving state: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return errors.Fmt("saving state: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return errors.Fmt("saving state: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return errors.Fmt("saving state: %w", err)
	}
	return nil
}
