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

package ctlog

import (
	"fmt"
	"net/http"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/errors/errtag"
)

var (
	// ErrBadShape is wrapped by errors for replies that are valid JSON but lack
	// a field the protocol requires. These are never retried.
	ErrBadShape = errors.New("unexpected reply shape")

	// ErrMissingTreeSize is returned by GetSTH if the reply has no usable
	// tree_size.
	ErrMissingTreeSize = errors.Fmt("%w: no usable tree_size", ErrBadShape)

	// ErrMissingEntries is returned by GetEntries if the reply has no entries
	// array.
	ErrMissingEntries = errors.Fmt("%w: no entries array", ErrBadShape)
)

// StatusCodeTag holds the HTTP status code of a reply that was rejected.
var StatusCodeTag = errtag.Make("CT log HTTP status code", 0)

// StatusCode returns 200 for a nil error, and otherwise returns
// the value of StatusCodeTag, which is 0 if no response was received.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return StatusCodeTag.ValueOrDefault(err)
}

// RequestExhaustedError is returned once a request has failed MaxTries times
// in a row.
type RequestExhaustedError struct {
	URL      string
	Attempts int
	// Err is the error of the last attempt.
	Err error
}

func (e *RequestExhaustedError) Error() string {
	return fmt.Sprintf("CT request failed: %s after %d attempts: %s", e.URL, e.Attempts, e.Err)
}

func (e *RequestExhaustedError) Unwrap() error { return e.Err }
