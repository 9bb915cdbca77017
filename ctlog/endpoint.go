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
	"net/url"
	"strings"

	"go.chromium.org/luci/common/errors"
)

// Endpoint identifies one remote log.
type Endpoint struct {
	// Name is a filesystem-safe identity derived from the log URL. All local
	// files belonging to the log are prefixed with it.
	Name string
	// BaseURL is the log prefix, e.g. "https://ct.googleapis.com/pilot". The
	// RFC 6962 "/ct/v1/..." paths are appended to it.
	BaseURL string
}

// ParseEndpoint parses a log reference as it appears in the configuration.
//
// The scheme is optional and defaults to https. Trailing slashes are ignored,
// so "ct.googleapis.com/pilot/" and "https://ct.googleapis.com/pilot" refer to
// the same log and share the name "ct.googleapis.com_pilot".
func ParseEndpoint(raw string) (Endpoint, error) {
	s := strings.TrimRight(strings.TrimSpace(raw), "/")
	if s == "" {
		return Endpoint{}, errors.New("empty log URL")
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return Endpoint{}, errors.Fmt("bad log URL %q: %w", raw, err)
	}
	switch {
	case u.Scheme != "https" && u.Scheme != "http":
		return Endpoint{}, errors.Fmt("bad log URL %q: unsupported scheme %q", raw, u.Scheme)
	case u.Host == "":
		return Endpoint{}, errors.Fmt("bad log URL %q: no host", raw)
	case u.RawQuery != "" || u.Fragment != "":
		return Endpoint{}, errors.Fmt("bad log URL %q: must not have a query or fragment", raw)
	}
	path := strings.TrimRight(u.EscapedPath(), "/")
	return Endpoint{
		Name:    logName(u.Host + path),
		BaseURL: u.Scheme + "://" + u.Host + path,
	}, nil
}

// logName maps everything outside [A-Za-z0-9._-] to '_'.
func logName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		}
		return '_'
	}, s)
}
