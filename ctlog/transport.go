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
	"crypto/tls"
	"net/http"

	"golang.org/x/time/rate"

	"go.chromium.org/luci/common/lhttp"
)

// newTransport builds the round tripper of a Client.
//
// Certificate verification is off: CT logs are public and some of them are
// served with self-signed or otherwise unusual certificates. Nothing fetched
// is trusted beyond being stored verbatim.
func newTransport(opts Options) http.RoundTripper {
	rt := opts.Transport
	if rt == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		rt = t
	}
	if opts.Concurrency != nil {
		rt = lhttp.LimitConcurrency(rt, opts.Concurrency)
	}
	if opts.RequestsPerSecond > 0 {
		rt = lhttp.LimitRate(rt, rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1))
	}
	return rt
}
