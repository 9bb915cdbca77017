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
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"
)

var (
	// requestCount counts individual HTTP attempts, so a request that is
	// retried twice shows up three times.
	requestCount = metric.NewCounter(
		"ctmirror/ctlog/requests",
		"Number of HTTP attempts made against CT logs.",
		nil,
		// "get-sth" or "get-entries".
		field.String("endpoint"),
		// HTTP status code, 0 if no response was received.
		field.Int("code"))

	retryCount = metric.NewCounter(
		"ctmirror/ctlog/retries",
		"Number of times a CT log request was retried after a transient error.",
		nil,
		field.String("endpoint"))
)
