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
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"
)

var (
	recordsFetched = metric.NewCounter(
		"ctmirror/mirror/records",
		"Number of log records appended to shards.",
		nil,
		field.String("log"))

	batchesFetched = metric.NewCounter(
		"ctmirror/mirror/batches",
		"Number of get-entries batches appended to shards.",
		nil,
		field.String("log"))

	passCount = metric.NewCounter(
		"ctmirror/mirror/passes",
		"Number of synchronization passes, by outcome.",
		nil,
		field.String("log"),
		// See Outcome.String().
		field.String("outcome"))

	cursorGauge = metric.NewInt(
		"ctmirror/mirror/cursor",
		"Number of records durably mirrored.",
		nil,
		field.String("log"))

	treeSizeGauge = metric.NewInt(
		"ctmirror/mirror/tree_size",
		"Tree size reported by the log at the start of the last pass.",
		nil,
		field.String("log"))
)
