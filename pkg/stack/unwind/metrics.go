// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package unwind

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	reasonCIENotFound       = "cie_not_found"
	reasonMalformedEntry    = "malformed_entry"
	reasonProgramError      = "program_error"
	reasonRbpOffsetOverflow = "rbp_offset_overflow"

	resultSuccess = "success"
	resultError   = "error"
)

type extractorMetrics struct {
	fdesSkipped *prometheus.CounterVec
	// Indexed by CfaType.
	rows [CfaTypeOffsetDidNotFit + 1]prometheus.Counter
}

func newExtractorMetrics(reg prometheus.Registerer) *extractorMetrics {
	rows := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "lightswitch_unwind_rows_total",
		Help: "Number of compact unwind rows emitted, by CFA type.",
	}, []string{"cfa_type"})

	m := &extractorMetrics{
		fdesSkipped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "lightswitch_unwind_fdes_skipped_total",
			Help: "Number of frame description entries that could not be turned into unwind rows.",
		}, []string{"reason"}),
	}
	m.fdesSkipped.WithLabelValues(reasonCIENotFound)
	m.fdesSkipped.WithLabelValues(reasonMalformedEntry)
	m.fdesSkipped.WithLabelValues(reasonProgramError)
	m.fdesSkipped.WithLabelValues(reasonRbpOffsetOverflow)

	for t := CfaTypeFramePointerOffset; t <= CfaTypeOffsetDidNotFit; t++ {
		m.rows[t] = rows.WithLabelValues(t.String())
	}
	return m
}

func (m *extractorMetrics) observeRow(row CompactUnwindRow) {
	if int(row.CfaType) < len(m.rows) && m.rows[row.CfaType] != nil {
		m.rows[row.CfaType].Inc()
	}
}

type sharderMetrics struct {
	shards prometheus.Counter
	chunks prometheus.Counter
	errors *prometheus.CounterVec
}

func newSharderMetrics(reg prometheus.Registerer) *sharderMetrics {
	m := &sharderMetrics{
		shards: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "lightswitch_unwind_shards_total",
			Help: "Number of unwind shards sealed.",
		}),
		chunks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "lightswitch_unwind_chunks_total",
			Help: "Number of unwind chunks created.",
		}),
		errors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "lightswitch_unwind_sharding_errors_total",
			Help: "Number of unwind tables that could not be sharded.",
		}, []string{"error"}),
	}
	m.errors.WithLabelValues(labelFunctionTooLarge)
	m.errors.WithLabelValues(labelTooManyShards)
	m.errors.WithLabelValues(labelTooManyChunks)
	return m
}

type tableCacheMetrics struct {
	builds *prometheus.CounterVec
	// Builds that were served to more than one caller.
	shared prometheus.Counter
}

func newTableCacheMetrics(reg prometheus.Registerer) *tableCacheMetrics {
	m := &tableCacheMetrics{
		builds: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "lightswitch_unwind_table_builds_total",
			Help: "Number of unwind table builds, by result.",
		}, []string{"result"}),
		shared: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "lightswitch_unwind_table_builds_shared_total",
			Help: "Number of unwind table builds whose result was shared with concurrent callers.",
		}),
	}
	m.builds.WithLabelValues(resultSuccess)
	m.builds.WithLabelValues(resultError)
	return m
}
