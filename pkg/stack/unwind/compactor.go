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
	"fmt"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

// FunctionRange is the address range [Start, End) covered by an FDE.
type FunctionRange struct {
	Start uint64
	End   uint64
}

// Compactor collects the events of an extraction into a compact unwind
// table, adding a marker at the end of every function.
type Compactor struct {
	table     CompactUnwindTable
	functions []FunctionRange
}

var _ Visitor = (*Compactor)(nil)

func NewCompactor() *Compactor {
	return &Compactor{
		// Heuristic: we expect each function to have ~4 unwind entries.
		table: make(CompactUnwindTable, 0, 1024),
	}
}

func (c *Compactor) VisitFunction(start, end uint64) bool {
	if n := len(c.functions); n > 0 {
		// Marker for the previous function. It's removed later on if
		// the next function starts right where it ends.
		c.table = append(c.table, EndOfFunctionMarker(c.functions[n-1].End))
	}
	c.functions = append(c.functions, FunctionRange{Start: start, End: end})
	return true
}

func (c *Compactor) VisitInstruction(row CompactUnwindRow) bool {
	c.table = append(c.table, row)
	return true
}

// Finish adds the marker for the last function and returns the table
// in event order. The Compactor must not be used afterwards.
func (c *Compactor) Finish() CompactUnwindTable {
	if n := len(c.functions); n > 0 {
		c.table = append(c.table, EndOfFunctionMarker(c.functions[n-1].End))
	}
	table := c.table
	c.table = nil
	return table
}

// Functions returns the functions seen so far, sorted by start address.
func (c *Compactor) Functions() []FunctionRange {
	return c.functions
}

// BuildTable extracts the rows of the given sections and returns them
// sorted by pc, with a marker at the end of each function, along with
// the functions they belong to. Nothing is returned on error.
func (e *Extractor) BuildTable(sections Sections) (CompactUnwindTable, []FunctionRange, error) {
	c := NewCompactor()
	if err := e.Extract(sections, c); err != nil {
		return nil, nil, err
	}
	functions := c.Functions()
	table := c.Finish()
	table.Sort()
	return table, functions, nil
}

// BuildCompactUnwindTable produces the compact unwind table for the
// given sections. Metrics are registered in reg, which may be nil.
// Long lived callers should create an Extractor once and use
// BuildTable instead.
func BuildCompactUnwindTable(sections Sections, logger log.Logger, reg prometheus.Registerer) (CompactUnwindTable, error) {
	table, _, err := NewExtractor(logger, reg).BuildTable(sections)
	if err != nil {
		return nil, fmt.Errorf("build compact unwind table: %w", err)
	}
	return table, nil
}
