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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/patnebe/lightswitch/pkg/address"
	"github.com/patnebe/lightswitch/pkg/config"
	"github.com/patnebe/lightswitch/pkg/logger"
	"github.com/patnebe/lightswitch/pkg/objectfile"
	"github.com/patnebe/lightswitch/pkg/stack/unwind"
)

type flags struct {
	LogLevel     string `kong:"enum='error,warn,info,debug',help='Log level.',default='info'"`
	LogFormat    string `kong:"enum='logfmt,json',help='Log format.',default='logfmt'"`
	ConfigPath   string `kong:"help='Path to a YAML file with the unwind table configuration.',type='path'"`
	PrintMetrics bool   `kong:"help='Print the collected metrics to stderr before exiting.'"`

	ShowUnwindInfo struct {
		Mode string `kong:"enum='compact,raw,events',help='Which stage of the unwind information to print.',default='compact'"`
		PC   string `kong:"name='pc',help='Only print the function containing this hex address.'"`

		Executable string `kong:"required,arg,name='executable',help='The executable to print the unwind information for.',type='existingfile'"`
	} `cmd:"" help:"Print the unwind table of an executable."`

	ShowInfo struct {
		Executable string `kong:"required,arg,name='executable',help='The executable to inspect.',type='existingfile'"`
	} `cmd:"" help:"Print the metadata relevant to unwinding of an executable."`

	Lookup struct {
		Executable string `kong:"required,arg,name='executable',help='The executable whose table is searched.',type='existingfile'"`
		PC         string `kong:"required,arg,name='pc',help='Hex address to look up.'"`
	} `cmd:"" help:"Shard the unwind table of an executable and look up the row for an address."`

	Summarize struct {
		PID  uint32 `kong:"help='Process id used to encode the exec mappings keys.',default='0'"`
		Low  string `kong:"required,arg,name='low',help='First hex address of the range.'"`
		High string `kong:"required,arg,name='high',help='Last hex address of the range, inclusive.'"`
	} `cmd:"" help:"Print the longest prefix match blocks covering an address range."`
}

// This tool exists for debugging unwind tables and it is intended for
// lightswitch's developers.
func main() {
	flags := flags{}
	kongCtx := kong.Parse(&flags)

	logger := logger.NewLogger(flags.LogLevel, flags.LogFormat, "eh-frame")
	reg := prometheus.NewRegistry()

	cfg := config.Default()
	if flags.ConfigPath != "" {
		var err error
		if cfg, err = config.LoadFile(flags.ConfigPath); err != nil {
			level.Error(logger).Log("msg", "failed to load config", "err", err)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid config", "err", err)
		os.Exit(1)
	}

	var cmd func() error
	switch kongCtx.Command() {
	case "show-unwind-info <executable>":
		cmd = func() error {
			return showUnwindInfo(os.Stdout, logger, reg, flags.ShowUnwindInfo.Executable, flags.ShowUnwindInfo.Mode, flags.ShowUnwindInfo.PC)
		}
	case "show-info <executable>":
		cmd = func() error {
			return showInfo(os.Stdout, flags.ShowInfo.Executable)
		}
	case "lookup <executable> <pc>":
		cmd = func() error {
			return lookup(os.Stdout, logger, reg, cfg, flags.Lookup.Executable, flags.Lookup.PC)
		}
	case "summarize <low> <high>":
		cmd = func() error {
			return summarize(os.Stdout, flags.Summarize.PID, flags.Summarize.Low, flags.Summarize.High)
		}
	default:
		level.Error(logger).Log("err", "Unknown command", "cmd", kongCtx.Command())
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var g run.Group
	g.Add(func() error {
		return runCommand(ctx, cmd)
	}, func(error) {
		cancel()
	})
	g.Add(run.SignalHandler(ctx, os.Interrupt))

	err := g.Run()
	if flags.PrintMetrics {
		if mErr := writeMetrics(os.Stderr, reg); mErr != nil {
			level.Warn(logger).Log("msg", "failed to write metrics", "err", mErr)
		}
	}
	if err != nil {
		var sigErr run.SignalError
		if errors.As(err, &sigErr) {
			level.Info(logger).Log("msg", "interrupted", "signal", sigErr.Signal)
		} else {
			level.Error(logger).Log("err", err)
		}
		os.Exit(1)
	}
}

// runCommand runs cmd until it returns or ctx is canceled. The work
// itself can't be interrupted, it is abandoned as the process exits.
func runCommand(ctx context.Context, cmd func() error) error {
	errc := make(chan error, 1)
	go func() {
		errc <- cmd()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parseAddress(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	addr, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid hex address %q: %w", s, err)
	}
	return addr, nil
}

func readSections(path string) (*objectfile.ObjectFile, unwind.Sections, error) {
	obj, err := objectfile.Open(path)
	if err != nil {
		return nil, unwind.Sections{}, err
	}
	sections, err := unwind.ReadSections(obj)
	if err != nil {
		return nil, unwind.Sections{}, errors.Join(err, obj.Close())
	}
	return obj, sections, nil
}

func showUnwindInfo(w io.Writer, logger log.Logger, reg prometheus.Registerer, path, mode, pcArg string) (err error) { //nolint:nonamedreturns
	var pc *uint64
	if pcArg != "" {
		addr, err := parseAddress(pcArg)
		if err != nil {
			return err
		}
		pc = &addr
	}

	obj, sections, err := readSections(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, obj.Close())
	}()

	switch mode {
	case "raw":
		return unwind.WriteRawTable(w, sections, pc)
	case "events":
		return unwind.WriteEvents(w, unwind.NewExtractor(logger, reg), sections, pc)
	}

	table, err := unwind.BuildCompactUnwindTable(sections, logger, reg)
	if err != nil {
		return err
	}
	table = unwind.Compact(table)
	if pc != nil {
		row, ok := table.Lookup(*pc)
		if !ok {
			return fmt.Errorf("no unwind row found for %x", *pc)
		}
		table = unwind.CompactUnwindTable{row}
	}
	return unwind.WriteTable(w, table)
}

var frameSections = []string{".eh_frame", ".debug_frame", ".zdebug_frame", ".__eh_frame"}

func showInfo(w io.Writer, path string) error {
	obj, err := objectfile.Open(path)
	if err != nil {
		return err
	}
	defer obj.Close()

	fmt.Fprintf(w, "path: %s\n", obj.Path)
	fmt.Fprintf(w, "size: %s\n", humanize.IBytes(uint64(obj.Size)))
	fmt.Fprintf(w, "build_id: %s\n", obj.BuildID)
	if id, err := obj.ExecutableID(); err == nil {
		fmt.Fprintf(w, "executable_id: %x\n", id)
	} else {
		fmt.Fprintf(w, "executable_id: error: %v\n", err)
	}

	isGo, err := obj.IsGo()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "is_go: %t\n", isGo)
	fmt.Fprintf(w, "is_dynamic: %t\n", obj.IsDynamic())
	fmt.Fprintf(w, "has_debug_info: %t\n", obj.HasDebugInfo())

	fmt.Fprintln(w, "unwind sections:")
	for _, name := range frameSections {
		if size, ok := obj.SectionSize(name); ok {
			fmt.Fprintf(w, "\t%s: %s\n", name, humanize.IBytes(size))
		} else {
			fmt.Fprintf(w, "\t%s: -\n", name)
		}
	}

	fmt.Fprintln(w, "load segments:")
	for _, p := range obj.LoadSegments() {
		_, err := fmt.Fprintf(w, "\toffset: %#x vaddr: %#x filesz: %s memsz: %s flags: %s\n",
			p.Off, p.Vaddr, humanize.IBytes(p.Filesz), humanize.IBytes(p.Memsz), p.Flags)
		if err != nil {
			return err
		}
	}
	return nil
}

func lookup(w io.Writer, logger log.Logger, reg prometheus.Registerer, cfg *config.Config, path, pcArg string) (err error) { //nolint:nonamedreturns
	pc, err := parseAddress(pcArg)
	if err != nil {
		return err
	}

	obj, err := objectfile.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, obj.Close())
	}()

	tables, err := unwind.NewTableCache(logger, reg, cfg.Unwind.ShardingOptions(), cfg.Unwind.TableCacheSize)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, tables.Close())
	}()

	st, err := tables.GetOrBuild(obj)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "rows: %d shards: %d chunks: %d\n", st.Len(), st.NumShards(), len(st.Chunks()))

	chunk, ok := st.FindChunk(pc)
	if !ok {
		return fmt.Errorf("no chunk covers %x", pc)
	}
	fmt.Fprintln(w, chunk)

	row, ok := st.Lookup(pc)
	if !ok {
		return fmt.Errorf("no unwind row found for %x", pc)
	}
	_, err = fmt.Fprintln(w, row)
	return err
}

func summarize(w io.Writer, pid uint32, lowArg, highArg string) error {
	low, err := parseAddress(lowArg)
	if err != nil {
		return err
	}
	high, err := parseAddress(highArg)
	if err != nil {
		return err
	}

	blocks, err := address.SummarizeAddressRange(low, high)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		key := address.ExecMappingsKey(pid, b)
		if _, err := fmt.Fprintf(w, "addr: %#x prefix_len: %d key: %x\n", b.Addr, b.PrefixLen, key); err != nil {
			return err
		}
	}
	return nil
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
