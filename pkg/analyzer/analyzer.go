// Package analyzer runs the analysis pipeline over one binary: load,
// extract the symbol table, index the debug information, then classify,
// demangle and correlate the symbols on a pool of workers and reduce the
// results into a report.
package analyzer

import (
	"context"
	"runtime"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/membrowse/membrowse-action/pkg/binfile"
	"github.com/membrowse/membrowse-action/pkg/classify"
	"github.com/membrowse/membrowse-action/pkg/config"
	"github.com/membrowse/membrowse-action/pkg/correlate"
	"github.com/membrowse/membrowse-action/pkg/demangle"
	"github.com/membrowse/membrowse-action/pkg/logflags"
	"github.com/membrowse/membrowse-action/pkg/report"
	"github.com/membrowse/membrowse-action/pkg/symtab"
)

// Options configures an analysis.
type Options struct {
	// Workers is the number of goroutines processing symbols, 0 means
	// one per CPU.
	Workers int
	// TopSymbols is the length of the list of largest symbols.
	TopSymbols int
	// Regions are the memory regions whose utilization is reported.
	Regions              []config.MemoryRegion
	SubstitutePath       config.SubstitutePathRules
	IgnoreSymbolPrefixes []string
	// Demangler is shared by the workers, nil uses a new one with the
	// default cache size.
	Demangler *demangle.Demangler
}

// OptionsFromConfig returns the options set by a configuration file.
func OptionsFromConfig(c *config.Config) Options {
	if c == nil {
		c = &config.Config{}
	}
	return Options{
		Workers:              c.Workers,
		TopSymbols:           c.GetTopSymbols(),
		Regions:              c.MemoryRegions,
		SubstitutePath:       c.SubstitutePath,
		IgnoreSymbolPrefixes: c.IgnoreSymbolPrefixes,
		Demangler:            demangle.NewDemangler(c.GetDemangleCacheSize()),
	}
}

// Analyze loads the binary at path and analyzes it.
func Analyze(ctx context.Context, path string, opts Options) (*report.Report, error) {
	f, err := binfile.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return AnalyzeFile(ctx, f, opts)
}

// AnalyzeFile analyzes a loaded binary. Errors are only returned for
// problems that make the symbol table unusable and for cancellation,
// which is checked between stages.
func AnalyzeFile(ctx context.Context, f *binfile.File, opts Options) (*report.Report, error) {
	log := logflags.AnalyzerLogger().WithField("binary", f.Path)
	hdr := f.Header()
	bin := report.ConvertBinary(f.Path, hdr.Class, hdr.Data, hdr.Type, f.Machine(), hdr.Entry, f.Size(), f.Fingerprint())

	var anomalies []report.Anomaly
	if !f.Supported() {
		anomalies = append(anomalies, report.Anomaly{
			Kind:     report.UnsupportedMachine,
			Severity: report.Warning,
			Message:  "unknown machine " + f.Machine() + ", symbol values may be misinterpreted",
		})
	}

	tab, err := symtab.Extract(f, symtab.Options{IgnorePrefixes: opts.IgnoreSymbolPrefixes})
	switch {
	case errors.Is(err, symtab.ErrNoSymbols):
		anomalies = append(anomalies, report.Anomaly{
			Kind:     report.NoSymbolTable,
			Severity: report.Warning,
			Message:  "binary has no symbol table",
		})
	case err != nil:
		return nil, errors.WithMessage(err, f.Path)
	case tab.Dynamic:
		bin.SymbolTable = ".dynsym"
	default:
		bin.SymbolTable = ".symtab"
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	idx, err := correlate.NewIndex(f, correlate.Options{SubstitutePath: opts.SubstitutePath})
	var warnings []string
	if err != nil {
		if merr, ok := err.(*multierror.Error); ok {
			for _, e := range merr.Errors {
				warnings = append(warnings, e.Error())
			}
		} else {
			warnings = append(warnings, err.Error())
		}
	}
	bin.DebugInfo = idx.HasDebugInfo()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := report.NewBuilder(bin)
	b.AddSections(report.Layout{Sections: f.Sections(), Relocatable: f.Relocatable(), ThumbBit: f.ThumbBit()})
	b.SetRegions(opts.Regions)
	for _, a := range anomalies {
		b.AddAnomaly(a)
	}
	for _, w := range warnings {
		b.AddWarning(w)
	}

	dm := opts.Demangler
	if dm == nil {
		dm = demangle.NewDemangler(config.DefaultDemangleCacheSize)
	}
	w := &worker{sections: f.Sections(), index: idx, demangler: dm}
	partials := w.run(tab.Symbols, opts.Workers)
	for _, p := range partials {
		b.Merge(p)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r := b.Finish(opts.TopSymbols)
	hits, misses := dm.Stats()
	log.Debugf("%d symbols on %d workers, demangle cache %d hits %d misses", len(tab.Symbols), len(partials), hits, misses)
	return r, nil
}

// worker holds the read-only state shared by the goroutines processing
// symbols.
type worker struct {
	sections  []binfile.Section
	index     *correlate.Index
	demangler *demangle.Demangler
}

// run splits symbols in contiguous chunks, one per goroutine, and returns
// the partial results in chunk order.
func (w *worker) run(symbols []symtab.RawSymbol, n int) []*report.Partial {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n > len(symbols) {
		n = len(symbols)
	}
	if n == 0 {
		return nil
	}
	size := (len(symbols) + n - 1) / n
	partials := make([]*report.Partial, 0, n)
	var g errgroup.Group
	for start := 0; start < len(symbols); start += size {
		end := start + size
		if end > len(symbols) {
			end = len(symbols)
		}
		p := &report.Partial{}
		partials = append(partials, p)
		chunk := symbols[start:end]
		g.Go(func() error {
			for i := range chunk {
				p.Add(w.symbol(&chunk[i]))
			}
			return nil
		})
	}
	g.Wait()
	return partials
}

// symbol classifies, demangles and correlates one symbol.
func (w *worker) symbol(raw *symtab.RawSymbol) report.Symbol {
	s := report.Symbol{
		Index:        raw.Index,
		Name:         raw.Name,
		Demangled:    w.demangler.Demangle(raw.Name),
		Value:        raw.Value,
		Size:         raw.Size,
		Binding:      raw.Binding,
		Kind:         raw.Kind,
		Class:        classify.Symbol(raw, w.sections),
		SectionIndex: raw.Section,
	}
	if raw.Defined() && int(raw.Section) < len(w.sections) {
		s.Section = w.sections[raw.Section].Name
	}
	res := w.index.Correlate(raw)
	s.Locations = res.Locations
	s.DefinitionUnits = res.DefinitionUnits
	return s
}
