package cmds

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/membrowse/membrowse-action/pkg/report"
)

func hex(v uint64) string { return fmt.Sprintf("%#08x", v) }

func printSections(w io.Writer, r *report.Report) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Idx", "Name", "Class", "Address", "Size", "Flags", "Symbols"})
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, s := range r.Sections {
		table.Append([]string{
			strconv.Itoa(s.Index),
			s.Name,
			s.Class.String(),
			hex(s.Address),
			humanize.IBytes(s.Size),
			s.Flags,
			fmt.Sprintf("%d (%s)", s.Symbols, humanize.IBytes(s.SymbolBytes)),
		})
	}
	table.Render()

	totals := tablewriter.NewWriter(w)
	totals.SetHeader([]string{"Class", "Sections", "Symbols"})
	totals.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, c := range r.Totals {
		totals.Append([]string{
			c.Class.String(),
			humanize.IBytes(c.Bytes),
			fmt.Sprintf("%d (%s)", c.Symbols, humanize.IBytes(c.SymbolBytes)),
		})
	}
	totals.Render()

	if len(r.Regions) > 0 {
		regions := tablewriter.NewWriter(w)
		regions.SetHeader([]string{"Region", "Origin", "Length", "Used", "Free", "Use%"})
		regions.SetAlignment(tablewriter.ALIGN_LEFT)
		for _, rg := range r.Regions {
			regions.Append([]string{
				rg.Name,
				hex(rg.Origin),
				humanize.IBytes(rg.Length),
				humanize.IBytes(rg.Used),
				humanize.IBytes(rg.Free),
				fmt.Sprintf("%.1f%%", rg.Utilization),
			})
		}
		regions.Render()
	}

	printAnomalies(w, r.Anomalies)
}

func printSymbols(w io.Writer, syms []report.Symbol) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Address", "Size", "Class", "Bind", "Section", "Name", "Location"})
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, s := range syms {
		loc := ""
		if len(s.Locations) > 0 {
			loc = s.Locations[0].String()
		}
		name := s.Demangled.Display
		if name == "" {
			name = s.Name
		}
		table.Append([]string{
			hex(s.Value),
			strconv.FormatUint(s.Size, 10),
			s.Class.String(),
			s.Binding.String(),
			s.Section,
			name,
			loc,
		})
	}
	table.Render()
}

func printAnomalies(w io.Writer, anomalies []report.Anomaly) {
	for _, a := range anomalies {
		subject := a.Symbol
		if subject == "" {
			subject = a.Section
		}
		if subject != "" {
			fmt.Fprintf(w, "%s: %s: %s: %s\n", a.Severity, a.Kind, subject, a.Message)
		} else {
			fmt.Fprintf(w, "%s: %s: %s\n", a.Severity, a.Kind, a.Message)
		}
	}
}
