package report

import (
	"sort"
	"strings"

	"github.com/membrowse/membrowse-action/pkg/binfile"
	"github.com/membrowse/membrowse-action/pkg/classify"
	"github.com/membrowse/membrowse-action/pkg/config"
)

type regionKind uint8

const (
	unknownRegion regionKind = iota
	romRegion
	ramRegion
)

// kindOf guesses what a region holds from its name, then from its linker
// script attributes.
func kindOf(r *config.MemoryRegion) regionKind {
	name := strings.ToLower(r.Name)
	for _, p := range []string{"flash", "rom", "code"} {
		if strings.Contains(name, p) {
			return romRegion
		}
	}
	for _, p := range []string{"ram", "data", "heap", "stack"} {
		if strings.Contains(name, p) {
			return ramRegion
		}
	}
	attrs := strings.ToLower(r.Attributes)
	switch {
	case strings.Contains(attrs, "w"):
		return ramRegion
	case strings.Contains(attrs, "x"), strings.Contains(attrs, "r"):
		return romRegion
	}
	return unknownRegion
}

func compatible(c classify.MemoryClass, k regionKind) bool {
	switch c {
	case classify.Text, classify.Rodata:
		return k == romRegion
	case classify.Data, classify.Bss:
		return k == ramRegion
	}
	return false
}

// regionUsage assigns every allocated section to the region containing
// its address. Sections at address 0, as found in object files, go to the
// first region compatible with their class.
func regionUsage(regions []config.MemoryRegion, sections []binfile.Section) []Region {
	if len(regions) == 0 {
		return nil
	}
	sorted := make([]config.MemoryRegion, len(regions))
	copy(sorted, regions)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Origin < sorted[j].Origin })

	out := make([]Region, len(sorted))
	for i, r := range sorted {
		out[i] = Region{Name: r.Name, Origin: r.Origin, Length: r.Length, Attributes: r.Attributes}
	}

	find := func(addr uint64) int {
		i := sort.Search(len(sorted), func(i int) bool { return sorted[i].Origin > addr }) - 1
		if i >= 0 && addr-sorted[i].Origin < sorted[i].Length {
			return i
		}
		return -1
	}

	for i := range sections {
		s := &sections[i]
		if !s.Allocated() || s.Size == 0 {
			continue
		}
		idx := -1
		if s.Addr != 0 {
			idx = find(s.Addr)
		} else {
			class := classify.Section(s)
			for j := range sorted {
				if compatible(class, kindOf(&sorted[j])) {
					idx = j
					break
				}
			}
		}
		if idx < 0 {
			continue
		}
		out[idx].Used += s.Size
		out[idx].Sections = append(out[idx].Sections, s.Name)
	}

	for i := range out {
		r := &out[i]
		if r.Used < r.Length {
			r.Free = r.Length - r.Used
		}
		if r.Length > 0 {
			r.Utilization = float64(r.Used) / float64(r.Length) * 100
		}
	}
	return out
}
