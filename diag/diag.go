// Package diag provides the Diagnostics surface for the domain
// decomposition subsystem: loading a plain-text particle catalog for
// test/bench runs, and pretty-printing decomposition reports. It is
// explicitly not the real snapshot I/O the spec excludes as an external
// collaborator (spec.md §1 Non-goals) — just enough to drive cmd/run.
//
// Grounded on render/halo/io.go's table.ReadTable column-index loading
// convention.
package diag

import (
	"fmt"
	"io"
	"sort"

	"github.com/phil-mansfield/table"

	"github.com/cosmo-nbody/nbodydomain/particle"
)

// CatalogColumns names the zero-based columns LoadCatalog expects in the
// input text table: id, x, y, z, mass, type.
type CatalogColumns struct {
	ID, X, Y, Z, Mass, Type int
}

// DefaultColumns is the layout cmd/nbodydomain's sample catalogs use.
var DefaultColumns = CatalogColumns{ID: 0, X: 1, Y: 2, Z: 3, Mass: 4, Type: 5}

// LoadCatalog reads a whitespace-delimited text table via
// github.com/phil-mansfield/table (the teacher's own catalog-reading
// dependency) and appends one base particle per row to m. It does not
// populate gas or black-hole slots; callers needing those should layer
// particle.Manager.AppendGas/AppendBH on top afterward.
func LoadCatalog(file string, cols CatalogColumns, m *particle.Manager) (int, error) {
	idxs := []int{cols.ID, cols.X, cols.Y, cols.Z, cols.Mass, cols.Type}
	data, err := table.ReadTable(file, idxs, nil)
	if err != nil {
		return 0, fmt.Errorf("diag: reading catalog %s: %w", file, err)
	}
	if len(data) != len(idxs) {
		return 0, fmt.Errorf("diag: catalog %s: expected %d columns, got %d", file, len(idxs), len(data))
	}

	ids, xs, ys, zs, masses, types := data[0], data[1], data[2], data[3], data[4], data[5]
	n := len(ids)
	loaded := 0
	for i := 0; i < n; i++ {
		p := particle.Particle{
			ID:   uint64(ids[i]),
			Pos:  [3]float64{xs[i], ys[i], zs[i]},
			Mass: masses[i],
			Type: particle.Type(uint8(types[i])),
		}
		if _, err := m.AppendBase(p); err != nil {
			return loaded, fmt.Errorf("diag: appending row %d: %w", i, err)
		}
		loaded++
	}
	return loaded, nil
}

// Report is the human-readable decomposition summary spec.md's
// Decomposer is expected to leave behind for diagnostics (SPEC_FULL.md
// §6 decomp.Report), printed here rather than in decomp to keep
// presentation separate from orchestration, matching the teacher's
// split between io and render packages for data vs. presentation.
type Report struct {
	Rank       int
	NumPart    int
	CountByType [particle.NumTypes]int64
	NLeaves    int
	GCReclaimed int
	Strategy   string
}

// WriteSummary prints a one-line-per-rank table to w, collecting ranks in
// ascending order for a deterministic multi-rank report.
func WriteSummary(w io.Writer, reports []Report) {
	sorted := make([]Report, len(reports))
	copy(sorted, reports)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Rank < sorted[j].Rank })

	fmt.Fprintf(w, "%-6s %-10s %-8s %-12s %-10s\n", "rank", "numpart", "leaves", "gc_reclaim", "strategy")
	for _, r := range sorted {
		fmt.Fprintf(w, "%-6d %-10d %-8d %-12d %-10s\n", r.Rank, r.NumPart, r.NLeaves, r.GCReclaimed, r.Strategy)
	}
}
