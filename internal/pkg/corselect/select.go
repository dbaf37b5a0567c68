// Package corselect is the controller's worker selector (spec.md §4.6): a
// fixed split table dividing the global domain into one rectangular cell
// per worker, and a job-to-worker scoring rule based on logical data
// overlap with each cell.
package corselect

import (
	"fmt"

	"github.com/nimbus-project/nimbus/internal/pkg/corldo"
	"github.com/nimbus-project/nimbus/internal/pkg/corregion"
)

// split is a (nx, ny, nz) cell subdivision for a given cluster size.
type split struct{ nx, ny, nz int64 }

// splitTable is the fixed table from spec.md §4.6. Cluster sizes outside
// this table are unsupported.
var splitTable = map[int]split{
	1: {1, 1, 1},
	2: {1, 2, 1},
	3: {1, 3, 1},
	4: {2, 2, 1},
	5: {1, 5, 1},
	6: {2, 3, 1},
	7: {1, 7, 1},
	8: {2, 2, 2},
}

// UnsupportedClusterSizeError reports a worker count with no entry in the
// split table.
type UnsupportedClusterSizeError struct {
	WorkerCount int
}

func (e *UnsupportedClusterSizeError) Error() string {
	return fmt.Sprintf("corselect: unsupported cluster size %d", e.WorkerCount)
}

// Selector owns the current domain subdivision and answers worker
// selection queries for ready jobs.
type Selector struct {
	cells  []corregion.Box // index i is worker id i
	domain corregion.Box
}

// NewSelector subdivides domain into one cell per worker according to the
// spec.md §4.6 split table. Redivision only happens by constructing a new
// Selector, matching "redivision occurs only when the worker count
// changes."
func NewSelector(domain corregion.Box, workerCount int) (*Selector, error) {
	s, ok := splitTable[workerCount]
	if !ok {
		return nil, &UnsupportedClusterSizeError{WorkerCount: workerCount}
	}

	dx := (domain.Xmax - domain.Xmin) / s.nx
	dy := (domain.Ymax - domain.Ymin) / s.ny
	dz := (domain.Zmax - domain.Zmin) / s.nz
	if dz == 0 {
		dz = 1
	}

	cells := make([]corregion.Box, 0, workerCount)
	for zi := int64(0); zi < s.nz; zi++ {
		for yi := int64(0); yi < s.ny; yi++ {
			for xi := int64(0); xi < s.nx; xi++ {
				cells = append(cells, corregion.Box{
					Xmin: domain.Xmin + xi*dx,
					Ymin: domain.Ymin + yi*dy,
					Zmin: domain.Zmin + zi*dz,
					Xmax: domain.Xmin + (xi+1)*dx,
					Ymax: domain.Ymin + (yi+1)*dy,
					Zmax: domain.Zmin + (zi+1)*dz,
				})
			}
		}
	}
	return &Selector{cells: cells, domain: domain}, nil
}

// WorkerCount reports how many worker cells the selector currently holds.
func (s *Selector) WorkerCount() int {
	return len(s.cells)
}

// CellOf returns the rectangular cell owned by workerID.
func (s *Selector) CellOf(workerID uint32) (corregion.Box, error) {
	if int(workerID) >= len(s.cells) {
		return corregion.Box{}, fmt.Errorf("corselect: unknown worker %d", workerID)
	}
	return s.cells[workerID], nil
}

// Select scores every worker cell by how many of the given logical ids'
// regions intersect it, and returns the highest-scoring worker, ties
// broken by lowest worker id.
func (s *Selector) Select(ldos []corldo.LDO) (uint32, error) {
	if len(s.cells) == 0 {
		return 0, fmt.Errorf("corselect: selector has no worker cells")
	}

	best := uint32(0)
	bestScore := -1
	for w, cell := range s.cells {
		score := 0
		for _, ldo := range ldos {
			if ldo.Region.Intersects(cell) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = uint32(w)
		}
	}
	return best, nil
}
