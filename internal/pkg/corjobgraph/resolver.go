package corjobgraph

import "fmt"

// ResolveOne applies spec.md §4.5's five steps to a single unversioned
// entry. It returns (true, nil) if the entry became versioned, (false,
// nil) if resolution had to be deferred (parent or a before-set peer isn't
// versioned yet), or a non-nil error for UnresolvedVersion.
func (g *Graph) ResolveOne(entry *Entry) (bool, error) {
	if entry.Versioned {
		return true, nil
	}

	parent, err := g.Get(entry.ParentID)
	if err != nil {
		return false, fmt.Errorf("corjobgraph: job %d has unknown parent %d: %w", entry.JobID, entry.ParentID, err)
	}
	if !parent.Versioned {
		return false, nil
	}

	before := make([]*Entry, 0, len(entry.Before))
	for id := range entry.Before {
		b, err := g.Get(id)
		if err != nil {
			return false, fmt.Errorf("corjobgraph: job %d before-set references unknown job %d: %w", entry.JobID, id, err)
		}
		if !b.Versioned {
			return false, nil
		}
		before = append(before, b)
	}

	in := parent.OutputVer.Clone()
	for _, b := range before {
		for logicalID, v := range b.OutputVer {
			if cur, ok := in[logicalID]; !ok || v > cur {
				in[logicalID] = v
			}
		}
	}

	for logicalID := range entry.ReadSet {
		if _, ok := in[logicalID]; !ok {
			return false, NewUnresolvedVersion(entry.JobID, logicalID)
		}
	}
	for logicalID := range entry.WriteSet {
		if _, ok := in[logicalID]; !ok {
			return false, NewUnresolvedVersion(entry.JobID, logicalID)
		}
	}

	out := in.Clone()
	for logicalID := range entry.WriteSet {
		out[logicalID]++
	}

	entry.InputVer = in
	entry.OutputVer = out
	entry.Versioned = true
	return true, nil
}

// ResolveAll sweeps every unversioned entry to a fixed point: repeated
// passes until a full pass makes no further progress (spec.md §4.5: "Sweep
// remaining unversioned jobs until a fixed point"). It returns the list of
// job ids that became versioned during this call.
func (g *Graph) ResolveAll() ([]uint64, error) {
	newlyVersioned := make([]uint64, 0)
	for {
		progressed := false
		for _, entry := range g.Unversioned() {
			ok, err := g.ResolveOne(entry)
			if err != nil {
				return newlyVersioned, err
			}
			if ok {
				progressed = true
				newlyVersioned = append(newlyVersioned, entry.JobID)
			}
		}
		if !progressed {
			return newlyVersioned, nil
		}
	}
}

// UnresolvedVersionError reports that a job's read or write set names a
// logical id that neither its parent nor its before-set peers can
// resolve a version for.
type UnresolvedVersionError struct {
	JobID     uint64
	LogicalID uint64
}

func (e *UnresolvedVersionError) Error() string {
	return fmt.Sprintf("corjobgraph: job %d cannot resolve a version for logical id %d", e.JobID, e.LogicalID)
}

// NewUnresolvedVersion builds an UnresolvedVersionError.
func NewUnresolvedVersion(jobID, logicalID uint64) error {
	return &UnresolvedVersionError{JobID: jobID, LogicalID: logicalID}
}
