// Package corregion is the "axis-aligned box with intersection/containment
// predicates" geometry library named as an out-of-scope collaborator in
// spec.md §1, kept minimal since the geometry library proper is explicitly
// not part of the core.
package corregion

// Box is an axis-aligned rectangular region in the (up to) 3-dimensional
// simulation domain. A 2D region is given a unit z extent (Zmin=0,
// Zmax=1); a box with Zmin==Zmax has no volume and Intersects nothing.
type Box struct {
	Xmin, Ymin, Zmin int64
	Xmax, Ymax, Zmax int64
}

// Intersects reports whether b and other share any volume.
func (b Box) Intersects(other Box) bool {
	return b.Xmin < other.Xmax && other.Xmin < b.Xmax &&
		b.Ymin < other.Ymax && other.Ymin < b.Ymax &&
		b.Zmin < other.Zmax && other.Zmin < b.Zmax
}

// Covers reports whether b entirely contains other.
func (b Box) Covers(other Box) bool {
	return other.Xmin >= b.Xmin && other.Xmax <= b.Xmax &&
		other.Ymin >= b.Ymin && other.Ymax <= b.Ymax &&
		other.Zmin >= b.Zmin && other.Zmax <= b.Zmax
}

// Adjacent reports whether b and other touch along a face without
// overlapping volume -- their closures intersect but their interiors
// don't.
func (b Box) Adjacent(other Box) bool {
	if b.Intersects(other) {
		return false
	}
	touchesX := b.Xmin <= other.Xmax && other.Xmin <= b.Xmax
	touchesY := b.Ymin <= other.Ymax && other.Ymin <= b.Ymax
	touchesZ := b.Zmin <= other.Zmax && other.Zmin <= b.Zmax
	return touchesX && touchesY && touchesZ
}

// Volume returns the box's volume; a box flat along z (Zmin==Zmax) yields
// the product of its x and y extents. Flatness along x or y yields 0.
func (b Box) Volume() int64 {
	dx := b.Xmax - b.Xmin
	dy := b.Ymax - b.Ymin
	dz := b.Zmax - b.Zmin
	if dz == 0 {
		dz = 1
	}
	return dx * dy * dz
}
