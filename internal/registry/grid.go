package registry

////////////////////////////////////////////////////////////////////////////////

// Grid lazily enumerates the cartesian product of parameter axes. Points
// come out in lexicographic order with the first axis varying slowest.
// Enumeration never mutates the axes, and Reset rewinds to the first
// point, so one grid can drive any number of passes.
type Grid struct {
	axes []Axis
	idx  []int
	done bool
}

// NewGrid builds a grid over the given axes. A grid with no axes holds
// exactly one empty point; a grid where any axis has no values is empty.
func NewGrid(axes []Axis) *Grid {
	g := &Grid{
		axes: axes,
		idx:  make([]int, len(axes)),
	}
	g.done = g.hasEmptyAxis()
	return g
}

func (g *Grid) hasEmptyAxis() bool {
	for _, axis := range g.axes {
		if len(axis.Values) == 0 {
			return true
		}
	}
	return false
}

// Size is the total number of grid points.
func (g *Grid) Size() int {
	size := 1
	for _, axis := range g.axes {
		size *= len(axis.Values)
	}
	return size
}

// Next yields the next grid point. The returned Values slice is owned by
// the caller. The second result is false once the grid is exhausted.
func (g *Grid) Next() (Values, bool) {
	if g.done {
		return nil, false
	}

	point := make(Values, len(g.axes))
	for i, axis := range g.axes {
		point[i] = Assignment{Name: axis.Name, Value: axis.Values[g.idx[i]]}
	}

	// Advance the odometer, last axis fastest.
	i := len(g.idx) - 1
	for ; i >= 0; i-- {
		g.idx[i]++
		if g.idx[i] < len(g.axes[i].Values) {
			break
		}
		g.idx[i] = 0
	}
	if i < 0 {
		g.done = true
	}

	return point, true
}

// Reset rewinds the grid to its first point.
func (g *Grid) Reset() {
	for i := range g.idx {
		g.idx[i] = 0
	}
	g.done = g.hasEmptyAxis()
}
