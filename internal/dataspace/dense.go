package dataspace

// dense1D grows to the largest coordinate seen.
type dense1D struct {
	bins  []float64
	count int // non-zero bins
}

func (d *dense1D) add(c []int, w float64) {
	x := c[0]
	if x >= len(d.bins) {
		if x < cap(d.bins) {
			d.bins = d.bins[:x+1]
		} else {
			d.bins = append(d.bins, make([]float64, x+1-len(d.bins))...)
		}
	}
	before := d.bins[x]
	d.bins[x] += w
	d.track(before, d.bins[x])
}

func (d *dense1D) track(before, after float64) {
	switch {
	case before == 0 && after != 0:
		d.count++
	case before != 0 && after == 0:
		d.count--
	}
}

func (d *dense1D) get(c []int) float64 {
	if c[0] >= len(d.bins) {
		return 0
	}
	return d.bins[c[0]]
}

func (d *dense1D) visit(lo, hi []int, fn func(c []int, v float64) bool) {
	end := min(hi[0], len(d.bins)-1)
	coord := make([]int, 1)
	for x := lo[0]; x <= end; x++ {
		if v := d.bins[x]; v != 0 {
			coord[0] = x
			if !fn(coord, v) {
				return
			}
		}
	}
}

func (d *dense1D) clear() {
	clear(d.bins)
	d.bins = d.bins[:0]
	d.count = 0
}

func (d *dense1D) nonZero() int {
	return d.count
}

// denseMatrix is row-major with stride cols. A growing axis grows to at
// least 1.5 times its current length.
type denseMatrix struct {
	data  []float64
	rows  int
	cols  int
	count int
}

func (m *denseMatrix) resize(rows, cols int) {
	if rows <= m.rows && cols <= m.cols {
		return
	}
	if rows > m.rows {
		rows = max(rows, m.rows+m.rows/2)
	} else {
		rows = m.rows
	}
	if cols > m.cols {
		cols = max(cols, m.cols+m.cols/2)
	} else {
		cols = m.cols
	}

	next := make([]float64, rows*cols)
	for r := 0; r < m.rows; r++ {
		copy(next[r*cols:r*cols+m.cols], m.data[r*m.cols:(r+1)*m.cols])
	}
	m.data, m.rows, m.cols = next, rows, cols
}

func (m *denseMatrix) add(c []int, w float64) {
	x, y := c[0], c[1]
	m.resize(x+1, y+1)
	i := x*m.cols + y
	before := m.data[i]
	m.data[i] += w
	switch after := m.data[i]; {
	case before == 0 && after != 0:
		m.count++
	case before != 0 && after == 0:
		m.count--
	}
}

func (m *denseMatrix) at(x, y int) float64 {
	if x >= m.rows || y >= m.cols {
		return 0
	}
	return m.data[x*m.cols+y]
}

func (m *denseMatrix) get(c []int) float64 {
	return m.at(c[0], c[1])
}

func (m *denseMatrix) visit(lo, hi []int, fn func(c []int, v float64) bool) {
	xEnd := min(hi[0], m.rows-1)
	yEnd := min(hi[1], m.cols-1)
	coord := make([]int, 2)
	for x := lo[0]; x <= xEnd; x++ {
		row := m.data[x*m.cols : (x+1)*m.cols]
		for y := lo[1]; y <= yEnd; y++ {
			if v := row[y]; v != 0 {
				coord[0], coord[1] = x, y
				if !fn(coord, v) {
					return
				}
			}
		}
	}
}

func (m *denseMatrix) clear() {
	m.data, m.rows, m.cols, m.count = nil, 0, 0, 0
}

func (m *denseMatrix) nonZero() int {
	return m.count
}

func (m *denseMatrix) isSymmetric() bool {
	n := max(m.rows, m.cols)
	for x := 0; x < n; x++ {
		for y := 0; y < x; y++ {
			if m.at(x, y) != m.at(y, x) {
				return false
			}
		}
	}
	return true
}
