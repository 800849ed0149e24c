package dataspace

import (
	"slices"
	"sort"
)

// sparseMap stores accumulated values keyed by coordinate tuple. Unused
// trailing key components stay zero. Keys are sorted on visit.
type sparseMap struct {
	dims  int
	cells map[[3]int]float64
}

func newSparseMap(dims int) *sparseMap {
	return &sparseMap{dims: dims, cells: make(map[[3]int]float64)}
}

func (m *sparseMap) key(c []int) [3]int {
	var k [3]int
	copy(k[:], c[:m.dims])
	return k
}

func (m *sparseMap) add(c []int, w float64) {
	k := m.key(c)
	v := m.cells[k] + w
	if v == 0 {
		delete(m.cells, k)
		return
	}
	m.cells[k] = v
}

func (m *sparseMap) get(c []int) float64 {
	return m.cells[m.key(c)]
}

func (m *sparseMap) visit(lo, hi []int, fn func(c []int, v float64) bool) {
	keys := make([][3]int, 0, len(m.cells))
	for k := range m.cells {
		if m.inside(k, lo, hi) {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, compareKeys)

	coord := make([]int, m.dims)
	for _, k := range keys {
		copy(coord, k[:m.dims])
		if !fn(coord, m.cells[k]) {
			return
		}
	}
}

func (m *sparseMap) inside(k [3]int, lo, hi []int) bool {
	for d := 0; d < m.dims; d++ {
		if k[d] < lo[d] || k[d] > hi[d] {
			return false
		}
	}
	return true
}

func compareKeys(a, b [3]int) int {
	for d := range a {
		if a[d] != b[d] {
			if a[d] < b[d] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (m *sparseMap) clear() {
	clear(m.cells)
}

func (m *sparseMap) nonZero() int {
	return len(m.cells)
}

func (m *sparseMap) isSymmetric() bool {
	if m.dims != 2 {
		return false
	}
	for k, v := range m.cells {
		if m.cells[[3]int{k[1], k[0]}] != v {
			return false
		}
	}
	return true
}

// sparseMatrix is a compressed row matrix. rowIDs is sorted; every row
// keeps its columns sorted with parallel values.
type sparseMatrix struct {
	rowIDs []int
	rows   []*csrRow
	count  int
}

type csrRow struct {
	cols []int
	vals []float64
}

func (m *sparseMatrix) row(x int) (*csrRow, int, bool) {
	i := sort.SearchInts(m.rowIDs, x)
	if i < len(m.rowIDs) && m.rowIDs[i] == x {
		return m.rows[i], i, true
	}
	return nil, i, false
}

func (m *sparseMatrix) add(c []int, w float64) {
	x, y := c[0], c[1]
	r, ri, ok := m.row(x)
	if !ok {
		r = &csrRow{}
		m.rowIDs = slices.Insert(m.rowIDs, ri, x)
		m.rows = slices.Insert(m.rows, ri, r)
	}

	ci := sort.SearchInts(r.cols, y)
	if ci < len(r.cols) && r.cols[ci] == y {
		r.vals[ci] += w
		if r.vals[ci] == 0 {
			r.cols = slices.Delete(r.cols, ci, ci+1)
			r.vals = slices.Delete(r.vals, ci, ci+1)
			m.count--
			if len(r.cols) == 0 {
				m.rowIDs = slices.Delete(m.rowIDs, ri, ri+1)
				m.rows = slices.Delete(m.rows, ri, ri+1)
			}
		}
		return
	}

	r.cols = slices.Insert(r.cols, ci, y)
	r.vals = slices.Insert(r.vals, ci, w)
	m.count++
}

func (m *sparseMatrix) at(x, y int) float64 {
	r, _, ok := m.row(x)
	if !ok {
		return 0
	}
	ci := sort.SearchInts(r.cols, y)
	if ci < len(r.cols) && r.cols[ci] == y {
		return r.vals[ci]
	}
	return 0
}

func (m *sparseMatrix) get(c []int) float64 {
	return m.at(c[0], c[1])
}

func (m *sparseMatrix) visit(lo, hi []int, fn func(c []int, v float64) bool) {
	coord := make([]int, 2)
	for ri := sort.SearchInts(m.rowIDs, lo[0]); ri < len(m.rowIDs); ri++ {
		x := m.rowIDs[ri]
		if x > hi[0] {
			return
		}
		r := m.rows[ri]
		for ci := sort.SearchInts(r.cols, lo[1]); ci < len(r.cols); ci++ {
			if r.cols[ci] > hi[1] {
				break
			}
			coord[0], coord[1] = x, r.cols[ci]
			if !fn(coord, r.vals[ci]) {
				return
			}
		}
	}
}

func (m *sparseMatrix) clear() {
	m.rowIDs, m.rows, m.count = nil, nil, 0
}

func (m *sparseMatrix) nonZero() int {
	return m.count
}

// isSymmetric walks the stored entries only.
func (m *sparseMatrix) isSymmetric() bool {
	for ri, x := range m.rowIDs {
		r := m.rows[ri]
		for ci, y := range r.cols {
			if y == x {
				continue
			}
			if m.at(y, x) != r.vals[ci] {
				return false
			}
		}
	}
	return true
}
