package peakfinder

import (
	"math"
	"sort"
)

// Field is the input of a Grower: a row-major intensity map and the floor
// below which pixels are never added to a structure.
type Field struct {
	Values   []float64
	Width    int
	Height   int
	MinValue float64
}

// IndependenceFunc reports whether leaf may stand alone when it meets another
// structure at mergeValue. A leaf that is not independent is absorbed.
type IndependenceFunc func(leaf *Structure, mergeValue float64) bool

// Grower builds a hierarchy of connected bright regions.
type Grower interface {
	Grow(f Field, independent IndependenceFunc) *Forest
}

// Structure is a node of the hierarchy. A leaf owns every pixel of its
// region; a branch owns only the pixels added after its children merged.
type Structure struct {
	id       int
	indices  []int
	vmax     float64
	parent   *Structure
	children []*Structure
	removed  bool
}

func newStructure(id, idx int, value float64) *Structure {
	return &Structure{id: id, indices: []int{idx}, vmax: value}
}

func (s *Structure) ID() int                 { return s.id }
func (s *Structure) Indices() []int          { return s.indices }
func (s *Structure) NPix() int               { return len(s.indices) }
func (s *Structure) Vmax() float64           { return s.vmax }
func (s *Structure) IsLeaf() bool            { return len(s.children) == 0 }
func (s *Structure) Parent() *Structure      { return s.parent }
func (s *Structure) Children() []*Structure  { return s.children }

func (s *Structure) addPixel(idx int, value float64) {
	s.indices = append(s.indices, idx)
	if value > s.vmax {
		s.vmax = value
	}
}

func (s *Structure) absorb(other *Structure) {
	s.indices = append(s.indices, other.indices...)
	if other.vmax > s.vmax {
		s.vmax = other.vmax
	}
	other.indices = nil
	other.removed = true
}

func (s *Structure) ancestor() *Structure {
	a := s
	for a.parent != nil {
		a = a.parent
	}
	return a
}

// Forest is the result of a Grow call.
type Forest struct {
	Trunk []*Structure
	nodes []*Structure
}

// Leaves returns every surviving leaf, trunk leaves and branch children alike,
// in creation order.
func (f *Forest) Leaves() []*Structure {
	leaves := make([]*Structure, 0)
	for _, s := range f.nodes {
		if !s.removed && s.IsLeaf() {
			leaves = append(leaves, s)
		}
	}
	return leaves
}

// Dendrogram grows structures from the brightest pixel downward, merging
// regions where they touch (4-connectivity).
type Dendrogram struct{}

func (Dendrogram) Grow(f Field, independent IndependenceFunc) *Forest {
	forest := &Forest{}
	n := f.Width * f.Height
	if n == 0 || len(f.Values) < n {
		return forest
	}

	order := make([]int, 0, n)
	for i := 0; i < n; i++ {
		v := f.Values[i]
		if math.IsNaN(v) || math.IsInf(v, 0) || v < f.MinValue {
			continue
		}
		order = append(order, i)
	}
	sort.Slice(order, func(a, b int) bool {
		va, vb := f.Values[order[a]], f.Values[order[b]]
		if va != vb {
			return va > vb
		}
		return order[a] < order[b]
	})

	owner := make([]*Structure, n)
	adjacent := make([]*Structure, 0, 4)
	neighbours := [4][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}}
	nextID := 0

	for _, idx := range order {
		value := f.Values[idx]
		x, y := idx%f.Width, idx/f.Width

		adjacent = adjacent[:0]
		for _, d := range neighbours {
			nx, ny := x+d[0], y+d[1]
			if nx < 0 || ny < 0 || nx >= f.Width || ny >= f.Height {
				continue
			}
			s := owner[ny*f.Width+nx]
			if s == nil {
				continue
			}
			a := s.ancestor()
			if !containsStructure(adjacent, a) {
				adjacent = append(adjacent, a)
			}
		}

		switch len(adjacent) {
		case 0:
			s := newStructure(nextID, idx, value)
			nextID++
			forest.nodes = append(forest.nodes, s)
			owner[idx] = s

		case 1:
			adjacent[0].addPixel(idx, value)
			owner[idx] = adjacent[0]

		default:
			var keep, merge []*Structure
			for _, s := range adjacent {
				if s.IsLeaf() && !independent(s, value) {
					merge = append(merge, s)
				} else {
					keep = append(keep, s)
				}
			}
			if len(keep) == 0 {
				best := 0
				for i, s := range merge {
					if s.vmax > merge[best].vmax {
						best = i
					}
				}
				keep = append(keep, merge[best])
				merge = append(merge[:best], merge[best+1:]...)
			}

			var target *Structure
			if len(keep) == 1 {
				target = keep[0]
				target.addPixel(idx, value)
			} else {
				target = newStructure(nextID, idx, value)
				nextID++
				target.children = append(target.children, keep...)
				for _, child := range keep {
					child.parent = target
				}
				forest.nodes = append(forest.nodes, target)
			}
			owner[idx] = target

			for _, m := range merge {
				for _, pi := range m.indices {
					owner[pi] = target
				}
				target.absorb(m)
			}
		}
	}

	for _, s := range forest.nodes {
		if s.removed || s.parent != nil {
			continue
		}
		if s.IsLeaf() && !independent(s, f.MinValue) {
			s.removed = true
			continue
		}
		forest.Trunk = append(forest.Trunk, s)
	}
	return forest
}

func containsStructure(list []*Structure, s *Structure) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
