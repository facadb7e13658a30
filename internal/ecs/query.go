package ecs

// Filter narrows a query beyond its read and write sets. With requires
// components that the pass does not touch; Without excludes archetypes that
// carry any of the listed components.
type Filter struct {
	With    []ComponentID
	Without []ComponentID
}

// Query iterates every non-empty archetype whose component set covers the
// requested reads, writes and With components and avoids the Without set.
// Iteration is restartable via Reset; the matched table set is fixed at
// creation, so structural changes made while iterating are not observed.
type Query struct {
	tables  []*Table
	include mask
	exclude mask
	pos     int
	cur     *Table
}

// Query builds an iterator over the archetypes matching the given component
// sets. Unknown component IDs are rejected up front.
func (w *World) Query(reads, writes []ComponentID, f Filter) (*Query, error) {
	include, err := w.reg.maskOf(reads)
	if err != nil {
		return nil, err
	}
	wm, err := w.reg.maskOf(writes)
	if err != nil {
		return nil, err
	}
	include = include.or(wm)
	withM, err := w.reg.maskOf(f.With)
	if err != nil {
		return nil, err
	}
	include = include.or(withM)
	exclude, err := w.reg.maskOf(f.Without)
	if err != nil {
		return nil, err
	}
	return &Query{tables: w.tables, include: include, exclude: exclude}, nil
}

// Next advances to the next matching non-empty table. It returns false when
// the iteration is exhausted.
func (q *Query) Next() bool {
	for q.pos < len(q.tables) {
		t := q.tables[q.pos]
		q.pos++
		if t.Len() == 0 {
			continue
		}
		if !t.mask.includesAll(q.include) {
			continue
		}
		if !q.exclude.isZero() && t.mask.intersects(q.exclude) {
			continue
		}
		q.cur = t
		return true
	}
	q.cur = nil
	return false
}

// Table returns the table selected by the last successful Next.
func (q *Query) Table() *Table { return q.cur }

// Reset rewinds the iteration to the beginning.
func (q *Query) Reset() {
	q.pos = 0
	q.cur = nil
}

// Count returns the total number of rows the query matches.
func (q *Query) Count() int {
	n := 0
	for _, t := range q.tables {
		if t.Len() == 0 {
			continue
		}
		if !t.mask.includesAll(q.include) {
			continue
		}
		if !q.exclude.isZero() && t.mask.intersects(q.exclude) {
			continue
		}
		n += t.Len()
	}
	return n
}

// TableTypes returns the component types stored by a table, ascending by
// registry index.
func (w *World) TableTypes(t *Table) []*ComponentType {
	out := make([]*ComponentType, 0, len(t.indices))
	for _, idx := range t.indices {
		out = append(out, w.reg.byIndex(idx))
	}
	return out
}
