package record

import "maps"

// Ordering is the causal relation between two version vectors.
type Ordering int

const (
	// OrderEqual means both vectors carry identical components.
	OrderEqual Ordering = iota
	// OrderAfter means the receiver dominates: >= everywhere, > somewhere.
	OrderAfter
	// OrderBefore means the other vector dominates the receiver.
	OrderBefore
	// OrderConcurrent means neither dominates (divergent edits).
	OrderConcurrent
)

func (o Ordering) String() string {
	switch o {
	case OrderEqual:
		return "equal"
	case OrderAfter:
		return "after"
	case OrderBefore:
		return "before"
	case OrderConcurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// VersionVector maps device identifiers to monotonically increasing counters.
// A missing component is treated as zero.
type VersionVector map[string]int64

// Increment bumps the component owned by device.
func (v VersionVector) Increment(device string) {
	v[device]++
}

// Clone returns an independent copy.
func (v VersionVector) Clone() VersionVector {
	if v == nil {
		return VersionVector{}
	}
	return maps.Clone(v)
}

// Compare reports how v relates to other component-wise.
func (v VersionVector) Compare(other VersionVector) Ordering {
	greater, less := false, false
	for device, n := range v {
		switch m := other[device]; {
		case n > m:
			greater = true
		case n < m:
			less = true
		}
	}
	for device, m := range other {
		if _, seen := v[device]; !seen && m > 0 {
			less = true
		}
	}

	switch {
	case greater && less:
		return OrderConcurrent
	case greater:
		return OrderAfter
	case less:
		return OrderBefore
	default:
		return OrderEqual
	}
}

// Merge returns the component-wise maximum of v and other.
func (v VersionVector) Merge(other VersionVector) VersionVector {
	out := v.Clone()
	for device, n := range other {
		if n > out[device] {
			out[device] = n
		}
	}
	return out
}
