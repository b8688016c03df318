package evasion

// Usage counts what happened to one technique.
type Usage struct {
	Selected   uint64 `json:"selected"`
	Applied    uint64 `json:"applied"`
	Unrealized uint64 `json:"unrealized"`
}

// Counters holds per-technique usage. Each Engine owns one; the scheduler
// merges snapshots explicitly.
type Counters map[Technique]Usage

// Merge adds other into c.
func (c Counters) Merge(other Counters) {
	for t, u := range other {
		cur := c[t]
		cur.Selected += u.Selected
		cur.Applied += u.Applied
		cur.Unrealized += u.Unrealized
		c[t] = cur
	}
}

// Clone returns an independent copy.
func (c Counters) Clone() Counters {
	out := make(Counters, len(c))
	for t, u := range c {
		out[t] = u
	}
	return out
}

func (c Counters) bump(t Technique, f func(*Usage)) {
	u := c[t]
	f(&u)
	c[t] = u
}
