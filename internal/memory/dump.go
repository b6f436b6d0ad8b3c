package memory

import (
	"cmp"
	"slices"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// DumpJSON returns a JSON document describing the budget and every live
// allocation, largest first. It is written to the log when the device runs
// out of memory.
func (m *Manager) DumpJSON() []byte {
	stats := m.Stats()

	m.mu.Lock()
	live := make([]*Allocation, 0, len(m.live))
	for a := range m.live {
		live = append(live, a)
	}
	m.mu.Unlock()

	slices.SortFunc(live, func(x, y *Allocation) int {
		if c := cmp.Compare(y.size, x.size); c != 0 {
			return c
		}
		return cmp.Compare(x.label, y.label)
	})

	w := jwriter.NewWriter()
	obj := w.Object()

	total := obj.Name("Total").Object()
	total.Name("BudgetBytes").Float64(float64(stats.BudgetBytes))
	total.Name("UsedBytes").Float64(float64(stats.UsedBytes))
	total.Name("PendingBytes").Float64(float64(stats.PendingBytes))
	total.Name("PeakBytes").Float64(float64(stats.PeakBytes))
	total.Name("Allocations").Int(stats.Allocations)
	total.Name("Buffers").Int(stats.Buffers)
	total.Name("Textures").Int(stats.Textures)
	total.Name("Mapped").Int(stats.Mapped)
	total.End()

	arr := obj.Name("Allocations").Array()
	for _, a := range live {
		entry := arr.Object()
		a.printParameters(&entry)
		entry.End()
	}
	arr.End()

	obj.End()
	return w.Bytes()
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	kind := "Buffer"
	if a.texture != nil {
		kind = "Texture"
	}
	json.Name("Type").String(kind)
	json.Name("Size").Float64(float64(a.size))
	json.Name("Usage").String(a.usage.String())
	json.Name("Mappable").Bool(a.mappable)
	json.Name("Mapped").Bool(a.IsMapped())
	json.Name("Refs").Int(int(a.refs.Load()))
	json.Name("LastUse").Float64(float64(a.lastUse.Load()))
	if a.texture != nil {
		json.Name("Format").String(a.format.String())
	}
	if a.label != "" {
		json.Name("Name").String(a.label)
	}
}
