package polling

import (
	"sort"

	"github.com/bifrost/modbus-gateway/internal/modbustag"
)

// PlanBatches groups contiguous-address measurement definitions of the same
// category into single wire transactions. Definitions are partitioned by
// category, sorted by ascending address within each category, then greedily
// merged: a definition whose address equals the running batch's
// end-exclusive address extends that batch; any gap starts a new one.
//
// Overlapping ranges within a category are not detected here; callers
// should reject them at configuration time (see DevicePollingConfig).
func PlanBatches(defs []MeasurementDefinition) []Batch {
	byCategory := make(map[modbustag.Category][]MeasurementDefinition)
	for _, d := range defs {
		byCategory[d.Category] = append(byCategory[d.Category], d)
	}

	var categories []modbustag.Category
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })

	var batches []Batch
	for _, cat := range categories {
		group := byCategory[cat]
		sort.Slice(group, func(i, j int) bool { return group[i].Address < group[j].Address })

		var current *Batch
		for _, d := range group {
			if current != nil && d.Address == current.StartAddress+current.Count {
				current.Slices = append(current.Slices, Slice{Definition: d, Offset: current.Count})
				current.Count += d.Count
				continue
			}
			if current != nil {
				batches = append(batches, *current)
			}
			current = &Batch{
				Category:     cat,
				StartAddress: d.Address,
				Count:        d.Count,
				Slices:       []Slice{{Definition: d, Offset: 0}},
			}
		}
		if current != nil {
			batches = append(batches, *current)
		}
	}

	return batches
}
