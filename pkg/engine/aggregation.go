package engine

import "sort"

// ResourceGroup is the set of resources handled by one invocation.
type ResourceGroup struct {
	Account   string
	Region    string
	Resources []ResourceSnapshot
}

// Aggregate groups snapshots according to policy. Groups and the resources
// inside them are ordered by account, region and id. An unknown or empty
// policy groups per resource.
func Aggregate(policy Aggregation, snapshots []ResourceSnapshot) []ResourceGroup {
	sorted := make([]ResourceSnapshot, len(snapshots))
	copy(sorted, snapshots)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Account != b.Account {
			return a.Account < b.Account
		}
		if a.Region != b.Region {
			return a.Region < b.Region
		}
		return a.ID < b.ID
	})

	var groups []ResourceGroup
	index := make(map[string]int)
	for _, s := range sorted {
		var key string
		region := s.Region
		switch policy {
		case AggregationAccount:
			key = s.Account
			region = ""
		case AggregationRegion:
			key = s.Account + "/" + s.Region
		default:
			groups = append(groups, ResourceGroup{Account: s.Account, Region: s.Region, Resources: []ResourceSnapshot{s}})
			continue
		}

		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, ResourceGroup{Account: s.Account, Region: region})
		}
		groups[i].Resources = append(groups[i].Resources, s)
	}
	return groups
}
