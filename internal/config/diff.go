package config

import "sort"

// ConnectorDiff describes how the connector set changed between two configs.
type ConnectorDiff struct {
	Added   []string
	Removed []string
	Changed []string
}

func (d ConnectorDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffConnectors compares two connector maps by name and content. It is used
// to log what a hot reload actually changed.
func DiffConnectors(old, new map[string]ConnectorConfig) ConnectorDiff {
	var d ConnectorDiff
	for name, nc := range new {
		oc, ok := old[name]
		if !ok {
			d.Added = append(d.Added, name)
			continue
		}
		if !sameConnector(oc, nc) {
			d.Changed = append(d.Changed, name)
		}
	}
	for name := range old {
		if _, ok := new[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}

func sameConnector(a, b ConnectorConfig) bool {
	if a.IsEnabled() != b.IsEnabled() {
		return false
	}
	return a.Schedule == b.Schedule && a.Timeout == b.Timeout && a.Command == b.Command
}
