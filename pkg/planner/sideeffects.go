package planner

import "github.com/glenn20/esp32part/pkg/parttable"

// TouchedPartition names a data partition the firmware facade (C6) must
// auto-erase after writing the new table, because its byte range changed.
type TouchedPartition struct {
	Name   string
	Reason string
}

// AppWarning names an app partition whose offset moved without its size
// changing: its contents are now at the wrong place and are only warned
// about, never auto-erased.
type AppWarning struct {
	Name   string
	Reason string
}

// SideEffects compares the old and new tables and reports which data
// partitions must be invalidated, and which app partitions merely warrant
// a warning.
func SideEffects(old, new *parttable.Table) (touched []TouchedPartition, warnings []AppWarning) {
	oldByName := map[string]parttable.Record{}
	for _, r := range old.Records {
		oldByName[r.Name] = r
	}

	for _, nr := range new.Records {
		or, existed := oldByName[nr.Name]
		if !existed {
			if nr.Type == parttable.TypeData {
				touched = append(touched, TouchedPartition{Name: nr.Name, Reason: "newly added partition"})
			}
			continue
		}
		moved := or.Offset != nr.Offset
		resized := or.Size != nr.Size
		if !moved && !resized {
			continue
		}
		if nr.Type == parttable.TypeData {
			reason := "resized"
			switch {
			case moved && resized:
				reason = "moved and resized"
			case moved:
				reason = "moved"
			}
			touched = append(touched, TouchedPartition{Name: nr.Name, Reason: reason})
		} else if moved && !resized {
			warnings = append(warnings, AppWarning{Name: nr.Name, Reason: "offset changed; app image at old location is no longer valid"})
		}
	}
	return touched, warnings
}
