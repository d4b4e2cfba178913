package diff

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/regwatch/regwatch/app/registry"
)

// Engine computes the ordered list of Changes between two snapshots. It is
// pure and stateless: it never mutates its inputs, and repeated runs on
// identical inputs yield identical output, ordered by ascending server name.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Run compares the old and new entry maps. A nil old map (first-ever poll)
// treats every entry as new. Entries present only in new are reported as new,
// entries present only in old as removed, and entries present in both with at
// least one differing field as updated. Identical entries emit no Change.
func (e *Engine) Run(old, new map[string]registry.ServerRecord) []Change {
	names := make([]string, 0, len(old)+len(new))
	seen := make(map[string]bool, len(old)+len(new))
	for name := range old {
		names = append(names, name)
		seen[name] = true
	}
	for name := range new {
		if !seen[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var changes []Change
	for _, name := range names {
		oldRecord, inOld := old[name]
		newRecord, inNew := new[name]

		switch {
		case !inOld && inNew:
			changes = append(changes, Change{
				ServerName: name,
				Type:       ChangeTypeNew,
				NewVersion: newRecord.Version,
			})
		case inOld && !inNew:
			changes = append(changes, Change{
				ServerName:      name,
				Type:            ChangeTypeRemoved,
				PreviousVersion: oldRecord.Version,
			})
		default:
			fields := compareRecords(oldRecord, newRecord)
			if len(fields) == 0 {
				continue
			}
			changes = append(changes, Change{
				ServerName:      name,
				Type:            ChangeTypeUpdated,
				PreviousVersion: oldRecord.Version,
				NewVersion:      newRecord.Version,
				FieldChanges:    fields,
			})
		}
	}

	return changes
}

// compareRecords structurally compares two records and returns one FieldChange
// per differing field, in a fixed order: version, description, repository_url,
// then metadata keys ascending.
func compareRecords(old, new registry.ServerRecord) []FieldChange {
	var fields []FieldChange

	if old.Version != new.Version {
		fields = append(fields, FieldChange{Field: "version", OldValue: old.Version, NewValue: new.Version})
	}
	if old.Description != new.Description {
		fields = append(fields, FieldChange{Field: "description", OldValue: old.Description, NewValue: new.Description})
	}
	if old.RepositoryURL != new.RepositoryURL {
		fields = append(fields, FieldChange{Field: "repository_url", OldValue: old.RepositoryURL, NewValue: new.RepositoryURL})
	}

	keys := make([]string, 0, len(old.Metadata)+len(new.Metadata))
	seen := make(map[string]bool, len(old.Metadata)+len(new.Metadata))
	for key := range old.Metadata {
		keys = append(keys, key)
		seen[key] = true
	}
	for key := range new.Metadata {
		if !seen[key] {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		oldValue, inOld := old.Metadata[key]
		newValue, inNew := new.Metadata[key]

		oldStr := renderValue(oldValue, inOld)
		newStr := renderValue(newValue, inNew)
		if oldStr != newStr {
			fields = append(fields, FieldChange{
				Field:    "metadata." + key,
				OldValue: oldStr,
				NewValue: newStr,
			})
		}
	}

	return fields
}

// renderValue produces a canonical string form of a metadata value. JSON
// encoding sorts map keys, so structurally equal values always render
// identically. Absent values render as the empty string.
func renderValue(v any, present bool) string {
	if !present || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(encoded)
}
