package codec

// FieldChange is one modified field with both sides.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Diff is a structural comparison of two snapshots. Nested map fields are
// reported under dotted paths; arrays compare wholesale at their position.
type Diff struct {
	Added    map[string]any         `json:"added"`
	Modified map[string]FieldChange `json:"modified"`
	Removed  map[string]any         `json:"removed"`
}

// Empty reports whether the two snapshots were structurally identical.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// AsMap renders the diff in its JSON shape for storage in jsonb columns.
func (d Diff) AsMap() map[string]any {
	m, err := ToMap(d)
	if err != nil {
		return nil
	}
	return m
}

// Compare computes the structural diff from prev to next. Nil maps are
// treated as empty.
func Compare(prev, next map[string]any) Diff {
	d := Diff{
		Added:    make(map[string]any),
		Modified: make(map[string]FieldChange),
		Removed:  make(map[string]any),
	}
	for _, path := range LeafPaths(prev, next) {
		oldV, hadOld := ValueAt(prev, path)
		newV, hasNew := ValueAt(next, path)
		switch {
		case hadOld && hasNew:
			if !Equal(oldV, newV) {
				d.Modified[path] = FieldChange{Old: oldV, New: newV}
			}
		case hasNew:
			d.Added[path] = newV
		case hadOld:
			d.Removed[path] = oldV
		}
	}
	return d
}
