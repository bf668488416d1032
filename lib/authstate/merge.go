package authstate

import "encoding/json"

// Merge applies a patch to a snapshot and returns the result as a fresh
// value; neither input is mutated.
//
// Rules: a non-nil Creds replaces the stored creds (a literal null removes
// them); Keys are merged entry by entry, with null values deleting entries
// and absent entries preserved; a non-nil AppState replaces the stored one
// wholesale. Unknown key types merge like any other so newer clients'
// snapshots survive.
func Merge(base Snapshot, p Patch) Snapshot {
	out := base.Clone()

	if p.Creds != nil {
		if IsNullValue(p.Creds) {
			out.Creds = nil
		} else {
			out.Creds = cloneRaw(p.Creds)
		}
	}

	for t, entries := range p.Keys {
		if len(entries) == 0 {
			continue
		}
		if out.Keys == nil {
			out.Keys = make(map[KeyType]map[string]json.RawMessage)
		}
		dst := out.Keys[t]
		if dst == nil {
			dst = make(map[string]json.RawMessage, len(entries))
			out.Keys[t] = dst
		}
		for id, v := range entries {
			if IsNullValue(v) {
				delete(dst, id)
			} else {
				dst[id] = cloneRaw(v)
			}
		}
		if len(dst) == 0 {
			delete(out.Keys, t)
		}
	}
	if len(out.Keys) == 0 {
		out.Keys = nil
	}

	if p.AppState != nil {
		out.AppState = cloneRawMap(p.AppState)
		if len(out.AppState) == 0 {
			out.AppState = nil
		}
	}

	return out
}

// MergePatches combines two patches into one equivalent patch: applying the
// result equals applying p1 then p2. Later entries win, and deletion
// markers are preserved so they still take effect against the base.
func MergePatches(p1, p2 Patch) Patch {
	out := Patch{
		Creds:    cloneRaw(p1.Creds),
		AppState: cloneRawMap(p1.AppState),
	}
	if p2.Creds != nil {
		out.Creds = cloneRaw(p2.Creds)
	}
	if p2.AppState != nil {
		out.AppState = cloneRawMap(p2.AppState)
	}

	if len(p1.Keys) > 0 || len(p2.Keys) > 0 {
		out.Keys = make(map[KeyType]map[string]json.RawMessage)
		for _, p := range []Patch{p1, p2} {
			for t, entries := range p.Keys {
				dst := out.Keys[t]
				if dst == nil {
					dst = make(map[string]json.RawMessage, len(entries))
					out.Keys[t] = dst
				}
				for id, v := range entries {
					if IsNullValue(v) {
						// keep an explicit marker; the deletion must
						// still apply when the merged patch is used
						dst[id] = nil
					} else {
						dst[id] = cloneRaw(v)
					}
				}
			}
		}
	}

	return out
}
