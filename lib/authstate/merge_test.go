package authstate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

func TestMergePartialKeyUpdate(t *testing.T) {
	base := Snapshot{
		Keys: map[KeyType]map[string]json.RawMessage{
			KeyTypePreKey: {
				"1": raw(`"A"`),
				"2": raw(`"B"`),
			},
		},
	}

	merged := Merge(base, Patch{
		Keys: map[KeyType]map[string]json.RawMessage{
			KeyTypePreKey: {
				"1": raw(`"A2"`),
				"3": raw(`"C"`),
			},
		},
	})
	require.Equal(t, map[string]json.RawMessage{
		"1": raw(`"A2"`),
		"2": raw(`"B"`),
		"3": raw(`"C"`),
	}, merged.Keys[KeyTypePreKey])

	// null deletes; nil built in process behaves the same
	merged = Merge(merged, Patch{
		Keys: map[KeyType]map[string]json.RawMessage{
			KeyTypePreKey: {"2": raw(`null`)},
		},
	})
	require.Equal(t, map[string]json.RawMessage{
		"1": raw(`"A2"`),
		"3": raw(`"C"`),
	}, merged.Keys[KeyTypePreKey])

	merged = Merge(merged, Patch{
		Keys: map[KeyType]map[string]json.RawMessage{
			KeyTypePreKey: {"1": nil, "3": nil},
		},
	})
	require.Nil(t, merged.Keys)
}

func TestMergeCredsAndAppState(t *testing.T) {
	base := Snapshot{
		Creds:    raw(`{"registrationId":1}`),
		AppState: map[string]json.RawMessage{"a": raw(`1`)},
	}

	// creds replace; appState untouched when absent from the patch
	merged := Merge(base, Patch{Creds: raw(`{"registrationId":2}`)})
	require.Equal(t, raw(`{"registrationId":2}`), merged.Creds)
	require.Equal(t, base.AppState, merged.AppState)

	// appState replaced wholesale
	merged = Merge(merged, Patch{AppState: map[string]json.RawMessage{"b": raw(`2`)}})
	require.Equal(t, map[string]json.RawMessage{"b": raw(`2`)}, merged.AppState)
	require.NotContains(t, merged.AppState, "a")

	// null creds remove them
	merged = Merge(merged, Patch{Creds: raw(`null`)})
	require.Nil(t, merged.Creds)
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	base := Snapshot{
		Keys: map[KeyType]map[string]json.RawMessage{
			KeyTypeSession: {"x": raw(`"v1"`)},
		},
	}
	patch := Patch{
		Keys: map[KeyType]map[string]json.RawMessage{
			KeyTypeSession: {"x": raw(`"v2"`)},
		},
	}
	merged := Merge(base, patch)
	merged.Keys[KeyTypeSession]["x"][2] = 'X'

	require.Equal(t, raw(`"v1"`), base.Keys[KeyTypeSession]["x"])
	require.Equal(t, raw(`"v2"`), patch.Keys[KeyTypeSession]["x"])
}

func TestMergePatchesAssociativity(t *testing.T) {
	base := Snapshot{
		Creds: raw(`{"registrationId":1}`),
		Keys: map[KeyType]map[string]json.RawMessage{
			KeyTypePreKey:    {"1": raw(`"A"`), "2": raw(`"B"`)},
			KeyTypeSenderKey: {"g": raw(`"S"`)},
		},
	}
	p1 := Patch{
		Creds: raw(`{"registrationId":2}`),
		Keys: map[KeyType]map[string]json.RawMessage{
			KeyTypePreKey: {"1": raw(`"A2"`), "3": raw(`"C"`)},
		},
	}
	p2 := Patch{
		Keys: map[KeyType]map[string]json.RawMessage{
			KeyTypePreKey:    {"2": nil, "3": raw(`"C2"`)},
			KeyTypeSenderKey: {"g": nil},
		},
		AppState: map[string]json.RawMessage{"s": raw(`true`)},
	}

	sequential := Merge(Merge(base, p1), p2)
	combined := Merge(base, MergePatches(p1, p2))
	require.Equal(t, sequential, combined)

	// deletion of an entry absent from the base must also hold
	p3 := Patch{Keys: map[KeyType]map[string]json.RawMessage{
		KeyTypePreKey: {"99": nil},
	}}
	require.Equal(t,
		Merge(Merge(base, p2), p3),
		Merge(base, MergePatches(p2, p3)),
	)
}

func TestSnapshotCloneIndependence(t *testing.T) {
	s := Snapshot{
		Creds: raw(`{"k":1}`),
		Keys: map[KeyType]map[string]json.RawMessage{
			KeyTypePreKey: {"1": raw(`"A"`)},
		},
		AppState: map[string]json.RawMessage{"a": raw(`1`)},
	}
	c := s.Clone()
	c.Creds[5] = '9'
	c.Keys[KeyTypePreKey]["1"] = raw(`"Z"`)
	c.AppState["a"] = raw(`2`)

	require.Equal(t, raw(`{"k":1}`), s.Creds)
	require.Equal(t, raw(`"A"`), s.Keys[KeyTypePreKey]["1"])
	require.Equal(t, raw(`1`), s.AppState["a"])
}
