package models

import "time"

// ArchivedData is the snapshot taken on downgrade. It can be replayed into
// the live tables while RestoreUntil lies in the future.
type ArchivedData struct {
	SavedMatches []SavedMatch  `json:"saved_matches"`
	ProfileViews []ProfileView `json:"profile_views"`
	RestoreUntil time.Time     `json:"restore_until"`
}

func (a *ArchivedData) IsEmpty() bool {
	return a == nil || (len(a.SavedMatches) == 0 && len(a.ProfileViews) == 0)
}

// Restorable reports whether the snapshot may still be replayed at now.
func (a *ArchivedData) Restorable(now time.Time) bool {
	return a != nil && !a.IsEmpty() && now.Before(a.RestoreUntil)
}

// Merge adds live rows to the snapshot, skipping ids already present.
// It reports whether anything was added.
func (a *ArchivedData) Merge(matches []SavedMatch, views []ProfileView) bool {
	added := false

	seenMatches := make(map[uint]struct{}, len(a.SavedMatches))
	for _, m := range a.SavedMatches {
		seenMatches[m.ID] = struct{}{}
	}
	for _, m := range matches {
		if _, ok := seenMatches[m.ID]; ok {
			continue
		}
		seenMatches[m.ID] = struct{}{}
		a.SavedMatches = append(a.SavedMatches, m)
		added = true
	}

	seenViews := make(map[uint]struct{}, len(a.ProfileViews))
	for _, v := range a.ProfileViews {
		seenViews[v.ID] = struct{}{}
	}
	for _, v := range views {
		if _, ok := seenViews[v.ID]; ok {
			continue
		}
		seenViews[v.ID] = struct{}{}
		a.ProfileViews = append(a.ProfileViews, v)
		added = true
	}

	return added
}
