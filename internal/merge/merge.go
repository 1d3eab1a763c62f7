// Package merge defines the conflict-resolution policies applied when a
// pulled remote record disagrees with the local copy of the same id.
//
// The default policy is last-write-wins on the record's UpdatedAt
// timestamp: the later side fully replaces the other, with no attempt at
// field granularity. Set-valued relation fields are the deliberate
// exception; see SharedCalendars.
package merge

import (
	"sort"

	"github.com/aceup-app/syncengine/internal/entity"
)

// Policy picks the winner between a local and a remote record with the
// same id. The result is what both stores converge on.
type Policy[T entity.Record] func(local, remote T) T

// LastWriteWins returns the record with the later UpdatedAt.
//
// On an exact timestamp tie (clock skew between devices) the remote
// record wins: the remote store is authoritative once synchronized, and
// preferring it keeps every device deterministic regardless of which
// side it evaluates from.
func LastWriteWins[T entity.Record](local, remote T) T {
	if local.ModifiedAt().After(remote.ModifiedAt()) {
		return local
	}
	return remote
}

// SharedCalendars resolves shared-calendar conflicts.
//
// The scalar fields follow last-write-wins, but MemberIDs is set-union
// of both sides: two devices can add different members while offline,
// and plain LWW would silently drop one of the concurrent joins.
//
// When the repository has queued but unreplayed unlinks, use
// SharedCalendarsExcluding instead so the union does not resurrect a
// member the user already removed.
func SharedCalendars(local, remote entity.SharedCalendar) entity.SharedCalendar {
	return SharedCalendarsExcluding(nil)(local, remote)
}

// SharedCalendarsExcluding returns the shared-calendar policy with a
// hook reporting members whose removal is still queued locally. The
// remote keeps such a member until the unlink replays, so the plain
// union would add it back to the local record on every merge; the hook's
// members are subtracted from the union instead.
func SharedCalendarsExcluding(pendingUnlinks func(calendarID string) []string) Policy[entity.SharedCalendar] {
	return func(local, remote entity.SharedCalendar) entity.SharedCalendar {
		winner := LastWriteWins(local, remote)
		union := unionSorted(local.MemberIDs, remote.MemberIDs)
		if pendingUnlinks != nil {
			union = without(union, pendingUnlinks(local.EntityID()))
		}
		winner.MemberIDs = union
		return winner
	}
}

// unionSorted merges two member sets into a sorted, deduplicated slice.
// Sorting keeps the merged value deterministic so repeated merges are
// stable.
func unionSorted(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(a)+len(b))
	merged := make([]string, 0, len(a)+len(b))
	for _, ids := range [][]string{a, b} {
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			merged = append(merged, id)
		}
	}

	sort.Strings(merged)
	return merged
}

// without removes drop's ids from the set.
func without(ids, drop []string) []string {
	if len(drop) == 0 {
		return ids
	}

	dropped := make(map[string]bool, len(drop))
	for _, id := range drop {
		dropped[id] = true
	}

	kept := ids[:0]
	for _, id := range ids {
		if !dropped[id] {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}
