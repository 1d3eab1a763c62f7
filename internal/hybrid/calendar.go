package hybrid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aceup-app/syncengine/internal/entity"
	"github.com/aceup-app/syncengine/internal/merge"
	"github.com/aceup-app/syncengine/internal/queue"
	"github.com/aceup-app/syncengine/internal/storage"
)

// CalendarRepository extends the generic repository with membership
// relations. Joining and leaving a shared calendar are modeled as
// link/unlink operations rather than whole-record updates so two devices
// adding different members while offline both survive the merge.
type CalendarRepository struct {
	*Repository[entity.SharedCalendar]
}

// NewCalendarRepository creates the shared-calendar repository. The
// merge policy defaults to set-union membership that skips members with
// a queued unlink, so a background refresh cannot undo a removal the
// sync pass hasn't pushed yet.
func NewCalendarRepository(config Config[entity.SharedCalendar]) (*CalendarRepository, error) {
	if config.Policy == nil && config.Queue != nil {
		config.Policy = merge.SharedCalendarsExcluding(PendingUnlinkLookup(config.Queue, config.Logger))
	}
	repo, err := NewRepository(config)
	if err != nil {
		return nil, err
	}
	return &CalendarRepository{Repository: repo}, nil
}

// PendingUnlinkLookup adapts the queue's pending-unlink query to the
// merge policy hook. A lookup failure falls back to the plain union;
// the next sync pass reconciles.
func PendingUnlinkLookup(q *queue.Queue, logger *log.Logger) func(calendarID string) []string {
	return func(calendarID string) []string {
		ids, err := q.PendingUnlinks(context.Background(), calendarID)
		if err != nil {
			if logger != nil {
				logger.Printf("Pending-unlink lookup failed for calendar %s: %v", calendarID, err)
			}
			return nil
		}
		return ids
	}
}

// LinkMember adds a member to a calendar's member set.
//
// The local record is updated synchronously; the remote side applies the
// membership change against the remote's current state (not a whole-
// record overwrite). Offline or failed remote changes queue a link
// operation and surface storage.ErrDeferred.
func (r *CalendarRepository) LinkMember(ctx context.Context, calendarID, memberID string) error {
	cal, err := r.local.FetchByID(ctx, calendarID)
	if err != nil {
		return err
	}

	if !cal.HasMember(memberID) {
		cal.MemberIDs = append(cal.MemberIDs, memberID)
		cal.UpdatedAt = time.Now().UTC()
		if err := r.local.Update(ctx, cal); err != nil {
			return err
		}
		r.invalidate()
	}

	return r.forwardRelation(ctx, queue.OpLink, calendarID, memberID)
}

// UnlinkMember removes a member from a calendar's member set. Same
// discipline as LinkMember.
func (r *CalendarRepository) UnlinkMember(ctx context.Context, calendarID, memberID string) error {
	cal, err := r.local.FetchByID(ctx, calendarID)
	if err != nil {
		return err
	}

	if cal.HasMember(memberID) {
		kept := cal.MemberIDs[:0]
		for _, m := range cal.MemberIDs {
			if m != memberID {
				kept = append(kept, m)
			}
		}
		cal.MemberIDs = kept
		cal.UpdatedAt = time.Now().UTC()
		if err := r.local.Update(ctx, cal); err != nil {
			return err
		}
		r.invalidate()
	}

	return r.forwardRelation(ctx, queue.OpUnlink, calendarID, memberID)
}

// forwardRelation attempts the remote membership change, queueing a
// link/unlink operation on failure or while offline.
func (r *CalendarRepository) forwardRelation(ctx context.Context, op queue.OpKind, calendarID, memberID string) error {
	if r.online() {
		rctx, cancel := context.WithTimeout(ctx, r.remoteTimeout)
		err := ApplyMemberChange(rctx, r.remote, calendarID, memberID, op == queue.OpLink)
		cancel()
		if err == nil {
			return nil
		}
		r.logger.Printf("Remote %s failed for calendar %s, queueing: %v", op, calendarID, err)
		return r.deferRelation(ctx, op, calendarID, memberID, err)
	}

	return r.deferRelation(ctx, op, calendarID, memberID, storage.ErrDisconnected)
}

func (r *CalendarRepository) deferRelation(ctx context.Context, op queue.OpKind, calendarID, memberID string, cause error) error {
	payload, err := json.Marshal(queue.RelationPayload{MemberID: memberID})
	if err != nil {
		return fmt.Errorf("%w: failed to marshal relation payload: %v", storage.ErrPersistence, err)
	}

	if err := r.queue.Enqueue(ctx, queue.Operation{
		EntityID: calendarID,
		Op:       op,
		Payload:  payload,
	}); err != nil {
		return err
	}

	return fmt.Errorf("%w: %s calendar %s member %s: %v", storage.ErrDeferred, op, calendarID, memberID, cause)
}

// ApplyMemberChange applies one membership change against the remote
// store's current record, preserving members added concurrently by other
// sessions. Used by the live write path and by queue replay.
//
// A missing remote calendar is treated as resolved for unlink (nothing
// to leave) but surfaces ErrNotFound for link so the replay retries
// after the calendar's own create has synced.
func ApplyMemberChange(ctx context.Context, remote storage.Remote[entity.SharedCalendar], calendarID, memberID string, add bool) error {
	cal, err := remote.FetchByID(ctx, calendarID)
	if err != nil {
		if !add && errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}

	changed := false
	if add {
		if !cal.HasMember(memberID) {
			cal.MemberIDs = append(cal.MemberIDs, memberID)
			changed = true
		}
	} else {
		kept := cal.MemberIDs[:0]
		for _, m := range cal.MemberIDs {
			if m != memberID {
				kept = append(kept, m)
			}
		}
		if len(kept) != len(cal.MemberIDs) {
			cal.MemberIDs = kept
			changed = true
		}
	}

	if !changed {
		return nil
	}

	cal.UpdatedAt = time.Now().UTC()
	return remote.Update(ctx, cal)
}
