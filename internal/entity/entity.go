// Package entity defines the domain records synchronized by the AceUp
// sync engine.
//
// Every record carries a stable, client-generated identifier and an
// UpdatedAt timestamp. The identifier never changes after creation;
// UpdatedAt is bumped by whichever side performs a mutation and drives
// conflict resolution during sync.
package entity

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies an entity type. It is used as the storage table key,
// the pending-queue partition key, and the cache key.
type Kind string

const (
	KindAssignment     Kind = "assignment"
	KindCourse         Kind = "course"
	KindHoliday        Kind = "holiday"
	KindTeacher        Kind = "teacher"
	KindSharedCalendar Kind = "shared_calendar"
)

// Kinds lists all entity kinds in sync order.
func Kinds() []Kind {
	return []Kind{
		KindAssignment,
		KindCourse,
		KindHoliday,
		KindTeacher,
		KindSharedCalendar,
	}
}

// Record is the contract every synchronized entity satisfies.
type Record interface {
	// EntityID returns the stable identifier. Never empty, never reused.
	EntityID() string

	// ModifiedAt returns the record's last-write timestamp.
	ModifiedAt() time.Time
}

// NewID generates a globally unique client-side identifier.
func NewID() string {
	return uuid.New().String()
}

// AssignmentStatus tracks an assignment through its lifecycle.
type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "pending"
	AssignmentSubmitted AssignmentStatus = "submitted"
	AssignmentGraded    AssignmentStatus = "graded"
)

// Assignment is a graded piece of coursework with a due date.
type Assignment struct {
	ID        string           `json:"id"`
	CourseID  string           `json:"course_id"`
	Title     string           `json:"title"`
	Notes     string           `json:"notes,omitempty"`
	DueAt     time.Time        `json:"due_at"`
	Weight    float64          `json:"weight"` // share of the final grade, 0..1
	Status    AssignmentStatus `json:"status"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func (a Assignment) EntityID() string      { return a.ID }
func (a Assignment) ModifiedAt() time.Time { return a.UpdatedAt }

// Course is an enrolled class for one semester.
type Course struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Code       string    `json:"code"`
	Credits    int       `json:"credits"`
	Instructor string    `json:"instructor,omitempty"`
	Color      string    `json:"color,omitempty"` // hex, e.g. "#122C4A"
	Semester   string    `json:"semester"`
	Year       int       `json:"year"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (c Course) EntityID() string      { return c.ID }
func (c Course) ModifiedAt() time.Time { return c.UpdatedAt }

// Holiday is a no-class calendar span.
type Holiday struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartsOn  time.Time `json:"starts_on"`
	EndsOn    time.Time `json:"ends_on"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (h Holiday) EntityID() string      { return h.ID }
func (h Holiday) ModifiedAt() time.Time { return h.UpdatedAt }

// Teacher is an instructor contact card.
type Teacher struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Office    string    `json:"office,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (t Teacher) EntityID() string      { return t.ID }
func (t Teacher) ModifiedAt() time.Time { return t.UpdatedAt }

// SharedCalendar is a calendar group multiple students subscribe to.
//
// MemberIDs is set-valued: two devices can add different members while
// offline, and the merge policy unions both sides instead of letting a
// plain last-write-wins drop a concurrent join.
type SharedCalendar struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	MemberIDs []string  `json:"member_ids"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (sc SharedCalendar) EntityID() string      { return sc.ID }
func (sc SharedCalendar) ModifiedAt() time.Time { return sc.UpdatedAt }

// HasMember reports whether id is in the calendar's member set.
func (sc SharedCalendar) HasMember(id string) bool {
	for _, m := range sc.MemberIDs {
		if m == id {
			return true
		}
	}
	return false
}
