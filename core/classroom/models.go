package classroom

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/darasa/core"
	"github.com/trezcool/darasa/core/user"
)

var (
	// ErrInvalidTransition is returned when an invitation is moved out of a
	// terminal status. The state machine is one-way:
	// pending -> accepted, pending -> expired.
	ErrInvalidTransition = errors.New("invalid invitation status transition")

	// NowFunc returns the current time; mockable in tests.
	NowFunc = time.Now
)

type Classroom struct {
	ID      string `json:"-"`
	OwnerID string `json:"-"`
	Name    string `json:"name"`
	// ClassID is the public, URL-safe identifier; unique, randomly generated,
	// distinct from the internal ID.
	ClassID   string    `json:"class_id"`
	CreatedAt time.Time `json:"created_at"` // UTC
}

// GenerateClassID returns a random URL-safe public classroom identifier.
func GenerateClassID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

type Enrollment struct {
	ID          string    `json:"id"`
	ClassroomID string    `json:"-"`
	StudentID   string    `json:"student_id"`
	CreatedAt   time.Time `json:"created_at"` // UTC
}

// InvitationStatus values form a one-way machine; use Invitation.Accept and
// Invitation.Expire rather than assigning statuses directly.
type InvitationStatus string

const (
	StatusPending  InvitationStatus = "pending"
	StatusAccepted InvitationStatus = "accepted"
	StatusExpired  InvitationStatus = "expired"
)

type Invitation struct {
	ID          string `json:"id"`
	ClassroomID string `json:"-"`
	InvitedByID string `json:"-"`
	Email       string `json:"email"`
	Role        user.Role
	// TokenHash is hex(sha256(raw token)); the raw token is never persisted.
	TokenHash string           `json:"-"`
	Status    InvitationStatus `json:"status"`
	ExpiresAt time.Time        `json:"expires_at"` // UTC
	UsedAt    *time.Time       `json:"used_at,omitempty"`
	CreatedAt time.Time        `json:"created_at"` // UTC
}

func (inv *Invitation) IsExpired(now time.Time) bool {
	return now.After(inv.ExpiresAt)
}

// Accept marks a pending invitation accepted and stamps UsedAt.
func (inv *Invitation) Accept(now time.Time) error {
	if inv.Status != StatusPending {
		return ErrInvalidTransition
	}
	now = now.UTC()
	inv.Status = StatusAccepted
	inv.UsedAt = &now
	return nil
}

// Expire marks a pending invitation expired.
func (inv *Invitation) Expire() error {
	if inv.Status != StatusPending {
		return ErrInvalidTransition
	}
	inv.Status = StatusExpired
	return nil
}

type Note struct {
	ID          int64     `json:"id"`
	ClassroomID string    `json:"-"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"` // UTC
}

// DisplayedNote marks a note as currently shown to the class; deleting it
// hides the note without touching the note itself.
type DisplayedNote struct {
	ID            int64     `json:"id"`
	ClassroomID   string    `json:"-"`
	NoteID        int64     `json:"note_id"`
	DisplayedByID string    `json:"-"`
	DisplayedAt   time.Time `json:"displayed_at"` // UTC
}

// DisplayedNoteInfo is a DisplayedNote joined with its note content and the
// displaying teacher, as serialized to clients and broadcast events.
type DisplayedNoteInfo struct {
	ID          int64     `json:"id"`
	NoteID      int64     `json:"note_id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	DisplayedBy string    `json:"displayed_by"`
	DisplayedAt time.Time `json:"displayed_at"`
}

// NewClassroom contains information needed to create a new Classroom.
type NewClassroom struct {
	Name string `json:"name" validate:"required"`
}

func (nc *NewClassroom) Validate(validate *validator.Validate) error {
	nc.Name = core.CleanString(nc.Name)
	return validate.Struct(nc)
}

// NewNote contains information needed to create a new Note.
type NewNote struct {
	Title   string `json:"title" validate:"required"`
	Content string `json:"content" validate:"required"`
}

func (nn *NewNote) Validate(validate *validator.Validate) error {
	nn.Title = core.CleanString(nn.Title)
	nn.Content = core.CleanString(nn.Content)
	return validate.Struct(nn)
}
