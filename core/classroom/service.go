package classroom

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/trezcool/darasa/core"
	"github.com/trezcool/darasa/core/user"
)

var (
	// errors
	ErrNotFound      = errors.New("not found")
	errInvalidToken  = errors.New("invalid invitation token")
	errInviteExpired = errors.New("invitation has expired")
	errAccountExists = errors.New("an account with this email already exists, please log in")
)

// Batch invite skip reasons; a skipped email never aborts the batch.
type SkipReason string

const (
	SkipInvalidEmail    SkipReason = "invalid_email"
	SkipAlreadyEnrolled SkipReason = "already_enrolled"
	SkipAlreadyInvited  SkipReason = "already_invited"
	SkipEmailSendFailed SkipReason = "email_send_failed"
)

// Invitation resolution reasons.
const (
	ReasonInvalidToken  = "invalid_token"
	ReasonAlreadyUsed   = "already_used"
	ReasonExpired       = "expired"
	ReasonEmailMismatch = "email_mismatch"
)

type (
	InvitedEntry struct {
		Email        string           `json:"email"`
		ExistingUser bool             `json:"existing_user"`
		Status       InvitationStatus `json:"status"`
		ExpiresAt    time.Time        `json:"expires_at"`
	}

	SkippedEntry struct {
		Email  string     `json:"email"`
		Reason SkipReason `json:"reason"`
	}

	InviteResult struct {
		Invited []InvitedEntry `json:"invited"`
		Skipped []SkippedEntry `json:"skipped"`
	}

	// InviteOutcome reports the result of redeeming an invite token during login.
	InviteOutcome struct {
		Accepted      bool   `json:"accepted"`
		Reason        string `json:"reason,omitempty"`
		ClassID       string `json:"class_id,omitempty"`
		ClassroomName string `json:"classroom_name,omitempty"`
	}

	// Resolution is the public invitation status check result.
	Resolution struct {
		Valid                bool       `json:"valid"`
		Reason               string     `json:"reason,omitempty"`
		RequiresLogin        bool       `json:"requires_login,omitempty"`
		RequiresRegistration bool       `json:"requires_registration,omitempty"`
		AutoEnrolled         bool       `json:"auto_enrolled,omitempty"`
		Email                string     `json:"email,omitempty"`
		ClassID              string     `json:"class_id,omitempty"`
		ClassroomName        string     `json:"classroom_name,omitempty"`
		ExpiresAt            *time.Time `json:"expires_at,omitempty"`
	}

	// RegisterFromInvite contains information needed to create a student
	// account from an invitation token.
	RegisterFromInvite struct {
		Token     string `json:"token" validate:"required"`
		Password  string `json:"password" validate:"required"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	}
)

func (r *RegisterFromInvite) Validate(validate *validator.Validate) error {
	r.Token = core.CleanString(r.Token)
	r.FirstName = core.CleanString(r.FirstName)
	r.LastName = core.CleanString(r.LastName)
	return validate.Struct(r)
}

type (
	Repository interface {
		CreateClassroom(ctx context.Context, cls Classroom) (Classroom, error)
		GetClassroomByID(ctx context.Context, id string) (Classroom, error)
		GetClassroomByClassID(ctx context.Context, classID string) (Classroom, error)
		QueryClassroomsByOwner(ctx context.Context, ownerID string) ([]Classroom, error)
		QueryClassroomsByStudent(ctx context.Context, studentID string) ([]Classroom, error)
		QueryStudentEmails(ctx context.Context, classroomID string) ([]string, error)

		HasEnrollment(ctx context.Context, classroomID, studentID string) (bool, error)
		// GetOrCreateEnrollment is idempotent; the bool reports creation.
		GetOrCreateEnrollment(ctx context.Context, classroomID, studentID string) (Enrollment, bool, error)

		CreateInvitation(ctx context.Context, inv Invitation) (Invitation, error)
		DeleteInvitation(ctx context.Context, id string) error
		GetInvitationByTokenHash(ctx context.Context, tokenHash string) (Invitation, error)
		HasPendingInvitation(ctx context.Context, classroomID, email string, now time.Time) (bool, error)
		SaveInvitationStatus(ctx context.Context, inv Invitation) error
		// AcceptInvitation persists the accepted invitation and the (possibly
		// pre-existing) enrollment in one atomic write.
		AcceptInvitation(ctx context.Context, inv Invitation, studentID string) (Enrollment, error)
		// RegisterStudent atomically creates the student account, its
		// enrollment and the accepted invitation status.
		RegisterStudent(ctx context.Context, usr user.User, inv Invitation) (user.User, error)

		CreateNote(ctx context.Context, note Note) (Note, error)
		QueryNotes(ctx context.Context, classroomID string) ([]Note, error)
		GetNote(ctx context.Context, classroomID string, noteID int64) (Note, error)
		CreateDisplayedNote(ctx context.Context, dn DisplayedNote) (DisplayedNote, error)
		QueryDisplayedNotes(ctx context.Context, classroomID string) ([]DisplayedNoteInfo, error)
		DeleteDisplayedNote(ctx context.Context, classroomID string, id int64) error
	}

	Service struct {
		repo     Repository
		usrRepo  user.Repository
		mailSvc  core.EmailService
		logger   core.Logger
		pub      Publisher
		validate *validator.Validate

		frontendBaseURL  string
		defaultInviteTTL time.Duration
	}
)

func NewService(
	conf *core.Config,
	repo Repository,
	usrRepo user.Repository,
	mailSvc core.EmailService,
	logger core.Logger,
	validate *validator.Validate,
	pub Publisher,
) *Service {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Service{
		repo:             repo,
		usrRepo:          usrRepo,
		mailSvc:          mailSvc,
		logger:           logger,
		pub:              pub,
		validate:         validate,
		frontendBaseURL:  conf.FrontendBaseURL,
		defaultInviteTTL: conf.InviteExpirationDelta,
	}
}

// Create creates a classroom owned by the given teacher. The public class_id
// is random; its uniqueness is enforced by the storage layer.
func (svc *Service) Create(ctx context.Context, owner user.User, nc NewClassroom) (Classroom, error) {
	cls := Classroom{
		ID:        uuid.New().String(),
		OwnerID:   owner.ID,
		Name:      nc.Name,
		ClassID:   GenerateClassID(),
		CreatedAt: NowFunc().UTC(),
	}
	return svc.repo.CreateClassroom(ctx, cls)
}

func (svc *Service) GetByClassID(ctx context.Context, classID string) (Classroom, error) {
	return svc.repo.GetClassroomByClassID(ctx, classID)
}

func (svc *Service) QueryOwned(ctx context.Context, owner user.User) ([]Classroom, error) {
	return svc.repo.QueryClassroomsByOwner(ctx, owner.ID)
}

func (svc *Service) QueryEnrolled(ctx context.Context, usr user.User) ([]Classroom, error) {
	return svc.repo.QueryClassroomsByStudent(ctx, usr.ID)
}

func (svc *Service) StudentEmails(ctx context.Context, cls Classroom) ([]string, error) {
	return svc.repo.QueryStudentEmails(ctx, cls.ID)
}

// IsMember reports whether usr owns the classroom or is enrolled in it.
// Membership grants read access; only ownership grants mutation rights.
func (svc *Service) IsMember(ctx context.Context, cls Classroom, usr user.User) (bool, error) {
	if cls.OwnerID == usr.ID {
		return true, nil
	}
	return svc.repo.HasEnrollment(ctx, cls.ID, usr.ID)
}

// Enroll idempotently links the student to the classroom.
func (svc *Service) Enroll(ctx context.Context, cls Classroom, student user.User) (Enrollment, error) {
	enr, _, err := svc.repo.GetOrCreateEnrollment(ctx, cls.ID, student.ID)
	return enr, err
}

// InviteStudents issues pending invitations for each email and sends the
// invite links. Individual emails are skipped (never aborting the batch) when
// malformed, already enrolled, already holding an unexpired pending invite,
// or when delivery fails; a delivery failure also rolls back that one
// invitation record.
func (svc *Service) InviteStudents(ctx context.Context, teacher user.User, cls Classroom, emails []string, ttl time.Duration) (*InviteResult, error) {
	if ttl <= 0 {
		ttl = svc.defaultInviteTTL
	}
	now := NowFunc().UTC()
	res := &InviteResult{Invited: []InvitedEntry{}, Skipped: []SkippedEntry{}}

	for _, email := range emails {
		if err := svc.validate.Var(email, "required,email"); err != nil {
			res.Skipped = append(res.Skipped, SkippedEntry{Email: email, Reason: SkipInvalidEmail})
			continue
		}

		var existingUser bool
		if usr, err := svc.usrRepo.GetUserByEmail(ctx, email); err == nil {
			existingUser = true
			enrolled, err := svc.repo.HasEnrollment(ctx, cls.ID, usr.ID)
			if err != nil {
				return nil, pkgerrors.Wrap(err, "checking enrollment")
			}
			if enrolled {
				res.Skipped = append(res.Skipped, SkippedEntry{Email: email, Reason: SkipAlreadyEnrolled})
				continue
			}
		} else if err != user.ErrNotFound {
			return nil, pkgerrors.Wrap(err, "finding user by email")
		}

		pending, err := svc.repo.HasPendingInvitation(ctx, cls.ID, email, now)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "checking pending invitation")
		}
		if pending {
			res.Skipped = append(res.Skipped, SkippedEntry{Email: email, Reason: SkipAlreadyInvited})
			continue
		}

		rawToken, tokenHash := IssueToken()
		inv := Invitation{
			ID:          uuid.New().String(),
			ClassroomID: cls.ID,
			InvitedByID: teacher.ID,
			Email:       email,
			Role:        user.RoleStudent,
			TokenHash:   tokenHash,
			Status:      StatusPending,
			ExpiresAt:   now.Add(ttl),
			CreatedAt:   now,
		}
		if inv, err = svc.repo.CreateInvitation(ctx, inv); err != nil {
			return nil, pkgerrors.Wrap(err, "creating invitation")
		}

		if err = svc.mailSvc.Send(inviteEmailMessage(teacher, cls, inv, rawToken, svc.frontendBaseURL)); err != nil {
			svc.logger.Warn("invite email delivery failed", err)
			if derr := svc.repo.DeleteInvitation(ctx, inv.ID); derr != nil {
				svc.logger.Error("rolling back undelivered invitation", derr)
			}
			res.Skipped = append(res.Skipped, SkippedEntry{Email: email, Reason: SkipEmailSendFailed})
			continue
		}

		res.Invited = append(res.Invited, InvitedEntry{
			Email:        email,
			ExistingUser: existingUser,
			Status:       inv.Status,
			ExpiresAt:    inv.ExpiresAt,
		})
	}
	return res, nil
}

// Resolve checks an invitation by its raw token. When caller is authenticated
// and matches the invite's email, the enrollment happens right away; on an
// email mismatch the invite is left pending so the intended recipient can
// still use it.
func (svc *Service) Resolve(ctx context.Context, rawToken string, caller *user.User) (Resolution, error) {
	inv, err := svc.repo.GetInvitationByTokenHash(ctx, HashToken(rawToken))
	if err != nil {
		if err == ErrNotFound {
			return Resolution{Valid: false, Reason: ReasonInvalidToken}, nil
		}
		return Resolution{}, pkgerrors.Wrap(err, "finding invitation by token hash")
	}

	if inv.Status == StatusAccepted {
		return Resolution{Valid: false, Reason: ReasonAlreadyUsed}, nil
	}

	now := NowFunc().UTC()
	if inv.IsExpired(now) {
		if err := svc.expire(ctx, &inv); err != nil {
			return Resolution{}, err
		}
		return Resolution{Valid: false, Reason: ReasonExpired}, nil
	}

	cls, err := svc.repo.GetClassroomByID(ctx, inv.ClassroomID)
	if err != nil {
		return Resolution{}, pkgerrors.Wrap(err, "finding invitation classroom")
	}

	if caller != nil {
		if !strings.EqualFold(caller.Email, inv.Email) {
			return Resolution{Valid: true, RequiresLogin: true, Email: inv.Email, Reason: ReasonEmailMismatch}, nil
		}
		if err := svc.accept(ctx, inv, caller.ID, now); err != nil {
			return Resolution{}, err
		}
		return Resolution{Valid: true, AutoEnrolled: true, ClassID: cls.ClassID, ClassroomName: cls.Name}, nil
	}

	var userExists bool
	if _, err := svc.usrRepo.GetUserByEmail(ctx, inv.Email); err == nil {
		userExists = true
	} else if err != user.ErrNotFound {
		return Resolution{}, pkgerrors.Wrap(err, "finding user by email")
	}
	return Resolution{
		Valid:                true,
		RequiresLogin:        userExists,
		RequiresRegistration: !userExists,
		Email:                inv.Email,
		ClassID:              cls.ClassID,
		ClassroomName:        cls.Name,
		ExpiresAt:            &inv.ExpiresAt,
	}, nil
}

// AcceptForUser redeems an invite token on behalf of a logged-in user.
// A nil result means no token was supplied.
func (svc *Service) AcceptForUser(ctx context.Context, rawToken string, usr user.User) (*InviteOutcome, error) {
	if rawToken == "" {
		return nil, nil
	}

	inv, err := svc.repo.GetInvitationByTokenHash(ctx, HashToken(rawToken))
	if err != nil {
		if err == ErrNotFound {
			return &InviteOutcome{Accepted: false, Reason: ReasonInvalidToken}, nil
		}
		return nil, pkgerrors.Wrap(err, "finding invitation by token hash")
	}
	if inv.Status != StatusPending {
		return &InviteOutcome{Accepted: false, Reason: ReasonInvalidToken}, nil
	}

	now := NowFunc().UTC()
	if inv.IsExpired(now) {
		if err := svc.expire(ctx, &inv); err != nil {
			return nil, err
		}
		return &InviteOutcome{Accepted: false, Reason: ReasonExpired}, nil
	}

	if !strings.EqualFold(usr.Email, inv.Email) {
		return &InviteOutcome{Accepted: false, Reason: ReasonEmailMismatch}, nil
	}

	if err := svc.accept(ctx, inv, usr.ID, now); err != nil {
		return nil, err
	}
	cls, err := svc.repo.GetClassroomByID(ctx, inv.ClassroomID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "finding invitation classroom")
	}
	return &InviteOutcome{Accepted: true, ClassID: cls.ClassID, ClassroomName: cls.Name}, nil
}

// RegisterStudent creates a student account from a pending invitation:
// account, enrollment and invitation acceptance commit atomically.
func (svc *Service) RegisterStudent(ctx context.Context, data RegisterFromInvite) (user.User, Classroom, error) {
	inv, err := svc.repo.GetInvitationByTokenHash(ctx, HashToken(data.Token))
	if err != nil {
		if err == ErrNotFound {
			return user.User{}, Classroom{}, core.NewValidationError(errInvalidToken)
		}
		return user.User{}, Classroom{}, pkgerrors.Wrap(err, "finding invitation by token hash")
	}
	if inv.Status != StatusPending {
		return user.User{}, Classroom{}, core.NewValidationError(errInvalidToken)
	}

	now := NowFunc().UTC()
	if inv.IsExpired(now) {
		if err := svc.expire(ctx, &inv); err != nil {
			return user.User{}, Classroom{}, err
		}
		return user.User{}, Classroom{}, core.NewValidationError(errInviteExpired)
	}

	if _, err := svc.usrRepo.GetUserByEmail(ctx, inv.Email); err == nil {
		return user.User{}, Classroom{}, core.NewValidationError(errAccountExists)
	} else if err != user.ErrNotFound {
		return user.User{}, Classroom{}, pkgerrors.Wrap(err, "finding user by email")
	}

	usr, err := user.New(inv.Email, data.Password, data.FirstName, data.LastName, user.RoleStudent)
	if err != nil {
		return user.User{}, Classroom{}, pkgerrors.Wrap(err, "hashing password")
	}
	if err := inv.Accept(now); err != nil {
		return user.User{}, Classroom{}, err
	}
	if usr, err = svc.repo.RegisterStudent(ctx, usr, inv); err != nil {
		return user.User{}, Classroom{}, pkgerrors.Wrap(err, "registering student")
	}

	cls, err := svc.repo.GetClassroomByID(ctx, inv.ClassroomID)
	if err != nil {
		return user.User{}, Classroom{}, pkgerrors.Wrap(err, "finding invitation classroom")
	}
	return usr, cls, nil
}

func (svc *Service) accept(ctx context.Context, inv Invitation, studentID string, now time.Time) error {
	if err := inv.Accept(now); err != nil {
		return err
	}
	if _, err := svc.repo.AcceptInvitation(ctx, inv, studentID); err != nil {
		return pkgerrors.Wrap(err, "accepting invitation")
	}
	return nil
}

// expire lazily flips a pending invitation whose deadline has passed;
// idempotent on repeated calls.
func (svc *Service) expire(ctx context.Context, inv *Invitation) error {
	if inv.Status != StatusPending {
		return nil
	}
	if err := inv.Expire(); err != nil {
		return err
	}
	if err := svc.repo.SaveInvitationStatus(ctx, *inv); err != nil {
		return pkgerrors.Wrap(err, "expiring invitation")
	}
	return nil
}

// CreateNote persists a teacher-authored note; insertion order is the stable
// display order.
func (svc *Service) CreateNote(ctx context.Context, cls Classroom, nn NewNote) (Note, error) {
	note := Note{
		ClassroomID: cls.ID,
		Title:       nn.Title,
		Content:     nn.Content,
		CreatedAt:   NowFunc().UTC(),
	}
	return svc.repo.CreateNote(ctx, note)
}

func (svc *Service) ListNotes(ctx context.Context, cls Classroom) ([]Note, error) {
	return svc.repo.QueryNotes(ctx, cls.ID)
}

func (svc *Service) ListDisplayedNotes(ctx context.Context, cls Classroom) ([]DisplayedNoteInfo, error) {
	return svc.repo.QueryDisplayedNotes(ctx, cls.ID)
}

// DisplayNote marks a note as shown to the class and broadcasts a
// note_displayed event to the classroom's group. Broadcasting is best-effort
// and can never fail the mutation.
func (svc *Service) DisplayNote(ctx context.Context, cls Classroom, noteID int64, teacher user.User) (DisplayedNoteInfo, error) {
	note, err := svc.repo.GetNote(ctx, cls.ID, noteID)
	if err != nil {
		return DisplayedNoteInfo{}, err
	}

	dn := DisplayedNote{
		ClassroomID:   cls.ID,
		NoteID:        note.ID,
		DisplayedByID: teacher.ID,
		DisplayedAt:   NowFunc().UTC(),
	}
	if dn, err = svc.repo.CreateDisplayedNote(ctx, dn); err != nil {
		return DisplayedNoteInfo{}, pkgerrors.Wrap(err, "creating displayed note")
	}

	info := DisplayedNoteInfo{
		ID:          dn.ID,
		NoteID:      note.ID,
		Title:       note.Title,
		Content:     note.Content,
		DisplayedBy: teacher.Email,
		DisplayedAt: dn.DisplayedAt,
	}
	svc.pub.Publish(cls.ClassID, Event{Type: EventNoteDisplayed, Payload: info})
	return info, nil
}

// RemoveDisplayedNote hides a displayed note and broadcasts a note_removed
// event; the underlying note is untouched.
func (svc *Service) RemoveDisplayedNote(ctx context.Context, cls Classroom, id int64) error {
	if err := svc.repo.DeleteDisplayedNote(ctx, cls.ID, id); err != nil {
		return err
	}
	svc.pub.Publish(cls.ClassID, Event{Type: EventNoteRemoved, Payload: struct {
		ID int64 `json:"id"`
	}{ID: id}})
	return nil
}
