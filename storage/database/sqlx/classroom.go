package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/darasa/core/classroom"
	"github.com/trezcool/darasa/core/user"
)

type (
	classroomRow struct {
		ID        string    `db:"id"`
		OwnerID   string    `db:"owner_id"`
		Name      string    `db:"name"`
		ClassID   string    `db:"class_id"`
		CreatedAt time.Time `db:"created_at"`
	}

	enrollmentRow struct {
		ID          string    `db:"id"`
		ClassroomID string    `db:"classroom_id"`
		StudentID   string    `db:"student_id"`
		CreatedAt   time.Time `db:"created_at"`
	}

	invitationRow struct {
		ID          string     `db:"id"`
		ClassroomID string     `db:"classroom_id"`
		InvitedByID string     `db:"invited_by_id"`
		Email       string     `db:"email"`
		Role        string     `db:"role"`
		TokenHash   string     `db:"token_hash"`
		Status      string     `db:"status"`
		ExpiresAt   time.Time  `db:"expires_at"`
		UsedAt      *time.Time `db:"used_at"`
		CreatedAt   time.Time  `db:"created_at"`
	}

	noteRow struct {
		ID          int64     `db:"id"`
		ClassroomID string    `db:"classroom_id"`
		Title       string    `db:"title"`
		Content     string    `db:"content"`
		CreatedAt   time.Time `db:"created_at"`
	}

	displayedNoteInfoRow struct {
		ID          int64     `db:"id"`
		NoteID      int64     `db:"note_id"`
		Title       string    `db:"title"`
		Content     string    `db:"content"`
		DisplayedBy string    `db:"displayed_by"`
		DisplayedAt time.Time `db:"displayed_at"`
	}
)

func (r classroomRow) classroom() classroom.Classroom {
	return classroom.Classroom{ID: r.ID, OwnerID: r.OwnerID, Name: r.Name, ClassID: r.ClassID, CreatedAt: r.CreatedAt}
}

func (r enrollmentRow) enrollment() classroom.Enrollment {
	return classroom.Enrollment{ID: r.ID, ClassroomID: r.ClassroomID, StudentID: r.StudentID, CreatedAt: r.CreatedAt}
}

func (r invitationRow) invitation() classroom.Invitation {
	return classroom.Invitation{
		ID:          r.ID,
		ClassroomID: r.ClassroomID,
		InvitedByID: r.InvitedByID,
		Email:       r.Email,
		Role:        user.Role(r.Role),
		TokenHash:   r.TokenHash,
		Status:      classroom.InvitationStatus(r.Status),
		ExpiresAt:   r.ExpiresAt,
		UsedAt:      r.UsedAt,
		CreatedAt:   r.CreatedAt,
	}
}

func (r noteRow) note() classroom.Note {
	return classroom.Note{ID: r.ID, ClassroomID: r.ClassroomID, Title: r.Title, Content: r.Content, CreatedAt: r.CreatedAt}
}

type classroomRepository struct {
	db *sqlx.DB
}

var _ classroom.Repository = (*classroomRepository)(nil) // interface compliance check

func NewClassroomRepository(db *sqlx.DB) classroom.Repository {
	return &classroomRepository{db: db}
}

func (repo *classroomRepository) CreateClassroom(ctx context.Context, cls classroom.Classroom) (classroom.Classroom, error) {
	q := `
INSERT INTO classroom (id, owner_id, name, class_id, created_at)
VALUES (:id, :owner_id, :name, :class_id, :created_at)`
	row := classroomRow{ID: cls.ID, OwnerID: cls.OwnerID, Name: cls.Name, ClassID: cls.ClassID, CreatedAt: cls.CreatedAt}
	if _, err := repo.db.NamedExecContext(ctx, q, row); err != nil {
		return classroom.Classroom{}, errors.Wrap(err, "inserting classroom")
	}
	return cls, nil
}

func (repo *classroomRepository) GetClassroomByID(ctx context.Context, id string) (classroom.Classroom, error) {
	return repo.getClassroom(ctx, `SELECT * FROM classroom WHERE id = $1`, id)
}

func (repo *classroomRepository) GetClassroomByClassID(ctx context.Context, classID string) (classroom.Classroom, error) {
	return repo.getClassroom(ctx, `SELECT * FROM classroom WHERE class_id = $1`, classID)
}

func (repo *classroomRepository) getClassroom(ctx context.Context, q string, arg interface{}) (classroom.Classroom, error) {
	var row classroomRow
	if err := repo.db.GetContext(ctx, &row, q, arg); err != nil {
		if err == sql.ErrNoRows {
			return classroom.Classroom{}, classroom.ErrNotFound
		}
		return classroom.Classroom{}, errors.Wrap(err, "getting classroom")
	}
	return row.classroom(), nil
}

func (repo *classroomRepository) QueryClassroomsByOwner(ctx context.Context, ownerID string) ([]classroom.Classroom, error) {
	q := `SELECT * FROM classroom WHERE owner_id = $1 ORDER BY created_at`
	return repo.queryClassrooms(ctx, q, ownerID)
}

func (repo *classroomRepository) QueryClassroomsByStudent(ctx context.Context, studentID string) ([]classroom.Classroom, error) {
	q := `
SELECT c.* FROM classroom c
JOIN enrollment e ON e.classroom_id = c.id
WHERE e.student_id = $1
ORDER BY c.created_at`
	return repo.queryClassrooms(ctx, q, studentID)
}

func (repo *classroomRepository) queryClassrooms(ctx context.Context, q string, arg interface{}) ([]classroom.Classroom, error) {
	var rows []classroomRow
	if err := repo.db.SelectContext(ctx, &rows, q, arg); err != nil {
		return nil, errors.Wrap(err, "querying classrooms")
	}
	classrooms := make([]classroom.Classroom, 0, len(rows))
	for _, row := range rows {
		classrooms = append(classrooms, row.classroom())
	}
	return classrooms, nil
}

func (repo *classroomRepository) QueryStudentEmails(ctx context.Context, classroomID string) ([]string, error) {
	q := `
SELECT u.email FROM "user" u
JOIN enrollment e ON e.student_id = u.id
WHERE e.classroom_id = $1
ORDER BY u.email`
	emails := make([]string, 0)
	if err := repo.db.SelectContext(ctx, &emails, q, classroomID); err != nil {
		return nil, errors.Wrap(err, "querying student emails")
	}
	return emails, nil
}

func (repo *classroomRepository) HasEnrollment(ctx context.Context, classroomID, studentID string) (bool, error) {
	var exists bool
	q := `SELECT EXISTS (SELECT 1 FROM enrollment WHERE classroom_id = $1 AND student_id = $2)`
	if err := repo.db.GetContext(ctx, &exists, q, classroomID, studentID); err != nil {
		return false, errors.Wrap(err, "checking enrollment")
	}
	return exists, nil
}

func (repo *classroomRepository) GetOrCreateEnrollment(ctx context.Context, classroomID, studentID string) (classroom.Enrollment, bool, error) {
	enr, created, err := getOrCreateEnrollment(ctx, repo.db, classroomID, studentID)
	if err != nil {
		return classroom.Enrollment{}, false, err
	}
	return enr, created, nil
}

// getOrCreateEnrollment relies on the (classroom_id, student_id) unique
// constraint; the no-op insert keeps concurrent callers idempotent.
func getOrCreateEnrollment(ctx context.Context, db sqlx.ExtContext, classroomID, studentID string) (classroom.Enrollment, bool, error) {
	get := `SELECT * FROM enrollment WHERE classroom_id = $1 AND student_id = $2`

	var row enrollmentRow
	err := sqlx.GetContext(ctx, db, &row, get, classroomID, studentID)
	if err == nil {
		return row.enrollment(), false, nil
	}
	if err != sql.ErrNoRows {
		return classroom.Enrollment{}, false, errors.Wrap(err, "getting enrollment")
	}

	ins := `
INSERT INTO enrollment (id, classroom_id, student_id, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (classroom_id, student_id) DO NOTHING`
	if _, err = db.ExecContext(ctx, ins, uuid.New().String(), classroomID, studentID, time.Now().UTC()); err != nil {
		return classroom.Enrollment{}, false, errors.Wrap(err, "inserting enrollment")
	}
	if err = sqlx.GetContext(ctx, db, &row, get, classroomID, studentID); err != nil {
		return classroom.Enrollment{}, false, errors.Wrap(err, "getting enrollment")
	}
	return row.enrollment(), true, nil
}

func (repo *classroomRepository) CreateInvitation(ctx context.Context, inv classroom.Invitation) (classroom.Invitation, error) {
	q := `
INSERT INTO invitation (id, classroom_id, invited_by_id, email, role, token_hash, status, expires_at, used_at, created_at)
VALUES (:id, :classroom_id, :invited_by_id, :email, :role, :token_hash, :status, :expires_at, :used_at, :created_at)`
	row := invitationRow{
		ID:          inv.ID,
		ClassroomID: inv.ClassroomID,
		InvitedByID: inv.InvitedByID,
		Email:       inv.Email,
		Role:        string(inv.Role),
		TokenHash:   inv.TokenHash,
		Status:      string(inv.Status),
		ExpiresAt:   inv.ExpiresAt,
		UsedAt:      inv.UsedAt,
		CreatedAt:   inv.CreatedAt,
	}
	if _, err := repo.db.NamedExecContext(ctx, q, row); err != nil {
		return classroom.Invitation{}, errors.Wrap(err, "inserting invitation")
	}
	return inv, nil
}

func (repo *classroomRepository) DeleteInvitation(ctx context.Context, id string) error {
	if _, err := repo.db.ExecContext(ctx, `DELETE FROM invitation WHERE id = $1`, id); err != nil {
		return errors.Wrap(err, "deleting invitation")
	}
	return nil
}

func (repo *classroomRepository) GetInvitationByTokenHash(ctx context.Context, tokenHash string) (classroom.Invitation, error) {
	var row invitationRow
	q := `SELECT * FROM invitation WHERE token_hash = $1`
	if err := repo.db.GetContext(ctx, &row, q, tokenHash); err != nil {
		if err == sql.ErrNoRows {
			return classroom.Invitation{}, classroom.ErrNotFound
		}
		return classroom.Invitation{}, errors.Wrap(err, "getting invitation")
	}
	return row.invitation(), nil
}

func (repo *classroomRepository) HasPendingInvitation(ctx context.Context, classroomID, email string, now time.Time) (bool, error) {
	var exists bool
	q := `
SELECT EXISTS (
    SELECT 1 FROM invitation
    WHERE classroom_id = $1 AND lower(email) = lower($2) AND status = 'pending' AND expires_at > $3
)`
	if err := repo.db.GetContext(ctx, &exists, q, classroomID, email, now); err != nil {
		return false, errors.Wrap(err, "checking pending invitation")
	}
	return exists, nil
}

func (repo *classroomRepository) SaveInvitationStatus(ctx context.Context, inv classroom.Invitation) error {
	return saveInvitationStatus(ctx, repo.db, inv)
}

func saveInvitationStatus(ctx context.Context, db sqlx.ExtContext, inv classroom.Invitation) error {
	q := `UPDATE invitation SET status = $1, used_at = $2 WHERE id = $3`
	res, err := db.ExecContext(ctx, q, string(inv.Status), inv.UsedAt, inv.ID)
	if err != nil {
		return errors.Wrap(err, "updating invitation status")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return classroom.ErrNotFound
	}
	return nil
}

func (repo *classroomRepository) AcceptInvitation(ctx context.Context, inv classroom.Invitation, studentID string) (classroom.Enrollment, error) {
	var enr classroom.Enrollment
	err := repo.atomic(ctx, func(tx *sqlx.Tx) error {
		var err error
		if enr, _, err = getOrCreateEnrollment(ctx, tx, inv.ClassroomID, studentID); err != nil {
			return err
		}
		return saveInvitationStatus(ctx, tx, inv)
	})
	if err != nil {
		return classroom.Enrollment{}, err
	}
	return enr, nil
}

func (repo *classroomRepository) RegisterStudent(ctx context.Context, usr user.User, inv classroom.Invitation) (user.User, error) {
	err := repo.atomic(ctx, func(tx *sqlx.Tx) error {
		if err := insertUser(ctx, tx, usr); err != nil {
			return err
		}
		if _, _, err := getOrCreateEnrollment(ctx, tx, inv.ClassroomID, usr.ID); err != nil {
			return err
		}
		return saveInvitationStatus(ctx, tx, inv)
	})
	if err != nil {
		return user.User{}, err
	}
	return usr, nil
}

func (repo *classroomRepository) atomic(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "committing transaction")
	}
	return nil
}

func (repo *classroomRepository) CreateNote(ctx context.Context, note classroom.Note) (classroom.Note, error) {
	q := `
INSERT INTO note (classroom_id, title, content, created_at)
VALUES ($1, $2, $3, $4)
RETURNING id`
	if err := repo.db.GetContext(ctx, &note.ID, q, note.ClassroomID, note.Title, note.Content, note.CreatedAt); err != nil {
		return classroom.Note{}, errors.Wrap(err, "inserting note")
	}
	return note, nil
}

func (repo *classroomRepository) QueryNotes(ctx context.Context, classroomID string) ([]classroom.Note, error) {
	var rows []noteRow
	q := `SELECT * FROM note WHERE classroom_id = $1 ORDER BY id`
	if err := repo.db.SelectContext(ctx, &rows, q, classroomID); err != nil {
		return nil, errors.Wrap(err, "querying notes")
	}
	notes := make([]classroom.Note, 0, len(rows))
	for _, row := range rows {
		notes = append(notes, row.note())
	}
	return notes, nil
}

func (repo *classroomRepository) GetNote(ctx context.Context, classroomID string, noteID int64) (classroom.Note, error) {
	var row noteRow
	q := `SELECT * FROM note WHERE classroom_id = $1 AND id = $2`
	if err := repo.db.GetContext(ctx, &row, q, classroomID, noteID); err != nil {
		if err == sql.ErrNoRows {
			return classroom.Note{}, classroom.ErrNotFound
		}
		return classroom.Note{}, errors.Wrap(err, "getting note")
	}
	return row.note(), nil
}

func (repo *classroomRepository) CreateDisplayedNote(ctx context.Context, dn classroom.DisplayedNote) (classroom.DisplayedNote, error) {
	q := `
INSERT INTO displayed_note (classroom_id, note_id, displayed_by_id, displayed_at)
VALUES ($1, $2, $3, $4)
RETURNING id`
	if err := repo.db.GetContext(ctx, &dn.ID, q, dn.ClassroomID, dn.NoteID, dn.DisplayedByID, dn.DisplayedAt); err != nil {
		return classroom.DisplayedNote{}, errors.Wrap(err, "inserting displayed note")
	}
	return dn, nil
}

func (repo *classroomRepository) QueryDisplayedNotes(ctx context.Context, classroomID string) ([]classroom.DisplayedNoteInfo, error) {
	var rows []displayedNoteInfoRow
	q := `
SELECT dn.id, dn.note_id, n.title, n.content, u.email AS displayed_by, dn.displayed_at
FROM displayed_note dn
JOIN note n ON n.id = dn.note_id
JOIN "user" u ON u.id = dn.displayed_by_id
WHERE dn.classroom_id = $1
ORDER BY dn.id`
	if err := repo.db.SelectContext(ctx, &rows, q, classroomID); err != nil {
		return nil, errors.Wrap(err, "querying displayed notes")
	}
	infos := make([]classroom.DisplayedNoteInfo, 0, len(rows))
	for _, row := range rows {
		infos = append(infos, classroom.DisplayedNoteInfo{
			ID:          row.ID,
			NoteID:      row.NoteID,
			Title:       row.Title,
			Content:     row.Content,
			DisplayedBy: row.DisplayedBy,
			DisplayedAt: row.DisplayedAt,
		})
	}
	return infos, nil
}

func (repo *classroomRepository) DeleteDisplayedNote(ctx context.Context, classroomID string, id int64) error {
	q := `DELETE FROM displayed_note WHERE classroom_id = $1 AND id = $2`
	res, err := repo.db.ExecContext(ctx, q, classroomID, id)
	if err != nil {
		return errors.Wrap(err, "deleting displayed note")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return classroom.ErrNotFound
	}
	return nil
}
