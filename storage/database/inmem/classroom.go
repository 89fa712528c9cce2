package inmemdb

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/darasa/core/classroom"
	"github.com/trezcool/darasa/core/user"
)

// unique violations, mirroring the SQL schema constraints
var (
	errClassIDExists   = errors.New(`duplicate key value violates unique constraint "classroom_class_id_key"`)
	errTokenHashExists = errors.New(`duplicate key value violates unique constraint "invitation_token_hash_key"`)
)

type classroomRepository struct {
	db *DB
}

var _ classroom.Repository = (*classroomRepository)(nil) // interface compliance check

func NewClassroomRepository(db *DB) classroom.Repository {
	return &classroomRepository{db: db}
}

func (repo *classroomRepository) CreateClassroom(_ context.Context, cls classroom.Classroom) (classroom.Classroom, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	for _, c := range repo.db.classrooms {
		if c.ClassID == cls.ClassID {
			return classroom.Classroom{}, errClassIDExists
		}
	}
	repo.db.classrooms[cls.ID] = &cls
	return cls, nil
}

func (repo *classroomRepository) GetClassroomByID(_ context.Context, id string) (classroom.Classroom, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if cls, ok := repo.db.classrooms[id]; ok {
		return *cls, nil
	}
	return classroom.Classroom{}, classroom.ErrNotFound
}

func (repo *classroomRepository) GetClassroomByClassID(_ context.Context, classID string) (classroom.Classroom, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for _, cls := range repo.db.classrooms {
		if cls.ClassID == classID {
			return *cls, nil
		}
	}
	return classroom.Classroom{}, classroom.ErrNotFound
}

func (repo *classroomRepository) QueryClassroomsByOwner(_ context.Context, ownerID string) ([]classroom.Classroom, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	classrooms := make([]classroom.Classroom, 0)
	for _, cls := range repo.db.classrooms {
		if cls.OwnerID == ownerID {
			classrooms = append(classrooms, *cls)
		}
	}
	sortClassrooms(classrooms)
	return classrooms, nil
}

func (repo *classroomRepository) QueryClassroomsByStudent(_ context.Context, studentID string) ([]classroom.Classroom, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	classrooms := make([]classroom.Classroom, 0)
	for _, enr := range repo.db.enrollments {
		if enr.StudentID == studentID {
			if cls, ok := repo.db.classrooms[enr.ClassroomID]; ok {
				classrooms = append(classrooms, *cls)
			}
		}
	}
	sortClassrooms(classrooms)
	return classrooms, nil
}

func sortClassrooms(classrooms []classroom.Classroom) {
	sort.Slice(classrooms, func(i, j int) bool { return classrooms[i].CreatedAt.Before(classrooms[j].CreatedAt) })
}

func (repo *classroomRepository) QueryStudentEmails(_ context.Context, classroomID string) ([]string, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	emails := make([]string, 0)
	for _, enr := range repo.db.enrollments {
		if enr.ClassroomID == classroomID {
			if usr, ok := repo.db.users[enr.StudentID]; ok {
				emails = append(emails, usr.Email)
			}
		}
	}
	sort.Strings(emails)
	return emails, nil
}

func (repo *classroomRepository) HasEnrollment(_ context.Context, classroomID, studentID string) (bool, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	return repo.db.getEnrollment(classroomID, studentID) != nil, nil
}

func (db *DB) getEnrollment(classroomID, studentID string) *classroom.Enrollment {
	for _, enr := range db.enrollments {
		if enr.ClassroomID == classroomID && enr.StudentID == studentID {
			return enr
		}
	}
	return nil
}

func (repo *classroomRepository) GetOrCreateEnrollment(_ context.Context, classroomID, studentID string) (classroom.Enrollment, bool, error) {
	repo.db.Lock()
	defer repo.db.Unlock()
	return repo.db.getOrCreateEnrollment(classroomID, studentID)
}

func (db *DB) getOrCreateEnrollment(classroomID, studentID string) (classroom.Enrollment, bool, error) {
	if enr := db.getEnrollment(classroomID, studentID); enr != nil {
		return *enr, false, nil
	}
	enr := classroom.Enrollment{
		ID:          uuid.New().String(),
		ClassroomID: classroomID,
		StudentID:   studentID,
		CreatedAt:   time.Now().UTC(),
	}
	db.enrollments[enr.ID] = &enr
	return enr, true, nil
}

func (repo *classroomRepository) CreateInvitation(_ context.Context, inv classroom.Invitation) (classroom.Invitation, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	for _, i := range repo.db.invitations {
		if i.TokenHash == inv.TokenHash {
			return classroom.Invitation{}, errTokenHashExists
		}
	}
	repo.db.invitations[inv.ID] = &inv
	return inv, nil
}

func (repo *classroomRepository) DeleteInvitation(_ context.Context, id string) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	delete(repo.db.invitations, id)
	return nil
}

func (repo *classroomRepository) GetInvitationByTokenHash(_ context.Context, tokenHash string) (classroom.Invitation, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for _, inv := range repo.db.invitations {
		if inv.TokenHash == tokenHash {
			return *inv, nil
		}
	}
	return classroom.Invitation{}, classroom.ErrNotFound
}

func (repo *classroomRepository) HasPendingInvitation(_ context.Context, classroomID, email string, now time.Time) (bool, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for _, inv := range repo.db.invitations {
		if inv.ClassroomID == classroomID &&
			strings.EqualFold(inv.Email, email) &&
			inv.Status == classroom.StatusPending &&
			inv.ExpiresAt.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func (repo *classroomRepository) SaveInvitationStatus(_ context.Context, inv classroom.Invitation) error {
	repo.db.Lock()
	defer repo.db.Unlock()
	return repo.db.saveInvitationStatus(inv)
}

func (db *DB) saveInvitationStatus(inv classroom.Invitation) error {
	origInv, ok := db.invitations[inv.ID]
	if !ok {
		return classroom.ErrNotFound
	}
	origInv.Status = inv.Status
	origInv.UsedAt = inv.UsedAt
	return nil
}

func (repo *classroomRepository) AcceptInvitation(_ context.Context, inv classroom.Invitation, studentID string) (classroom.Enrollment, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	enr, _, err := repo.db.getOrCreateEnrollment(inv.ClassroomID, studentID)
	if err != nil {
		return classroom.Enrollment{}, err
	}
	if err = repo.db.saveInvitationStatus(inv); err != nil {
		return classroom.Enrollment{}, err
	}
	return enr, nil
}

func (repo *classroomRepository) RegisterStudent(_ context.Context, usr user.User, inv classroom.Invitation) (user.User, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	usr, err := repo.db.insertUser(usr)
	if err != nil {
		return user.User{}, err
	}
	if _, _, err = repo.db.getOrCreateEnrollment(inv.ClassroomID, usr.ID); err != nil {
		return user.User{}, err
	}
	if err = repo.db.saveInvitationStatus(inv); err != nil {
		return user.User{}, err
	}
	return usr, nil
}

func (repo *classroomRepository) CreateNote(_ context.Context, note classroom.Note) (classroom.Note, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	repo.db.noteSeq++
	note.ID = repo.db.noteSeq
	repo.db.notes[note.ID] = &note
	return note, nil
}

func (repo *classroomRepository) QueryNotes(_ context.Context, classroomID string) ([]classroom.Note, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	notes := make([]classroom.Note, 0)
	for _, note := range repo.db.notes {
		if note.ClassroomID == classroomID {
			notes = append(notes, *note)
		}
	}
	sort.Slice(notes, func(i, j int) bool { return notes[i].ID < notes[j].ID })
	return notes, nil
}

func (repo *classroomRepository) GetNote(_ context.Context, classroomID string, noteID int64) (classroom.Note, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if note, ok := repo.db.notes[noteID]; ok && note.ClassroomID == classroomID {
		return *note, nil
	}
	return classroom.Note{}, classroom.ErrNotFound
}

func (repo *classroomRepository) CreateDisplayedNote(_ context.Context, dn classroom.DisplayedNote) (classroom.DisplayedNote, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	repo.db.displayedNoteSeq++
	dn.ID = repo.db.displayedNoteSeq
	repo.db.displayedNotes[dn.ID] = &dn
	return dn, nil
}

func (repo *classroomRepository) QueryDisplayedNotes(_ context.Context, classroomID string) ([]classroom.DisplayedNoteInfo, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	infos := make([]classroom.DisplayedNoteInfo, 0)
	for _, dn := range repo.db.displayedNotes {
		if dn.ClassroomID != classroomID {
			continue
		}
		note, ok := repo.db.notes[dn.NoteID]
		if !ok {
			continue
		}
		var displayedBy string
		if usr, ok := repo.db.users[dn.DisplayedByID]; ok {
			displayedBy = usr.Email
		}
		infos = append(infos, classroom.DisplayedNoteInfo{
			ID:          dn.ID,
			NoteID:      note.ID,
			Title:       note.Title,
			Content:     note.Content,
			DisplayedBy: displayedBy,
			DisplayedAt: dn.DisplayedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

func (repo *classroomRepository) DeleteDisplayedNote(_ context.Context, classroomID string, id int64) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	if dn, ok := repo.db.displayedNotes[id]; ok && dn.ClassroomID == classroomID {
		delete(repo.db.displayedNotes, id)
		return nil
	}
	return classroom.ErrNotFound
}
