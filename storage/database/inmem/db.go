package inmemdb

import (
	"sync"

	"github.com/trezcool/darasa/core/classroom"
	"github.com/trezcool/darasa/core/user"
)

// DB keeps all tables behind one lock so composite writes stay atomic.
type DB struct {
	sync.RWMutex

	users          map[string]*user.User
	classrooms     map[string]*classroom.Classroom
	enrollments    map[string]*classroom.Enrollment
	invitations    map[string]*classroom.Invitation
	notes          map[int64]*classroom.Note
	displayedNotes map[int64]*classroom.DisplayedNote

	noteSeq          int64
	displayedNoteSeq int64
}

func Open() (*DB, error) {
	db := &DB{
		users:          make(map[string]*user.User),
		classrooms:     make(map[string]*classroom.Classroom),
		enrollments:    make(map[string]*classroom.Enrollment),
		invitations:    make(map[string]*classroom.Invitation),
		notes:          make(map[int64]*classroom.Note),
		displayedNotes: make(map[int64]*classroom.DisplayedNote),
	}
	return db, nil
}
