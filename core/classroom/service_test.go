package classroom_test

import (
	"context"
	"io"
	"log"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/darasa/core"
	"github.com/trezcool/darasa/core/classroom"
	"github.com/trezcool/darasa/core/user"
	emailsvc "github.com/trezcool/darasa/services/email"
	logsvc "github.com/trezcool/darasa/services/logger"
	inmemdb "github.com/trezcool/darasa/storage/database/inmem"
)

type publisherMock struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	classID string
	evt     classroom.Event
}

func (p *publisherMock) Publish(classID string, evt classroom.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{classID: classID, evt: evt})
}

type testEnv struct {
	svc     *classroom.Service
	repo    classroom.Repository
	usrRepo user.Repository
	mailSvc *emailsvc.MockService
	pub     *publisherMock
}

func setup(t *testing.T) *testEnv {
	t.Helper()

	db, err := inmemdb.Open()
	require.NoError(t, err)

	usrRepo := inmemdb.NewUserRepository(db)
	repo := inmemdb.NewClassroomRepository(db)
	mailSvc := emailsvc.NewMockService()
	logger := logsvc.NewStdLogger(log.New(io.Discard, "", 0))
	validate, _ := core.NewValidator()
	pub := &publisherMock{}

	conf := &core.Config{
		AppName:               "Darasa",
		FrontendBaseURL:       "http://localhost:3000",
		InviteExpirationDelta: 72 * time.Hour,
	}
	return &testEnv{
		svc:     classroom.NewService(conf, repo, usrRepo, mailSvc, logger, validate, pub),
		repo:    repo,
		usrRepo: usrRepo,
		mailSvc: mailSvc,
		pub:     pub,
	}
}

func createUser(t *testing.T, env *testEnv, email string, role user.Role) user.User {
	t.Helper()
	usr, err := user.New(email, "s3cr3t", "Test", "User", role)
	require.NoError(t, err)
	usr, err = env.usrRepo.CreateUser(context.Background(), usr)
	require.NoError(t, err)
	return usr
}

func createClassroom(t *testing.T, env *testEnv, owner user.User, name string) classroom.Classroom {
	t.Helper()
	cls, err := env.svc.Create(context.Background(), owner, classroom.NewClassroom{Name: name})
	require.NoError(t, err)
	return cls
}

var inviteLinkRx = regexp.MustCompile(`/invite/([A-Za-z0-9_-]+)`)

// invite sends a single invitation and returns the raw token lifted from the
// invite email, the only place it is ever disclosed.
func invite(t *testing.T, env *testEnv, teacher user.User, cls classroom.Classroom, email string) string {
	t.Helper()
	res, err := env.svc.InviteStudents(context.Background(), teacher, cls, []string{email}, 0)
	require.NoError(t, err)
	require.Len(t, res.Invited, 1)

	require.NotEmpty(t, env.mailSvc.SentMessages)
	body := env.mailSvc.SentMessages[len(env.mailSvc.SentMessages)-1].BodyStr
	m := inviteLinkRx.FindStringSubmatch(body)
	require.Len(t, m, 2, "invite email has no invite link")
	return m[1]
}

func TestService_Create(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	teacher := createUser(t, env, "teacher@test.cd", user.RoleTeacher)

	cls := createClassroom(t, env, teacher, "Algebra II")

	assert.Equal(t, teacher.ID, cls.OwnerID)
	assert.NotEmpty(t, cls.ClassID)
	assert.NotEqual(t, cls.ID, cls.ClassID)

	got, err := env.svc.GetByClassID(ctx, cls.ClassID)
	require.NoError(t, err)
	assert.Equal(t, cls.ID, got.ID)

	owned, err := env.svc.QueryOwned(ctx, teacher)
	require.NoError(t, err)
	assert.Len(t, owned, 1)
}

func TestService_Enroll_idempotent(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	teacher := createUser(t, env, "teacher@test.cd", user.RoleTeacher)
	student := createUser(t, env, "student@test.cd", user.RoleStudent)
	cls := createClassroom(t, env, teacher, "Algebra II")

	first, err := env.svc.Enroll(ctx, cls, student)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		enr, err := env.svc.Enroll(ctx, cls, student)
		require.NoError(t, err)
		assert.Equal(t, first.ID, enr.ID)
	}

	enrolled, err := env.svc.QueryEnrolled(ctx, student)
	require.NoError(t, err)
	assert.Len(t, enrolled, 1)

	emails, err := env.svc.StudentEmails(ctx, cls)
	require.NoError(t, err)
	assert.Equal(t, []string{"student@test.cd"}, emails)
}

func TestService_IsMember(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	teacher := createUser(t, env, "teacher@test.cd", user.RoleTeacher)
	student := createUser(t, env, "student@test.cd", user.RoleStudent)
	stranger := createUser(t, env, "stranger@test.cd", user.RoleStudent)
	cls := createClassroom(t, env, teacher, "Algebra II")

	_, err := env.svc.Enroll(ctx, cls, student)
	require.NoError(t, err)

	for _, tt := range []struct {
		name string
		usr  user.User
		want bool
	}{
		{name: "owner", usr: teacher, want: true},
		{name: "enrolled student", usr: student, want: true},
		{name: "stranger", usr: stranger, want: false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.svc.IsMember(ctx, cls, tt.usr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestService_InviteStudents(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	teacher := createUser(t, env, "teacher@test.cd", user.RoleTeacher)
	enrolled := createUser(t, env, "enrolled@test.cd", user.RoleStudent)
	cls := createClassroom(t, env, teacher, "Algebra II")

	_, err := env.svc.Enroll(ctx, cls, enrolled)
	require.NoError(t, err)

	// a pending invite already exists for this address
	invite(t, env, teacher, cls, "pending@test.cd")

	// delivery to this address fails
	env.mailSvc.FailFor["bounce@test.cd"] = true

	res, err := env.svc.InviteStudents(ctx, teacher, cls, []string{
		"new@test.cd",
		"not-an-email",
		"enrolled@test.cd",
		"pending@test.cd",
		"bounce@test.cd",
	}, 0)
	require.NoError(t, err)

	require.Len(t, res.Invited, 1)
	assert.Equal(t, "new@test.cd", res.Invited[0].Email)
	assert.Equal(t, classroom.StatusPending, res.Invited[0].Status)
	assert.False(t, res.Invited[0].ExistingUser)

	require.Len(t, res.Skipped, 4)
	skipped := make(map[string]classroom.SkipReason, len(res.Skipped))
	for _, s := range res.Skipped {
		skipped[s.Email] = s.Reason
	}
	assert.Equal(t, classroom.SkipInvalidEmail, skipped["not-an-email"])
	assert.Equal(t, classroom.SkipAlreadyEnrolled, skipped["enrolled@test.cd"])
	assert.Equal(t, classroom.SkipAlreadyInvited, skipped["pending@test.cd"])
	assert.Equal(t, classroom.SkipEmailSendFailed, skipped["bounce@test.cd"])

	// the undeliverable invitation was rolled back
	now := time.Now().UTC()
	pending, err := env.repo.HasPendingInvitation(ctx, cls.ID, "bounce@test.cd", now)
	require.NoError(t, err)
	assert.False(t, pending, "failed delivery left a pending invitation behind")

	pending, err = env.repo.HasPendingInvitation(ctx, cls.ID, "new@test.cd", now)
	require.NoError(t, err)
	assert.True(t, pending)
}

func TestService_InviteStudents_existingUserFlag(t *testing.T) {
	env := setup(t)
	teacher := createUser(t, env, "teacher@test.cd", user.RoleTeacher)
	createUser(t, env, "known@test.cd", user.RoleStudent)
	cls := createClassroom(t, env, teacher, "Algebra II")

	res, err := env.svc.InviteStudents(context.Background(), teacher, cls, []string{"known@test.cd"}, 0)
	require.NoError(t, err)
	require.Len(t, res.Invited, 1)
	assert.True(t, res.Invited[0].ExistingUser)
}

func TestService_Resolve(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	teacher := createUser(t, env, "teacher@test.cd", user.RoleTeacher)
	cls := createClassroom(t, env, teacher, "Algebra II")

	t.Run("invalid token", func(t *testing.T) {
		res, err := env.svc.Resolve(ctx, "no-such-token", nil)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Equal(t, "invalid_token", res.Reason)
	})

	t.Run("unknown email requires registration", func(t *testing.T) {
		token := invite(t, env, teacher, cls, "newbie@test.cd")

		res, err := env.svc.Resolve(ctx, token, nil)
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.True(t, res.RequiresRegistration)
		assert.False(t, res.RequiresLogin)
		assert.Equal(t, "newbie@test.cd", res.Email)
		assert.Equal(t, cls.ClassID, res.ClassID)
		assert.Equal(t, cls.Name, res.ClassroomName)
		require.NotNil(t, res.ExpiresAt)
	})

	t.Run("known email requires login", func(t *testing.T) {
		createUser(t, env, "known@test.cd", user.RoleStudent)
		token := invite(t, env, teacher, cls, "known@test.cd")

		res, err := env.svc.Resolve(ctx, token, nil)
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.True(t, res.RequiresLogin)
		assert.False(t, res.RequiresRegistration)
	})

	t.Run("matching caller is auto-enrolled", func(t *testing.T) {
		student := createUser(t, env, "match@test.cd", user.RoleStudent)
		token := invite(t, env, teacher, cls, "match@test.cd")

		res, err := env.svc.Resolve(ctx, token, &student)
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.True(t, res.AutoEnrolled)
		assert.Equal(t, cls.ClassID, res.ClassID)

		member, err := env.svc.IsMember(ctx, cls, student)
		require.NoError(t, err)
		assert.True(t, member)

		// the invitation is now consumed
		res, err = env.svc.Resolve(ctx, token, &student)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Equal(t, "already_used", res.Reason)
	})

	t.Run("email mismatch leaves the invitation pending", func(t *testing.T) {
		other := createUser(t, env, "other@test.cd", user.RoleStudent)
		token := invite(t, env, teacher, cls, "intended@test.cd")

		res, err := env.svc.Resolve(ctx, token, &other)
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.Equal(t, "email_mismatch", res.Reason)
		assert.True(t, res.RequiresLogin)
		assert.Equal(t, "intended@test.cd", res.Email)

		member, err := env.svc.IsMember(ctx, cls, other)
		require.NoError(t, err)
		assert.False(t, member, "mismatched caller got enrolled")

		inv, err := env.repo.GetInvitationByTokenHash(ctx, classroom.HashToken(token))
		require.NoError(t, err)
		assert.Equal(t, classroom.StatusPending, inv.Status, "mismatch mutated the invitation")
	})

	t.Run("expired invitation flips lazily", func(t *testing.T) {
		token := invite(t, env, teacher, cls, "late@test.cd")

		restore := classroom.NowFunc
		classroom.NowFunc = func() time.Time { return time.Now().Add(73 * time.Hour) }
		defer func() { classroom.NowFunc = restore }()

		res, err := env.svc.Resolve(ctx, token, nil)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Equal(t, "expired", res.Reason)

		inv, err := env.repo.GetInvitationByTokenHash(ctx, classroom.HashToken(token))
		require.NoError(t, err)
		assert.Equal(t, classroom.StatusExpired, inv.Status)

		// resolving again is a stable no-op
		res, err = env.svc.Resolve(ctx, token, nil)
		require.NoError(t, err)
		assert.Equal(t, "expired", res.Reason)
	})
}

func TestService_AcceptForUser(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	teacher := createUser(t, env, "teacher@test.cd", user.RoleTeacher)
	cls := createClassroom(t, env, teacher, "Algebra II")

	t.Run("no token is a no-op", func(t *testing.T) {
		outcome, err := env.svc.AcceptForUser(ctx, "", teacher)
		require.NoError(t, err)
		assert.Nil(t, outcome)
	})

	t.Run("accepted and enrolled", func(t *testing.T) {
		student := createUser(t, env, "student@test.cd", user.RoleStudent)
		token := invite(t, env, teacher, cls, "student@test.cd")

		outcome, err := env.svc.AcceptForUser(ctx, token, student)
		require.NoError(t, err)
		require.NotNil(t, outcome)
		assert.True(t, outcome.Accepted)
		assert.Equal(t, cls.ClassID, outcome.ClassID)
		assert.Equal(t, cls.Name, outcome.ClassroomName)

		member, err := env.svc.IsMember(ctx, cls, student)
		require.NoError(t, err)
		assert.True(t, member)

		// replaying a consumed token is rejected
		outcome, err = env.svc.AcceptForUser(ctx, token, student)
		require.NoError(t, err)
		assert.False(t, outcome.Accepted)
		assert.Equal(t, "invalid_token", outcome.Reason)
	})

	t.Run("email mismatch is soft and non-mutating", func(t *testing.T) {
		other := createUser(t, env, "other@test.cd", user.RoleStudent)
		token := invite(t, env, teacher, cls, "someone-else@test.cd")

		outcome, err := env.svc.AcceptForUser(ctx, token, other)
		require.NoError(t, err)
		assert.False(t, outcome.Accepted)
		assert.Equal(t, "email_mismatch", outcome.Reason)

		inv, err := env.repo.GetInvitationByTokenHash(ctx, classroom.HashToken(token))
		require.NoError(t, err)
		assert.Equal(t, classroom.StatusPending, inv.Status)
	})
}

func TestService_RegisterStudent(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	teacher := createUser(t, env, "teacher@test.cd", user.RoleTeacher)
	cls := createClassroom(t, env, teacher, "Algebra II")

	t.Run("creates account, enrollment and acceptance", func(t *testing.T) {
		token := invite(t, env, teacher, cls, "fresh@test.cd")

		usr, gotCls, err := env.svc.RegisterStudent(ctx, classroom.RegisterFromInvite{
			Token:     token,
			Password:  "s3cr3t",
			FirstName: "Fresh",
			LastName:  "Face",
		})
		require.NoError(t, err)
		assert.Equal(t, "fresh@test.cd", usr.Email)
		assert.Equal(t, user.RoleStudent, usr.Role)
		assert.True(t, usr.IsActive)
		assert.Equal(t, cls.ClassID, gotCls.ClassID)

		member, err := env.svc.IsMember(ctx, cls, usr)
		require.NoError(t, err)
		assert.True(t, member)

		inv, err := env.repo.GetInvitationByTokenHash(ctx, classroom.HashToken(token))
		require.NoError(t, err)
		assert.Equal(t, classroom.StatusAccepted, inv.Status)
		require.NotNil(t, inv.UsedAt)

		// token reuse is rejected
		_, _, err = env.svc.RegisterStudent(ctx, classroom.RegisterFromInvite{Token: token, Password: "x"})
		assert.IsType(t, &core.ValidationError{}, err)
	})

	t.Run("existing account must log in instead", func(t *testing.T) {
		createUser(t, env, "taken@test.cd", user.RoleStudent)
		token := invite(t, env, teacher, cls, "taken@test.cd")

		_, _, err := env.svc.RegisterStudent(ctx, classroom.RegisterFromInvite{Token: token, Password: "x"})
		require.Error(t, err)
		assert.IsType(t, &core.ValidationError{}, err)

		// the invitation survives for the login path
		inv, err := env.repo.GetInvitationByTokenHash(ctx, classroom.HashToken(token))
		require.NoError(t, err)
		assert.Equal(t, classroom.StatusPending, inv.Status)
	})

	t.Run("expired invitation", func(t *testing.T) {
		token := invite(t, env, teacher, cls, "slow@test.cd")

		restore := classroom.NowFunc
		classroom.NowFunc = func() time.Time { return time.Now().Add(100 * time.Hour) }
		defer func() { classroom.NowFunc = restore }()

		_, _, err := env.svc.RegisterStudent(ctx, classroom.RegisterFromInvite{Token: token, Password: "x"})
		require.Error(t, err)
		assert.IsType(t, &core.ValidationError{}, err)

		inv, err := env.repo.GetInvitationByTokenHash(ctx, classroom.HashToken(token))
		require.NoError(t, err)
		assert.Equal(t, classroom.StatusExpired, inv.Status)
	})
}

func TestService_notes(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	teacher := createUser(t, env, "teacher@test.cd", user.RoleTeacher)
	cls := createClassroom(t, env, teacher, "Algebra II")
	otherCls := createClassroom(t, env, teacher, "Geometry")

	note1, err := env.svc.CreateNote(ctx, cls, classroom.NewNote{Title: "Lesson 1", Content: "Variables"})
	require.NoError(t, err)
	note2, err := env.svc.CreateNote(ctx, cls, classroom.NewNote{Title: "Lesson 2", Content: "Equations"})
	require.NoError(t, err)
	otherNote, err := env.svc.CreateNote(ctx, otherCls, classroom.NewNote{Title: "Shapes", Content: "Triangles"})
	require.NoError(t, err)

	t.Run("listing is scoped and ordered", func(t *testing.T) {
		notes, err := env.svc.ListNotes(ctx, cls)
		require.NoError(t, err)
		require.Len(t, notes, 2)
		assert.Equal(t, note1.ID, notes[0].ID)
		assert.Equal(t, note2.ID, notes[1].ID)
	})

	t.Run("display broadcasts note_displayed", func(t *testing.T) {
		info, err := env.svc.DisplayNote(ctx, cls, note1.ID, teacher)
		require.NoError(t, err)
		assert.Equal(t, note1.ID, info.NoteID)
		assert.Equal(t, note1.Title, info.Title)
		assert.Equal(t, teacher.Email, info.DisplayedBy)

		require.Len(t, env.pub.events, 1)
		assert.Equal(t, cls.ClassID, env.pub.events[0].classID)
		assert.Equal(t, classroom.EventNoteDisplayed, env.pub.events[0].evt.Type)

		infos, err := env.svc.ListDisplayedNotes(ctx, cls)
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, info.ID, infos[0].ID)
	})

	t.Run("displaying a foreign note fails", func(t *testing.T) {
		_, err := env.svc.DisplayNote(ctx, cls, otherNote.ID, teacher)
		assert.Equal(t, classroom.ErrNotFound, err)
	})

	t.Run("remove broadcasts note_removed and keeps the note", func(t *testing.T) {
		infos, err := env.svc.ListDisplayedNotes(ctx, cls)
		require.NoError(t, err)
		require.Len(t, infos, 1)

		err = env.svc.RemoveDisplayedNote(ctx, cls, infos[0].ID)
		require.NoError(t, err)

		last := env.pub.events[len(env.pub.events)-1]
		assert.Equal(t, classroom.EventNoteRemoved, last.evt.Type)

		infos, err = env.svc.ListDisplayedNotes(ctx, cls)
		require.NoError(t, err)
		assert.Empty(t, infos)

		notes, err := env.svc.ListNotes(ctx, cls)
		require.NoError(t, err)
		assert.Len(t, notes, 2, "removing a displayed note deleted the note")
	})

	t.Run("removing via the wrong classroom fails", func(t *testing.T) {
		info, err := env.svc.DisplayNote(ctx, cls, note2.ID, teacher)
		require.NoError(t, err)

		err = env.svc.RemoveDisplayedNote(ctx, otherCls, info.ID)
		assert.Equal(t, classroom.ErrNotFound, err)

		infos, err := env.svc.ListDisplayedNotes(ctx, cls)
		require.NoError(t, err)
		assert.Len(t, infos, 1)
	})
}
