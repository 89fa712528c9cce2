package echoapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"golang.org/x/net/websocket"

	"github.com/trezcool/darasa/core"
	"github.com/trezcool/darasa/core/classroom"
	"github.com/trezcool/darasa/core/user"
	"github.com/trezcool/darasa/core/video"
)

type classroomApi struct {
	conf     *core.Config
	svc      *classroom.Service
	usrSvc   *user.Service
	videoSvc *video.Service
	hub      *Hub
	validate *validator.Validate
}

func registerClassroomAPI(g *echo.Group, jwt echo.MiddlewareFunc, opts *Options) {
	api := classroomApi{
		conf:     opts.Conf,
		svc:      opts.ClassroomSvc,
		usrSvc:   opts.UserSvc,
		videoSvc: opts.VideoSvc,
		hub:      opts.Hub,
		validate: opts.Validate,
	}

	// public; optional auth enables auto-enrollment
	g.GET("/invitations/:token", api.resolveInvitation)

	// websocket; credentials checked before the upgrade
	g.GET("/classrooms/:class_id/notes/ws", api.notesWS)

	cg := g.Group("/classrooms", jwt)
	cg.POST("", api.create, teacherMiddleware())
	cg.GET("", api.queryOwned, teacherMiddleware())
	cg.GET("/enrolled", api.queryEnrolled)

	member := classroomMiddleware(api.svc, api.usrSvc, false)
	owner := classroomMiddleware(api.svc, api.usrSvc, true)

	dg := cg.Group("/:class_id")
	dg.GET("", api.retrieve, member)
	dg.POST("/invite", api.invite, owner)
	dg.GET("/notes", api.queryNotes, member)
	dg.POST("/notes", api.createNote, owner)
	dg.POST("/notes/:note_id/display", api.displayNote, owner)
	dg.GET("/displayed-notes", api.queryDisplayedNotes, member)
	dg.DELETE("/displayed-notes/:id", api.removeDisplayedNote, owner)
	dg.GET("/video-token", api.videoToken, member)
}

// Handlers

func (api *classroomApi) create(ctx echo.Context) error {
	var data classroom.NewClassroom
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewClassroom")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	cls, err := api.svc.Create(ctx.Request().Context(), usr, data)
	if err != nil {
		return errors.Wrap(err, "creating classroom")
	}
	return ctx.JSON(http.StatusCreated, cls)
}

func (api *classroomApi) queryOwned(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	classrooms, err := api.svc.QueryOwned(ctx.Request().Context(), usr)
	if err != nil {
		return errors.Wrap(err, "querying classrooms")
	}
	return ctx.JSON(http.StatusOK, classrooms)
}

func (api *classroomApi) queryEnrolled(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	classrooms, err := api.svc.QueryEnrolled(ctx.Request().Context(), usr)
	if err != nil {
		return errors.Wrap(err, "querying enrolled classrooms")
	}
	return ctx.JSON(http.StatusOK, classrooms)
}

func (api *classroomApi) retrieve(ctx echo.Context) error {
	cls, err := getContextClassroom(ctx)
	if err != nil {
		return err
	}
	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	res := ClassroomDetailResponse{Classroom: cls, IsOwner: cls.OwnerID == usr.ID}
	if res.IsOwner {
		// the roster is for the teacher's eyes only
		if res.Students, err = api.svc.StudentEmails(ctx.Request().Context(), cls); err != nil {
			return errors.Wrap(err, "querying student emails")
		}
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *classroomApi) invite(ctx echo.Context) error {
	cls, err := getContextClassroom(ctx)
	if err != nil {
		return err
	}
	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	emails, err := api.collectEmails(ctx)
	if err != nil {
		return err
	}
	if len(emails) == 0 {
		return core.NewValidationError(nil, core.FieldError{Field: "emails", Error: "no email addresses supplied"})
	}

	var ttl time.Duration
	if hours, err := strconv.Atoi(ctx.FormValue("expiration_hours")); err == nil && hours > 0 {
		ttl = time.Duration(hours) * time.Hour
	}

	res, err := api.svc.InviteStudents(ctx.Request().Context(), usr, cls, emails, ttl)
	if err != nil {
		return errors.Wrap(err, "inviting students")
	}
	return ctx.JSON(http.StatusOK, InviteResponse{
		InvitedCount: len(res.Invited),
		SkippedCount: len(res.Skipped),
		Invited:      res.Invited,
		Skipped:      res.Skipped,
	})
}

// collectEmails gathers addresses from the `emails` form value and an
// optional `file` CSV upload.
func (api *classroomApi) collectEmails(ctx echo.Context) ([]string, error) {
	emailsText := ctx.FormValue("emails")

	fh, err := ctx.FormFile("file")
	if err != nil { // no file uploaded
		return classroom.CollectEmails(emailsText, nil), nil
	}
	f, err := fh.Open()
	if err != nil {
		return nil, errors.Wrap(err, "opening uploaded file")
	}
	defer func() { _ = f.Close() }()
	return classroom.CollectEmails(emailsText, f), nil
}

func (api *classroomApi) resolveInvitation(ctx echo.Context) error {
	// auth is optional here; a valid credential enables instant enrollment
	var caller *user.User
	if claims, err := requestClaims(ctx, api.conf); err == nil {
		if usr, err := api.usrSvc.GetByID(ctx.Request().Context(), claims.Subject); err == nil {
			caller = &usr
		}
	}

	res, err := api.svc.Resolve(ctx.Request().Context(), ctx.Param("token"), caller)
	if err != nil {
		return errors.Wrap(err, "resolving invitation")
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *classroomApi) queryNotes(ctx echo.Context) error {
	cls, err := getContextClassroom(ctx)
	if err != nil {
		return err
	}
	notes, err := api.svc.ListNotes(ctx.Request().Context(), cls)
	if err != nil {
		return errors.Wrap(err, "querying notes")
	}
	return ctx.JSON(http.StatusOK, notes)
}

func (api *classroomApi) createNote(ctx echo.Context) error {
	cls, err := getContextClassroom(ctx)
	if err != nil {
		return err
	}

	var data classroom.NewNote
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewNote")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	note, err := api.svc.CreateNote(ctx.Request().Context(), cls, data)
	if err != nil {
		return errors.Wrap(err, "creating note")
	}
	return ctx.JSON(http.StatusCreated, note)
}

func (api *classroomApi) queryDisplayedNotes(ctx echo.Context) error {
	cls, err := getContextClassroom(ctx)
	if err != nil {
		return err
	}
	infos, err := api.svc.ListDisplayedNotes(ctx.Request().Context(), cls)
	if err != nil {
		return errors.Wrap(err, "querying displayed notes")
	}
	return ctx.JSON(http.StatusOK, infos)
}

func (api *classroomApi) displayNote(ctx echo.Context) error {
	cls, err := getContextClassroom(ctx)
	if err != nil {
		return err
	}
	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	noteID, err := strconv.ParseInt(ctx.Param("note_id"), 10, 64)
	if err != nil {
		return errHttpNotFound
	}

	info, err := api.svc.DisplayNote(ctx.Request().Context(), cls, noteID, usr)
	if err != nil {
		if errors.Cause(err) == classroom.ErrNotFound {
			return errHttpNotFound
		}
		return errors.Wrap(err, "displaying note")
	}
	return ctx.JSON(http.StatusCreated, info)
}

func (api *classroomApi) removeDisplayedNote(ctx echo.Context) error {
	cls, err := getContextClassroom(ctx)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		return errHttpNotFound
	}

	if err := api.svc.RemoveDisplayedNote(ctx.Request().Context(), cls, id); err != nil {
		if errors.Cause(err) == classroom.ErrNotFound {
			return errHttpNotFound
		}
		return errors.Wrap(err, "removing displayed note")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *classroomApi) videoToken(ctx echo.Context) error {
	cls, err := getContextClassroom(ctx)
	if err != nil {
		return err
	}
	usr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	grant, err := api.videoSvc.RoomToken(cls.ClassID, usr.ID, usr.FullName())
	if err != nil {
		return errors.Wrap(err, "granting video room token")
	}
	return ctx.JSON(http.StatusOK, grant)
}

// notesWS upgrades the connection to the classroom's event stream. Credentials
// are checked before the upgrade: no credential rejects with 401, a valid
// credential without membership with 403.
func (api *classroomApi) notesWS(ctx echo.Context) error {
	claims, err := requestClaims(ctx, api.conf)
	if err != nil {
		return err
	}

	cls, err := api.svc.GetByClassID(ctx.Request().Context(), ctx.Param("class_id"))
	if err != nil {
		if errors.Cause(err) == classroom.ErrNotFound {
			return errHttpNotFound
		}
		return errors.Wrap(err, "finding classroom")
	}

	member, err := api.svc.IsMember(ctx.Request().Context(), cls, user.User{ID: claims.Subject})
	if err != nil {
		return errors.Wrap(err, "checking membership")
	}
	if !member {
		return errHttpForbidden
	}

	websocket.Handler(func(conn *websocket.Conn) {
		serveNotesWS(conn, api.hub, cls.ClassID)
	}).ServeHTTP(ctx.Response(), ctx.Request())
	return nil
}

type (
	ClassroomDetailResponse struct {
		classroom.Classroom
		IsOwner  bool     `json:"is_owner"`
		Students []string `json:"students,omitempty"`
	}

	InviteResponse struct {
		InvitedCount int                      `json:"invited_count"`
		SkippedCount int                      `json:"skipped_count"`
		Invited      []classroom.InvitedEntry `json:"invited"`
		Skipped      []classroom.SkippedEntry `json:"skipped"`
	}
)
