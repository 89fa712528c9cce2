package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/darasa/core"
	"github.com/trezcool/darasa/core/classroom"
	"github.com/trezcool/darasa/core/user"
)

type userApi struct {
	conf     *core.Config
	svc      *user.Service
	clsSvc   *classroom.Service
	validate *validator.Validate
}

func registerUserAPI(g *echo.Group, jwt echo.MiddlewareFunc, opts *Options) {
	api := userApi{
		conf:     opts.Conf,
		svc:      opts.UserSvc,
		clsSvc:   opts.ClassroomSvc,
		validate: opts.Validate,
	}

	// un-authed endpoints
	g.POST("/signup/teacher", api.signupTeacher)
	g.POST("/login", api.login)
	g.POST("/register-from-invite", api.registerFromInvite)
	g.POST("/token-refresh", api.refreshToken)
	g.POST("/logout", api.logout)

	// authed endpoints
	ag := g.Group("", jwt)
	ag.GET("/me", api.me)
}

// Handlers

func (api *userApi) signupTeacher(ctx echo.Context) error {
	var data user.NewTeacher
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewTeacher")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}
	if err := api.svc.CheckEmailUniqueness(ctx.Request().Context(), data.Email); err != nil {
		return err
	}

	usr, err := api.svc.CreateTeacher(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating teacher")
	}

	token, err := api.issueSession(ctx, usr)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, AuthResponse{User: usr, AccessToken: token})
}

func (api *userApi) login(ctx echo.Context) error {
	var data LoginRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to LoginRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	usr, err := authenticate(data.Email, data.Password, api.svc, ctx)
	if err != nil {
		return err
	}

	// an invite token supplied at login is redeemed as a soft outcome; a bad
	// token never fails the login itself
	outcome, err := api.clsSvc.AcceptForUser(ctx.Request().Context(), data.InviteToken, usr)
	if err != nil {
		return errors.Wrap(err, "accepting invitation")
	}

	token, err := api.issueSession(ctx, usr)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, AuthResponse{User: usr, AccessToken: token, InviteResult: outcome})
}

func (api *userApi) registerFromInvite(ctx echo.Context) error {
	var data classroom.RegisterFromInvite
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to RegisterFromInvite")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	usr, cls, err := api.clsSvc.RegisterStudent(ctx.Request().Context(), data)
	if err != nil {
		return err
	}

	token, err := api.issueSession(ctx, usr)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, RegisterResponse{
		User:          usr,
		AccessToken:   token,
		ClassID:       cls.ClassID,
		ClassroomName: cls.Name,
	})
}

func (api *userApi) refreshToken(ctx echo.Context) error {
	token, err := refreshToken(ctx, api.conf, api.svc)
	if err != nil {
		return errors.Wrap(err, "refreshing token")
	}
	return ctx.JSON(http.StatusOK, TokenResponse{AccessToken: token})
}

func (api *userApi) logout(ctx echo.Context) error {
	clearRefreshCookie(ctx, api.conf)
	return ctx.NoContent(http.StatusNoContent)
}

func (api *userApi) me(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.svc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	return ctx.JSON(http.StatusOK, usr)
}

// issueSession signs an access token and sets the refresh session cookie.
func (api *userApi) issueSession(ctx echo.Context, usr user.User) (string, error) {
	claims := GetUserClaims(api.conf, usr)
	token, err := GenerateToken(api.conf, claims)
	if err != nil {
		return "", errors.Wrap(err, "generating token")
	}
	if err = setRefreshCookie(ctx, api.conf, usr, claims.IssuedAt); err != nil {
		return "", err
	}
	return token, nil
}

type (
	LoginRequest struct {
		Email       string `json:"email" validate:"required,email"`
		Password    string `json:"password" validate:"required"`
		InviteToken string `json:"invite_token"`
	}

	AuthResponse struct {
		User         user.User                `json:"user"`
		AccessToken  string                   `json:"access_token"`
		InviteResult *classroom.InviteOutcome `json:"invite_result,omitempty"`
	}

	RegisterResponse struct {
		User          user.User `json:"user"`
		AccessToken   string    `json:"access_token"`
		ClassID       string    `json:"class_id"`
		ClassroomName string    `json:"classroom_name"`
	}

	TokenResponse struct {
		AccessToken string `json:"access_token"`
	}
)

func (lr *LoginRequest) Validate(validate *validator.Validate) error {
	lr.Email = core.CleanString(lr.Email, true /* lower */)
	lr.InviteToken = core.CleanString(lr.InviteToken)
	return validate.Struct(lr)
}
