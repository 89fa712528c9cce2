package echoapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/darasa/core"
	"github.com/trezcool/darasa/core/user"
)

const (
	jwtContextKey  = "userToken"
	contextUserKey = "user"
)

// Claims represents the authorization claims transmitted via a JWT.
type Claims struct {
	jwt.StandardClaims
	OrigIssuedAt int64  `json:"oriat,omitempty"`
	Email        string `json:"email,omitempty"`
	Role         string `json:"role,omitempty"`
	IsTeacher    bool   `json:"is_teacher,omitempty"` // -> TEACHER PORTAL
	IsStudent    bool   `json:"is_student,omitempty"` // -> STUDENT PORTAL
}

func GetUserClaims(conf *core.Config, usr user.User, origIat ...int64) *Claims {
	now := time.Now()
	nownix := now.Unix()

	var oriat int64
	if len(origIat) > 0 {
		oriat = origIat[0]
	} else {
		oriat = nownix
	}

	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    conf.AppName,
			Subject:   usr.ID,
			ExpiresAt: now.Add(conf.Server.JWTExpirationDelta).Unix(),
			IssuedAt:  nownix,
		},
		OrigIssuedAt: oriat,
		Email:        usr.Email,
		Role:         string(usr.Role),
		IsTeacher:    usr.IsTeacher(),
		IsStudent:    usr.IsStudent(),
	}
}

func authenticate(email, pwd string, svc *user.Service, ctx echo.Context) (user.User, error) {
	usr, err := svc.GetByEmail(ctx.Request().Context(), email)
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			return user.User{}, errAuthenticationFailed
		}
		return user.User{}, errors.Wrap(err, "finding user by email")
	}
	if err = usr.CheckPassword(pwd); err != nil {
		return user.User{}, errAuthenticationFailed
	}
	if !usr.IsActive {
		return user.User{}, errAccountDeactivated
	}
	return usr, nil
}

// GenerateToken generates a signed JWT token string representing the user Claims.
func GenerateToken(conf *core.Config, claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ss, err := token.SignedString(conf.SecretKey)
	if err != nil {
		return "", errors.New("signing token")
	}
	return ss, nil
}

// parseToken validates a raw JWT token string and returns its Claims.
func parseToken(conf *core.Config, tokenStr string) (*Claims, error) {
	claims := new(Claims)
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return conf.SecretKey, nil
	})
	if err != nil || !token.Valid {
		return nil, errUnauthorized
	}
	return claims, nil
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(jwtContextKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}

func getContextUser(ctx echo.Context, svc *user.Service, clms ...Claims) (user.User, error) {
	if usr, ok := ctx.Get(contextUserKey).(user.User); ok {
		return usr, nil
	}

	var claims Claims
	var err error
	if len(clms) > 0 {
		claims = clms[0]
	} else {
		claims, err = getContextClaims(ctx)
		if err != nil {
			return user.User{}, errors.Wrap(err, "getting context claims")
		}
	}

	usr, err := svc.GetByID(ctx.Request().Context(), claims.Subject)
	if err != nil {
		return user.User{}, errors.Wrap(err, "finding user by ID")
	}
	ctx.Set(contextUserKey, usr)
	return usr, nil
}

// requestClaims authenticates a request outside the JWT middleware, from the
// Authorization header or a `token` query param (websocket clients cannot set
// headers). Returns errUnauthorized when no valid credential is supplied.
func requestClaims(ctx echo.Context, conf *core.Config) (*Claims, error) {
	tokenStr := ctx.QueryParam("token")
	if auth := ctx.Request().Header.Get(echo.HeaderAuthorization); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			tokenStr = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if tokenStr == "" {
		return nil, errUnauthorized
	}
	return parseToken(conf, tokenStr)
}

// Refresh session cookie

func setRefreshCookie(ctx echo.Context, conf *core.Config, usr user.User, origIat int64) error {
	now := time.Now()
	claims := &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    conf.AppName,
			Subject:   usr.ID,
			ExpiresAt: now.Add(conf.Server.JWTRefreshExpirationDelta).Unix(),
			IssuedAt:  now.Unix(),
		},
		OrigIssuedAt: origIat,
		Email:        usr.Email,
	}
	token, err := GenerateToken(conf, claims)
	if err != nil {
		return errors.Wrap(err, "generating refresh token")
	}

	ctx.SetCookie(&http.Cookie{
		Name:     conf.Server.RefreshCookieName,
		Value:    token,
		Path:     conf.Server.RefreshCookiePath,
		Expires:  now.Add(conf.Server.JWTRefreshExpirationDelta),
		HttpOnly: true,
		Secure:   conf.Server.RefreshCookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func clearRefreshCookie(ctx echo.Context, conf *core.Config) {
	ctx.SetCookie(&http.Cookie{
		Name:     conf.Server.RefreshCookieName,
		Value:    "",
		Path:     conf.Server.RefreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   conf.Server.RefreshCookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// refreshToken rotates the session from the refresh cookie: a fresh access
// token is issued and the cookie renewed, as long as the original login is
// within the refresh window.
func refreshToken(ctx echo.Context, conf *core.Config, svc *user.Service) (string, error) {
	cookie, err := ctx.Cookie(conf.Server.RefreshCookieName)
	if err != nil {
		return "", errUnauthorized
	}
	claims, err := parseToken(conf, cookie.Value)
	if err != nil {
		return "", err
	}

	usr, err := svc.GetByID(ctx.Request().Context(), claims.Subject)
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			return "", errUnauthorized
		}
		return "", errors.Wrap(err, "finding user by ID")
	}
	if !usr.IsActive {
		return "", errAccountDeactivated
	}

	// check if refresh has not expired
	expTime := time.Unix(claims.OrigIssuedAt, 0).Add(conf.Server.JWTRefreshExpirationDelta)
	if time.Now().After(expTime) {
		return "", errRefreshExpired
	}

	token, err := GenerateToken(conf, GetUserClaims(conf, usr, claims.OrigIssuedAt))
	if err != nil {
		return "", errors.Wrap(err, "generating token")
	}
	if err = setRefreshCookie(ctx, conf, usr, claims.OrigIssuedAt); err != nil {
		return "", err
	}
	return token, nil
}
