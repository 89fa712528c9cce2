package echoapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"reflect"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/darasa/core"
	"github.com/trezcool/darasa/core/classroom"
	"github.com/trezcool/darasa/core/user"
	"github.com/trezcool/darasa/core/video"
	emailsvc "github.com/trezcool/darasa/services/email"
	logsvc "github.com/trezcool/darasa/services/logger"
	inmemdb "github.com/trezcool/darasa/storage/database/inmem"
)

var errMissingToken = httpErr{Error: "missing or malformed jwt"}

type testApp struct {
	app     Server
	conf    *core.Config
	usrRepo user.Repository
	clsRepo classroom.Repository
	usrSvc  *user.Service
	clsSvc  *classroom.Service
	mailSvc *emailsvc.MockService
	hub     *Hub
}

func setup(t *testing.T) *testApp {
	t.Helper()

	conf := &core.Config{
		Env:                   "TEST",
		TestMode:              true,
		AppName:               "Darasa",
		SecretKey:             []byte("test-secret-key"),
		FrontendBaseURL:       "http://localhost:3000",
		InviteExpirationDelta: 72 * time.Hour,
		Server: core.ServerConfig{
			JWTExpirationDelta:        10 * time.Minute,
			JWTRefreshExpirationDelta: 7 * 24 * time.Hour,
			RefreshCookieName:         "darasa_refresh",
			RefreshCookiePath:         "/v1/token-refresh",
		},
		Video: core.VideoConfig{APIKey: "video-key", APISecret: "video-secret", TokenTTL: 2 * time.Hour},
	}

	db, err := inmemdb.Open()
	require.NoError(t, err)
	usrRepo := inmemdb.NewUserRepository(db)
	clsRepo := inmemdb.NewClassroomRepository(db)

	mailSvc := emailsvc.NewMockService()
	logger := logsvc.NewStdLogger(log.New(io.Discard, "", 0))
	validate, translator := core.NewValidator()
	hub := NewHub()

	usrSvc := user.NewService(usrRepo)
	clsSvc := classroom.NewService(conf, clsRepo, usrRepo, mailSvc, logger, validate, hub)

	app := NewServer(&Options{
		Conf:           conf,
		Logger:         logger,
		DisableReqLogs: true,
		UserSvc:        usrSvc,
		ClassroomSvc:   clsSvc,
		VideoSvc:       video.NewService(conf),
		Hub:            hub,
		Validate:       validate,
		Translator:     translator,
	})
	return &testApp{
		app:     app,
		conf:    conf,
		usrRepo: usrRepo,
		clsRepo: clsRepo,
		usrSvc:  usrSvc,
		clsSvc:  clsSvc,
		mailSvc: mailSvc,
		hub:     hub,
	}
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	return newAuthRequest(method, path, "", data...)
}

func (ta *testApp) createUser(t *testing.T, email string, role user.Role, active bool) user.User {
	t.Helper()
	usr, err := user.New(email, "s3cr3t", "Test", "User", role)
	require.NoError(t, err)
	usr.IsActive = active
	usr, err = ta.usrRepo.CreateUser(context.Background(), usr)
	require.NoError(t, err)
	return usr
}

func (ta *testApp) createClassroom(t *testing.T, owner user.User, name string) classroom.Classroom {
	t.Helper()
	cls, err := ta.clsSvc.Create(context.Background(), owner, classroom.NewClassroom{Name: name})
	require.NoError(t, err)
	return cls
}

var inviteLinkRx = regexp.MustCompile(`/invite/([A-Za-z0-9_-]+)`)

// inviteToken invites email into cls and returns the raw token lifted from
// the invite email body.
func (ta *testApp) inviteToken(t *testing.T, teacher user.User, cls classroom.Classroom, email string) string {
	t.Helper()
	res, err := ta.clsSvc.InviteStudents(context.Background(), teacher, cls, []string{email}, 0)
	require.NoError(t, err)
	require.Len(t, res.Invited, 1)

	require.NotEmpty(t, ta.mailSvc.SentMessages)
	body := ta.mailSvc.SentMessages[len(ta.mailSvc.SentMessages)-1].BodyStr
	m := inviteLinkRx.FindStringSubmatch(body)
	require.Len(t, m, 2, "invite email has no invite link")
	return m[1]
}

func getToken(t *testing.T, conf *core.Config, usr user.User) string {
	t.Helper()
	token, err := GenerateToken(conf, GetUserClaims(conf, usr))
	if err != nil {
		t.Fatalf("getToken() failed: %v", err)
	}
	return token
}

func marchallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marchallObj() failed: %v", err)
	}
	return data
}

func jsonBytesEqual(t *testing.T, b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	if reflect.DeepEqual(j1, j2) {
		return true, nil
	}
	if j1 == nil || j2 == nil {
		return false, nil
	}
	return assert.ElementsMatch(t, j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
	}
	if tt.wantData == nil {
		return
	}
	ok, err := jsonBytesEqual(t, rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}
