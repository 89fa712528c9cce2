package main

import (
	"bytes"
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/darasa/core/user"
	inmemdb "github.com/trezcool/darasa/storage/database/inmem"
)

func setup(t *testing.T) *commandLine {
	t.Helper()
	db, err := inmemdb.Open()
	require.NoError(t, err)
	return &commandLine{usrRepo: inmemdb.NewUserRepository(db)}
}

func mockPassword(t *testing.T, pwd string) {
	t.Helper()
	orig := readPasswordFunc
	readPasswordFunc = func(fd int) ([]byte, error) { return []byte(pwd), nil }
	t.Cleanup(func() { readPasswordFunc = orig })
}

func Test_commandLine_run_help(t *testing.T) {
	cli := setup(t)

	tests := []struct {
		name string
		args []string
	}{
		{name: "no args", args: []string{"darasa-admin"}},
		{name: "unknown command", args: []string{"darasa-admin", "frobnicate"}},
		{name: "addteacher without email", args: []string{"darasa-admin", "addteacher"}},
		{name: "resetpassword without email", args: []string{"darasa-admin", "resetpassword"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, errHelp, cli.run(tt.args))
		})
	}
}

func Test_commandLine_migrate(t *testing.T) {
	cli := setup(t)

	var called bool
	orig := migrateFunc
	migrateFunc = func(db *sql.DB) error { called = true; return nil }
	t.Cleanup(func() { migrateFunc = orig })

	require.NoError(t, cli.run([]string{"darasa-admin", "migrate"}))
	assert.True(t, called)
}

func Test_commandLine_addTeacher(t *testing.T) {
	cli := setup(t)
	mockPassword(t, "s3cr3t")
	ctx := context.Background()

	require.NoError(t, cli.run([]string{"darasa-admin", "addteacher", "-email", "Mika@Test.CD"}))

	usr, err := cli.usrRepo.GetUserByEmail(ctx, "mika@test.cd")
	require.NoError(t, err)
	assert.Equal(t, user.RoleTeacher, usr.Role)
	assert.True(t, usr.IsActive)
	assert.NoError(t, usr.CheckPassword("s3cr3t"))

	// duplicate email
	assert.Error(t, cli.run([]string{"darasa-admin", "addteacher", "-email", "mika@test.cd"}))
}

func Test_commandLine_resetPassword(t *testing.T) {
	cli := setup(t)
	ctx := context.Background()

	usr, err := user.New("mika@test.cd", "old", "", "", user.RoleTeacher)
	require.NoError(t, err)
	usr, err = cli.usrRepo.CreateUser(ctx, usr)
	require.NoError(t, err)

	mockPassword(t, "new")
	require.NoError(t, cli.run([]string{"darasa-admin", "resetpassword", "-email", "mika@test.cd"}))

	got, err := cli.usrRepo.GetUserByEmail(ctx, "mika@test.cd")
	require.NoError(t, err)
	assert.False(t, bytes.Equal(usr.PasswordHash, got.PasswordHash))
	assert.NoError(t, got.CheckPassword("new"))
	assert.Error(t, got.CheckPassword("old"))

	// unknown user
	assert.Error(t, cli.run([]string{"darasa-admin", "resetpassword", "-email", "ghost@test.cd"}))
}
