package main

import (
	"context"

	"github.com/trezcool/darasa/core"
	"github.com/trezcool/darasa/core/user"
)

func (cli *commandLine) addTeacher(email, pwd string) error {
	ctx := context.Background()
	email = core.CleanString(email, true /* lower */)

	if err := cli.usrRepo.CheckEmailUniqueness(ctx, email); err != nil {
		return err
	}
	usr, err := user.New(email, pwd, "", "", user.RoleTeacher)
	if err != nil {
		return err
	}
	_, err = cli.usrRepo.CreateUser(ctx, usr)
	return err
}
