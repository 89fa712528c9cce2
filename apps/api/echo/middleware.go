package echoapi

import (
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/darasa/core/classroom"
	"github.com/trezcool/darasa/core/user"
)

const contextClassroomKey = "classroom"

func teacherMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context claims")
			}
			if claims.IsTeacher {
				return next(ctx)
			}
			return errHttpForbidden
		}
	}
}

// classroomMiddleware loads the classroom from the :class_id param and
// enforces membership. Non-members get 404 rather than 403 so class IDs
// cannot be probed. ownerOnly restricts the route to the owning teacher.
func classroomMiddleware(clsSvc *classroom.Service, usrSvc *user.Service, ownerOnly bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			usr, err := getContextUser(ctx, usrSvc)
			if err != nil {
				return errors.Wrap(err, "getting context user")
			}

			cls, err := clsSvc.GetByClassID(ctx.Request().Context(), ctx.Param("class_id"))
			if err != nil {
				if errors.Cause(err) == classroom.ErrNotFound {
					return errHttpNotFound
				}
				return errors.Wrap(err, "finding classroom")
			}

			if ownerOnly {
				if cls.OwnerID != usr.ID {
					return errHttpForbidden
				}
			} else {
				member, err := clsSvc.IsMember(ctx.Request().Context(), cls, usr)
				if err != nil {
					return errors.Wrap(err, "checking membership")
				}
				if !member {
					return errHttpNotFound
				}
			}

			ctx.Set(contextClassroomKey, cls)
			return next(ctx)
		}
	}
}

func getContextClassroom(ctx echo.Context) (classroom.Classroom, error) {
	if cls, ok := ctx.Get(contextClassroomKey).(classroom.Classroom); ok {
		return cls, nil
	}
	return classroom.Classroom{}, errors.New("classroom object not found in echo.Context")
}
