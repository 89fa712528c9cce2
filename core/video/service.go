// Package video issues signed room-grant tokens for the third-party
// video-conferencing provider. The grant is a self-signed HS256 JWT the
// provider's room API accepts; no call leaves this process.
package video

import (
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/pkg/errors"

	"github.com/trezcool/darasa/core"
)

type (
	// Grant is a signed room access token for one user.
	Grant struct {
		Token     string    `json:"token"`
		Room      string    `json:"room"`
		ExpiresAt time.Time `json:"expires_at"`
	}

	grantClaims struct {
		jwt.StandardClaims
		Room     string `json:"room"`
		UserName string `json:"user_name,omitempty"`
	}

	Service struct {
		apiKey    string
		apiSecret []byte
		tokenTTL  time.Duration
	}
)

func NewService(conf *core.Config) *Service {
	return &Service{
		apiKey:    conf.Video.APIKey,
		apiSecret: []byte(conf.Video.APISecret),
		tokenTTL:  conf.Video.TokenTTL,
	}
}

// RoomToken signs a grant admitting the subject into the classroom's room.
// The room name is the classroom's public class_id.
func (svc *Service) RoomToken(classID, subjectID, subjectName string) (Grant, error) {
	now := time.Now()
	exp := now.Add(svc.tokenTTL)

	claims := &grantClaims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    svc.apiKey,
			Subject:   subjectID,
			IssuedAt:  now.Unix(),
			ExpiresAt: exp.Unix(),
		},
		Room:     classID,
		UserName: subjectName,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ss, err := token.SignedString(svc.apiSecret)
	if err != nil {
		return Grant{}, errors.Wrap(err, "signing video grant")
	}
	return Grant{Token: ss, Room: classID, ExpiresAt: exp.UTC()}, nil
}
