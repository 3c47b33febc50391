package testutil

import (
	"time"

	"github.com/AfshinJalili/artvault/libs/auth"
	"github.com/google/uuid"
)

const JWTSecret = "test-secret"

var (
	ArtistUserID   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	ReviewerUserID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

func GenerateJWT(userID uuid.UUID, roles []string, ttl time.Duration, now time.Time) (string, error) {
	return auth.SignJWT(userID.String(), roles, []byte(JWTSecret), ttl, now)
}

func ArtistToken(userID uuid.UUID) string {
	token, _ := GenerateJWT(userID, []string{"user"}, 15*time.Minute, time.Now())
	return token
}

func AdminToken(userID uuid.UUID) string {
	token, _ := GenerateJWT(userID, []string{"user", "admin"}, 15*time.Minute, time.Now())
	return token
}
