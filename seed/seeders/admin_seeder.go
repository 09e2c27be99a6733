package seeders

import (
	"errors"
	"time"

	"github.com/lac-hong-legacy/ven_quota/services"
)

// AdminSeeder issues bearer tokens for the admin API. There is no admin
// table; any holder of a token signed with JWT_ADMIN_SECRET is an admin.
type AdminSeeder struct {
	jwt *services.JWTService
}

func NewAdminSeeder(secret string, ttl time.Duration) (*AdminSeeder, error) {
	if secret == "" {
		return nil, errors.New("JWT_ADMIN_SECRET is required to issue admin tokens")
	}
	return &AdminSeeder{jwt: services.NewJWTService(secret, ttl)}, nil
}

func (s *AdminSeeder) IssueToken(adminID string) (string, error) {
	return s.jwt.GenerateAdminToken(adminID)
}
