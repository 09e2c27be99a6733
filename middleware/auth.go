package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/lac-hong-legacy/ven_quota/shared"
	log "github.com/sirupsen/logrus"
)

type TokenVerifier interface {
	ExtractTokenFromHeader(authHeader string) (string, error)
	VerifyAdminToken(token string) (string, error)
}

// AdminAuth requires a bearer token carrying the admin role and stores the
// admin id under shared.AdminID.
func AdminAuth(verifier TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := verifier.ExtractTokenFromHeader(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return shared.ResponseError(c, fiber.StatusUnauthorized, shared.ErrCodeUnauthorized, "Unauthorized", err.Error())
		}

		adminID, err := verifier.VerifyAdminToken(token)
		if err != nil {
			log.WithFields(log.Fields{"path": c.Path(), "ip": c.IP()}).WithError(err).Debug("Rejected admin token")
			return shared.ResponseError(c, fiber.StatusUnauthorized, shared.ErrCodeUnauthorized, "Unauthorized", "Invalid JWT token")
		}

		c.Locals(shared.AdminID, adminID)
		return c.Next()
	}
}
