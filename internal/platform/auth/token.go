package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenRequest describes a token minted by the `token` command for manual
// API probes.
type TokenRequest struct {
	Subject     uuid.UUID
	Role        Role
	NumeroAdeli string
	TTL         time.Duration
}

// IssueToken signs an HS256 token in the same shape the front end issues.
func IssueToken(cfg JWTConfig, req TokenRequest, now time.Time) (string, error) {
	if req.Role == RoleUnknown || req.Role == RoleSystem {
		return "", fmt.Errorf("cannot issue a token for role %s", req.Role)
	}
	if req.TTL <= 0 {
		req.TTL = time.Hour
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   req.Subject.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(req.TTL)),
		},
		UserID:      req.Subject.String(),
		Role:        req.Role.String(),
		NumeroAdeli: req.NumeroAdeli,
	}
	switch req.Role {
	case RolePatient:
		claims.PatientID = req.Subject.String()
	case RoleProfessional:
		claims.ProfessionnelID = req.Subject.String()
	}
	if cfg.Issuer != "" {
		claims.Issuer = cfg.Issuer
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.SigningKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
