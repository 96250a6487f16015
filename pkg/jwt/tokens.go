package jwt

import (
	"errors"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const issuer = "snapdeploy"

// ErrScope indicates a token was issued for a different deployment.
var ErrScope = errors.New("jwt: token not valid for deployment")

// Claims defines JWT payload.
type Claims struct {
	UserID       string `json:"user_id"`
	DeploymentID string `json:"deployment_id,omitempty"`
	jwtlib.RegisteredClaims
}

// GenerateToken issues a signed JWT with provided secret and ttl. An empty
// deploymentID yields a token valid for any deployment the user requests.
func GenerateToken(userID, deploymentID, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:       userID,
		DeploymentID: deploymentID,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates and extracts claims from token.
func Parse(token string, secret string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}), jwtlib.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}

// Allows reports whether the claims grant access to the deployment's log stream.
func (c *Claims) Allows(deploymentID string) error {
	if c.DeploymentID == "" || c.DeploymentID == deploymentID {
		return nil
	}
	return ErrScope
}
