package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/Pavan0228/SnapDeploy/pkg/jwt"
)

type authContextKey string

type authInfo struct {
	UserID       string
	DeploymentID string
	claims       *jwt.Claims
}

const contextKeyAuth authContextKey = "snapdeploy-auth-info"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth ensures the request carries a valid bearer credential before invoking the handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureAuth validates the credential and enriches the context. Browsers
// cannot set headers on EventSource or websocket requests, so the token may
// also arrive as the token query parameter.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (context.Context, authInfo, bool) {
	token := strings.TrimSpace(req.URL.Query().Get("token"))
	if token == "" {
		var err error
		token, err = bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return req.Context(), authInfo{}, false
		}
	}
	if r.jwtSecret == "" {
		r.logger.Error("jwt secret not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authentication misconfigured")
		return req.Context(), authInfo{}, false
	}
	claims, err := jwt.Parse(token, r.jwtSecret)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return req.Context(), authInfo{}, false
	}
	info := authInfo{UserID: claims.UserID, DeploymentID: claims.DeploymentID, claims: claims}
	ctx := context.WithValue(req.Context(), contextKeyAuth, info)
	return ctx, info, true
}

// authorizeDeployment rejects credentials scoped to a different deployment.
func (r *Router) authorizeDeployment(w http.ResponseWriter, req *http.Request, deploymentID string) bool {
	info, ok := authInfoFromContext(req.Context())
	if !ok || info.claims == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return false
	}
	if err := info.claims.Allows(deploymentID); err != nil {
		r.logger.Warn("token scope mismatch", "deployment_id", deploymentID, "token_deployment_id", info.DeploymentID)
		writeError(w, http.StatusForbidden, "token not valid for deployment")
		return false
	}
	return true
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
