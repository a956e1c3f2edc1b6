package app

import (
	"context"
	"net/http"

	"formpilot/api/internal/auth"
	"formpilot/api/internal/workspace"
)

type identityKey struct{}

// requireIdentity rejects requests without a valid bearer token and puts
// the caller's identity in the request context.
func (s *HTTPServer) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		who, err := s.identityFromToken(bearerToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, who)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *HTTPServer) identityFromToken(token string) (workspace.Identity, error) {
	if token == "" || s.signer == nil {
		return workspace.Identity{}, auth.ErrInvalidToken
	}
	claims, err := s.signer.Parse(token)
	if err != nil {
		return workspace.Identity{}, err
	}
	return workspace.Identity{
		UserID: claims.UserID(),
		Email:  claims.Email,
		Name:   claims.Name,
		Avatar: claims.Avatar,
	}, nil
}

func identityFrom(r *http.Request) workspace.Identity {
	who, _ := r.Context().Value(identityKey{}).(workspace.Identity)
	return who
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	who := identityFrom(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userId":        who.UserID,
		"email":         who.Email,
		"name":          who.Name,
	})
}
