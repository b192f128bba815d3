package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"pnar.online/internal/audit"
	"pnar.online/internal/auth"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type passwordChangeRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type userView struct {
	ID    string    `json:"id"`
	Email string    `json:"email"`
	Role  auth.Role `json:"role"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	ExpiresIn int64     `json:"expires_in"`
	User      userView  `json:"user"`
}

func sessionResponse(s auth.Session) tokenResponse {
	return tokenResponse{
		Token:     s.Token.Token,
		TokenType: "Bearer",
		ExpiresAt: s.Token.ExpiresAt,
		ExpiresIn: int64(s.Token.ExpiresAt.Sub(s.Token.IssuedAt) / time.Second),
		User:      userView{ID: s.User.ID, Email: s.User.Email, Role: s.User.Role},
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeStatus(w, r, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	sess, err := a.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		_ = audit.LogEvent(r.Context(), "auth.login.failed",
			zap.String("email", req.Email),
			zap.String("reason", auth.KindOf(err).Code()))
		a.writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.login.succeeded",
		zap.String("user_id", sess.User.ID),
		zap.String("role", string(sess.User.Role)),
		zap.String("token_id", sess.Token.TokenID))
	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeStatus(w, r, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	sess, err := a.svc.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.register",
		zap.String("user_id", sess.User.ID),
		zap.String("email", sess.User.Email))
	writeJSON(w, http.StatusCreated, sessionResponse(sess))
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		a.writeError(w, r, auth.ErrMissingToken)
		return
	}
	var req passwordChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeStatus(w, r, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if err := a.svc.ChangePassword(r.Context(), id, req.CurrentPassword, req.NewPassword); err != nil {
		a.writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.password.changed")
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		a.writeError(w, r, auth.ErrMissingToken)
		return
	}
	if err := a.svc.Logout(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	if rec, ok := audit.FromContext(r.Context()); ok {
		rec.Annotate("revoked_token", id.TokenID)
	}
	_ = audit.LogEvent(r.Context(), "auth.logout", zap.String("token_id", id.TokenID))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		a.writeError(w, r, auth.ErrMissingToken)
		return
	}
	writeJSON(w, http.StatusOK, id)
}
