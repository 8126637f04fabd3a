package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/repositories"
)

// UserHandler serves the current-user profile. Account management beyond
// signup is out of the API surface; accounts are deactivated via the DB.
type UserHandler struct {
	repo   repositories.UserRepository
	logger *zap.Logger
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(repo repositories.UserRepository, logger *zap.Logger) *UserHandler {
	return &UserHandler{
		repo:   repo,
		logger: logger.Named("user_handler"),
	}
}

// GetMe handles GET /api/v1/users/me.
// Returns the profile of the authenticated user.
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	user, err := h.repo.GetByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// The token outlived the account.
			ErrUnauthorized(w)
			return
		}
		h.logger.Error("failed to load user", zap.String("user_id", userID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, userToResponse(user))
}
