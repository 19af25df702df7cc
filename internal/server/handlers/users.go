// Handles user registration, authentication and profile management.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maruel/fmdhost/internal/server/dto"
	"github.com/maruel/fmdhost/internal/server/ipgeo"
	"github.com/maruel/fmdhost/internal/server/reqctx"
	"github.com/maruel/fmdhost/internal/storage/content"
	"github.com/maruel/fmdhost/internal/storage/identity"
)

// UserHandler handles the /api/v1/users endpoints.
type UserHandler struct {
	svc *Services
	cfg *Config
	now func() time.Time
}

// NewUserHandler creates a new user handler.
func NewUserHandler(svc *Services, cfg *Config) *UserHandler {
	return &UserHandler{svc: svc, cfg: cfg, now: time.Now}
}

// Register creates an account and returns a token for it.
func (h *UserHandler) Register(ctx context.Context, req *dto.RegisterRequest) (*dto.AuthResponse, error) {
	if cc := reqctx.CountryCode(ctx); ipgeo.IsBlocked(cc, h.cfg.BlockedCountries) {
		slog.WarnContext(ctx, "Registration blocked", "country", cc, "ip", reqctx.ClientIP(ctx))
		return nil, dto.Forbidden("Registration is not available in your region")
	}
	user, err := h.svc.User.Create(ctx, identity.NewUser{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Bio:      req.Bio,
	})
	if errors.Is(err, identity.ErrUserLimit) {
		return nil, dto.Forbidden("Registration is closed").WithDetail("max_users", h.cfg.Quotas.MaxUsers)
	}
	if err != nil {
		return nil, apiError(err)
	}
	slog.InfoContext(ctx, "User registered", "user_id", user.ID)
	return h.authResponse(user)
}

// Login checks credentials and returns a token.
func (h *UserHandler) Login(ctx context.Context, req *dto.LoginRequest) (*dto.AuthResponse, error) {
	user, err := h.svc.User.Authenticate(ctx, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) || errors.Is(err, identity.ErrInvalidCredentials) {
			return nil, dto.Unauthorized("Invalid credentials")
		}
		return nil, apiError(err)
	}
	return h.authResponse(user)
}

// GetMe returns the current user.
func (h *UserHandler) GetMe(_ context.Context, user *identity.User, _ *dto.GetMeRequest) (*dto.UserEnvelope, error) {
	return &dto.UserEnvelope{User: userToResponse(user)}, nil
}

// UpdateMe changes the name and bio of the current user.
func (h *UserHandler) UpdateMe(ctx context.Context, user *identity.User, req *dto.UpdateUserRequest) (*dto.UserEnvelope, error) {
	u, err := h.svc.User.UpdateDetails(ctx, user.ID, req.Name, req.Bio)
	if err != nil {
		return nil, apiError(err)
	}
	return &dto.UserEnvelope{User: userToResponse(u)}, nil
}

// UpdatePassword changes the password and returns a fresh token.
func (h *UserHandler) UpdatePassword(ctx context.Context, user *identity.User, req *dto.UpdatePasswordRequest) (*dto.AuthResponse, error) {
	if err := h.svc.User.UpdatePassword(ctx, user.ID, req.CurrentPassword, req.NewPassword); err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			return nil, dto.Unauthorized("Current password is incorrect")
		}
		return nil, apiError(err)
	}
	u, err := h.svc.User.Get(ctx, user.ID)
	if err != nil {
		return nil, apiError(err)
	}
	return h.authResponse(u)
}

// UpdateProfilePic stores the multipart "profilePic" image and records it on
// the current user. The previous custom picture is deleted.
func (h *UserHandler) UpdateProfilePic(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := reqctx.User(ctx)
	files := h.svc.Project.Files()
	r.Body = http.MaxBytesReader(w, r.Body, files.MaxImageBytes()+multipartOverhead)

	part, err := findPart(r, "profilePic")
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}
	defer func() { _ = part.Close() }()
	path, err := files.SaveProfilePic(user.ID, part.FileName(), part.Header.Get("Content-Type"), part)
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}
	u, prev, err := h.svc.User.SetProfilePic(ctx, user.ID, path)
	if err != nil {
		if rmErr := files.Remove(path); rmErr != nil {
			slog.WarnContext(ctx, "Failed to remove orphaned profile picture", "path", path, "err", rmErr)
		}
		writeErrorResponse(w, r, err)
		return
	}
	if prev != "" && prev != identity.DefaultProfilePic && prev != path {
		if err := files.Remove(prev); err != nil {
			slog.WarnContext(ctx, "Failed to remove previous profile picture", "path", prev, "err", err)
		}
	}
	writeJSON(w, r, http.StatusOK, &dto.UserEnvelope{User: userToResponse(u)})
}

// ServeUpload serves a profile picture from the upload store.
func (h *UserHandler) ServeUpload(w http.ResponseWriter, r *http.Request) {
	public := content.URLPrefix + r.PathValue("userID") + "/profiles/" + r.PathValue("name")
	p, err := h.svc.Project.Files().Resolve(public)
	if err != nil {
		writeErrorResponse(w, r, dto.NotFound("File"))
		return
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	http.ServeFile(w, r, p)
}

func (h *UserHandler) authResponse(user *identity.User) (*dto.AuthResponse, error) {
	token, err := h.GenerateToken(user)
	if err != nil {
		return nil, dto.InternalWithError("Failed to generate token", err)
	}
	return &dto.AuthResponse{Token: token, User: userToResponse(user)}, nil
}

// GenerateToken signs an HS256 token identifying user.
func (h *UserHandler) GenerateToken(user *identity.User) (string, error) {
	now := h.now()
	claims := jwt.MapClaims{
		"sub":   user.ID,
		"email": user.Email,
		"iat":   now.Unix(),
		"exp":   now.Add(h.cfg.TokenTTL()).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.cfg.JWTKey())
}
