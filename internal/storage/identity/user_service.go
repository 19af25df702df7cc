// Package identity provides user accounts and authentication on top of the
// document store.
//
// Users live in the "users" collection. Passwords are stored as bcrypt hashes
// and email uniqueness is enforced here, not by the store.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/maruel/fmdhost/internal/docstore"
	"golang.org/x/crypto/bcrypt"
)

// Collection is the name of the users collection.
const Collection = "users"

// DefaultProfilePic is the profile picture assigned at registration.
const DefaultProfilePic = "/uploads/default-profile.png"

var (
	// ErrEmailPwdRequired is returned when registering without email or password.
	ErrEmailPwdRequired = errors.New("email and password are required")
	// ErrUserExists is returned when the email is already registered.
	ErrUserExists = errors.New("user already exists")
	// ErrInvalidCredentials is returned when an email/password pair does not match.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound is returned when no user matches.
	ErrUserNotFound = errors.New("user not found")
	// ErrPasswordRequired is returned when changing to an empty password.
	ErrPasswordRequired = errors.New("new password is required")
	// ErrUserLimit is returned when registering past the configured maximum
	// number of users.
	ErrUserLimit = errors.New("user limit reached")
)

// User is a registered account as returned to callers. The password hash is
// never part of it.
type User struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	ProfilePic string `json:"profilePic"`
	Bio        string `json:"bio"`
	CreatedAt  string `json:"createdAt,omitempty"`
	UpdatedAt  string `json:"updatedAt,omitempty"`
}

// HasCustomProfilePic reports whether the user replaced the default picture.
func (u *User) HasCustomProfilePic() bool {
	return u.ProfilePic != "" && u.ProfilePic != DefaultProfilePic
}

type userStorage struct {
	User
	PasswordHash string `json:"password"`
}

// NewUser holds the fields accepted at registration.
type NewUser struct {
	Name       string
	Email      string
	Password   string
	ProfilePic string
	Bio        string
}

// Option configures a UserService.
type Option func(*UserService)

// WithMaxUsers caps the number of registered users. 0 means no limit.
func WithMaxUsers(n int) Option {
	return func(s *UserService) {
		s.maxUsers = n
	}
}

// UserService handles user management and authentication.
type UserService struct {
	store    *docstore.Store
	maxUsers int
	// mu serializes the duplicate email and user limit checks with the
	// insert.
	mu sync.Mutex
}

// NewUserService creates a new user service.
func NewUserService(store *docstore.Store, opts ...Option) *UserService {
	s := &UserService{store: store}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NormalizeEmail returns the canonical form used for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Create registers a new user.
func (s *UserService) Create(ctx context.Context, in NewUser) (*User, error) {
	email := NormalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return nil, ErrEmailPwdRequired
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	stored := userStorage{
		User: User{
			Name:       strings.TrimSpace(in.Name),
			Email:      email,
			ProfilePic: in.ProfilePic,
			Bio:        in.Bio,
		},
		PasswordHash: string(hash),
	}
	if stored.ProfilePic == "" {
		stored.ProfilePic = DefaultProfilePic
	}
	doc, err := docstore.Encode(&stored)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.findStorage(ctx, docstore.Filter{"email": email}); err == nil {
		return nil, ErrUserExists
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}
	if s.maxUsers > 0 {
		n, err := s.Count(ctx)
		if err != nil {
			return nil, err
		}
		if n >= s.maxUsers {
			return nil, ErrUserLimit
		}
	}
	created, err := s.store.Create(ctx, Collection, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return decodeUser(created)
}

// Get retrieves a user by ID.
func (s *UserService) Get(ctx context.Context, id string) (*User, error) {
	d, err := s.store.FindByID(ctx, Collection, id)
	if err != nil {
		return nil, translate(err)
	}
	return decodeUser(d)
}

// GetByEmail retrieves a user by email.
func (s *UserService) GetByEmail(ctx context.Context, email string) (*User, error) {
	stored, err := s.findStorage(ctx, docstore.Filter{"email": NormalizeEmail(email)})
	if err != nil {
		return nil, err
	}
	return &stored.User, nil
}

// Authenticate verifies user credentials.
//
// An unknown email and a wrong password both return ErrInvalidCredentials.
func (s *UserService) Authenticate(ctx context.Context, email, password string) (*User, error) {
	stored, err := s.findStorage(ctx, docstore.Filter{"email": NormalizeEmail(email)})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &stored.User, nil
}

// UpdateDetails changes the name and bio. Nil fields are left untouched; an
// empty name is ignored.
func (s *UserService) UpdateDetails(ctx context.Context, id string, name, bio *string) (*User, error) {
	patch := docstore.Document{}
	if name != nil && strings.TrimSpace(*name) != "" {
		patch["name"] = strings.TrimSpace(*name)
	}
	if bio != nil {
		patch["bio"] = *bio
	}
	return s.update(ctx, id, patch)
}

// UpdatePassword replaces the password after verifying the current one.
func (s *UserService) UpdatePassword(ctx context.Context, id, current, next string) error {
	if next == "" {
		return ErrPasswordRequired
	}
	d, err := s.store.FindByID(ctx, Collection, id)
	if err != nil {
		return translate(err)
	}
	var stored userStorage
	if err := d.Decode(&stored); err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte(current)); err != nil {
		return ErrInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	_, err = s.update(ctx, id, docstore.Document{"password": string(hash)})
	return err
}

// SetProfilePic records a new profile picture path. It returns the updated
// user and the previous path.
func (s *UserService) SetProfilePic(ctx context.Context, id, path string) (*User, string, error) {
	prev, err := s.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	u, err := s.update(ctx, id, docstore.Document{"profilePic": path})
	if err != nil {
		return nil, "", err
	}
	return u, prev.ProfilePic, nil
}

// Count returns the number of registered users.
func (s *UserService) Count(ctx context.Context) (int, error) {
	docs, err := s.store.Find(ctx, Collection, nil)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (s *UserService) update(ctx context.Context, id string, patch docstore.Document) (*User, error) {
	d, err := s.store.Update(ctx, Collection, id, patch)
	if err != nil {
		return nil, translate(err)
	}
	return decodeUser(d)
}

func (s *UserService) findStorage(ctx context.Context, f docstore.Filter) (*userStorage, error) {
	d, err := s.store.FindOne(ctx, Collection, f)
	if err != nil {
		return nil, translate(err)
	}
	var stored userStorage
	if err := d.Decode(&stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

func decodeUser(d docstore.Document) (*User, error) {
	var stored userStorage
	if err := d.Decode(&stored); err != nil {
		return nil, err
	}
	return &stored.User, nil
}

func translate(err error) error {
	if errors.Is(err, docstore.ErrNotFound) {
		return ErrUserNotFound
	}
	return err
}
