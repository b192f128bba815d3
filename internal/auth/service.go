package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Session is the result of a successful login or registration.
type Session struct {
	Token IssuedToken
	User  User
}

// Service implements registration, login, password change and logout on top of
// the user-store collaborator. It owns no persistent state of its own.
type Service struct {
	users    UserStore
	hasher   *Hasher
	tokens   *TokenService
	policy   PasswordPolicy
	validate *validator.Validate
}

// NewService wires the credential flow.
func NewService(users UserStore, hasher *Hasher, tokens *TokenService, policy PasswordPolicy) (*Service, error) {
	if users == nil {
		return nil, errors.New("auth: user store is required")
	}
	if hasher == nil || tokens == nil {
		return nil, errors.New("auth: hasher and token service are required")
	}
	return &Service{
		users:    users,
		hasher:   hasher,
		tokens:   tokens,
		policy:   policy,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// Tokens exposes the token service used by the pipeline.
func (s *Service) Tokens() *TokenService { return s.tokens }

// Policy returns the active password policy.
func (s *Service) Policy() PasswordPolicy { return s.policy }

// Register creates a user with the lowest role and returns a fresh token.
func (s *Service) Register(ctx context.Context, email, password string) (Session, error) {
	email = normalizeEmail(email)
	if err := s.validate.Var(email, "required,email,max=254"); err != nil {
		return Session{}, newError(KindInvalidInput, "valid email is required", nil)
	}
	if err := CheckPolicy(password, s.policy); err != nil {
		return Session{}, err
	}
	digest, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return Session{}, err
	}
	u := &User{Email: email, PasswordHash: digest, Role: RoleUser, Active: true}
	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return Session{}, newError(KindConflict, "user already exists", nil)
		}
		return Session{}, newError(KindInternal, "create user", err)
	}
	return s.issue(u)
}

// Login verifies credentials. Unknown users, inactive users and wrong passwords
// all cost one hash verification and return the same error.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return Session{}, newError(KindInvalidCredentials, "invalid credentials", nil)
	}
	u, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return Session{}, newError(KindInternal, "lookup user", err)
		}
		if err := s.hasher.VerifyDummy(ctx, password); err != nil {
			return Session{}, err
		}
		return Session{}, newError(KindInvalidCredentials, "invalid credentials", nil)
	}
	ok, err := s.hasher.Verify(ctx, password, u.PasswordHash)
	if err != nil {
		return Session{}, err
	}
	if !ok || !u.Active {
		return Session{}, newError(KindInvalidCredentials, "invalid credentials", nil)
	}
	return s.issue(u)
}

// ChangePassword re-verifies the current password, applies the policy and stores a new digest.
// Tokens already issued stay valid until they expire or are revoked.
func (s *Service) ChangePassword(ctx context.Context, id Identity, current, next string) error {
	u, err := s.users.FindByID(ctx, id.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return newError(KindInvalidCredentials, "invalid credentials", nil)
		}
		return newError(KindInternal, "lookup user", err)
	}
	ok, err := s.hasher.Verify(ctx, current, u.PasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		return newError(KindInvalidCredentials, "current password does not match", nil)
	}
	if err := CheckPolicy(next, s.policy); err != nil {
		return err
	}
	digest, err := s.hasher.Hash(ctx, next)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, u.ID, digest); err != nil {
		return newError(KindInternal, "update password", err)
	}
	return nil
}

// Logout revokes the caller's token when a denylist is configured.
func (s *Service) Logout(ctx context.Context, id Identity) error {
	return s.tokens.Revoke(ctx, id)
}

func (s *Service) issue(u *User) (Session, error) {
	if !u.Role.Valid() {
		return Session{}, newError(KindInternal, "stored role "+strings.TrimSpace(string(u.Role))+" is not recognised", nil)
	}
	tok, err := s.tokens.Issue(Seed{UserID: u.ID, Email: u.Email, Role: u.Role})
	if err != nil {
		return Session{}, err
	}
	out := *u
	out.PasswordHash = ""
	return Session{Token: tok, User: out}, nil
}
