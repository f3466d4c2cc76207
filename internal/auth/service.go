package auth

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"tradebridge/internal/apperr"
	"tradebridge/internal/observability"
	"tradebridge/internal/session"
	"tradebridge/internal/user"
)

var (
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,50}$`)
	emailPattern    = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

// maxPasswordBytes is the bcrypt input limit.
const maxPasswordBytes = 72

// dummyPassword is hashed once and verified against when an identifier is
// unknown, so a miss costs about as much as a wrong password.
const dummyPassword = "tradebridge-unknown-account"

const (
	msgInvalidCredentials = "Invalid credentials"
	msgInvalidSession     = "Invalid or expired session"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDeactivated = errors.New("account deactivated")
	ErrInvalidSession     = errors.New("invalid session")
)

type Directory interface {
	Create(ctx context.Context, username, email, passwordHash string) (user.User, error)
	FindByID(ctx context.Context, id int64) (user.User, error)
	FindByEmail(ctx context.Context, email string) (user.User, error)
	FindByUsername(ctx context.Context, username string) (user.User, error)
	SetActive(ctx context.Context, id int64, active bool) error
	Purge(ctx context.Context, id int64) error
}

type Sessions interface {
	Create(ctx context.Context, userID int64, ttl time.Duration) (session.Session, error)
	Lookup(ctx context.Context, token string) (*session.Session, error)
	Revoke(ctx context.Context, token string) error
	RevokeAll(ctx context.Context, userID int64, exceptToken string) (int64, error)
	Extend(ctx context.Context, token string, ttl time.Duration) (time.Time, error)
	ListForUser(ctx context.Context, userID int64) ([]session.Session, error)
}

type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, hash string) bool
}

// Principal is the authenticated caller. Handlers receive it explicitly and
// pass it on to services.
type Principal struct {
	User    user.User
	Session session.Session
	// ViaAPIKey is set when the caller authenticated with a platform API key
	// instead of a session token.
	ViaAPIKey bool
}

type LoginResult struct {
	User    user.Public
	Session session.Session
}

type Service struct {
	users      Directory
	sessions   Sessions
	hasher     PasswordHasher
	logger     *observability.Logger
	sessionTTL time.Duration

	dummyOnce sync.Once
	dummyHash string
}

func NewService(users Directory, sessions Sessions, hasher PasswordHasher, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Service{
		users:      users,
		sessions:   sessions,
		hasher:     hasher,
		logger:     logger,
		sessionTTL: session.DefaultTTL,
	}
}

func (s *Service) WithSessionTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.sessionTTL = ttl
	}
	return s
}

func (s *Service) SessionTTL() time.Duration {
	return s.sessionTTL
}

// Register validates every field before any storage access.
func (s *Service) Register(ctx context.Context, username, email, password string) (user.Public, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))

	if username == "" || email == "" || password == "" {
		return user.Public{}, apperr.Validation("All fields are required")
	}
	if !usernamePattern.MatchString(username) {
		return user.Public{}, apperr.Validation("Username must be 3-50 characters and contain only letters, numbers, and underscores")
	}
	if !emailPattern.MatchString(email) {
		return user.Public{}, apperr.Validation("Please enter a valid email address")
	}
	if msg := passwordProblem(password); msg != "" {
		return user.Public{}, apperr.Validation(msg)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		s.logger.Error("password_hash_failed", map[string]any{"error": err})
		return user.Public{}, apperr.New(apperr.KindUnknown, "Failed to process password", err)
	}

	created, err := s.users.Create(ctx, username, email, hash)
	if err != nil {
		switch {
		case errors.Is(err, user.ErrDuplicateUsername):
			return user.Public{}, apperr.New(apperr.KindDuplicate, "Username already exists", err)
		case errors.Is(err, user.ErrDuplicateEmail):
			return user.Public{}, apperr.New(apperr.KindDuplicate, "Email already exists", err)
		}
		s.logger.Error("user_register_failed", map[string]any{"error": err, "username": username})
		return user.Public{}, apperr.Storage(err)
	}

	s.logger.Info("user_registered", map[string]any{"user_id": created.ID})
	return created.Public(), nil
}

// Authenticate resolves identifier as an email when it contains "@", else as
// a username. Unknown user, deactivated account and wrong password all fail
// with the same message.
func (s *Service) Authenticate(ctx context.Context, identifier, password string) (LoginResult, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return LoginResult{}, apperr.Validation("Email/username and password are required")
	}

	var (
		found user.User
		err   error
	)
	if strings.Contains(identifier, "@") {
		found, err = s.users.FindByEmail(ctx, strings.ToLower(identifier))
	} else {
		found, err = s.users.FindByUsername(ctx, identifier)
	}
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			s.hasher.Verify(password, s.unknownAccountHash())
			return LoginResult{}, apperr.Authentication(msgInvalidCredentials, ErrInvalidCredentials)
		}
		s.logger.Error("user_lookup_failed", map[string]any{"error": err})
		return LoginResult{}, apperr.Storage(err)
	}

	if !s.hasher.Verify(password, found.PasswordHash) {
		return LoginResult{}, apperr.Authentication(msgInvalidCredentials, ErrInvalidCredentials)
	}
	if !found.IsActive {
		s.logger.Warn("login_deactivated_account", map[string]any{"user_id": found.ID})
		return LoginResult{}, apperr.Authentication(msgInvalidCredentials, ErrAccountDeactivated)
	}

	created, err := s.sessions.Create(ctx, found.ID, s.sessionTTL)
	if err != nil {
		return LoginResult{}, err
	}

	s.logger.Info("user_logged_in", map[string]any{"user_id": found.ID})
	return LoginResult{User: found.Public(), Session: created}, nil
}

// ValidateSession fails closed: a missing session, a missing user, or an
// inactive user all produce the same authentication error.
func (s *Service) ValidateSession(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, apperr.Authentication(msgInvalidSession, ErrInvalidSession)
	}

	current, err := s.sessions.Lookup(ctx, token)
	if err != nil {
		return Principal{}, err
	}
	if current == nil {
		return Principal{}, apperr.Authentication(msgInvalidSession, ErrInvalidSession)
	}

	owner, err := s.ActiveUser(ctx, current.UserID)
	if err != nil {
		return Principal{}, err
	}
	return Principal{User: owner, Session: *current}, nil
}

// ActiveUser loads userID and requires the account to be active.
func (s *Service) ActiveUser(ctx context.Context, userID int64) (user.User, error) {
	owner, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return user.User{}, apperr.Authentication(msgInvalidSession, ErrInvalidSession)
		}
		s.logger.Error("user_lookup_failed", map[string]any{"error": err, "user_id": userID})
		return user.User{}, apperr.Storage(err)
	}
	if !owner.IsActive {
		return user.User{}, apperr.Authentication(msgInvalidSession, ErrAccountDeactivated)
	}
	return owner, nil
}

func (s *Service) Logout(ctx context.Context, token string) error {
	return s.sessions.Revoke(ctx, token)
}

func (s *Service) ExtendSession(ctx context.Context, caller Principal, ttl time.Duration) (time.Time, error) {
	if caller.ViaAPIKey {
		return time.Time{}, apperr.Validation("API key callers have no session to extend")
	}
	return s.sessions.Extend(ctx, caller.Session.Token, ttl)
}

func (s *Service) ListSessions(ctx context.Context, caller Principal) ([]session.Session, error) {
	return s.sessions.ListForUser(ctx, caller.User.ID)
}

// RevokeOtherSessions keeps only the caller's current session.
func (s *Service) RevokeOtherSessions(ctx context.Context, caller Principal) (int64, error) {
	return s.sessions.RevokeAll(ctx, caller.User.ID, caller.Session.Token)
}

// Deactivate is reversible: the account is disabled and its sessions revoked.
func (s *Service) Deactivate(ctx context.Context, userID int64) error {
	if err := s.setActive(ctx, userID, false); err != nil {
		return err
	}
	if _, err := s.sessions.RevokeAll(ctx, userID, ""); err != nil {
		return err
	}
	s.logger.Info("user_deactivated", map[string]any{"user_id": userID})
	return nil
}

func (s *Service) Activate(ctx context.Context, userID int64) error {
	if err := s.setActive(ctx, userID, true); err != nil {
		return err
	}
	s.logger.Info("user_activated", map[string]any{"user_id": userID})
	return nil
}

// Purge is irreversible and cascades to sessions, connections and API keys.
func (s *Service) Purge(ctx context.Context, userID int64) error {
	if err := s.users.Purge(ctx, userID); err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return apperr.New(apperr.KindNotFound, "User not found", err)
		}
		s.logger.Error("user_purge_failed", map[string]any{"error": err, "user_id": userID})
		return apperr.Storage(err)
	}
	s.logger.Info("user_purged", map[string]any{"user_id": userID})
	return nil
}

func (s *Service) setActive(ctx context.Context, userID int64, active bool) error {
	if err := s.users.SetActive(ctx, userID, active); err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return apperr.New(apperr.KindNotFound, "User not found", err)
		}
		s.logger.Error("user_set_active_failed", map[string]any{"error": err, "user_id": userID})
		return apperr.Storage(err)
	}
	return nil
}

func (s *Service) unknownAccountHash() string {
	s.dummyOnce.Do(func() {
		hash, err := s.hasher.Hash(dummyPassword)
		if err != nil {
			s.logger.Warn("dummy_hash_failed", map[string]any{"error": err})
			return
		}
		s.dummyHash = hash
	})
	return s.dummyHash
}

func passwordProblem(password string) string {
	if len(password) < 8 {
		return "Password must be at least 8 characters long"
	}
	if len(password) > maxPasswordBytes {
		return "Password must be at most 72 bytes long"
	}
	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	switch {
	case !upper:
		return "Password must contain at least one uppercase letter"
	case !lower:
		return "Password must contain at least one lowercase letter"
	case !digit:
		return "Password must contain at least one number"
	}
	return ""
}
