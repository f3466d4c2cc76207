package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradebridge/internal/apperr"
	"tradebridge/internal/session"
	"tradebridge/internal/user"
)

type memDirectory struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]user.User
}

func newMemDirectory() *memDirectory {
	return &memDirectory{users: make(map[int64]user.User)}
}

func (m *memDirectory) Create(_ context.Context, username, email, passwordHash string) (user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			return user.User{}, user.ErrDuplicateUsername
		}
	}
	for _, u := range m.users {
		if u.Email == email {
			return user.User{}, user.ErrDuplicateEmail
		}
	}
	m.nextID++
	now := time.Now().UTC()
	u := user.User{ID: m.nextID, Username: username, Email: email, PasswordHash: passwordHash, IsActive: true, CreatedAt: now, UpdatedAt: now}
	m.users[u.ID] = u
	return u, nil
}

func (m *memDirectory) FindByID(_ context.Context, id int64) (user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return user.User{}, user.ErrNotFound
	}
	return u, nil
}

func (m *memDirectory) FindByEmail(_ context.Context, email string) (user.User, error) {
	return m.find(func(u user.User) bool { return u.Email == email })
}

func (m *memDirectory) FindByUsername(_ context.Context, username string) (user.User, error) {
	return m.find(func(u user.User) bool { return u.Username == username })
}

func (m *memDirectory) find(match func(user.User) bool) (user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if match(u) {
			return u, nil
		}
	}
	return user.User{}, user.ErrNotFound
}

func (m *memDirectory) SetActive(_ context.Context, id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return user.ErrNotFound
	}
	u.IsActive = active
	m.users[id] = u
	return nil
}

func (m *memDirectory) Purge(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return user.ErrNotFound
	}
	delete(m.users, id)
	return nil
}

type memSessions struct {
	mu      sync.Mutex
	nextID  int64
	counter int
	byToken map[string]session.Session
	now     func() time.Time
}

func newMemSessions() *memSessions {
	return &memSessions{byToken: make(map[string]session.Session), now: func() time.Time { return time.Now().UTC() }}
}

func (m *memSessions) Create(_ context.Context, userID int64, ttl time.Duration) (session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for t, s := range m.byToken {
		if s.UserID == userID {
			delete(m.byToken, t)
		}
	}
	m.nextID++
	m.counter++
	s := session.Session{
		ID:        m.nextID,
		UserID:    userID,
		Token:     fmt.Sprintf("session-token-%03d", m.counter),
		ExpiresAt: m.now().Add(ttl),
		CreatedAt: m.now(),
	}
	m.byToken[s.Token] = s
	return s, nil
}

func (m *memSessions) Lookup(_ context.Context, token string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byToken[token]
	if !ok {
		return nil, nil
	}
	if !s.Valid(m.now()) {
		delete(m.byToken, token)
		return nil, nil
	}
	return &s, nil
}

func (m *memSessions) Revoke(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byToken, token)
	return nil
}

func (m *memSessions) RevokeAll(_ context.Context, userID int64, exceptToken string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for t, s := range m.byToken {
		if s.UserID == userID && t != exceptToken {
			delete(m.byToken, t)
			n++
		}
	}
	return n, nil
}

func (m *memSessions) Extend(_ context.Context, token string, ttl time.Duration) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byToken[token]
	if !ok || !s.Valid(m.now()) {
		return time.Time{}, apperr.New(apperr.KindNotFound, "Session not found", session.ErrNotFound)
	}
	s.ExpiresAt = m.now().Add(ttl)
	m.byToken[token] = s
	return s.ExpiresAt, nil
}

func (m *memSessions) ListForUser(_ context.Context, userID int64) ([]session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []session.Session
	for _, s := range m.byToken {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

// plainHasher keeps tests fast; bcrypt itself is covered in the security package.
type plainHasher struct{}

func (plainHasher) Hash(password string) (string, error) { return "hashed:" + password, nil }

func (plainHasher) Verify(password, hash string) bool {
	return hash != "" && hash == "hashed:"+password
}

// countingHasher records Verify calls so the unknown-account path can be
// checked for doing the same work as a wrong password.
type countingHasher struct {
	plainHasher
	mu       sync.Mutex
	verifies int
}

func (h *countingHasher) Verify(password, hash string) bool {
	h.mu.Lock()
	h.verifies++
	h.mu.Unlock()
	return h.plainHasher.Verify(password, hash)
}

func (h *countingHasher) Verifies() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.verifies
}

func newTestService() (*Service, *memDirectory, *memSessions) {
	users := newMemDirectory()
	sessions := newMemSessions()
	return NewService(users, sessions, plainHasher{}, nil), users, sessions
}
