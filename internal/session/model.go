package session

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("session not found")

type Session struct {
	ID        int64
	UserID    int64
	Token     string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Valid reports whether the session is still live at now.
func (s Session) Valid(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

type TimeRemaining struct {
	TotalSeconds int64 `json:"total_seconds"`
	Hours        int64 `json:"hours"`
	Minutes      int64 `json:"minutes"`
}

func (s Session) Remaining(now time.Time) TimeRemaining {
	left := s.ExpiresAt.Sub(now)
	if left < 0 {
		left = 0
	}
	total := int64(left / time.Second)
	return TimeRemaining{
		TotalSeconds: total,
		Hours:        total / 3600,
		Minutes:      (total % 3600) / 60,
	}
}

// MaskedToken shows only the first 10 characters of the token.
func (s Session) MaskedToken() string {
	if len(s.Token) <= 10 {
		return s.Token + "..."
	}
	return s.Token[:10] + "..."
}
