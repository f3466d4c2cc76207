package apikey

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"tradebridge/internal/apperr"
	"tradebridge/internal/observability"
)

const invalidKeyMessage = "Invalid API key"

type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type CacheOptions struct {
	TTL      time.Duration
	Capacity uint64
}

// View is what the owner sees. Key is the plaintext key.
type View struct {
	KeyID     string    `json:"key_id"`
	Key       string    `json:"api_key"`
	CreatedAt time.Time `json:"created_at"`
}

type Service struct {
	repo   Repository
	signer *Signer
	cipher Cipher
	cache  *ttlcache.Cache[int64, Record]
	logger *observability.Logger
	now    func() time.Time
}

func NewService(repo Repository, signer *Signer, cipher Cipher, logger *observability.Logger, opts CacheOptions) *Service {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.Capacity == 0 {
		opts.Capacity = 1024
	}
	if logger == nil {
		logger = observability.Discard()
	}

	// Entries age from insertion only; a hit does not extend them.
	cache := ttlcache.New[int64, Record](
		ttlcache.WithTTL[int64, Record](opts.TTL),
		ttlcache.WithCapacity[int64, Record](opts.Capacity),
		ttlcache.WithDisableTouchOnHit[int64, Record](),
	)

	return &Service{
		repo:   repo,
		signer: signer,
		cipher: cipher,
		cache:  cache,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Current returns the user's live key. ok is false when the user has none.
func (s *Service) Current(ctx context.Context, userID int64) (View, bool, error) {
	rec, err := s.lookup(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return View{}, false, nil
	}
	if err != nil {
		return View{}, false, apperr.Storage(err)
	}

	raw, err := s.cipher.Decrypt(rec.EncryptedKey)
	if err != nil {
		s.logger.Error("api_key_decrypt_failed", map[string]any{
			"user_id":    userID,
			"error_kind": apperr.KindDecryption.String(),
			"error":      err,
		})
		return View{}, false, apperr.Decryption(err)
	}
	return View{KeyID: rec.KeyID, Key: raw, CreatedAt: rec.CreatedAt}, true, nil
}

// Issue creates a key for the user, replacing any previous one.
func (s *Service) Issue(ctx context.Context, userID int64) (View, error) {
	raw, keyID, err := s.signer.Issue(userID, s.now())
	if err != nil {
		return View{}, err
	}
	encrypted, err := s.cipher.Encrypt(raw)
	if err != nil {
		return View{}, err
	}

	rec, err := s.repo.Upsert(ctx, userID, keyID, encrypted)
	if err != nil {
		return View{}, apperr.Storage(err)
	}
	s.cache.Delete(userID)

	s.logger.Info("api_key_issued", map[string]any{"user_id": userID, "key_id": keyID})
	return View{KeyID: keyID, Key: raw, CreatedAt: rec.CreatedAt}, nil
}

func (s *Service) Revoke(ctx context.Context, userID int64) error {
	affected, err := s.repo.Revoke(ctx, userID, s.now())
	s.cache.Delete(userID)
	if err != nil {
		return apperr.Storage(err)
	}
	if affected == 0 {
		return apperr.NotFound("API key not found")
	}

	s.logger.Info("api_key_revoked", map[string]any{"user_id": userID})
	return nil
}

// Authenticate resolves a presented key to its owner. Any mismatch with the
// stored key, including a rotated or revoked one, is an authentication failure.
func (s *Service) Authenticate(ctx context.Context, rawKey string) (int64, error) {
	userID, keyID, err := s.signer.Parse(rawKey)
	if err != nil {
		return 0, apperr.Authentication(invalidKeyMessage, err)
	}

	rec, err := s.lookup(ctx, userID)
	if err == nil && rec.KeyID != keyID {
		// The cached copy may predate a rotation made elsewhere.
		s.cache.Delete(userID)
		rec, err = s.lookup(ctx, userID)
	}
	if errors.Is(err, ErrNotFound) {
		return 0, apperr.Authentication(invalidKeyMessage, nil)
	}
	if err != nil {
		return 0, apperr.Storage(err)
	}
	if rec.KeyID != keyID {
		return 0, apperr.Authentication(invalidKeyMessage, nil)
	}

	stored, err := s.cipher.Decrypt(rec.EncryptedKey)
	if err != nil {
		s.logger.Error("api_key_decrypt_failed", map[string]any{
			"user_id":    userID,
			"error_kind": apperr.KindDecryption.String(),
			"error":      err,
		})
		return 0, apperr.Authentication(invalidKeyMessage, err)
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(rawKey)) != 1 {
		return 0, apperr.Authentication(invalidKeyMessage, nil)
	}
	return userID, nil
}

// PruneRevoked deletes keys revoked more than olderThan ago.
func (s *Service) PruneRevoked(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.repo.DeleteRevokedBefore(ctx, s.now().Add(-olderThan))
}

func (s *Service) lookup(ctx context.Context, userID int64) (Record, error) {
	if item := s.cache.Get(userID); item != nil {
		rec := item.Value()
		if !rec.Revoked() {
			return rec, nil
		}
		s.cache.Delete(userID)
		return Record{}, ErrNotFound
	}

	rec, err := s.repo.GetByUser(ctx, userID)
	if err != nil {
		return Record{}, err
	}
	if rec.Revoked() {
		return Record{}, ErrNotFound
	}
	s.cache.Set(userID, rec, ttlcache.DefaultTTL)
	return rec, nil
}
