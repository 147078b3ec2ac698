// Package credstore persists the token pair, its expiry metadata, and the
// user profile snapshot for the attendance client. Token values go to the
// most secure available tier (encrypted at rest when a device secret is
// usable, plaintext otherwise); the tier is chosen once when the store is
// opened and is not observable through the public contract.
package credstore

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"
)

var (
	bktCredentials = []byte("credentials")
	bktApp         = []byte("app")
)

var (
	keyAccessToken   = []byte("access-token")
	keyRefreshToken  = []byte("refresh-token")
	keyTokenMeta     = []byte("token-metadata")
	keyUserData      = []byte("user-data")
	keyTermsAccepted = []byte("terms-accepted")
	keyDeviceID      = []byte("device-id")
	keySalt          = []byte("credential-salt")
)

// tokenMetadata lives in the general tier; only the token values themselves
// are sensitive enough for the secure tier.
type tokenMetadata struct {
	ExpiresIn int64     `json:"expiresIn"`
	IssuedAt  time.Time `json:"issuedAt"`
}

// BoltStore is the bbolt-backed credential store.
type BoltStore struct {
	db      *bolt.DB
	enc     *encryptor // nil when running on the general tier
	nowTime func() time.Time
	log     zerolog.Logger

	pendingSecret string // held between option application and the tier probe
}

var _ Store = (*BoltStore)(nil)

// Option configures a BoltStore.
type Option func(*BoltStore)

// WithSecret supplies the device secret used to derive the secure-tier
// encryption key. Without it the store runs on the general tier.
func WithSecret(secret string) Option {
	return func(s *BoltStore) {
		s.pendingSecret = secret
	}
}

// WithNowTime sets the now time function (primarily for testing).
func WithNowTime(nowFunc func() time.Time) Option {
	return func(s *BoltStore) {
		s.nowTime = nowFunc
	}
}

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *BoltStore) {
		s.log = logger
	}
}

// Open opens (creating if needed) the credential database at path and probes
// the secure tier exactly once. A failed probe or a missing secret selects
// the general tier; callers cannot tell which tier served a given read.
func Open(path string, options ...Option) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "[credstore.Open] bolt.Open")
	}

	store := &BoltStore{
		db:      db,
		nowTime: time.Now,
		log:     log.Logger,
	}
	for _, opt := range options {
		opt(store)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bktCredentials); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bktApp)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "[credstore.Open] create buckets")
	}

	store.enc = store.probeSecureTier()
	store.pendingSecret = ""
	return store, nil
}

// probeSecureTier derives the encryption key and verifies a round trip.
// The outcome is cached for the process lifetime.
func (s *BoltStore) probeSecureTier() *encryptor {
	if s.pendingSecret == "" {
		s.log.Warn().Msg("credstore: no device secret, falling back to general storage tier")
		return nil
	}
	salt, err := s.loadOrCreateSalt()
	if err != nil {
		s.log.Warn().Err(err).Msg("credstore: salt unavailable, falling back to general storage tier")
		return nil
	}
	enc, err := newEncryptor(s.pendingSecret, salt)
	if err != nil {
		s.log.Warn().Err(err).Msg("credstore: key derivation failed, falling back to general storage tier")
		return nil
	}
	if err := enc.probe(); err != nil {
		s.log.Warn().Err(err).Msg("credstore: secure tier probe failed, falling back to general storage tier")
		return nil
	}
	return enc
}

func (s *BoltStore) loadOrCreateSalt() ([]byte, error) {
	var salt []byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bktApp)
		if existing := b.Get(keySalt); existing != nil {
			salt = append([]byte(nil), existing...)
			return nil
		}
		fresh, err := newSalt()
		if err != nil {
			return err
		}
		salt = fresh
		return b.Put(keySalt, fresh)
	})
	if err != nil {
		return nil, errors.Wrap(err, "[loadOrCreateSalt]")
	}
	return salt, nil
}

// StoreTokens stamps the current time as IssuedAt and replaces any prior
// pair. Calling twice with different pairs leaves only the second readable.
func (s *BoltStore) StoreTokens(pair TokenPair) error {
	access, err := s.sealValue(pair.AccessToken)
	if err != nil {
		return errors.Wrap(err, "[StoreTokens] seal access token")
	}
	refresh, err := s.sealValue(pair.RefreshToken)
	if err != nil {
		return errors.Wrap(err, "[StoreTokens] seal refresh token")
	}
	meta, err := json.Marshal(tokenMetadata{
		ExpiresIn: pair.ExpiresIn,
		IssuedAt:  s.nowTime(),
	})
	if err != nil {
		return errors.Wrap(err, "[StoreTokens] marshal metadata")
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		creds := tx.Bucket(bktCredentials)
		if err := creds.Put(keyAccessToken, []byte(access)); err != nil {
			return err
		}
		if err := creds.Put(keyRefreshToken, []byte(refresh)); err != nil {
			return err
		}
		return tx.Bucket(bktApp).Put(keyTokenMeta, meta)
	})
	return errors.Wrap(err, "[StoreTokens] write")
}

// UpdateTokens is StoreTokens under another name: the storage layer does not
// distinguish refresh from initial issuance.
func (s *BoltStore) UpdateTokens(pair TokenPair) error {
	return s.StoreTokens(pair)
}

// GetTokens returns nil when the access token, refresh token, or metadata is
// missing. Partial state is treated as absent, never reconstructed.
func (s *BoltStore) GetTokens() (*TokenPair, error) {
	var access, refresh, meta []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		creds := tx.Bucket(bktCredentials)
		access = copyValue(creds.Get(keyAccessToken))
		refresh = copyValue(creds.Get(keyRefreshToken))
		meta = copyValue(tx.Bucket(bktApp).Get(keyTokenMeta))
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "[GetTokens] read")
	}
	if access == nil || refresh == nil || meta == nil {
		return nil, nil
	}

	accessToken, err := s.openValue(string(access))
	if err != nil {
		return nil, errors.Wrap(err, "[GetTokens] open access token")
	}
	refreshToken, err := s.openValue(string(refresh))
	if err != nil {
		return nil, errors.Wrap(err, "[GetTokens] open refresh token")
	}
	var md tokenMetadata
	if err := json.Unmarshal(meta, &md); err != nil {
		return nil, errors.Wrap(err, "[GetTokens] unmarshal metadata")
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    md.ExpiresIn,
		IssuedAt:     md.IssuedAt,
	}, nil
}

// IsTokenValid reports whether a complete, unexpired pair is stored.
func (s *BoltStore) IsTokenValid() bool {
	pair, err := s.GetTokens()
	if err != nil {
		s.log.Warn().Err(err).Msg("credstore: token read failed during validity check")
		return false
	}
	return pair != nil && !pair.Expired(s.nowTime())
}

// TokenTimeRemaining returns zero when no pair is stored or it has expired.
func (s *BoltStore) TokenTimeRemaining() time.Duration {
	pair, err := s.GetTokens()
	if err != nil || pair == nil {
		return 0
	}
	return pair.TimeRemaining(s.nowTime())
}

// StoreUserData persists the identity snapshot on its own channel,
// independent of the token pair.
func (s *BoltStore) StoreUserData(identity UserIdentity) error {
	data, err := json.Marshal(identity)
	if err != nil {
		return errors.Wrap(err, "[StoreUserData] marshal")
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bktApp).Put(keyUserData, data)
	})
	return errors.Wrap(err, "[StoreUserData] write")
}

// GetUserData returns nil when no identity is stored.
func (s *BoltStore) GetUserData() (*UserIdentity, error) {
	var data []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		data = copyValue(tx.Bucket(bktApp).Get(keyUserData))
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "[GetUserData] read")
	}
	if data == nil {
		return nil, nil
	}
	var identity UserIdentity
	if err := json.Unmarshal(data, &identity); err != nil {
		return nil, errors.Wrap(err, "[GetUserData] unmarshal")
	}
	return &identity, nil
}

// SetTermsAccepted records the one-time terms acknowledgement flag.
func (s *BoltStore) SetTermsAccepted(accepted bool) error {
	value := []byte("false")
	if accepted {
		value = []byte("true")
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bktApp).Put(keyTermsAccepted, value)
	})
	return errors.Wrap(err, "[SetTermsAccepted] write")
}

// TermsAccepted reports the terms acknowledgement flag.
func (s *BoltStore) TermsAccepted() bool {
	var accepted bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		accepted = string(tx.Bucket(bktApp).Get(keyTermsAccepted)) == "true"
		return nil
	})
	return accepted
}

// DeviceID returns the stable installation identifier, generating one on
// first use. Device identity is not a credential and survives ClearAll.
func (s *BoltStore) DeviceID() (string, error) {
	var id string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bktApp)
		if existing := b.Get(keyDeviceID); existing != nil {
			id = string(existing)
			return nil
		}
		id = uuid.New().String()
		return b.Put(keyDeviceID, []byte(id))
	})
	if err != nil {
		return "", errors.Wrap(err, "[DeviceID]")
	}
	return id, nil
}

// ClearAll deletes tokens, token metadata, user data, and one-time UI flags.
// Deleting an already-absent key is not an error, so a second ClearAll is a
// no-op.
func (s *BoltStore) ClearAll() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		creds := tx.Bucket(bktCredentials)
		if err := creds.Delete(keyAccessToken); err != nil {
			return err
		}
		if err := creds.Delete(keyRefreshToken); err != nil {
			return err
		}
		app := tx.Bucket(bktApp)
		if err := app.Delete(keyTokenMeta); err != nil {
			return err
		}
		if err := app.Delete(keyUserData); err != nil {
			return err
		}
		return app.Delete(keyTermsAccepted)
	})
	return errors.Wrap(err, "[ClearAll]")
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) sealValue(plaintext string) (string, error) {
	if s.enc == nil {
		return plaintext, nil
	}
	return s.enc.encryptString(plaintext)
}

func (s *BoltStore) openValue(stored string) (string, error) {
	if s.enc == nil {
		return stored, nil
	}
	return s.enc.decryptString(stored)
}

func copyValue(v []byte) []byte {
	if v == nil {
		return nil
	}
	return append([]byte(nil), v...)
}
