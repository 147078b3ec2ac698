package credstore

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/gtank/cryptopasta"
	"github.com/pkg/errors"
	"golang.org/x/crypto/scrypt"
)

const (
	saltLength = 16

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// encryptor implements the secure storage tier: token values are AES-GCM
// encrypted under a key derived from the device secret. When no usable
// secret is available the store falls back to the general tier.
type encryptor struct {
	key *[32]byte
}

func newEncryptor(secret string, salt []byte) (*encryptor, error) {
	derived, err := scrypt.Key([]byte(secret), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, errors.Wrap(err, "[newEncryptor] scrypt.Key")
	}
	key := &[32]byte{}
	copy(key[:], derived)
	return &encryptor{key: key}, nil
}

func (e *encryptor) encryptString(plaintext string) (string, error) {
	encrypted, err := cryptopasta.Encrypt([]byte(plaintext), e.key)
	if err != nil {
		return "", errors.Wrap(err, "[encryptString] cryptopasta.Encrypt")
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

func (e *encryptor) decryptString(ciphertext string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", errors.Wrap(err, "[decryptString] base64 decode")
	}
	decrypted, err := cryptopasta.Decrypt(decoded, e.key)
	if err != nil {
		return "", errors.Wrap(err, "[decryptString] cryptopasta.Decrypt")
	}
	return string(decrypted), nil
}

// probe runs a single encrypt/decrypt round trip. The result is cached by
// the store at open time; the tier never changes for the process lifetime.
func (e *encryptor) probe() error {
	const canary = "credstore-capability-probe"
	encrypted, err := e.encryptString(canary)
	if err != nil {
		return errors.Wrap(err, "[probe] encrypt")
	}
	decrypted, err := e.decryptString(encrypted)
	if err != nil {
		return errors.Wrap(err, "[probe] decrypt")
	}
	if decrypted != canary {
		return errors.New("[probe] round trip mismatch")
	}
	return nil
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "[newSalt] rand.Read")
	}
	return salt, nil
}
