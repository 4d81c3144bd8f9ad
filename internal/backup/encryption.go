package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/chestnet/chestnet-go/internal/errors"
)

// AES256KeySize is the key size for AES-256 in bytes.
const AES256KeySize = 32

// encryptionKey decodes the hex key from the configuration.
func (m *Manager) encryptionKey() ([]byte, error) {
	if !m.config.Encryption {
		return nil, errors.Newf("backup encryption is not enabled").
			Component("backup").
			Category(errors.CategoryConfiguration).
			Build()
	}
	keyHex := strings.TrimSpace(m.config.EncryptionKey)
	if keyHex == "" {
		return nil, errors.Newf("backup encryption enabled but backup.encryption_key is empty").
			Component("backup").
			Category(errors.CategoryConfiguration).
			Build()
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, errors.New(err).
			Component("backup").
			Category(errors.CategoryConfiguration).
			Context("setting", "backup.encryption_key").
			Build()
	}
	if len(key) != AES256KeySize {
		return nil, errors.Newf("backup encryption key must be %d bytes, got %d", AES256KeySize, len(key)).
			Component("backup").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return key, nil
}

// GenerateEncryptionKey returns a fresh hex-encoded AES-256 key for
// the operator to place in backup.encryption_key.
func GenerateEncryptionKey() (string, error) {
	key := make([]byte, AES256KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", errors.New(err).
			Component("backup").
			Category(errors.CategoryBackup).
			Build()
	}
	return hex.EncodeToString(key), nil
}

// encryptData seals data with AES-256-GCM, nonce prepended.
func encryptData(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.New(err).Component("backup").Category(errors.CategoryBackup).Build()
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.New(err).Component("backup").Category(errors.CategoryBackup).Build()
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.New(err).Component("backup").Category(errors.CategoryBackup).Build()
	}
	return gcm.Seal(nonce, nonce, data, nil), nil
}

// decryptData opens an AES-256-GCM sealed payload.
func decryptData(encrypted, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.New(err).Component("backup").Category(errors.CategoryBackup).Build()
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.New(err).Component("backup").Category(errors.CategoryBackup).Build()
	}
	if len(encrypted) < gcm.NonceSize() {
		return nil, errors.Newf("encrypted snapshot shorter than nonce").
			Component("backup").
			Category(errors.CategoryBackup).
			Build()
	}
	nonce, ciphertext := encrypted[:gcm.NonceSize()], encrypted[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New(err).Component("backup").Category(errors.CategoryBackup).Build()
	}
	return plaintext, nil
}

// DecryptData opens a snapshot with the configured key. Used by the
// restore path.
func (m *Manager) DecryptData(encrypted []byte) ([]byte, error) {
	key, err := m.encryptionKey()
	if err != nil {
		return nil, err
	}
	return decryptData(encrypted, key)
}
