package backup

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	saltSize = 16
	tagSize  = 16

	// scrypt cost parameters, interactive-login strength
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
	keySize = chacha20poly1305.KeySize
)

func deriveKey(password string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// ExportEncryptedBackup seals the backup under a password-derived key
// into one portable string of colon-delimited hex fields:
// salt:nonce:ciphertext:authTag.
func ExportEncryptedBackup(b *FullBackup, password string) (string, error) {
	b.Version = BackupVersion
	plaintext, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("failed to serialize backup: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err = rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	key, err := deriveKey(password, salt)
	if err != nil {
		return "", err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		hex.EncodeToString(salt),
		hex.EncodeToString(nonce),
		hex.EncodeToString(ciphertext),
		hex.EncodeToString(tag),
	}, ":"), nil
}

// ImportEncryptedBackup is the inverse of ExportEncryptedBackup. It
// fails closed: a malformed string, a wrong password or a tampered
// field always returns an error and never a partial backup.
func ImportEncryptedBackup(data, password string) (*FullBackup, error) {
	parts := strings.Split(data, ":")
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: expected 4 fields, got %d", ErrMalformedBackup, len(parts))
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil || len(salt) != saltSize {
		return nil, fmt.Errorf("%w: bad salt field", ErrMalformedBackup)
	}
	nonce, err := hex.DecodeString(parts[1])
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: bad nonce field", ErrMalformedBackup)
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext field", ErrMalformedBackup)
	}
	tag, err := hex.DecodeString(parts[3])
	if err != nil || len(tag) != tagSize {
		return nil, fmt.Errorf("%w: bad auth tag field", ErrMalformedBackup)
	}

	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, ErrAuthFailed
	}

	var b FullBackup
	if err = json.Unmarshal(plaintext, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBackup, err)
	}
	if b.Version != BackupVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, b.Version)
	}
	return &b, nil
}

// ExportChannelBackup seals a single channel without the surrounding
// snapshot, for moving one channel between devices.
func ExportChannelBackup(c *ChannelBackupData, password string) (string, error) {
	return ExportEncryptedBackup(NewFullBackup([]ChannelBackupData{*c}), password)
}

// ImportChannelBackup expects exactly one channel in the payload.
func ImportChannelBackup(data, password string) (*ChannelBackupData, error) {
	b, err := ImportEncryptedBackup(data, password)
	if err != nil {
		return nil, err
	}
	if len(b.Channels) != 1 {
		return nil, fmt.Errorf("%w: expected 1 channel, got %d", ErrMalformedBackup, len(b.Channels))
	}
	return &b.Channels[0], nil
}
