package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"

	"otp-auth-service/internal/config"
	"otp-auth-service/internal/util"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const localKeyID = "local-dev"

// envelope is the serialized form stored at rest: the AES-GCM ciphertext
// plus the data key wrapped by KMS (or by the local dev key).
type envelope struct {
	Ciphertext   string `json:"ct"`
	EncryptedDEK string `json:"dek"`
	KeyID        string `json:"kid"`
	Version      string `json:"v"`
}

// Manager envelope-encrypts sensitive fields before they reach durable
// storage. With KMS disabled it falls back to a process-local master key,
// which is only acceptable for development.
type Manager struct {
	kmsClient *kms.Client
	cfg       *config.Config
	localKey  []byte
}

func NewManager(cfg *config.Config, kmsClient *kms.Client) *Manager {
	m := &Manager{kmsClient: kmsClient, cfg: cfg}

	if !cfg.KMS.Enabled || kmsClient == nil {
		m.localKey = make([]byte, 32)
		if _, err := rand.Read(m.localKey); err != nil {
			util.Fatal("failed to generate local master key", util.ErrorField(err))
		}
		util.Warn("KMS disabled, field encryption uses an ephemeral local key")
	}

	return m
}

// KeyID reports which key the next encryption will be wrapped with.
func (m *Manager) KeyID() string {
	if m.localKey != nil {
		return localKeyID
	}
	return m.cfg.KMS.KeyID
}

// EncryptField seals a plaintext field and returns the storable envelope.
func (m *Manager) EncryptField(ctx context.Context, plaintext string) ([]byte, error) {
	dekPlain, dekWrapped, err := m.generateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(dekPlain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return json.Marshal(envelope{
		Ciphertext:   base64.StdEncoding.EncodeToString(sealed),
		EncryptedDEK: base64.StdEncoding.EncodeToString(dekWrapped),
		KeyID:        m.KeyID(),
		Version:      "v1",
	})
}

// DecryptField opens an envelope produced by EncryptField.
func (m *Manager) DecryptField(ctx context.Context, blob []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	wrapped, err := base64.StdEncoding.DecodeString(env.EncryptedDEK)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	dek, err := m.unwrapDataKey(ctx, env.KeyID, wrapped)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(dek)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	if len(sealed) < gcm.NonceSize() {
		return "", ErrDecryptionFailed
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

func (m *Manager) generateDataKey(ctx context.Context) (plain, wrapped []byte, err error) {
	if m.localKey != nil {
		return m.generateLocalDataKey()
	}

	out, err := m.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(m.cfg.KMS.KeyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	return out.Plaintext, out.CiphertextBlob, nil
}

// generateLocalDataKey wraps a fresh DEK with the process master key so the
// stored shape matches the KMS path.
func (m *Manager) generateLocalDataKey() (plain, wrapped []byte, err error) {
	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	block, err := aes.NewCipher(m.localKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	return dek, gcm.Seal(nonce, nonce, dek, nil), nil
}

func (m *Manager) unwrapDataKey(ctx context.Context, keyID string, wrapped []byte) ([]byte, error) {
	if keyID == localKeyID {
		if m.localKey == nil {
			return nil, fmt.Errorf("%w: local key unavailable", ErrDecryptionFailed)
		}
		block, err := aes.NewCipher(m.localKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		if len(wrapped) < gcm.NonceSize() {
			return nil, ErrDecryptionFailed
		}
		dek, err := gcm.Open(nil, wrapped[:gcm.NonceSize()], wrapped[gcm.NonceSize():], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		return dek, nil
	}

	out, err := m.kmsClient.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: wrapped,
		KeyId:          aws.String(keyID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap data key: %w", err)
	}
	return out.Plaintext, nil
}
