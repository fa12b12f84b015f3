package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"

	"otp-auth-service/internal/config"
	"otp-auth-service/internal/util"
)

var ErrInvalidHash = errors.New("invalid hash format")

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// HashResult is the serialized form stored alongside a pending code. The
// plaintext code is never persisted.
type HashResult struct {
	Hash      string `json:"hash"`
	Salt      string `json:"salt"`
	Algorithm string `json:"algorithm"`
}

// Hasher derives argon2id digests of one-time codes. Every input is mixed
// with a process-wide pepper and a purpose string so digests cannot be
// replayed across contexts.
type Hasher struct {
	params Argon2Params
	pepper string
}

func NewHasher(cfg *config.Config) *Hasher {
	pepper := cfg.Hashing.Pepper
	if pepper == "" {
		// No configured pepper: generate an ephemeral one. Fine for a single
		// dev instance, wrong for a fleet, hence the warning.
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			util.Fatal("failed to generate pepper", util.ErrorField(err))
		}
		pepper = base64.RawURLEncoding.EncodeToString(raw)
		util.Warn("OTP_PEPPER not set, using ephemeral pepper")
	}

	return &Hasher{
		params: Argon2Params{
			Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
			Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
			Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
			SaltLength:  32,
			KeyLength:   32,
		},
		pepper: pepper,
	}
}

func (h *Hasher) HashOTP(otp string) (*HashResult, error) {
	return h.hash(otp, "otp")
}

func (h *Hasher) VerifyOTP(otp string, stored *HashResult) (bool, error) {
	return h.verify(otp, stored, "otp")
}

func (h *Hasher) hash(data, purpose string) (*HashResult, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	digest := argon2.IDKey(
		[]byte(data+h.pepper+purpose),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return &HashResult{
		Hash:      base64.RawURLEncoding.EncodeToString(digest),
		Salt:      base64.RawURLEncoding.EncodeToString(salt),
		Algorithm: "argon2id-v1",
	}, nil
}

func (h *Hasher) verify(data string, stored *HashResult, purpose string) (bool, error) {
	salt, err := base64.RawURLEncoding.DecodeString(stored.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}

	expected, err := base64.RawURLEncoding.DecodeString(stored.Hash)
	if err != nil {
		return false, ErrInvalidHash
	}

	computed := argon2.IDKey(
		[]byte(data+h.pepper+purpose),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		uint32(len(expected)),
	)

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

// Encode serializes a hash result for storage in the expiring store.
func (r *HashResult) Encode() (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to encode hash result: %w", err)
	}
	return string(raw), nil
}

// DecodeHashResult parses a stored hash result.
func DecodeHashResult(raw string) (*HashResult, error) {
	var r HashResult
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, ErrInvalidHash
	}
	if r.Hash == "" || r.Salt == "" {
		return nil, ErrInvalidHash
	}
	return &r, nil
}
