package domain

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"golang.org/x/crypto/argon2"
)

const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
)

// keyIDPrefix marks distro-issued keys so a leaked token is recognizable
// in logs and secret scanners.
const keyIDPrefix = "dk_"

// APIKey authenticates machine callers for exactly one tenant. The
// secret is returned once at mint time; only its argon2id hash is stored.
type APIKey struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	TenantID   snowflake.ID `gorm:"not null;index"`
	KeyID      string       `gorm:"type:text;not null;uniqueIndex:ux_api_keys_key_id"`
	SecretHash string       `gorm:"type:text;not null"`
	Name       string       `gorm:"type:text;not null;default:''"`
	Scopes     string       `gorm:"type:text;not null;default:''"`
	Status     string       `gorm:"type:text;not null;default:active"`
	LastUsedAt *time.Time
	ExpiresAt  *time.Time
	CreatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (APIKey) TableName() string { return "api_keys" }

// Usable reports whether the key may authenticate right now.
func (k *APIKey) Usable(now time.Time) bool {
	if k == nil || k.Status != StatusActive {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}

// argon2id parameters for API key secrets. Keys are long random strings,
// so the cost stays low enough for per-request verification.
const (
	argonTime    uint32 = 1
	argonMemory  uint32 = 16 * 1024
	argonThreads uint8  = 2
	argonKeyLen  uint32 = 32
	argonSaltLen        = 16
)

var ErrMalformedToken = errors.New("malformed_token")

// NewToken mints a fresh key id and secret. The caller persists the
// secret's hash and hands "<key_id>.<secret>" to the user exactly once.
func NewToken() (keyID, secret string, err error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return "", "", err
	}
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", err
	}
	keyID = keyIDPrefix + hex.EncodeToString(idBytes)
	secret = base64.RawURLEncoding.EncodeToString(secretBytes)
	return keyID, secret, nil
}

// SplitToken separates a presented "<key_id>.<secret>" token.
func SplitToken(token string) (keyID, secret string, err error) {
	token = strings.TrimSpace(token)
	keyID, secret, found := strings.Cut(token, ".")
	if !found || !strings.HasPrefix(keyID, keyIDPrefix) || secret == "" {
		return "", "", ErrMalformedToken
	}
	return keyID, secret, nil
}

// HashSecret derives the stored argon2id PHC string for a secret.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argonMemory,
		argonTime,
		argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifySecret checks a presented secret against a stored PHC string.
// Parameters come from the stored string so old hashes keep verifying
// after a cost change.
func VerifySecret(secret, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" || parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return false
	}

	var memory, timeCost uint32
	var threads uint8
	{
		params := strings.Split(parts[3], ",")
		if len(params) != 3 {
			return false
		}
		m, ok := strings.CutPrefix(params[0], "m=")
		if !ok {
			return false
		}
		t, ok := strings.CutPrefix(params[1], "t=")
		if !ok {
			return false
		}
		p, ok := strings.CutPrefix(params[2], "p=")
		if !ok {
			return false
		}
		m64, err := strconv.ParseUint(m, 10, 32)
		if err != nil {
			return false
		}
		t64, err := strconv.ParseUint(t, 10, 32)
		if err != nil {
			return false
		}
		p64, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return false
		}
		memory = uint32(m64)
		timeCost = uint32(t64)
		threads = uint8(p64)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	check := argon2.IDKey([]byte(secret), salt, timeCost, memory, threads, uint32(len(hash)))
	return subtle.ConstantTimeCompare(hash, check) == 1
}
