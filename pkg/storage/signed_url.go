package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTokenInvalid = errors.New("download token invalid")
	ErrTokenExpired = errors.New("download token expired")
)

// SignedURLSigner issues and checks HMAC download tokens. A token binds a
// job id and stored file path to an expiry so result URLs can be handed out
// without any session state.
type SignedURLSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewSignedURLSigner constructs a signer. A non-positive TTL falls back to
// 24 hours.
func NewSignedURLSigner(secret string, ttl time.Duration) *SignedURLSigner {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SignedURLSigner{secret: []byte(secret), ttl: ttl}
}

// claims is the token payload before encoding: jobID, unix expiry and the
// stored file path, NUL-separated so paths may contain any printable byte.
func encodeClaims(jobID string, expiry int64, relPath string) string {
	raw := jobID + "\x00" + strconv.FormatInt(expiry, 10) + "\x00" + relPath
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeClaims(encoded string) (jobID string, expiry int64, relPath string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", 0, "", ErrTokenInvalid
	}
	parts := strings.SplitN(string(raw), "\x00", 3)
	if len(parts) != 3 {
		return "", 0, "", ErrTokenInvalid
	}
	expiry, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, "", ErrTokenInvalid
	}
	return parts[0], expiry, parts[2], nil
}

func (s *SignedURLSigner) sign(claims string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(claims))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Generate returns a token for the job's stored result and its expiry.
func (s *SignedURLSigner) Generate(jobID, relPath string) (string, time.Time, error) {
	if jobID == "" || relPath == "" {
		return "", time.Time{}, fmt.Errorf("jobID and relPath required")
	}
	if len(s.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("signing secret missing")
	}
	expiresAt := time.Now().Add(s.ttl)
	claims := encodeClaims(jobID, expiresAt.Unix(), relPath)
	return claims + "." + s.sign(claims), expiresAt, nil
}

// Parse checks the token signature and expiry and returns the embedded
// metadata. allowExpired skips the expiry check; the cleanup sweep uses it
// to locate files for tokens that have already lapsed.
func (s *SignedURLSigner) Parse(token string, allowExpired bool) (jobID, relPath string, expiresAt time.Time, err error) {
	claims, signature, ok := strings.Cut(token, ".")
	if !ok {
		return "", "", time.Time{}, ErrTokenInvalid
	}
	if !hmac.Equal([]byte(s.sign(claims)), []byte(signature)) {
		return "", "", time.Time{}, ErrTokenInvalid
	}
	jobID, expiry, relPath, err := decodeClaims(claims)
	if err != nil {
		return "", "", time.Time{}, err
	}
	expiresAt = time.Unix(expiry, 0)
	if !allowExpired && time.Now().After(expiresAt) {
		return "", "", time.Time{}, ErrTokenExpired
	}
	return jobID, relPath, expiresAt, nil
}
