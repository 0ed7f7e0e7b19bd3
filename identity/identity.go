// Package identity derives stable, opaque rate-limit partition keys from
// caller-visible context. Tokens are one-way (truncated SHA-256) and
// time-bucketed: the same context maps to the same token only within the
// same hour, which bounds the number of distinct identities the store
// holds and gives natural reset behavior independent of the counter
// windows.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// TokenLength is the hex length of derived tokens and hashes.
const TokenLength = 16

// ErrInvalidIdentity is returned for empty or blank context strings.
// Callers should reject these before touching the store.
var ErrInvalidIdentity = errors.New("identity: empty or malformed context")

// Derive turns a caller context string into an identity token for the
// hour containing now. Deterministic and one-way; no failure modes
// beyond input validation.
func Derive(context string, now time.Time) (string, error) {
	trimmed := strings.TrimSpace(context)
	if trimmed == "" {
		return "", ErrInvalidIdentity
	}

	bucket := now.Unix() / 3600
	sum := sha256.Sum256([]byte(trimmed + ":" + strconv.FormatInt(bucket, 10)))
	return hex.EncodeToString(sum[:])[:TokenLength], nil
}

// Hash derives the audit-log identity hash from a token. The raw token
// is never written to the audit log.
func Hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:TokenLength]
}
