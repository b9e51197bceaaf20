package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

const (
	opaqueTokenBytes = 32
	challengeIDBytes = 16
)

// BackupCodeAlphabet avoids visually ambiguous characters (0/O, 1/I/L).
const BackupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewOpaqueToken returns a 32-byte random token encoded as unpadded
// base64url. Tokens carry no structure; all state lives server-side.
func NewOpaqueToken() (string, error) {
	raw := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashToken is the at-rest digest of a token string.
func HashToken(token string) [32]byte {
	return sha256.Sum256([]byte(token))
}

// NewChallengeID returns a compact random identifier for login challenges.
func NewChallengeID() (string, error) {
	raw := make([]byte, challengeIDBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// NewBackupCode returns a random canonical (unformatted, uppercase) code.
func NewBackupCode(length int) (string, error) {
	if length < 4 {
		return "", errors.New("backup code length too small")
	}

	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}

	var b strings.Builder
	b.Grow(length)
	for _, v := range raw {
		b.WriteByte(BackupCodeAlphabet[int(v)%len(BackupCodeAlphabet)])
	}
	return b.String(), nil
}

// FormatBackupCode groups a canonical code in 4-character blocks for
// display ("ABCD-EFGH").
func FormatBackupCode(code string) string {
	var b strings.Builder
	b.Grow(len(code) + len(code)/4)

	for i := 0; i < len(code); i += 4 {
		if i > 0 {
			b.WriteByte('-')
		}
		end := i + 4
		if end > len(code) {
			end = len(code)
		}
		b.WriteString(code[i:end])
	}
	return b.String()
}

// CanonicalizeBackupCode reverses user formatting: uppercase, separators
// stripped.
func CanonicalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	code = strings.ReplaceAll(code, " ", "")
	return code
}

// BackupCodeDigest derives the stored digest for a canonical code. The
// user ID acts as the salt so equal codes on different accounts never
// collide at rest.
func BackupCodeDigest(userID, canonicalCode string) [32]byte {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(canonicalCode))

	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}
