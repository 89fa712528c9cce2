package classroom

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

const rawTokenBytes = 32 // 256 bits of entropy

// IssueToken generates an opaque invitation token and its persistable hash.
// The raw token is disclosed once in the invite link and never stored; only
// the hash is, so a leaked invitations table cannot be replayed.
func IssueToken() (rawToken, tokenHash string) {
	b := make([]byte, rawTokenBytes)
	_, _ = rand.Read(b)
	rawToken = base64.RawURLEncoding.EncodeToString(b)
	return rawToken, HashToken(rawToken)
}

// HashToken returns hex(sha256(rawToken)): the fixed-length form invitations
// are looked up by. 64 characters, uniquely constrained in storage.
func HashToken(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}
