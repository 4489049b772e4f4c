// Package audit implements the tamper-evident, hash-chained structured log.
//
// Every event is written as one JSON object per line to the sink of its
// channel (access, application, security, error). Each record carries the
// signature of its predecessor in the same channel and its own signature,
// computed as
//
//	HMAC-SHA256(secret, prev_signature | timestamp | level | message)
//
// so deleting, reordering or editing a line breaks the chain from that
// point forward. Error-and-above records are mirrored to a catch-all sink
// that runs its own chain. The Verifier replays a sink offline using only
// the file contents and the shared secret.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureLen is the length of a hex encoded signature.
const SignatureLen = sha256.Size * 2

// Genesis is the prev_signature of the first record of every chain.
var Genesis = strings.Repeat("0", SignatureLen)

// Payload builds the canonical string covered by a record's signature.
// Caller supplied fields are deliberately not part of it.
//
//	prev_signature | timestamp | level | message
func Payload(prev, timestamp, level, message string) string {
	return prev + "|" + timestamp + "|" + level + "|" + message
}

// Sign returns the hex encoded HMAC-SHA256 of payload under secret.
func Sign(secret []byte, payload string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// signRecord computes the signature a record should carry given its own
// prev_signature.
func signRecord(secret []byte, r *Record) string {
	return Sign(secret, Payload(r.PrevSignature, r.Timestamp, r.Level, r.Message))
}

// verifyRecord reports whether r.Signature matches its contents. The
// comparison is constant time.
func verifyRecord(secret []byte, r *Record) bool {
	expected := signRecord(secret, r)
	return hmac.Equal([]byte(expected), []byte(r.Signature))
}
