// Package signature implements the shared-secret request signing scheme
// used by the control plane.
//
// The canonical string for a request is:
//
//	<timestamp>\n<UPPERCASE METHOD>\n<path>\n<sha256hex(body or empty)>
//
// and the signature is HMAC-SHA256(secret, canonical) as lowercase hex.
// All functions here return values rather than raising: malformed input
// verifies as false.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// DefaultTolerance is the accepted absolute clock skew for signed requests.
const DefaultTolerance = 300 * time.Second

// Sign computes the lowercase-hex HMAC-SHA256 signature for a request.
// body may be nil for body-less requests.
func Sign(method, path string, body []byte, timestamp int64, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical(method, path, body, timestamp)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares it in constant time.
// Returns false on length mismatch, malformed hex, or mismatch.
func Verify(sig, method, path string, body []byte, timestamp int64, secret string) bool {
	got, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(Sign(method, path, body, timestamp, secret))
	if err != nil {
		return false
	}
	if len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}

// TimestampFresh reports whether ts (unix seconds) is within tolerance of
// the current wall clock. A zero tolerance means DefaultTolerance.
func TimestampFresh(ts int64, tolerance time.Duration) bool {
	if tolerance == 0 {
		tolerance = DefaultTolerance
	}
	skew := time.Now().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	return time.Duration(skew)*time.Second <= tolerance
}

// canonical builds the canonical string covered by the signature.
func canonical(method, path string, body []byte, timestamp int64) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("%d\n%s\n%s\n%s",
		timestamp,
		strings.ToUpper(method),
		path,
		hex.EncodeToString(sum[:]),
	)
}
