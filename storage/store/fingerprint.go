package store

import (
	"crypto/md5"
	"encoding/hex"
)

// Fingerprint computes the deterministic 128-bit content hash of a raw log
// line, hex encoded. It doubles as the store's uniqueness key and as the
// idempotency token (`transactionId`) sent upstream, so a retried delivery of
// the same record is recognized as a duplicate rather than double-counted.
// md5 is used as a content digest here, not for integrity protection.
func Fingerprint(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}
