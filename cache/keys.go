package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ContentKey derives a content-addressed key from the canonical form of a
// query plus its context: lowercase, collapsed whitespace, joined with any
// discriminating parts (quality tier, workflow). The digest is truncated to
// 16 bytes, hex encoded.
func ContentKey(query string, parts ...string) string {
	canonical := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	h := sha256.New()
	h.Write([]byte(canonical))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Key builds a fully namespaced storage key.
func Key(ns Namespace, parts ...string) string {
	return string(ns) + ":" + strings.Join(parts, ":")
}

// BudgetKey identifies a principal's monetary ledger for a billing window,
// for use under NSBudget. Windows are calendar months in UTC.
func BudgetKey(principalID string, now time.Time) string {
	return principalID + ":" + now.UTC().Format("2006-01")
}

// ShadowBudgetKey identifies the shared shadow-execution ledger for a
// billing window, for use under NSBudget.
func ShadowBudgetKey(now time.Time) string {
	return "shadow:" + now.UTC().Format("2006-01")
}

// RateKey identifies a per-principal, per-endpoint minute bucket, for use
// under NSRate.
func RateKey(principalID, endpoint string, now time.Time) string {
	return fmt.Sprintf("%s:%s:%d", principalID, endpoint, now.UTC().Unix()/60)
}
