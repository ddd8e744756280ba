package storage

import "fmt"

// Pebble key schema:
//
//   ae:<8-byte-index>            → audit.Entry
//   al                           → audit length (8 bytes)
//   sch:<scheme_id>              → threshold.Scheme
//   shr:<scheme_id>:<party_id>   → threshold.Share (latest dealing)
//   res:<request_id>             → orchestrator.Result
const (
	prefixAuditEntry = "ae:"
	keyAuditLen      = "al"
	prefixScheme     = "sch:"
	prefixShare      = "shr:"
	prefixResult     = "res:"
)

func auditEntryKey(i uint64) []byte {
	return append([]byte(prefixAuditEntry), indexKey(i)...)
}

func schemeKey(id string) []byte {
	return []byte(prefixScheme + id)
}

// shareKey zero-pads the party id so prefix scans return parties in order.
func shareKey(schemeID string, partyID int) []byte {
	return []byte(fmt.Sprintf("%s%s:%08d", prefixShare, schemeID, partyID))
}

func sharePrefix(schemeID string) []byte {
	return []byte(prefixShare + schemeID + ":")
}

func resultKey(requestID string) []byte {
	return []byte(prefixResult + requestID)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
