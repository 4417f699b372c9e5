package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed ids.
// Version suffix enables future algorithm migration.
const (
	DomainChangeSet = "uow/changeset/v1"
	DomainTrace     = "uow/trace/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ChangeSetHash computes a stable id for a planned mutation from its entity
// type, kind, and payload. Identical mutations hash identically across runs,
// which keeps golden traces byte-stable.
func ChangeSetHash(entityType, kind string, payload IRObject) (string, error) {
	obj := IRObject{
		"entity":  IRString(entityType),
		"kind":    IRString(kind),
		"payload": payload,
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("ChangeSetHash: failed to marshal: %w", err)
	}

	return hashWithDomain(DomainChangeSet, canonical), nil
}

// TraceHash computes a digest of a canonical trace document.
func TraceHash(trace []byte) string {
	return hashWithDomain(DomainTrace, trace)
}
