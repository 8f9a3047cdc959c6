package document

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// DomainRevision separates revision hashes from any other content hash.
const DomainRevision = "dehc/revision/v1"

func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// NextRev computes the revision token that follows prev for the given body.
// Tokens have the CouchDB shape "<generation>-<32 hex>". The hash covers the
// previous token, so identical bodies at different generations differ.
func NextRev(prev string, body Doc) (string, error) {
	canonical, err := MarshalCanonical(body.Body())
	if err != nil {
		return "", fmt.Errorf("revision: %w", err)
	}
	seed := append([]byte(prev+"\x00"), canonical...)
	return fmt.Sprintf("%d-%s", Generation(prev)+1, hashWithDomain(DomainRevision, seed)[:32]), nil
}

// Generation returns the numeric prefix of a revision token, 0 when the
// token is empty or malformed.
func Generation(rev string) int {
	head, _, ok := strings.Cut(rev, "-")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(head)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
