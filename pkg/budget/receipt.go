package budget

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// ComputeDigest returns the SHA-256 of the receipt's RFC 8785 canonical JSON,
// with the Digest field itself left out.
func (r *EnforcementReceipt) ComputeDigest() (string, error) {
	body := *r
	body.Digest = ""
	raw, err := json.Marshal(&body)
	if err != nil {
		return "", fmt.Errorf("receipt digest: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("receipt digest: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Verify reports whether Digest matches the receipt's contents.
func (r *EnforcementReceipt) Verify() bool {
	if r.Digest == "" {
		return false
	}
	d, err := r.ComputeDigest()
	return err == nil && d == r.Digest
}
