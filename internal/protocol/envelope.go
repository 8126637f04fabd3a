package protocol

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON renders v as canonical JSON: object keys sorted, no
// extraneous whitespace, numbers preserved verbatim. Both sides of the agent
// channel canonicalize before signing/verifying, so the representation must
// be stable across encoders.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: canonicalize: %w", err)
	}

	// Re-decode into generic maps so encoding/json emits keys in sorted
	// order. UseNumber keeps numeric literals byte-stable across the trip.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("protocol: canonicalize: %w", err)
	}

	canonical, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("protocol: canonicalize: %w", err)
	}
	return canonical, nil
}

// signHMAC computes a lowercase-hex HMAC-SHA256 of data under secret.
func signHMAC(secret, data []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyHMAC reports whether sig matches the HMAC of data, in constant time.
func verifyHMAC(secret, data []byte, sig string) bool {
	want := signHMAC(secret, data)
	return hmac.Equal([]byte(want), []byte(sig))
}

// Sign computes and attaches the envelope signature: HMAC-SHA256 over the
// canonical JSON of the envelope with the signature field empty.
func (e *TaskEnvelope) Sign(secret []byte) error {
	unsigned := *e
	unsigned.Signature = ""
	canonical, err := CanonicalJSON(&unsigned)
	if err != nil {
		return err
	}
	e.Signature = signHMAC(secret, canonical)
	return nil
}

// Verify recomputes the signature and compares it in constant time.
// Any field tampering flips the result to false.
func (e *TaskEnvelope) Verify(secret []byte) bool {
	if e.Signature == "" {
		return false
	}
	unsigned := *e
	unsigned.Signature = ""
	canonical, err := CanonicalJSON(&unsigned)
	if err != nil {
		return false
	}
	return verifyHMAC(secret, canonical, e.Signature)
}

// Sign attaches the result signature, computed the same way as for task
// envelopes so agents can reuse one signing path.
func (e *ResultEnvelope) Sign(secret []byte) error {
	unsigned := *e
	unsigned.Signature = ""
	canonical, err := CanonicalJSON(&unsigned)
	if err != nil {
		return err
	}
	e.Signature = signHMAC(secret, canonical)
	return nil
}

// Verify recomputes the result signature and compares it in constant time.
func (e *ResultEnvelope) Verify(secret []byte) bool {
	if e.Signature == "" {
		return false
	}
	unsigned := *e
	unsigned.Signature = ""
	canonical, err := CanonicalJSON(&unsigned)
	if err != nil {
		return false
	}
	return verifyHMAC(secret, canonical, e.Signature)
}
