package auth

import (
	"encoding/json"
	"fmt"
)

// KeySet is the named HMAC keyring behind agent tokens and task envelope
// signatures. Every agent token carries the id of the key that signed it in
// its `kid` header, and the assigner signs envelopes with the secret of the
// kid bound to the receiving connection. Rotation adds a new key and flips
// ActiveKid; old secrets stay in Keys until their outstanding 24 h tokens
// have expired.
type KeySet struct {
	ActiveKid string            `json:"active_kid"`
	Keys      map[string]string `json:"keys"`
}

// ParseKeySet decodes the JSON key set from configuration, e.g.
//
//	{"active_kid": "2025-06", "keys": {"2025-06": "s3cret", "2025-01": "old"}}
func ParseKeySet(raw string) (*KeySet, error) {
	var ks KeySet
	if err := json.Unmarshal([]byte(raw), &ks); err != nil {
		return nil, fmt.Errorf("auth: parsing key set: %w", err)
	}
	if ks.ActiveKid == "" {
		return nil, fmt.Errorf("auth: key set has no active_kid")
	}
	if len(ks.Keys) == 0 {
		return nil, fmt.Errorf("auth: key set has no keys")
	}
	for kid, secret := range ks.Keys {
		if secret == "" {
			return nil, fmt.Errorf("auth: key %q has an empty secret", kid)
		}
	}
	if _, ok := ks.Keys[ks.ActiveKid]; !ok {
		return nil, fmt.Errorf("auth: active_kid %q not present in keys", ks.ActiveKid)
	}
	return &ks, nil
}

// Secret returns the secret for the given key id. The boolean reports
// whether the kid is known; callers treat unknown kids as invalid tokens.
func (ks *KeySet) Secret(kid string) ([]byte, bool) {
	secret, ok := ks.Keys[kid]
	if !ok {
		return nil, false
	}
	return []byte(secret), true
}

// Active returns the signing key used for newly minted agent tokens.
func (ks *KeySet) Active() (string, []byte) {
	return ks.ActiveKid, []byte(ks.Keys[ks.ActiveKid])
}
