package jwt

import "encoding/json"

// KeySet is a JSON Web Key set, used for representing
// multiple valid JWKs.
type KeySet struct {
	Keys []*Key `json:"keys"`
}

// NewKeySet creates a new KeySet from the given keys.
func NewKeySet(keys []*Key) *KeySet {
	return &KeySet{
		Keys: keys,
	}
}

// DecodeKeySet decodes a JSON-encoded key set, parsing every key.
func DecodeKeySet(keySet string) (*KeySet, error) {
	var ks KeySet
	if err := json.Unmarshal([]byte(keySet), &ks); err != nil {
		return nil, err
	}

	for _, key := range ks.Keys {
		if key == nil {
			return nil, ErrNilKey
		}
		if key.Algorithm == "" {
			if err := key.tryParseAlgorithm(); err != nil {
				return nil, err
			}
		}
		if err := key.IsValid(); err != nil {
			return nil, err
		}
		if err := key.Parse(); err != nil {
			return nil, err
		}
	}

	return &ks, nil
}

// KeyForThumbprint returns the key with the given RFC 7638 thumbprint.
func (ks *KeySet) KeyForThumbprint(thumbprint string) (*Key, bool) {
	for _, key := range ks.Keys {
		tp, err := key.Thumbprint()
		if err == nil && tp == thumbprint {
			return key, true
		}
	}
	return nil, false
}
