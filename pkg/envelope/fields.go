package envelope

import (
	"fmt"
	"strings"
)

// ToMap renders an envelope as the plain JSON object stored in block state.
func ToMap(e Envelope) map[string]any {
	recipients := make([]any, 0, len(e.Recipients))
	for _, r := range e.Recipients {
		recipients = append(recipients, map[string]any{
			"key_hash":      r.KeyHash,
			"encrypted_key": r.EncryptedKey,
		})
	}
	return map[string]any{
		"alg":        e.Alg,
		"recipients": recipients,
		"epk":        e.EPK,
		"nonce":      e.Nonce,
		"ciphertext": e.Ciphertext,
	}
}

// FromMap parses a state value back into an envelope.
func FromMap(v any) (Envelope, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return Envelope{}, fmt.Errorf("envelope must be an object, got %T", v)
	}
	alg, _ := m["alg"].(string)
	if alg != Alg {
		return Envelope{}, fmt.Errorf("unsupported envelope alg %q", alg)
	}
	e := Envelope{Alg: alg}
	e.EPK, _ = m["epk"].(string)
	e.Nonce, _ = m["nonce"].(string)
	e.Ciphertext, _ = m["ciphertext"].(string)
	if e.Nonce == "" || e.Ciphertext == "" {
		return Envelope{}, fmt.Errorf("envelope missing nonce or ciphertext")
	}
	rs, _ := m["recipients"].([]any)
	for _, rv := range rs {
		rm, ok := rv.(map[string]any)
		if !ok {
			return Envelope{}, fmt.Errorf("envelope recipient must be an object, got %T", rv)
		}
		r := Recipient{}
		r.KeyHash, _ = rm["key_hash"].(string)
		r.EncryptedKey, _ = rm["encrypted_key"].(string)
		if r.KeyHash == "" || r.EncryptedKey == "" {
			return Envelope{}, fmt.Errorf("envelope recipient missing key_hash or encrypted_key")
		}
		e.Recipients = append(e.Recipients, r)
	}
	if len(e.Recipients) == 0 {
		return Envelope{}, fmt.Errorf("envelope has no recipients")
	}
	return e, nil
}

// IsEnvelope reports whether a state value already carries a sealed envelope.
func IsEnvelope(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	alg, _ := m["alg"].(string)
	return alg == Alg
}

// EncryptFields seals every `_`-prefixed state field for the given recipients
// and returns a new state map. Fields already sealed pass through untouched.
func EncryptFields(state map[string]any, recipients [][]byte) (map[string]any, error) {
	out := make(map[string]any, len(state))
	for k, v := range state {
		if !strings.HasPrefix(k, "_") || IsEnvelope(v) {
			out[k] = v
			continue
		}
		env, err := Encrypt(v, recipients)
		if err != nil {
			return nil, fmt.Errorf("encrypt field %q: %w", k, err)
		}
		out[k] = ToMap(env)
	}
	return out, nil
}

// DecryptFields opens every sealed `_`-prefixed field the private key can
// unwrap and returns a new state map. Fields sealed for other recipients are
// left in envelope form rather than failing the whole state.
func DecryptFields(state map[string]any, priv []byte) (map[string]any, error) {
	out := make(map[string]any, len(state))
	for k, v := range state {
		if !strings.HasPrefix(k, "_") || !IsEnvelope(v) {
			out[k] = v
			continue
		}
		env, err := FromMap(v)
		if err != nil {
			return nil, fmt.Errorf("parse envelope %q: %w", k, err)
		}
		plain, err := Decrypt(env, priv)
		if err != nil {
			out[k] = v
			continue
		}
		out[k] = plain
	}
	return out, nil
}
