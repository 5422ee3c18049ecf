package domain

import "fmt"

// Secret wraps a plaintext value that must never be serialized in the clear.
// Expose is the only way to read the underlying value; MarshalJSON and
// String always redact.
type Secret struct {
	plaintext string
}

// NewSecret wraps a plaintext value.
func NewSecret(plaintext string) Secret {
	return Secret{plaintext: plaintext}
}

// Expose returns the underlying plaintext. Callers must not log or persist
// the result outside of the encrypted Store path.
func (s Secret) Expose() string {
	return s.plaintext
}

// IsEmpty reports whether the secret carries no plaintext.
func (s Secret) IsEmpty() bool {
	return s.plaintext == ""
}

func (s Secret) redacted() string {
	return fmt.Sprintf("[REDACTED, %d bytes]", len(s.plaintext))
}

// String implements fmt.Stringer with the redacted form, so Secret is safe
// to pass to %v/%s and log statements by accident.
func (s Secret) String() string {
	return s.redacted()
}

// MarshalJSON always emits the redacted form; Secret is never serialized in
// the clear, including in AdminAPI responses.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.redacted() + `"`), nil
}
