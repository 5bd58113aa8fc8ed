// Package secmem wraps sensitive strings — the voice gateway auth token
// handed over the control channel — so they never sit in a plain string a
// logger or %v formatter could serialize.
package secmem

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// SecureString holds sensitive data with best-effort memory zeroing. Go's
// GC may copy the backing array, so this is defense-in-depth, not a
// guarantee. Call Zero() in shutdown paths to overwrite the token in place.
type SecureString struct {
	mu         sync.Mutex
	data       []byte
	warnedOnce atomic.Bool
}

// NewSecureString creates a SecureString from the given string.
func NewSecureString(s string) *SecureString {
	b := make([]byte, len(s))
	copy(b, s)
	return &SecureString{data: b}
}

// Reveal returns the plaintext value, or "" once Zero has been called.
func (s *SecureString) Reveal() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		if !s.warnedOnce.Swap(true) {
			slog.Warn("secmem: Reveal() called after Zero()")
		}
		return ""
	}
	return string(s.data)
}

// IsZeroed reports whether Zero has already been called.
func (s *SecureString) IsZeroed() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data == nil
}

// Zero overwrites the backing byte slice with zeros and releases it.
func (s *SecureString) Zero() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return
	}
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
}

// String always returns the redacted placeholder, preventing accidental
// logging via %s/%v.
func (s *SecureString) String() string {
	return "[REDACTED]"
}

// GoString returns a redacted representation for fmt's %#v verb.
func (s *SecureString) GoString() string {
	return "[REDACTED]"
}

// Format implements fmt.Formatter so every verb, not just the ones the
// Stringer/GoStringer interfaces cover, redacts the value.
func (s *SecureString) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, "[REDACTED]")
}

// MarshalJSON always serializes to the redacted placeholder.
func (s *SecureString) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}

// MarshalText always serializes to the redacted placeholder.
func (s *SecureString) MarshalText() ([]byte, error) {
	return []byte("[REDACTED]"), nil
}

// UnmarshalJSON always fails: a SecureString must be constructed via
// NewSecureString, never decoded from a redacted placeholder.
func (s *SecureString) UnmarshalJSON([]byte) error {
	return fmt.Errorf("secmem: SecureString cannot be unmarshaled from JSON")
}
