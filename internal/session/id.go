package session

import "github.com/google/uuid"

// NewID mints an 8-hex-character session identifier, matching the original
// implementation's uuid.uuid4().hex[:8] — see core/session.py.
func NewID() string {
	raw := uuid.New()
	hexStr := raw.String()
	// Strip hyphens to mirror Python's hex form, then take the first 8 chars.
	compact := make([]byte, 0, 32)
	for i := 0; i < len(hexStr); i++ {
		if hexStr[i] != '-' {
			compact = append(compact, hexStr[i])
		}
	}
	return string(compact[:8])
}
