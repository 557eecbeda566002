package application

import (
	"ssrtunnel/internal/domain"
	"ssrtunnel/pkg/cipher"
)

// DefaultCipherFactory implements domain.CipherFactory over pkg/cipher,
// keyed by the pre-shared password in Config. It is re-entrant: cipher.
// NewContext allocates fresh state on every call, so the same factory value
// is safe to hand to every event loop's Environment.
func DefaultCipherFactory(cfg *domain.Config, maxChunk, headLen int) (*cipher.Context, error) {
	return cipher.NewContext([]byte(cfg.Password), cfg.Protocol, maxChunk, headLen)
}
