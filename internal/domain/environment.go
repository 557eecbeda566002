package domain

import "ssrtunnel/pkg/cipher"

// CipherFactory creates a per-tunnel cipher context sized to maxChunk bytes
// of plaintext. Must be re-entrant across loops: called from whichever
// loop's thread accepted the tunnel.
type CipherFactory func(cfg *Config, maxChunk, headLen int) (*cipher.Context, error)

// Environment is the shared, read-mostly bag of configuration and the
// cipher factory handed to every tunnel by weak (non-owning) reference. One
// Environment per event loop.
type Environment struct {
	Config    *Config
	NewCipher CipherFactory
	Registry  *Registry
}

func NewEnvironment(cfg *Config, factory CipherFactory) *Environment {
	return &Environment{
		Config:    cfg,
		NewCipher: factory,
		Registry:  NewRegistry(),
	}
}
