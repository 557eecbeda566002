package domain

// Config is the read-only configuration handed to every tunnel through the
// Environment. Populated once at startup from flags; never mutated after.
type Config struct {
	ListenHost string
	ListenPort int

	RemoteHost string
	RemotePort int

	UDPEnabled bool

	OverTLS       bool
	TLSServerName string

	// Cipher/protocol/obfuscation selectors. The cipher factory reads
	// Protocol (see pkg/cipher for the recognized values) and Password; a
	// non-empty Obfuscation turns on head_len padding of the first chunk.
	// CipherMethod is not read: the codec is always ChaCha20-Poly1305.
	CipherMethod string
	Protocol     string
	Obfuscation  string
	Password     string

	// AllowLoopback overrides the default access-policy loopback deny.
	// Only meant for local development against a loopback test server;
	// see DESIGN.md Open Question O1.
	AllowLoopback bool
}
