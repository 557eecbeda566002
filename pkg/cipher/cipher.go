// Package cipher implements the tunnel's cipher/obfuscation pipeline: a
// per-tunnel, stateful AEAD codec that turns a plaintext chunk into a wire
// chunk and back, with an optional challenge-response ("feedback") exchange
// some obfuscation protocols require immediately after the client's first
// payload.
//
// A Context is not safe for concurrent use; callers pin it to the event
// loop that owns the tunnel, exactly like every other piece of per-tunnel
// state.
package cipher

import (
	stdcipher "crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MaxPlaintextChunk is the fixed maximum plaintext chunk size the wire
// codec is sized for. Plaintext longer than this is fragmented across
// several wire frames by EncryptInPlace.
const MaxPlaintextChunk = 1452

var ErrShortFrame = errors.New("cipher: incomplete wire frame")

const (
	frameLenHeader = 2 // uint16 big-endian ciphertext length prefix
)

// Context is the opaque per-tunnel codec: encrypt-in-place, decrypt-in-
// place with an optional feedback buffer, and a needs-feedback predicate
// fixed at creation from the configured protocol.
type Context struct {
	enc, dec       stdcipher.AEAD
	encSeq, decSeq uint64

	maxChunk int

	needsFeedback bool
	feedbackDone  bool
	feedbackKey   []byte

	// headLen sizes the obfuscation padding prepended to the very first
	// chunk EncryptInPlace ever seals. Zero when no obfuscation plugin is
	// configured.
	headLen int
}

// NewContext derives per-direction AEAD keys from psk via HKDF-SHA256 and
// returns a Context sized to maxChunk bytes of plaintext. protocol selects
// whether a feedback challenge is required after the first upstream
// payload; see NeedsFeedback. headLen sizes the obfuscation padding an
// attached plugin prepends to the very first outbound chunk; pass 0 when
// no obfuscation plugin is configured.
func NewContext(psk []byte, protocol string, maxChunk, headLen int) (*Context, error) {
	if maxChunk <= 0 {
		maxChunk = MaxPlaintextChunk
	}

	material := make([]byte, 96)
	kdf := hkdf.New(sha256.New, psk, []byte("ssrtunnel-salt"), []byte("ssrtunnel-subkeys"))
	if _, err := io.ReadFull(kdf, material); err != nil {
		return nil, err
	}

	clientToServer, err := chacha20poly1305.New(material[0:32])
	if err != nil {
		return nil, err
	}
	serverToClient, err := chacha20poly1305.New(material[32:64])
	if err != nil {
		return nil, err
	}

	return &Context{
		enc:           clientToServer,
		dec:           serverToClient,
		maxChunk:      maxChunk,
		needsFeedback: NeedsFeedbackFor(protocol),
		feedbackKey:   material[64:96],
		headLen:       headLen,
	}, nil
}

// Peer returns a Context that decodes what c encodes and vice versa,
// simulating the other end of a connection sharing the same psk. A real
// deployment never constructs one side from the other; this exists so
// tests and local loopback verification can speak both roles.
func (c *Context) Peer() *Context {
	return &Context{
		enc:           c.dec,
		dec:           c.enc,
		maxChunk:      c.maxChunk,
		needsFeedback: c.needsFeedback,
		feedbackKey:   c.feedbackKey,
		headLen:       c.headLen,
	}
}

// NeedsFeedback reports whether the configured protocol requires a
// challenge-response round trip immediately after the initial payload.
func (c *Context) NeedsFeedback() bool { return c.needsFeedback }

// HeadLen reports the obfuscation padding size this Context was configured
// with.
func (c *Context) HeadLen() int { return c.headLen }

func seqNonce(seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], seq)
	return nonce
}

// EncryptInPlace transforms a plaintext payload into its wire
// representation: one or more frames, each a 2-byte length prefix followed
// by AEAD-sealed ciphertext, fragmenting payloads larger than the
// configured maxChunk exactly the way a real client streams an oversized
// write across several SSR chunks. If an obfuscation plugin is configured
// (headLen > 0), the very first chunk this Context ever seals is padded
// with headLen filler bytes ahead of the payload, mirroring how obfuscation
// plugins pad their first outbound packet to a size sized off the initial
// package's header length.
func (c *Context) EncryptInPlace(plain []byte) ([]byte, error) {
	if c.encSeq == 0 && c.headLen > 0 {
		padded := make([]byte, c.headLen+len(plain))
		copy(padded[c.headLen:], plain)
		plain = padded
	}

	if len(plain) == 0 {
		return c.sealChunk(nil), nil
	}

	out := make([]byte, 0, len(plain)+frameLenHeader)
	for len(plain) > 0 {
		n := len(plain)
		if n > c.maxChunk {
			n = c.maxChunk
		}
		out = append(out, c.sealChunk(plain[:n])...)
		plain = plain[n:]
	}
	return out, nil
}

func (c *Context) sealChunk(plain []byte) []byte {
	nonce := seqNonce(c.encSeq)
	c.encSeq++

	sealed := c.enc.Seal(nil, nonce, plain, nil)
	frame := make([]byte, frameLenHeader+len(sealed))
	binary.BigEndian.PutUint16(frame, uint16(len(sealed)))
	copy(frame[frameLenHeader:], sealed)
	return frame
}

// DecryptInPlace consumes every complete wire frame present in frame,
// returning the concatenated plaintext of ordinary chunks. Any bytes left
// over — a trailing partial frame that a TCP segment boundary split mid-
// frame — are returned in rest for the caller to prepend to the next read
// instead of being treated as an error.
//
// If this Context needs feedback and the challenge has not yet been
// answered, decoding stops as soon as the challenge frame is decrypted:
// plain is empty (the handshake decrypt never surfaces application bytes)
// and feedback holds the plaintext-through-the-codec answer the caller
// must write upstream, with any bytes past the challenge frame returned in
// rest rather than folded into plain.
func (c *Context) DecryptInPlace(frame []byte) (plain, feedback, rest []byte, err error) {
	for len(frame) > 0 {
		if len(frame) < frameLenHeader {
			rest = frame
			return
		}
		n := int(binary.BigEndian.Uint16(frame))
		if len(frame) < frameLenHeader+n {
			rest = frame
			return
		}
		ciphertext := frame[frameLenHeader : frameLenHeader+n]
		frame = frame[frameLenHeader+n:]

		nonce := seqNonce(c.decSeq)
		c.decSeq++

		opened, decErr := c.dec.Open(nil, nonce, ciphertext, nil)
		if decErr != nil {
			err = decErr
			return
		}

		if c.needsFeedback && !c.feedbackDone {
			c.feedbackDone = true
			feedback = computeFeedback(c.feedbackKey, opened)
			rest = frame
			return
		}
		plain = append(plain, opened...)
	}
	return
}

// computeFeedback answers a server challenge the way auth_chain-style
// protocols expect: an HMAC-SHA1 of the challenge under a key derived
// alongside the AEAD subkeys. This does not claim byte-compatibility with a
// real SSR server's auth_chain_a implementation; see DESIGN.md.
func computeFeedback(key, challenge []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(challenge)
	return mac.Sum(nil)
}
