package application

import "ssrtunnel/internal/domain"

// extractAndTransform is the single extraction helper serving both
// streaming directions: clone the bytes a completed read delivered into a
// fresh buffer and run them through the codec appropriate to the source
// side. A nil error with nil bytes means "nothing to write, but not a
// failure" (only possible on the decrypt side, when a stray feedback
// buffer is discarded in a release build, or when a read landed entirely
// inside a partial trailing frame). Any non-nil error is a codec failure
// the caller must treat as a shutdown signal.
func extractAndTransform(t *domain.Tunnel, source *domain.Socket, isIncoming bool) ([]byte, error) {
	raw := make([]byte, source.ReadLen)
	copy(raw, source.ReadBuf[:source.ReadLen])

	if isIncoming {
		return t.Cipher.EncryptInPlace(raw)
	}

	plain, feedback, err := decryptFrames(t, raw)
	if err != nil {
		return nil, err
	}
	if len(feedback) > 0 {
		// The feedback handshake is over by the time either side reaches
		// STREAMING; a non-empty feedback buffer here means the codec
		// violated its "handshake decrypt consumes all input" contract.
		if buildDebug {
			panic("ssrtunnel: cipher produced feedback outside handshake")
		}
		return nil, nil
	}
	return plain, nil
}

// decryptFrames prepends whatever a previous call held back as a trailing
// partial wire frame, decodes every complete frame now present in raw, and
// stashes any new trailing partial frame on the tunnel for the next call.
// Ordinary TCP segmentation of one encrypted chunk must never surface as an
// error; this is the only place that boundary is absorbed.
func decryptFrames(t *domain.Tunnel, raw []byte) (plain, feedback []byte, err error) {
	buf := raw
	if len(t.DecryptRemainder) > 0 {
		buf = append(append([]byte(nil), t.DecryptRemainder...), raw...)
	}

	plain, feedback, rest, err := t.Cipher.DecryptInPlace(buf)
	if err != nil {
		t.DecryptRemainder = nil
		return nil, nil, err
	}
	if len(rest) > 0 {
		t.DecryptRemainder = append([]byte(nil), rest...)
	} else {
		t.DecryptRemainder = nil
	}
	return plain, feedback, nil
}
