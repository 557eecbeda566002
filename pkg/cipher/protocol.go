package cipher

// Recognized protocol selectors. Only auth_chain_a requires the feedback
// round trip; origin passes the AEAD stream straight through, matching the
// SSR reference client's protocol plugin split between "origin" (no extra
// handshake) and the auth_chain family (mandatory server challenge).
const (
	ProtocolOrigin     = "origin"
	ProtocolAuthChainA = "auth_chain_a"
)

// NeedsFeedbackFor reports whether protocol requires the server to send an
// unsolicited challenge after the client's first payload.
func NeedsFeedbackFor(protocol string) bool {
	return protocol == ProtocolAuthChainA
}

// headLenCap mirrors the original client's get_s5_head_size cap: obfuscation
// plugins only need to see a bounded prefix of the first payload to size
// their padding, not the whole initial package.
const headLenCap = 30

// HeadLen computes the obfuscation seed's head_len from the initial
// package: the length of the address block the plugin should treat as
// "header" for padding purposes, capped at headLenCap.
func HeadLen(initPkg []byte) int {
	if len(initPkg) > headLenCap {
		return headLenCap
	}
	return len(initPkg)
}
