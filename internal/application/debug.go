//go:build debug

package application

// buildDebug gates runtime assertions: violations of invariants that must
// never happen in a correct build (e.g. the handshake decrypt producing
// feedback outside the handshake) panic in a debug build and are silently
// ignored in a release build. Build with `-tags debug` to enable.
const buildDebug = true
