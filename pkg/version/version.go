// Package version reports the library version.
package version

// Version is the flowkit library version.
const Version = "0.3.0"

// UserAgent returns the identifier sent on HTTP-facing handshakes, such
// as WebSocket upgrade requests.
func UserAgent() string {
	return "flowkit-go/" + Version
}
