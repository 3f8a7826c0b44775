// Package tunnelflow implements the tunnel data-flow stage: a flow that
// encrypts what its caller writes and decrypts what its next hop reads,
// using a tunnel.Engine for the byte transforms.
//
// The stage owns no socket. Connect delegates transport establishment to
// the next hop, then drives the engine's handshake by shuttling ciphertext
// through next-hop reads and writes. After that, one pump moves bytes in
// both directions:
//
//	caller Write ──> engine seal ──> next hop Write
//	caller Read  <── engine open <── next hop Read
//
// Everything runs on the chain's runloop; the stage keeps no locks and
// only ever has one next-hop read and one next-hop write in flight.
//
// Failures on either next-hop direction are delivered to whichever caller
// handler is pending, read side preferred; with no handler pending the
// error is stashed and handed to the next operation. After the first
// delivery the flow is terminal: later operations are rejected with the
// same error.
package tunnelflow
