// Package redial re-establishes pipelines after connection loss.
//
// Flow stages never retry on their own: an error is terminal for the
// stage, and the owner tears the pipeline down and builds a fresh one.
// This package supplies the policy layer above that: exponential backoff
// with jitter and a Manager that re-runs the owner's connect function
// until it succeeds or the manager is closed.
//
// # Backoff
//
// Delays grow exponentially and are capped:
//
//  1. Initial delay: 1 second
//  2. Exponential increase: 2s, 4s, 8s, 16s, 32s
//  3. Maximum delay: 60 seconds
//  4. Continue at 60s until successful
//  5. Reset to 1s on success
//
// Jitter spreads simultaneous redials apart:
//
//	actual_delay = base_delay + random(0, base_delay * 0.25)
//
// Only a fully established pipeline (transport connected and, when a
// tunnel stage is present, handshake done) resets the backoff.
package redial
