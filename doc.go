// Package didauth provides the identity authentication and instance lifecycle
// core of a decentralized-identity control plane.
//
// Authentication:
//   - Identities are keyed by a DID that encodes an Ed25519 public key. Requests
//     carry a signature over "did|nonce|timestamp[|extra...]"; SignatureVerifier
//     derives the key from the DID itself, so there is no external key lookup.
//   - TokenIssuer signs short-lived access tokens and longer-lived refresh tokens.
//     Refresh tokens are rotated on every use through a RefreshTokenStore.
//
// Instance lifecycle:
//   - Every identity owns a backing instance provisioned by an external script.
//     ProvisioningOrchestrator spawns the script through a Provisioner, then
//     reconciles two independent completion signals (process exit code and the
//     script's internal callback) through a single Reconcile decision table.
//   - The callback is authoritative. A nonzero exit never overwrites a status the
//     callback already marked as completed.
//
// Authorization:
//   - Mutations resolve exactly one Role per request (internal, admin or owner).
//     Each role carries its own field allow-list; anything outside it is rejected
//     before the identity is touched.
package didauth
