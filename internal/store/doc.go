// Package store provides persistence for mossy's passkey authentication core.
//
// All durable state lives here: registered users, one-time ceremony
// challenges, passkey credentials, and bearer sessions. The ceremony engine
// and the session issuer hold no mutable state of their own; the Store's
// atomic primitives are the only synchronization between concurrent
// request handlers.
//
// # Atomicity contract
//
// Two operations carry race-critical semantics:
//
//   - ConsumeChallenge is a single atomic delete-and-return. When two
//     ceremony completions race on the same challenge, exactly one receives
//     the challenge; the other gets ErrNotFound.
//
//   - AdvanceSignCount is a compare-and-set. The caller passes the counter
//     value it verified against; if the stored value moved in the meantime
//     the update fails with ErrStaleCounter instead of silently clobbering.
//
// # Implementations
//
// SQLiteStore is the production implementation (modernc.org/sqlite, WAL
// mode, schema bootstrap on open). MockStore is an in-memory double with
// identical semantics for tests.
package store
