// Package memberauth implements the authentication core for a retail
// member account: credential checks with audit-driven lockout, optional
// two-factor verification (email OTP and TOTP), single-active-session
// enforcement, and the full password lifecycle (change, history, aging,
// reset-by-token).
//
// The package is designed for concurrent server workloads: Engine
// methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// memberauth is the decision layer only. Persistence mechanics, email
// delivery, and bot-score verification are injected through the
// [CredentialStore], [AuditSink], [Notifier], and [BotChallengeVerifier]
// interfaces; the core has no framework or transport awareness. A
// reference Redis-backed store lives in the redisstore subpackage.
//
// # Concurrency contract
//
// Every mutation of per-account state (failure counters, lockout end,
// session id, OTP state, password fields) goes through an optimistic
// versioned update with bounded retry, so concurrent requests against
// the same account cannot race past each other and under-count
// failures. [Engine.ValidateSession] is the hot path: one indexed
// lookup plus a constant-time compare.
package memberauth
