// Package redisstore is the Redis-backed reference implementation of
// the memberauth persistence contracts. One Store serves as both the
// CredentialStore and the AuditSink; all keys share a configurable
// prefix so several deployments can coexist in one Redis database.
package redisstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/membercore/memberauth"
)

// DefaultPrefix is used when New receives an empty prefix.
const DefaultPrefix = "memberauth:"

// Store implements memberauth.CredentialStore and memberauth.AuditSink
// on a single Redis client.
//
// Layout:
//
//	{prefix}acct:{id}            account row (JSON)
//	{prefix}email:{email}        email -> account id
//	{prefix}sess:{session-id}    session id -> account id
//	{prefix}hist:{id}            password history (list, newest first)
//	{prefix}reset:{token}        reset token row (JSON)
//	{prefix}audit:log            global audit trail (list, JSON lines)
//	{prefix}audit:{id}:{action}  per-account event index (zset by time)
type Store struct {
	client *redis.Client
	prefix string
}

// New wraps an existing Redis client. The client's lifecycle stays
// with the caller.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) accountKey(id string) string { return s.prefix + "acct:" + id }
func (s *Store) emailKey(email string) string { return s.prefix + "email:" + email }
func (s *Store) sessionKey(sid string) string { return s.prefix + "sess:" + sid }
func (s *Store) historyKey(id string) string { return s.prefix + "hist:" + id }
func (s *Store) resetKey(token string) string { return s.prefix + "reset:" + token }
func (s *Store) auditLogKey() string { return s.prefix + "audit:log" }

func (s *Store) auditIndexKey(id, action string) string {
	return s.prefix + "audit:" + id + ":" + action
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", memberauth.ErrBackendUnavailable, err)
}

/*
====================================
ACCOUNT ROWS
====================================
*/

// accountRecord is the wire form of memberauth.Account. The pending
// OTP digest travels hex-encoded.
type accountRecord struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	FailedLogins int       `json:"failed_logins"`
	LockedUntil  time.Time `json:"locked_until"`
	SessionID    string    `json:"session_id,omitempty"`
	LastLoginAt  time.Time `json:"last_login_at"`

	TwoFactorEnabled  bool      `json:"two_factor_enabled"`
	TwoFactorMethod   uint8     `json:"two_factor_method"`
	TOTPSecret        string    `json:"totp_secret,omitempty"`
	PendingOTPHash    string    `json:"pending_otp_hash,omitempty"`
	OTPIssuedAt       time.Time `json:"otp_issued_at"`
	TwoFactorFailures int       `json:"two_factor_failures"`

	PasswordChangedAt time.Time `json:"password_changed_at"`
	CreatedAt         time.Time `json:"created_at"`
	Version           uint64    `json:"version"`
}

var zeroOTPHash [32]byte

func encodeAccount(a *memberauth.Account) ([]byte, error) {
	rec := accountRecord{
		ID:                a.ID,
		Email:             a.Email,
		PasswordHash:      a.PasswordHash,
		FailedLogins:      a.FailedLogins,
		LockedUntil:       a.LockedUntil,
		SessionID:         a.SessionID,
		LastLoginAt:       a.LastLoginAt,
		TwoFactorEnabled:  a.TwoFactorEnabled,
		TwoFactorMethod:   uint8(a.TwoFactorMethod),
		TOTPSecret:        a.TOTPSecret,
		OTPIssuedAt:       a.OTPIssuedAt,
		TwoFactorFailures: a.TwoFactorFailures,
		PasswordChangedAt: a.PasswordChangedAt,
		CreatedAt:         a.CreatedAt,
		Version:           a.Version,
	}
	if a.PendingOTPHash != zeroOTPHash {
		rec.PendingOTPHash = hex.EncodeToString(a.PendingOTPHash[:])
	}
	return json.Marshal(rec)
}

func decodeAccount(data []byte) (*memberauth.Account, error) {
	var rec accountRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("malformed account row: %w", err)
	}

	account := &memberauth.Account{
		ID:                rec.ID,
		Email:             rec.Email,
		PasswordHash:      rec.PasswordHash,
		FailedLogins:      rec.FailedLogins,
		LockedUntil:       rec.LockedUntil,
		SessionID:         rec.SessionID,
		LastLoginAt:       rec.LastLoginAt,
		TwoFactorEnabled:  rec.TwoFactorEnabled,
		TwoFactorMethod:   memberauth.TwoFactorMethod(rec.TwoFactorMethod),
		TOTPSecret:        rec.TOTPSecret,
		OTPIssuedAt:       rec.OTPIssuedAt,
		TwoFactorFailures: rec.TwoFactorFailures,
		PasswordChangedAt: rec.PasswordChangedAt,
		CreatedAt:         rec.CreatedAt,
		Version:           rec.Version,
	}
	if rec.PendingOTPHash != "" {
		raw, err := hex.DecodeString(rec.PendingOTPHash)
		if err != nil || len(raw) != 32 {
			return nil, errors.New("malformed account row: bad otp digest")
		}
		copy(account.PendingOTPHash[:], raw)
	}
	return account, nil
}

// CreateAccount reserves the email index first (SETNX enforces
// case-folded uniqueness), then writes the row. A failed row write
// releases the index so the email is not poisoned.
func (s *Store) CreateAccount(ctx context.Context, account *memberauth.Account) error {
	data, err := encodeAccount(account)
	if err != nil {
		return err
	}

	reserved, err := s.client.SetNX(ctx, s.emailKey(account.Email), account.ID, 0).Result()
	if err != nil {
		return unavailable(err)
	}
	if !reserved {
		return memberauth.ErrDuplicateEmail
	}

	if err := s.client.Set(ctx, s.accountKey(account.ID), data, 0).Err(); err != nil {
		s.client.Del(context.WithoutCancel(ctx), s.emailKey(account.Email))
		return unavailable(err)
	}
	return nil
}

// AccountByID returns the stored row.
func (s *Store) AccountByID(ctx context.Context, id string) (*memberauth.Account, error) {
	data, err := s.client.Get(ctx, s.accountKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, memberauth.ErrAccountNotFound
		}
		return nil, unavailable(err)
	}
	return decodeAccount(data)
}

// AccountByEmail resolves the email index and loads the row.
func (s *Store) AccountByEmail(ctx context.Context, email string) (*memberauth.Account, error) {
	id, err := s.client.Get(ctx, s.emailKey(email)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, memberauth.ErrAccountNotFound
		}
		return nil, unavailable(err)
	}
	return s.AccountByID(ctx, id)
}

// AccountBySession resolves the session index and loads the row. The
// index entry is re-checked against the row so a stale mapping never
// resolves.
func (s *Store) AccountBySession(ctx context.Context, sessionID string) (*memberauth.Account, error) {
	id, err := s.client.Get(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, memberauth.ErrAccountNotFound
		}
		return nil, unavailable(err)
	}

	account, err := s.AccountByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if account.SessionID != sessionID {
		return nil, memberauth.ErrAccountNotFound
	}
	return account, nil
}

// UpdateAccount commits the row under optimistic concurrency: the
// stored version must equal the caller's, the committed row carries
// version+1, and the session index follows any session change in the
// same transaction. On success the caller's Version is advanced to the
// committed one.
//
// A WATCH abort means another writer landed between read and commit,
// which is exactly a version conflict.
func (s *Store) UpdateAccount(ctx context.Context, account *memberauth.Account) error {
	key := s.accountKey(account.ID)

	next := *account
	next.Version++
	payload, err := encodeAccount(&next)
	if err != nil {
		return err
	}

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return memberauth.ErrAccountNotFound
			}
			return unavailable(err)
		}
		stored, err := decodeAccount(data)
		if err != nil {
			return err
		}
		if stored.Version != account.Version {
			return memberauth.ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if stored.SessionID != next.SessionID {
				if stored.SessionID != "" {
					pipe.Del(ctx, s.sessionKey(stored.SessionID))
				}
				if next.SessionID != "" {
					pipe.Set(ctx, s.sessionKey(next.SessionID), account.ID, 0)
				}
			}
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txn, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return memberauth.ErrVersionConflict
		}
		if errors.Is(err, memberauth.ErrAccountNotFound) ||
			errors.Is(err, memberauth.ErrVersionConflict) ||
			errors.Is(err, memberauth.ErrBackendUnavailable) {
			return err
		}
		return unavailable(err)
	}

	account.Version = next.Version
	return nil
}

/*
====================================
PASSWORD HISTORY
====================================
*/

type historyRecord struct {
	AccountID    string    `json:"account_id"`
	PasswordHash string    `json:"password_hash"`
	SupersededAt time.Time `json:"superseded_at"`
}

// AppendPasswordHistory prepends a superseded hash. Entries are never
// pruned here; readers bound their own lookback.
func (s *Store) AppendPasswordHistory(ctx context.Context, entry memberauth.PasswordHistoryEntry) error {
	data, err := json.Marshal(historyRecord(entry))
	if err != nil {
		return err
	}
	if err := s.client.LPush(ctx, s.historyKey(entry.AccountID), data).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// PasswordHistory returns up to limit entries, newest first.
func (s *Store) PasswordHistory(ctx context.Context, accountID string, limit int) ([]memberauth.PasswordHistoryEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.client.LRange(ctx, s.historyKey(accountID), 0, int64(limit)-1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, unavailable(err)
	}

	entries := make([]memberauth.PasswordHistoryEntry, 0, len(rows))
	for _, row := range rows {
		var rec historyRecord
		if err := json.Unmarshal([]byte(row), &rec); err != nil {
			return nil, fmt.Errorf("malformed history row: %w", err)
		}
		entries = append(entries, memberauth.PasswordHistoryEntry(rec))
	}
	return entries, nil
}

/*
====================================
RESET TOKENS
====================================
*/

type resetRecord struct {
	Token     string    `json:"token"`
	AccountID string    `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
	UsedAt    time.Time `json:"used_at"`
}

// SaveResetToken persists a token row. Rows carry no Redis TTL: an
// expired token must still resolve so its rejection can name expiry,
// and a used one must stay flagged.
func (s *Store) SaveResetToken(ctx context.Context, token *memberauth.PasswordResetToken) error {
	data, err := json.Marshal(resetRecord(*token))
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.resetKey(token.Token), data, 0).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// ResetTokenByValue loads a token row. An unknown token surfaces as a
// TokenError with the not-found reason.
func (s *Store) ResetTokenByValue(ctx context.Context, token string) (*memberauth.PasswordResetToken, error) {
	data, err := s.client.Get(ctx, s.resetKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &memberauth.TokenError{Reason: memberauth.TokenNotFound}
		}
		return nil, unavailable(err)
	}

	var rec resetRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("malformed reset token row: %w", err)
	}
	result := memberauth.PasswordResetToken(rec)
	return &result, nil
}

// MarkResetTokenUsed flags the token consumed. The flag flips at most
// once: a concurrent consumer loses on the WATCH and gets the
// already-used rejection.
func (s *Store) MarkResetTokenUsed(ctx context.Context, token string, usedAt time.Time) error {
	key := s.resetKey(token)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return &memberauth.TokenError{Reason: memberauth.TokenNotFound}
			}
			return unavailable(err)
		}

		var rec resetRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("malformed reset token row: %w", err)
		}
		if rec.Used {
			return &memberauth.TokenError{Reason: memberauth.TokenUsed}
		}
		rec.Used = true
		rec.UsedAt = usedAt

		payload, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txn, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return &memberauth.TokenError{Reason: memberauth.TokenUsed}
		}
		if errors.Is(err, memberauth.ErrResetTokenInvalid) ||
			errors.Is(err, memberauth.ErrBackendUnavailable) {
			return err
		}
		return unavailable(err)
	}
	return nil
}

/*
====================================
AUDIT TRAIL
====================================
*/

// Append implements memberauth.AuditSink. Every event lands on the
// global trail; events bound to an account additionally join the
// per-account index that drives the lockout window count. Both writes
// commit in one transaction so the count can never run ahead of the
// trail.
func (s *Store) Append(ctx context.Context, event memberauth.AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.auditLogKey(), data)
		if event.AccountID != "" {
			// Millisecond scores stay exact inside float64.
			pipe.ZAdd(ctx, s.auditIndexKey(event.AccountID, event.Action), redis.Z{
				Score:  float64(event.Timestamp.UnixMilli()),
				Member: event.ID,
			})
		}
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// CountAuditEvents counts events of one action for one account with a
// timestamp at or after since.
func (s *Store) CountAuditEvents(ctx context.Context, accountID, action string, since time.Time) (int, error) {
	count, err := s.client.ZCount(
		ctx,
		s.auditIndexKey(accountID, action),
		strconv.FormatInt(since.UnixMilli(), 10),
		"+inf",
	).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	return int(count), nil
}
