package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/klingon-exchange/swapd/internal/swap"
)

const nextSwapIDKey = "next_swap_id"

const swapColumns = `
	s.id, s.is_initiator, s.terms, s.lock_times, s.scheme, s.secret_hash,
	s.status, s.flags, s.local, s.remote,
	s.redeem_txid, s.refund_txid, s.party_redeem_txid, s.cancel_reason,
	s.created_at, s.updated_at, sec.secret
`

// SaveSwap saves or updates a swap record.
// Uses UPSERT pattern - creates if not exists, updates if exists.
func (s *Storage) SaveSwap(r swap.Record) error {
	if r.ID == 0 {
		return fmt.Errorf("%w: zero id", ErrInvalidRecord)
	}
	terms, err := json.Marshal(r.Terms)
	if err != nil {
		return err
	}
	lockTimes, err := json.Marshal(r.LockTimes)
	if err != nil {
		return err
	}
	local, err := json.Marshal(r.Local)
	if err != nil {
		return err
	}
	remote, err := json.Marshal(r.Remote)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO swaps (
			id, is_initiator, symbol, sold_currency, sold_amount,
			purchased_currency, purchased_amount, terms, lock_times, scheme,
			secret_hash, status, flags, local, remote,
			redeem_txid, refund_txid, party_redeem_txid, cancel_reason,
			active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			secret_hash = excluded.secret_hash,
			status = excluded.status,
			flags = excluded.flags,
			local = excluded.local,
			remote = excluded.remote,
			redeem_txid = excluded.redeem_txid,
			refund_txid = excluded.refund_txid,
			party_redeem_txid = excluded.party_redeem_txid,
			cancel_reason = excluded.cancel_reason,
			active = excluded.active,
			updated_at = excluded.updated_at
	`
	_, err = tx.Exec(query,
		r.ID,
		boolToInt(r.IsInitiator),
		r.Terms.Symbol,
		r.Terms.SoldCurrency,
		r.Terms.SoldAmount,
		r.Terms.PurchasedCurrency,
		r.Terms.PurchasedAmount,
		string(terms),
		string(lockTimes),
		string(r.Scheme),
		r.SecretHash,
		uint32(r.Status),
		uint32(r.Flags),
		string(local),
		string(remote),
		r.RedeemTxID,
		r.RefundTxID,
		r.PartyRedeem,
		r.CancelReason,
		boolToInt(r.IsRestorable()),
		r.CreatedAt.Unix(),
		now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save swap %d: %w", r.ID, err)
	}

	// A secret, once known, is never overwritten.
	if r.Secret != "" {
		_, err = tx.Exec(`
			INSERT INTO secrets (swap_id, secret_hash, secret, revealed_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(swap_id) DO NOTHING`,
			r.ID, r.SecretHash, r.Secret, now.Unix())
		if err != nil {
			return fmt.Errorf("save secret of swap %d: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// GetSwap retrieves a swap by id.
func (s *Storage) GetSwap(id uint64) (swap.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + swapColumns + `
		FROM swaps s LEFT JOIN secrets sec ON sec.swap_id = s.id
		WHERE s.id = ?`

	r, err := scanSwapRecord(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return swap.Record{}, fmt.Errorf("%w: %d", ErrSwapNotFound, id)
	}
	return r, err
}

// ListActiveSwaps returns all swaps that still need watches.
// These are swaps that need to be recovered on startup.
func (s *Storage) ListActiveSwaps() ([]swap.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + swapColumns + `
		FROM swaps s LEFT JOIN secrets sec ON sec.swap_id = s.id
		WHERE s.active = 1
		ORDER BY s.id ASC`

	return s.querySwaps(query)
}

// ListSwaps returns swaps, newest first.
func (s *Storage) ListSwaps(limit int) ([]swap.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + swapColumns + `
		FROM swaps s LEFT JOIN secrets sec ON sec.swap_id = s.id
		ORDER BY s.id DESC`
	if limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(limit)
	}

	return s.querySwaps(query)
}

// NextSwapID reserves the next swap id from the settings table.
func (s *Storage) NextSwapID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var next uint64 = 1
	var value string
	err = tx.QueryRow(`SELECT value FROM settings WHERE key = ?`, nextSwapIDKey).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Databases written before the counter existed.
		var maxID sql.NullInt64
		if err := tx.QueryRow(`SELECT MAX(id) FROM swaps`).Scan(&maxID); err != nil {
			return 0, err
		}
		if maxID.Valid {
			next = uint64(maxID.Int64) + 1
		}
	case err != nil:
		return 0, err
	default:
		next, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt swap id counter %q: %w", value, err)
		}
	}

	_, err = tx.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		nextSwapIDKey, strconv.FormatUint(next+1, 10), time.Now().Unix())
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Storage) querySwaps(query string, args ...any) ([]swap.Record, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []swap.Record
	for rows.Next() {
		r, err := scanSwapRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSwapRecord(row rowScanner) (swap.Record, error) {
	var (
		r                                   swap.Record
		isInitiator                         int
		terms, lockTimes, scheme            string
		local, remote                       string
		secretHash, redeem, refund, partyTx sql.NullString
		cancelReason, secret                sql.NullString
		status, flags                       uint32
		createdAt, updatedAt                int64
	)
	err := row.Scan(
		&r.ID, &isInitiator, &terms, &lockTimes, &scheme, &secretHash,
		&status, &flags, &local, &remote,
		&redeem, &refund, &partyTx, &cancelReason,
		&createdAt, &updatedAt, &secret,
	)
	if err != nil {
		return swap.Record{}, err
	}

	if err := json.Unmarshal([]byte(terms), &r.Terms); err != nil {
		return swap.Record{}, fmt.Errorf("%w: swap %d terms: %v", ErrInvalidRecord, r.ID, err)
	}
	if err := json.Unmarshal([]byte(lockTimes), &r.LockTimes); err != nil {
		return swap.Record{}, fmt.Errorf("%w: swap %d lock times: %v", ErrInvalidRecord, r.ID, err)
	}
	if err := json.Unmarshal([]byte(local), &r.Local); err != nil {
		return swap.Record{}, fmt.Errorf("%w: swap %d local party: %v", ErrInvalidRecord, r.ID, err)
	}
	if err := json.Unmarshal([]byte(remote), &r.Remote); err != nil {
		return swap.Record{}, fmt.Errorf("%w: swap %d remote party: %v", ErrInvalidRecord, r.ID, err)
	}

	r.IsInitiator = isInitiator != 0
	r.Scheme = swap.HashScheme(scheme)
	r.SecretHash = secretHash.String
	r.Secret = secret.String
	r.Status = swap.Status(status)
	r.Flags = swap.StateFlags(flags)
	r.RedeemTxID = redeem.String
	r.RefundTxID = refund.String
	r.PartyRedeem = partyTx.String
	r.CancelReason = cancelReason.String
	r.CreatedAt = time.Unix(createdAt, 0)
	r.UpdatedAt = time.Unix(updatedAt, 0)
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
