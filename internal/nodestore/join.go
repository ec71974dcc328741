package nodestore

import (
	"context"
	"database/sql"
	"time"

	"github.com/ethdenver2026/consensus-gateway/internal/domain"
)

// CreateJoinRequest stores a new, unconsumed join request.
func (s *Store) CreateJoinRequest(ctx context.Context, jr *domain.JoinRequest) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO join_requests (join_id, pubkey_pem, alg, nonce, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		jr.JoinID, jr.PubKeyPEM, string(jr.Alg), jr.Nonce[:],
		jr.ExpiresAt.UTC().Format(time.RFC3339), jr.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetJoin returns a join request by id, consumed or not.
func (s *Store) GetJoin(ctx context.Context, joinID string) (*domain.JoinRequest, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT join_id, pubkey_pem, alg, nonce, expires_at, consumed_at, created_at
		 FROM join_requests WHERE join_id=?`, joinID)
	return scanJoin(row)
}

// ConsumeJoin marks a join request consumed iff it is unconsumed and unexpired.
// Idempotent-once: a second call returns ErrConsumed.
func (s *Store) ConsumeJoin(ctx context.Context, joinID string, now time.Time) (*domain.JoinRequest, error) {
	jr, err := s.GetJoin(ctx, joinID)
	if err != nil {
		return nil, err
	}
	if jr.ConsumedAt != nil {
		return nil, ErrConsumed
	}
	if now.After(jr.ExpiresAt) {
		return nil, ErrJoinExpired
	}
	res, err := s.write.ExecContext(ctx,
		`UPDATE join_requests SET consumed_at=? WHERE join_id=? AND consumed_at IS NULL`,
		now.UTC().Format(time.RFC3339), joinID,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Raced with another consumer between the read and the write.
		return nil, ErrConsumed
	}
	jr.ConsumedAt = &now
	return jr, nil
}

// ErrJoinExpired is returned when ConsumeJoin is called past the request's TTL.
var ErrJoinExpired = errJoinExpired{}

type errJoinExpired struct{}

func (errJoinExpired) Error() string { return "nodestore: join request expired" }

func scanJoin(s scanner) (*domain.JoinRequest, error) {
	var jr domain.JoinRequest
	var alg, expiresAt, createdAt string
	var consumedAt sql.NullString
	var nonce []byte

	err := s.Scan(&jr.JoinID, &jr.PubKeyPEM, &alg, &nonce, &expiresAt, &consumedAt, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	jr.Alg = domain.SigAlg(alg)
	copy(jr.Nonce[:], nonce)
	jr.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt)
	jr.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if consumedAt.Valid {
		t, _ := time.Parse(time.RFC3339, consumedAt.String)
		jr.ConsumedAt = &t
	}
	return &jr, nil
}
