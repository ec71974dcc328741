package nodestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethdenver2026/consensus-gateway/internal/domain"
)

// UpsertNode inserts or replaces a node row.
func (s *Store) UpsertNode(ctx context.Context, n *domain.Node) error {
	caps, err := json.Marshal(n.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	var lastVerified any
	if n.LastVerifiedAt != nil {
		lastVerified = n.LastVerifiedAt.UTC().Format(time.RFC3339)
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO nodes (id, public_key_der, alg, region, capabilities, evm_address, solana_address,
		                     domain, tls_mode, status, verified, software_version, build_digest,
		                     last_verified_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		    public_key_der=excluded.public_key_der, alg=excluded.alg, region=excluded.region,
		    capabilities=excluded.capabilities, evm_address=excluded.evm_address,
		    solana_address=excluded.solana_address, domain=excluded.domain, tls_mode=excluded.tls_mode,
		    status=excluded.status, verified=excluded.verified, software_version=excluded.software_version,
		    build_digest=excluded.build_digest, last_verified_at=excluded.last_verified_at`,
		n.ID, n.PublicKeyDER, string(n.Alg), n.Region, string(caps), n.EVMAddress, n.SolanaAddress,
		n.Domain, n.TLSMode, string(n.Status), n.Verified, n.SoftwareVersion, n.BuildDigest,
		lastVerified, n.CreatedAt.UTC().Format(time.RFC3339),
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// SetDomain updates a node's assigned domain.
func (s *Store) SetDomain(ctx context.Context, nodeID, domainName string) error {
	res, err := s.write.ExecContext(ctx, `UPDATE nodes SET domain=? WHERE id=?`, domainName, nodeID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

// UpdateNodeVerification marks a node verified after a passing integrity attestation.
func (s *Store) UpdateNodeVerification(ctx context.Context, nodeID string, verified bool, at time.Time) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE nodes SET verified=?, last_verified_at=? WHERE id=?`,
		verified, at.UTC().Format(time.RFC3339), nodeID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

// ClearNodeVerification marks a node unverified (heartbeat version drift, failed attestation).
func (s *Store) ClearNodeVerification(ctx context.Context, nodeID string) error {
	res, err := s.write.ExecContext(ctx, `UPDATE nodes SET verified=0 WHERE id=?`, nodeID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

// SetStatus transitions a node's lifecycle status.
func (s *Store) SetStatus(ctx context.Context, nodeID string, status domain.NodeStatus) error {
	res, err := s.write.ExecContext(ctx, `UPDATE nodes SET status=? WHERE id=?`, string(status), nodeID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

// GetNode returns a node with its latest heartbeat joined in.
func (s *Store) GetNode(ctx context.Context, nodeID string) (*domain.Node, error) {
	row := s.read.QueryRowContext(ctx, nodeSelect+` WHERE n.id=?`, nodeID)
	return scanNode(row)
}

// GetNodeByIPv6 returns a node by its admission-time ipv6 address, used to
// enforce the "reject duplicate ipv6" admission rule ahead of the insert.
func (s *Store) GetNodeByIPv6(ctx context.Context, ipv6 string) (*domain.Node, error) {
	row := s.read.QueryRowContext(ctx, nodeSelect+` WHERE json_extract(n.capabilities, '$.ipv6')=?`, ipv6)
	return scanNode(row)
}

// ListNodes returns all nodes with their latest heartbeat joined in.
func (s *Store) ListNodes(ctx context.Context) ([]*domain.Node, error) {
	rows, err := s.read.QueryContext(ctx, nodeSelect+` ORDER BY n.created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*domain.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// ListActiveNodes returns only nodes with status=active, used by the router.
func (s *Store) ListActiveNodes(ctx context.Context) ([]*domain.Node, error) {
	rows, err := s.read.QueryContext(ctx, nodeSelect+` WHERE n.status=? ORDER BY n.created_at`, string(domain.NodeActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*domain.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// CountActive returns the number of active nodes, used by the admission
// pricing formula (spec §4.4).
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes WHERE status=?`, string(domain.NodeActive)).Scan(&n)
	return n, err
}

const nodeSelect = `
SELECT n.id, n.public_key_der, n.alg, n.region, n.capabilities, n.evm_address, n.solana_address,
       n.domain, n.tls_mode, n.status, n.verified, n.software_version, n.build_digest,
       n.last_verified_at, n.created_at,
       h.rps, h.p95_ms, h.version, h.at
FROM nodes n
LEFT JOIN heartbeats h ON h.id = (
    SELECT id FROM heartbeats WHERE node_id = n.id ORDER BY at DESC LIMIT 1
)`

func scanNode(s scanner) (*domain.Node, error) {
	var n domain.Node
	var alg, status, lastVerified, createdAt string
	var caps string
	var hbRPS, hbP95 sql.NullFloat64
	var hbVersion, hbAt sql.NullString

	err := s.Scan(&n.ID, &n.PublicKeyDER, &alg, &n.Region, &caps, &n.EVMAddress, &n.SolanaAddress,
		&n.Domain, &n.TLSMode, &status, &n.Verified, &n.SoftwareVersion, &n.BuildDigest,
		&lastVerified, &createdAt,
		&hbRPS, &hbP95, &hbVersion, &hbAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	n.Alg = domain.SigAlg(alg)
	n.Status = domain.NodeStatus(status)
	if err := json.Unmarshal([]byte(caps), &n.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		n.CreatedAt = t
	}
	if lastVerified != "" {
		if t, err := time.Parse(time.RFC3339, lastVerified); err == nil {
			n.LastVerifiedAt = &t
		}
	}
	if hbVersion.Valid {
		at, _ := time.Parse(time.RFC3339, hbAt.String)
		n.LatestHeartbeat = &domain.Heartbeat{
			RPS:     hbRPS.Float64,
			P95ms:   hbP95.Float64,
			Version: hbVersion.String,
			At:      at,
		}
	}
	return &n, nil
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite wraps the sqlite3 result code in the error string;
	// there is no typed sentinel, so match the message the driver produces.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
