package nodestore

import (
	"context"
	"time"

	"github.com/ethdenver2026/consensus-gateway/internal/domain"
)

// InsertHeartbeat appends a heartbeat entry for nodeID.
func (s *Store) InsertHeartbeat(ctx context.Context, nodeID string, hb domain.Heartbeat) error {
	if hb.At.IsZero() {
		hb.At = time.Now().UTC()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO heartbeats (node_id, rps, p95_ms, version, at) VALUES (?, ?, ?, ?, ?)`,
		nodeID, hb.RPS, hb.P95ms, hb.Version, hb.At.UTC().Format(time.RFC3339),
	)
	return err
}
