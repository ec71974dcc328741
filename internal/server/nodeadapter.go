package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/ethdenver2026/consensus-gateway/internal/domain"
	"github.com/ethdenver2026/consensus-gateway/internal/router"
	"github.com/ethdenver2026/consensus-gateway/internal/session"
)

// NodeDirectory is the subset of nodestore.Store the HTTP server needs to
// resolve active nodes for routing and WebSocket dialing.
type NodeDirectory interface {
	ListActiveNodes(ctx context.Context) ([]*domain.Node, error)
}

// nodeSource adapts NodeDirectory to router.NodeSource. The router has no
// context to thread through, so lookups use a short background context —
// the store's read pool never blocks on writers (spec §5), so this is cheap.
type nodeSource struct {
	store NodeDirectory
}

// NewNodeSource adapts a NodeDirectory to router.NodeSource.
func NewNodeSource(store NodeDirectory) router.NodeSource { return &nodeSource{store: store} }

func (n *nodeSource) ListActiveNodeIDs() []router.ActiveNode {
	nodes, err := n.store.ListActiveNodes(context.Background())
	if err != nil {
		slog.Warn("listing active nodes for router failed", "err", err)
		return nil
	}
	out := make([]router.ActiveNode, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, router.ActiveNode{ID: n.ID, Region: n.Region, Domain: n.Domain})
	}
	return out
}

// nodeLookup adapts NodeDirectory to session.NodeLookup, building a node's
// WebSocket dial target from its admission-time domain/port/tls_mode.
type nodeLookup struct {
	store NodeDirectory
}

// NewNodeLookup adapts a NodeDirectory to session.NodeLookup.
func NewNodeLookup(store NodeDirectory) session.NodeLookup { return &nodeLookup{store: store} }

func (n *nodeLookup) NodeDialTarget(nodeID string) (string, bool) {
	nodes, err := n.store.ListActiveNodes(context.Background())
	if err != nil {
		return "", false
	}
	for _, node := range nodes {
		if node.ID != nodeID {
			continue
		}
		scheme := "ws"
		if node.TLSMode != "" && node.TLSMode != "none" {
			scheme = "wss"
		}
		u := url.URL{Scheme: scheme, Host: fmt.Sprintf("%s:%d", node.Domain, node.Capabilities.Port), Path: "/session"}
		return u.String(), true
	}
	return "", false
}
