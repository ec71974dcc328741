// Package domain holds the data model shared across the gateway's engines
// (spec §3): nodes, join requests, version manifests, sessions, and the
// dedup-proxy's cached/pending/paid bookkeeping types.
package domain

import "time"

// SigAlg is a node's declared signature algorithm.
type SigAlg string

const (
	AlgSecp256k1 SigAlg = "secp256k1"
	AlgEd25519   SigAlg = "ed25519"
)

// NodeStatus is a node's lifecycle status.
type NodeStatus string

const (
	NodeProvisioning NodeStatus = "provisioning"
	NodeActive       NodeStatus = "active"
	NodeInactive     NodeStatus = "inactive"
)

// Heartbeat is the latest liveness report from a node.
type Heartbeat struct {
	RPS     float64   `json:"rps"`
	P95ms   float64   `json:"p95_ms"`
	Version string    `json:"version"`
	At      time.Time `json:"at"`
}

// Capabilities is the capability blob a node advertises at admission.
type Capabilities struct {
	IPv6            string  `json:"ipv6"`
	IPv4            string  `json:"ipv4,omitempty"`
	Port            int     `json:"port"`
	BenchmarkScore  float64 `json:"benchmark_score"`
	FetchScore      float64 `json:"fetch_score"`
	CPUScore        float64 `json:"cpu_score"`
	MemoryScore     float64 `json:"memory_score"`
}

// Node is a worker node admitted into the fleet (spec §3).
type Node struct {
	ID              string       `json:"id"`
	PublicKeyDER    []byte       `json:"-"`
	Alg             SigAlg       `json:"alg"`
	Region          string       `json:"region"`
	Capabilities    Capabilities `json:"capabilities"`
	EVMAddress      string       `json:"evm_address"`
	SolanaAddress   string       `json:"solana_address"`
	Domain          string       `json:"domain"`
	TLSMode         string       `json:"tls_mode"`
	Status          NodeStatus   `json:"status"`
	Verified        bool         `json:"verified"`
	SoftwareVersion string       `json:"software_version"`
	BuildDigest     string       `json:"build_digest"`
	LastVerifiedAt  *time.Time   `json:"last_verified_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	LatestHeartbeat *Heartbeat   `json:"latest_heartbeat,omitempty"`
}

// JoinRequest binds a candidate node's pubkey/nonce to a short-lived join_id
// (spec §3). Single-use: ConsumedAt is set exactly once.
type JoinRequest struct {
	JoinID      string
	PubKeyPEM   string
	Alg         SigAlg
	Nonce       [32]byte
	ExpiresAt   time.Time
	ConsumedAt  *time.Time
	CreatedAt   time.Time
}

// ManifestAsset describes one platform's release artifact.
type ManifestAsset struct {
	Platform string `json:"platform"`
	URL      string `json:"url"`
	SHA256   string `json:"sha256"`
}

// VersionManifest is a signed software release description (spec §3).
type VersionManifest struct {
	Version     string          `json:"version"`
	Body        []byte          `json:"-"` // canonical JSON of {version, assets, released_at, release_url}
	Assets      []ManifestAsset `json:"assets"`
	ReleasedAt  time.Time       `json:"released_at"`
	ReleaseURL  string          `json:"release_url"`
	Required    bool            `json:"required"`
	Signature   string          `json:"signature"`
}

// SessionModel selects a WebSocket session's pricing/budget model (spec §4.3).
type SessionModel string

const (
	ModelTime   SessionModel = "time"
	ModelData   SessionModel = "data"
	ModelHybrid SessionModel = "hybrid"
)

// SessionLimits is the derived (time_limit, data_limit) budget pair.
type SessionLimits struct {
	TimeLimit time.Duration
	DataLimit int64 // bytes
}

// SessionUsage tracks a live session's consumption.
type SessionUsage struct {
	BytesRx     int64
	BytesTx     int64
	BytesTotal  int64
	ConnectedAt time.Time
}
