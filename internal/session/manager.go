package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ethdenver2026/consensus-gateway/internal/domain"
	"github.com/ethdenver2026/consensus-gateway/internal/router"
)

// NodeLookup resolves a node id to the WebSocket dial target assigned to it.
type NodeLookup interface {
	NodeDialTarget(nodeID string) (dialURL string, ok bool)
}

// Manager issues session tokens, upgrades client connections, routes them
// to a worker node (or a local echo fallback), and pumps frames under a
// time/data budget.
type Manager struct {
	Tokens *TokenManager

	router *router.Router
	nodes  NodeLookup
	dialer *websocket.Dialer

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*liveSession
}

type liveSession struct {
	id     string
	nodeID string
	model  domain.SessionModel
	limits domain.SessionLimits

	usageMu sync.Mutex
	usage   domain.SessionUsage
}

// addRx/addTx account an inbound/outbound frame and return the running
// total. Both the node->client reader goroutine and the client->node loop
// in pump touch the same counters concurrently, so access goes through
// usageMu rather than plain field writes.
func (s *liveSession) addRx(n int64) int64 {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	s.usage.BytesRx += n
	s.usage.BytesTotal += n
	return s.usage.BytesTotal
}

func (s *liveSession) addTx(n int64) int64 {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	s.usage.BytesTx += n
	s.usage.BytesTotal += n
	return s.usage.BytesTotal
}

func (s *liveSession) snapshotUsage() domain.SessionUsage {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	return s.usage
}

// NewManager builds a Manager. secret signs/validates SessionTokens.
func NewManager(secret []byte, rt *router.Router, nodes NodeLookup) *Manager {
	return &Manager{
		Tokens: NewTokenManager(secret),
		router: rt,
		nodes:  nodes,
		dialer: &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*liveSession),
	}
}

// Close stops background sweepers.
func (m *Manager) Close() { m.Tokens.Close() }

// IssueResponse is the Phase A response body.
type IssueResponse struct {
	Token      string `json:"token"`
	ConnectURL string `json:"connect_url"`
	ExpiresIn  int64  `json:"expires_in"`
}

// Issue runs Phase A: derive limits/cost and mint a SessionToken. Payment
// is assumed already cleared by the caller (the Gateway's payment gate).
func (m *Manager) Issue(gatewayWSURL string, model domain.SessionModel, minutes, megabytes float64) (*IssueResponse, error) {
	limits, err := DeriveLimits(model, minutes, megabytes)
	if err != nil {
		return nil, err
	}
	token, expiresIn, err := m.Tokens.Issue(model, limits)
	if err != nil {
		return nil, err
	}
	return &IssueResponse{
		Token:      token,
		ConnectURL: gatewayWSURL + "?token=" + url.QueryEscape(token),
		ExpiresIn:  int64(expiresIn.Seconds()),
	}, nil
}

// Preferences parsed from routing-preference headers.
func preferencesFromHeader(h http.Header) router.Preferences {
	split := func(v string) []string {
		if v == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return router.Preferences{
		Exclude: split(h.Get("x-node-exclude")),
		Region:  split(h.Get("x-node-region")),
		Domain:  split(h.Get("x-node-domain")),
	}
}

// sessionStart is the control frame sent to the client once the session
// loop begins.
type sessionStart struct {
	Type      string               `json:"type"`
	SessionID string               `json:"session_id"`
	Model     domain.SessionModel  `json:"model"`
	ServedBy  string               `json:"served_by"`
	Limits    domain.SessionLimits `json:"limits"`
}

type sessionExpired struct {
	Type        string `json:"type"`
	Reason      string `json:"reason"`
	FinalUsage  domain.SessionUsage `json:"final_usage"`
}

// HandleUpgrade implements Phase B: consume the token, upgrade the
// connection, route to a node (or fall back to local echo), and run the
// bidirectional pump until the budget is exhausted or either side closes.
func (m *Manager) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	claims, err := m.Tokens.Consume(token)
	if err != nil {
		http.Error(w, "invalid or expired session token", http.StatusUnauthorized)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}

	limits := domain.SessionLimits{
		TimeLimit: time.Duration(claims.TimeLimitMs) * time.Millisecond,
		DataLimit: claims.DataLimitBytes,
	}
	model := domain.SessionModel(claims.Model)
	sess := &liveSession{
		id:     claims.SessionID,
		model:  model,
		limits: limits,
		usage:  domain.SessionUsage{ConnectedAt: time.Now()},
	}

	prefs := preferencesFromHeader(r.Header)
	nodeConn, nodeID := m.dialNode(sess.id, model, claims.TimeLimitMs, claims.DataLimitBytes, prefs)
	sess.nodeID = nodeID
	if sess.nodeID == "" {
		sess.nodeID = "local"
	}

	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.sessions, sess.id)
		m.mu.Unlock()
		if nodeID != "" {
			m.router.DecWS(nodeID)
			m.router.PurgeSticky(sess.id)
		}
	}()

	if err := conn.WriteJSON(sessionStart{
		Type:      "session_start",
		SessionID: sess.id,
		Model:     model,
		ServedBy:  sess.nodeID,
		Limits:    limits,
	}); err != nil {
		conn.Close()
		if nodeConn != nil {
			nodeConn.Close()
		}
		return
	}

	if nodeConn != nil {
		m.pump(conn, nodeConn, sess)
	} else {
		m.pumpLocalEcho(conn, sess)
	}
}

// dialNode routes sessionID to a node and dials its WebSocket endpoint.
// Returns (nil, "") on route miss or dial failure, signalling the caller to
// fall back to local echo.
func (m *Manager) dialNode(sessionID string, model domain.SessionModel, timeLimitMs, dataLimitBytes int64, prefs router.Preferences) (*websocket.Conn, string) {
	nodeID, ok := m.router.Select(sessionID, prefs)
	if !ok {
		return nil, ""
	}
	dialURL, ok := m.nodes.NodeDialTarget(nodeID)
	if !ok {
		return nil, ""
	}

	header := http.Header{}
	header.Set("x-session-id", sessionID)
	header.Set("x-model", string(model))
	header.Set("x-minutes", fmt.Sprintf("%.4f", float64(timeLimitMs)/60000))
	header.Set("x-megabytes", fmt.Sprintf("%.4f", float64(dataLimitBytes)/(1<<20)))

	conn, _, err := m.dialer.Dial(dialURL, header)
	if err != nil {
		slog.Warn("node websocket dial failed, falling back to local echo", "node", nodeID, "err", err)
		return nil, ""
	}
	m.router.IncWS(nodeID)
	return conn, nodeID
}

// pump relays frames bidirectionally between client and node under budget
// enforcement. Either side closing drops the other.
func (m *Manager) pump(client, node *websocket.Conn, sess *liveSession) {
	defer client.Close()
	defer node.Close()

	done := make(chan struct{})
	var once sync.Once
	closeAll := func() { once.Do(func() { close(done) }) }

	timer := time.AfterFunc(sess.limits.TimeLimit, func() {
		m.expire(client, sess, "time_limit_reached", websocket.CloseNormalClosure)
		closeAll()
	})
	defer timer.Stop()

	go func() {
		defer closeAll()
		for {
			mt, data, err := node.ReadMessage()
			if err != nil {
				return
			}
			total := sess.addTx(int64(len(data)))
			if err := client.WriteMessage(mt, data); err != nil {
				return
			}
			if total >= sess.limits.DataLimit {
				m.expire(client, sess, "data_limit_reached", websocket.ClosePolicyViolation)
				return
			}
		}
	}()

	for {
		mt, data, err := client.ReadMessage()
		if err != nil {
			closeAll()
			break
		}
		total := sess.addRx(int64(len(data)))
		if err := node.WriteMessage(mt, data); err != nil {
			closeAll()
			break
		}
		if total >= sess.limits.DataLimit {
			m.expire(client, sess, "data_limit_reached", websocket.ClosePolicyViolation)
			break
		}
		select {
		case <-done:
			return
		default:
		}
	}
	<-done
}

// pumpLocalEcho serves the session directly from the gateway process when no
// node could be routed to, preserving identical budget semantics.
func (m *Manager) pumpLocalEcho(client *websocket.Conn, sess *liveSession) {
	defer client.Close()

	timer := time.AfterFunc(sess.limits.TimeLimit, func() {
		m.expire(client, sess, "time_limit_reached", websocket.CloseNormalClosure)
	})
	defer timer.Stop()

	for {
		mt, data, err := client.ReadMessage()
		if err != nil {
			return
		}
		total := sess.addRx(int64(len(data)))
		if total >= sess.limits.DataLimit {
			// This payload must not be echoed: the budget was already
			// exhausted by receiving it.
			m.expire(client, sess, "data_limit_reached", websocket.ClosePolicyViolation)
			return
		}
		if err := client.WriteMessage(mt, data); err != nil {
			return
		}
		if total := sess.addTx(int64(len(data))); total >= sess.limits.DataLimit {
			m.expire(client, sess, "data_limit_reached", websocket.ClosePolicyViolation)
			return
		}
	}
}

func (m *Manager) expire(client *websocket.Conn, sess *liveSession, reason string, code int) {
	payload, _ := json.Marshal(sessionExpired{Type: "session_expired", Reason: reason, FinalUsage: sess.snapshotUsage()})
	_ = client.WriteMessage(websocket.TextMessage, payload)
	_ = client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}
