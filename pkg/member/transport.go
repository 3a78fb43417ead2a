package member

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"replog/pkg/types"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	RaftEndpoint     = "/api/internal/raft"
	transportTimeout = 3 * time.Second
	maxRetries       = 3
	retryDelay       = 100 * time.Millisecond
)

// HTTPTransport posts messages as JSON to the peer's raft endpoint.
type HTTPTransport struct {
	peersMu    sync.RWMutex
	peers      map[types.NodeID]string
	httpClient *http.Client
	retryDelay time.Duration
	logger     *slog.Logger
}

func NewHTTPTransport(peers map[types.NodeID]string, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	copied := make(map[types.NodeID]string, len(peers))
	for id, addr := range peers {
		copied[id] = addr
	}
	return &HTTPTransport{
		peers: copied,
		httpClient: &http.Client{
			Timeout: transportTimeout,
		},
		retryDelay: retryDelay,
		logger:     logger.With("component", "transport"),
	}
}

func (t *HTTPTransport) UpdatePeer(id types.NodeID, addr string) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.peers[id] = addr
}

func (t *HTTPTransport) RemovePeer(id types.NodeID) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	delete(t.peers, id)
}

func (t *HTTPTransport) Send(msg raftpb.Message) error {
	t.peersMu.RLock()
	targetAddr, ok := t.peers[types.NodeID(msg.To)]
	t.peersMu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown peer node: %d", msg.To)
	}

	url := targetAddr + RaftEndpoint

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := t.sendHTTP(url, body); err != nil {
			lastErr = err
			t.logger.Warn("failed to send message, retrying",
				"attempt", attempt+1,
				"to", msg.To,
				"type", msg.Type,
				"error", err)
			time.Sleep(t.retryDelay * time.Duration(attempt+1))
			continue
		}
		return nil
	}

	return fmt.Errorf("failed to send after %d retries: %w", maxRetries, lastErr)
}

func (t *HTTPTransport) sendHTTP(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), transportTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return nil
}

var _ Transport = (*HTTPTransport)(nil)
