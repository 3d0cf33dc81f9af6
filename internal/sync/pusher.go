package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	receivePath          = "/api/sync/receive"
	directPushTimeout    = 5 * time.Second
	defaultPushWorkers   = 3
	defaultPushQueueSize = 64

	peerMaxConns     = 5
	peerMaxIdleConns = 2
	peerIdleExpiry   = 30 * time.Second
)

// peerClient sends signed one-item batches to the peer region. The underlying
// HTTP client is shared and connection pooled; it is built lazily and its
// pool is reset after transport failures so a stale connection never wedges
// delivery.
type peerClient struct {
	url     string
	signer  *Signer
	apiKey  string
	timeout time.Duration

	mu     gosync.Mutex
	client *http.Client
}

func newPeerClient(peerURL, apiKey string, timeout time.Duration) *peerClient {
	return &peerClient{
		url:     strings.TrimSuffix(peerURL, "/"),
		signer:  NewSigner(apiKey),
		apiKey:  apiKey,
		timeout: timeout,
	}
}

func (p *peerClient) configured() bool {
	return p.url != "" && p.apiKey != ""
}

func (p *peerClient) httpClient() *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		p.client = &http.Client{
			Timeout: p.timeout,
			Transport: &http.Transport{
				MaxConnsPerHost:     peerMaxConns,
				MaxIdleConnsPerHost: peerMaxIdleConns,
				IdleConnTimeout:     peerIdleExpiry,
			},
		}
	}
	return p.client
}

func (p *peerClient) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.CloseIdleConnections()
	}
}

// send delivers a batch of already-serialized records. It returns the HTTP
// status code, or an error for network-level failures.
func (p *peerClient) send(ctx context.Context, items []json.RawMessage) (int, error) {
	body, err := json.Marshal(items)
	if err != nil {
		return 0, fmt.Errorf("encode batch: %w", err)
	}

	timestamp := time.Now().Unix()
	signature := p.signer.Sign(timestamp, body)

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+receivePath, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(HeaderAPIKey, p.apiKey)
	request.Header.Set(HeaderTimestamp, strconv.FormatInt(timestamp, 10))
	request.Header.Set(HeaderSignature, signature)
	request.Header.Set("X-Request-ID", uuid.NewString())

	response, err := p.httpClient().Do(request)
	if err != nil {
		p.reset()
		return 0, err
	}
	defer response.Body.Close() //nolint:errcheck
	io.Copy(io.Discard, response.Body) //nolint:errcheck

	return response.StatusCode, nil
}

// DispatcherConfig wires the direct push worker pool.
type DispatcherConfig struct {
	PeerURL   string
	APIKey    string
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Logger    *zap.Logger
}

// Dispatcher is the fire-and-forget delivery path: a small fixed worker pool
// that immediately attempts one synchronous push per captured record. A
// failed push does nothing further; the record already sits in the durable
// outbox and the drain worker is the retry backstop.
type Dispatcher struct {
	peer   *peerClient
	logger *zap.Logger
	jobs   chan []byte
	wg     gosync.WaitGroup
}

// NewDispatcher constructs a Dispatcher; Start launches its workers.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultPushWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultPushQueueSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = directPushTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	d := &Dispatcher{
		peer:   newPeerClient(cfg.PeerURL, cfg.APIKey, timeout),
		logger: logger,
		jobs:   make(chan []byte, queueSize),
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

// Submit queues a record for direct push without blocking the caller. It
// returns false when the queue is full and the record was dropped from the
// fast path.
func (d *Dispatcher) Submit(payload []byte) bool {
	select {
	case d.jobs <- payload:
		return true
	default:
		return false
	}
}

// Close stops accepting work and waits for in-flight pushes to finish.
func (d *Dispatcher) Close() {
	close(d.jobs)
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for payload := range d.jobs {
		d.push(payload)
	}
}

func (d *Dispatcher) push(payload []byte) {
	if !d.peer.configured() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.peer.timeout)
	defer cancel()

	status, err := d.peer.send(ctx, []json.RawMessage{payload})
	switch {
	case err != nil:
		d.logger.Warn("direct push error, drain worker will retry", zap.Error(err))
	case status != http.StatusOK:
		d.logger.Warn("direct push rejected, drain worker will retry", zap.Int("status", status))
	default:
		d.logger.Info("direct push delivered")
	}
}
