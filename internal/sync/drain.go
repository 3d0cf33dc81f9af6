package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	drainPopTimeout  = 5 * time.Second
	drainPushTimeout = 10 * time.Second

	defaultHTTPBackoff    = time.Second
	defaultNetworkBackoff = 5 * time.Second
	defaultIdleBackoff    = 30 * time.Second
)

// DrainWorkerConfig wires the durable delivery loop. The backoff knobs exist
// for tests; zero values take the production defaults.
type DrainWorkerConfig struct {
	Outbox  *Outbox
	PeerURL string
	APIKey  string
	Auditor *Auditor
	Logger  *zap.Logger

	HTTPBackoff    time.Duration
	NetworkBackoff time.Duration
	IdleBackoff    time.Duration
}

// DrainWorker continuously pops records from the outbound and retry lists and
// delivers them to the peer. It is the sole consumer responsible for eventual
// delivery: a popped record is logically in flight and is pushed back onto
// the retry list on every failure path, so nothing is lost between pop and
// acknowledgement.
type DrainWorker struct {
	outbox  *Outbox
	peer    *peerClient
	auditor *Auditor
	logger  *zap.Logger

	httpBackoff    time.Duration
	networkBackoff time.Duration
	idleBackoff    time.Duration
}

// NewDrainWorker validates dependencies and constructs a DrainWorker.
func NewDrainWorker(cfg DrainWorkerConfig) (*DrainWorker, error) {
	if cfg.Outbox == nil {
		return nil, errMissingOutbox
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	w := &DrainWorker{
		outbox:         cfg.Outbox,
		peer:           newPeerClient(cfg.PeerURL, cfg.APIKey, drainPushTimeout),
		auditor:        cfg.Auditor,
		logger:         logger,
		httpBackoff:    cfg.HTTPBackoff,
		networkBackoff: cfg.NetworkBackoff,
		idleBackoff:    cfg.IdleBackoff,
	}
	if w.httpBackoff <= 0 {
		w.httpBackoff = defaultHTTPBackoff
	}
	if w.networkBackoff <= 0 {
		w.networkBackoff = defaultNetworkBackoff
	}
	if w.idleBackoff <= 0 {
		w.idleBackoff = defaultIdleBackoff
	}
	return w, nil
}

// Run processes the queue until ctx is cancelled.
func (w *DrainWorker) Run(ctx context.Context) error {
	w.logger.Info("drain worker started")
	for {
		list, payload, err := w.outbox.PopAny(ctx, drainPopTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				w.logger.Info("drain worker stopping")
				return nil
			}
			w.logger.Error("outbox pop failed", zap.Error(err))
			w.sleep(ctx, w.networkBackoff)
			continue
		}
		if payload == nil {
			continue
		}
		w.deliver(ctx, list, payload)
	}
}

// deliver sends one popped record. The deferred guard re-enqueues it on the
// retry list unless it was acknowledged or discarded as unparseable.
func (w *DrainWorker) deliver(ctx context.Context, origin string, payload []byte) {
	settled := false
	defer func() {
		if settled {
			return
		}
		if err := w.outbox.Push(ListRetry, payload); err != nil {
			w.logger.Error("retry re-enqueue failed, record lost from queue", zap.Error(err))
		}
	}()

	if !json.Valid(payload) {
		w.logger.Error("invalid json in queue, dropping", zap.ByteString("payload", payload))
		settled = true
		return
	}

	if !w.peer.configured() {
		w.logger.Warn("peer url or api key missing, re-queueing and backing off")
		w.sleep(ctx, w.idleBackoff)
		return
	}

	status, err := w.peer.send(ctx, []json.RawMessage{payload})
	switch {
	case err != nil:
		w.logger.Error("network error during sync", zap.String("origin", origin), zap.Error(err))
		w.sleep(ctx, w.networkBackoff)
	case status != http.StatusOK:
		w.logger.Error("sync rejected", zap.String("origin", origin), zap.Int("status", status))
		w.sleep(ctx, w.httpBackoff)
	default:
		w.logger.Info("record synced", zap.String("origin", origin))
		settled = true
		w.markSynced(ctx, payload)
	}
}

// markSynced is best effort: the record is already delivered, so a failed
// flag update only degrades audit queries.
func (w *DrainWorker) markSynced(ctx context.Context, payload []byte) {
	if w.auditor == nil {
		return
	}
	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return
	}
	if err := w.auditor.MarkSynced(ctx, record); err != nil {
		w.logger.Warn("change log synced flag update failed", zap.Error(err))
	}
}

func (w *DrainWorker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
