package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mohsenbarari/trading-bot-sub000/internal/sync"
	"go.uber.org/zap"
)

const (
	rawBodyContextKey   = "tradesync_raw_body"
	requestIDHeaderName = "X-Request-ID"
)

var (
	errMissingApplier = errors.New("applier dependency required")
	errMissingSigner  = errors.New("signer dependency required")
)

// Dependencies wires the HTTP layer.
type Dependencies struct {
	Applier *sync.Applier
	Signer  *sync.Signer
	Outbox  *sync.Outbox
	Clock   func() time.Time
	Logger  *zap.Logger
}

// NewHTTPHandler builds the region's HTTP surface: the authenticated sync
// receiver and a health endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Applier == nil {
		return nil, errMissingApplier
	}
	if deps.Signer == nil {
		return nil, errMissingSigner
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	router.Use(requestID)

	handler := &httpHandler{
		applier: deps.Applier,
		signer:  deps.Signer,
		outbox:  deps.Outbox,
		clock:   clock,
		logger:  logger,
	}

	router.GET("/healthz", handler.handleHealth)

	api := router.Group("/api/sync")
	api.Use(handler.authenticate)
	api.POST("/receive", handler.handleReceive)

	return router, nil
}

type httpHandler struct {
	applier *sync.Applier
	signer  *sync.Signer
	outbox  *sync.Outbox
	clock   func() time.Time
	logger  *zap.Logger
}

func requestID(c *gin.Context) {
	id := c.GetHeader(requestIDHeaderName)
	if id == "" {
		id = uuid.NewString()
	}
	c.Header(requestIDHeaderName, id)
	c.Next()
}

// authenticate verifies the three signing headers against the raw body. The
// body is buffered and restored so the signature covers the exact bytes sent.
func (h *httpHandler) authenticate(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unreadable_body"})
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	err = h.signer.Verify(
		c.GetHeader(sync.HeaderAPIKey),
		c.GetHeader(sync.HeaderTimestamp),
		c.GetHeader(sync.HeaderSignature),
		body,
		h.clock(),
	)
	if err != nil {
		h.logger.Warn("sync request rejected", zap.Error(err), zap.String("remote", c.ClientIP()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.Set(rawBodyContextKey, body)
	c.Next()
}

type receiveResponsePayload struct {
	Status    string `json:"status"`
	Processed int    `json:"processed"`
	Errors    int    `json:"errors,omitempty"`
}

func (h *httpHandler) handleReceive(c *gin.Context) {
	raw, ok := c.Get(rawBodyContextKey)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var items []sync.Record
	if err := json.Unmarshal(raw.([]byte), &items); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	h.logger.Info("sync batch received", zap.Int("items", len(items)))

	result, err := h.applier.ApplyBatch(c.Request.Context(), items)
	if err != nil {
		h.logger.Error("sync batch processing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed", "detail": err.Error()})
		return
	}

	response := receiveResponsePayload{Status: "success", Processed: result.Processed}
	if len(result.Errors) > 0 {
		response.Status = "partial"
		response.Errors = len(result.Errors)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	depth := -1
	if h.outbox != nil {
		if d, err := h.outbox.Depth(); err == nil {
			depth = d
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "outbox_depth": depth})
}
