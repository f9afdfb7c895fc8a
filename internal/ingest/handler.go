// Package ingest is the HTTP boundary of the router: it turns a signed
// webhook POST into a stored Event and a fan-out request, short-
// circuiting at the first failing check per §4.1's ordered contract
// (IP allowlist, rate limit, content-length, required headers,
// signature). Grounded on the teacher's internal/services/api router
// and middleware shape (gin.Engine, ErrorResponse JSON body,
// otelzap-backed logging) generalized from its tenant-routed
// destination CRUD surface to this module's single ingest endpoint.
package ingest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hookrelay/hookrelay/internal/crypto"
	"github.com/hookrelay/hookrelay/internal/logging"
	"github.com/hookrelay/hookrelay/internal/models"
	"github.com/hookrelay/hookrelay/internal/store"
)

const (
	HeaderSignature = "X-Hub-Signature-256"
	HeaderEventType = "X-Event-Type"
	HeaderDeliveryID = "X-Delivery-Id"
)

// allowedHeaderCapture names the request headers persisted alongside an
// event, per §6's capture allowlist {event, signature, delivery,
// content-type, user-agent}.
var allowedHeaderCapture = map[string]string{
	"event":        HeaderEventType,
	"signature":    HeaderSignature,
	"delivery":     HeaderDeliveryID,
	"content-type": "Content-Type",
	"user-agent":   "User-Agent",
}

// Enqueuer is the narrow slice of *delivery.Engine the ingest handler
// needs: hand a stored event's id to the fan-out path and learn how
// many subscribers it reached.
type Enqueuer interface {
	FanOut(ctx context.Context, eventID int64) (subscriberCount int, err error)
}

// Response is the small JSON object returned on every non-rejected
// request, per §6.
type Response struct {
	Message     string `json:"message"`
	Subscribers int    `json:"subscribers"`
	Successful  int    `json:"successful"`
	Failed      int    `json:"failed"`
	Retries     int    `json:"retries"`
}

type Handler struct {
	config    Config
	store     store.EventStore
	fanout    Enqueuer
	cipher    *crypto.HeaderCipher
	logger    *logging.Logger
	allowlist *ipAllowlist
	limiters  *clientLimiters
}

func NewHandler(cfg Config, st store.EventStore, fanout Enqueuer, cipher *crypto.HeaderCipher, logger *logging.Logger) *Handler {
	return &Handler{
		config:    cfg,
		store:     st,
		fanout:    fanout,
		cipher:    cipher,
		logger:    logger,
		allowlist: newIPAllowlist(cfg.IPAllowlist),
		limiters:  newClientLimiters(cfg.RequestsPerMinute),
	}
}

// Register wires POST /webhook/:platform onto r. platform is accepted
// but not otherwise interpreted — multi-tenancy is a non-goal (§9) — it
// exists only so distinct upstreams can point at distinct paths for
// their own routing/observability convenience.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/webhook/:platform", h.handle)
}

func (h *Handler) handle(c *gin.Context) {
	if !h.allowlist.allows(c.ClientIP()) {
		c.JSON(http.StatusForbidden, Response{Message: "ip not allowed"})
		return
	}

	if h.config.RateLimitEnabled && !h.limiters.allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, Response{Message: "rate limited"})
		return
	}

	if c.Request.ContentLength > h.config.payloadSizeLimitBytes() {
		c.JSON(http.StatusRequestEntityTooLarge, Response{Message: "payload too large"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.config.payloadSizeLimitBytes())

	signature := c.GetHeader(HeaderSignature)
	eventType := c.GetHeader(HeaderEventType)
	deliveryID := c.GetHeader(HeaderDeliveryID)
	if signature == "" || eventType == "" || deliveryID == "" {
		c.JSON(http.StatusBadRequest, Response{Message: "missing required headers"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, Response{Message: "payload too large"})
		return
	}

	ok, err := crypto.VerifySignature(body, h.config.WebhookSecret, signature)
	if err != nil || !ok {
		c.JSON(http.StatusUnauthorized, Response{Message: "unauthorized"})
		return
	}

	headers := make(map[string]string, len(allowedHeaderCapture))
	for _, headerName := range allowedHeaderCapture {
		if v := c.GetHeader(headerName); v != "" {
			headers[headerName] = v
		}
	}
	encryptedHeaders, err := h.cipher.Seal(headers)
	if err != nil {
		h.logger.Error("failed to seal ingest headers", zap.Error(err))
		c.JSON(http.StatusInternalServerError, Response{Message: "internal error"})
		return
	}

	event := &models.Event{
		UpstreamDeliveryID: deliveryID,
		EventType:          eventType,
		PayloadHash:        crypto.PayloadHash(body),
		PayloadSize:        int64(len(body)),
		PayloadData:        string(body),
		HeadersData:        encryptedHeaders,
		ReceivedAt:         time.Now().UTC(),
		Status:             models.StatusPending,
	}

	ctx := c.Request.Context()
	stored, err := h.store.StoreEvent(ctx, event)
	if errors.Is(err, models.ErrEventAlreadyExists) {
		// Replay of an upstream delivery id already stored (and already
		// fanned out) on a previous call. Treat as success without
		// re-enqueueing, per §7's duplicate-event taxonomy entry.
		c.JSON(http.StatusOK, Response{Message: "accepted"})
		return
	}
	if err != nil {
		h.logger.Error("failed to store event", zap.Error(err), zap.String("upstream_delivery_id", deliveryID))
		c.JSON(http.StatusInternalServerError, Response{Message: "internal error"})
		return
	}

	subscriberCount, err := h.fanout.FanOut(ctx, stored.ID)
	if err != nil {
		h.logger.Error("fan-out failed", zap.Error(err), zap.Int64("event_id", stored.ID))
		c.JSON(http.StatusInternalServerError, Response{Message: "internal error"})
		return
	}

	if subscriberCount == 0 {
		c.JSON(http.StatusOK, Response{Message: "accepted", Subscribers: 0})
		return
	}
	c.JSON(http.StatusAccepted, Response{Message: "accepted", Subscribers: subscriberCount, Retries: 0})
}
