// Webhook receiver for provider push notifications.
//
// The provider identifies a notification only through headers:
//
//	X-Goog-Channel-ID, X-Goog-Channel-Token, X-Goog-Resource-ID,
//	X-Goog-Resource-State, X-Goog-Message-Number
//
// Accepted notifications enqueue a deduplicated sync job and return 200
// immediately; the sync itself runs on a worker. Notifications that fail
// channel validation get 400 and never reach the orchestrator.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-sync-engine/internal/domain"
	"github.com/tbourn/go-sync-engine/internal/http/middleware"
	"github.com/tbourn/go-sync-engine/internal/services"
)

// Push notification headers.
const (
	HeaderChannelID     = "X-Goog-Channel-ID"
	HeaderChannelToken  = "X-Goog-Channel-Token"
	HeaderResourceID    = "X-Goog-Resource-ID"
	HeaderResourceState = "X-Goog-Resource-State"
	HeaderMessageNumber = "X-Goog-Message-Number"
)

// WebhookResponse acknowledges a notification.
type WebhookResponse struct {
	// One of "queued", "deduplicated" or "handshake".
	Status string `json:"status" example:"queued"`
}

// ReceiveWebhook godoc
// @ID          receiveWebhook
// @Summary     Receive a push notification
// @Description Validates the channel headers against the stored subscription and enqueues a sync.
// @Tags        Webhooks
// @Produce     json
//
// @Param       integration            path    string  true  "Integration"  example(google_calendar)
// @Param       X-Goog-Channel-ID      header  string  true  "Channel id"
// @Param       X-Goog-Channel-Token   header  string  true  "Channel verification token"
// @Param       X-Goog-Resource-ID     header  string  true  "Watched resource id"
// @Param       X-Goog-Resource-State  header  string  false "sync | exists | not_exists"
//
// @Success     200  {object}  handlers.WebhookResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Rejected notification"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /webhooks/{integration} [post]
func (h *Handlers) ReceiveWebhook(c *gin.Context) {
	integ, err := domain.ParseIntegration(c.Param("integration"))
	if err != nil {
		middleware.ObserveWebhook("invalid", "rejected")
		fail(c, http.StatusBadRequest, ErrCodeUnknownIntegration, err.Error())
		return
	}

	n := services.Notification{
		Integration:   integ,
		ChannelID:     c.GetHeader(HeaderChannelID),
		ChannelToken:  c.GetHeader(HeaderChannelToken),
		ResourceID:    c.GetHeader(HeaderResourceID),
		ResourceState: c.GetHeader(HeaderResourceState),
		MessageNumber: c.GetHeader(HeaderMessageNumber),
	}

	res, err := h.webhooks.OnNotificationReceived(c.Request.Context(), n)
	if err != nil {
		if domain.IsKind(err, domain.KindValidation) {
			middleware.ObserveWebhook(string(integ), "rejected")
			fail(c, http.StatusBadRequest, ErrCodeInvalidNotification, "notification rejected")
			return
		}
		failService(c, err, ErrCodeInternal)
		return
	}

	status := "deduplicated"
	switch {
	case res.Handshake:
		status = "handshake"
	case res.Enqueued:
		status = "queued"
	}
	middleware.ObserveWebhook(string(integ), status)
	ok(c, http.StatusOK, WebhookResponse{Status: status})
}

