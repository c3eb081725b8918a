// Connection lifecycle endpoints. Authorization with the provider happens
// elsewhere; these endpoints tell the engine a pair became usable, was
// removed, or ask where it stands.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ConnectIntegration godoc
// @ID          connectIntegration
// @Summary     Connect an integration
// @Description Initializes token health, the adaptive schedule and (for push-capable integrations) webhook registration, then queues the initial sync.
// @Tags        Integrations
// @Produce     json
//
// @Param       X-User-ID    header  string  true  "Authenticated user id"  example(user123)
// @Param       integration  path    string  true  "Integration"            example(google_calendar)
//
// @Success     200  {object}  services.ConnectionStatus
// @Failure     400  {object}  handlers.ErrorResponse  "Unknown integration"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing user"
// @Failure     409  {object}  handlers.ErrorResponse  "Credential not usable"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /api/v1/integrations/{integration}/connect [post]
func (h *Handlers) ConnectIntegration(c *gin.Context) {
	uid, found := requireUser(c)
	if !found {
		return
	}
	integ, valid := integrationParam(c)
	if !valid {
		return
	}
	st, err := h.conns.Connect(c.Request.Context(), uid, integ)
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, st)
}

// DisconnectIntegration godoc
// @ID          disconnectIntegration
// @Summary     Disconnect an integration
// @Description Stops the webhook channel and deletes per-pair state. Sync metrics are kept.
// @Tags        Integrations
//
// @Param       X-User-ID    header  string  true  "Authenticated user id"  example(user123)
// @Param       integration  path    string  true  "Integration"            example(google_calendar)
//
// @Success     204  {string}  string  "No Content"
// @Failure     400  {object}  handlers.ErrorResponse  "Unknown integration"
// @Failure     404  {object}  handlers.ErrorResponse  "Not connected"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /api/v1/integrations/{integration} [delete]
func (h *Handlers) DisconnectIntegration(c *gin.Context) {
	uid, found := requireUser(c)
	if !found {
		return
	}
	integ, valid := integrationParam(c)
	if !valid {
		return
	}
	if err := h.conns.Disconnect(c.Request.Context(), uid, integ); err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}

// IntegrationStatus godoc
// @ID          integrationStatus
// @Summary     Integration status
// @Description Returns connection state, reconnect_required, breaker state and the next scheduled sync.
// @Tags        Integrations
// @Produce     json
//
// @Param       X-User-ID    header  string  true  "Authenticated user id"  example(user123)
// @Param       integration  path    string  true  "Integration"            example(google_calendar)
//
// @Success     200  {object}  services.ConnectionStatus
// @Failure     400  {object}  handlers.ErrorResponse  "Unknown integration"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing user"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /api/v1/integrations/{integration}/status [get]
func (h *Handlers) IntegrationStatus(c *gin.Context) {
	uid, found := requireUser(c)
	if !found {
		return
	}
	integ, valid := integrationParam(c)
	if !valid {
		return
	}
	st, err := h.conns.Status(c.Request.Context(), uid, integ)
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, st)
}
