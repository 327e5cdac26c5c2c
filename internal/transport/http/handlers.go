package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/dkeye/Cast/internal/app"
	"github.com/dkeye/Cast/internal/app/sfu"
	"github.com/dkeye/Cast/internal/core"
	"github.com/dkeye/Cast/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Sessions is the part of the session manager the HTTP boundary needs.
type Sessions interface {
	CreateSession(ctx context.Context, offer domain.SessionDescription) (*app.Session, domain.SessionDescription, error)
	CloseByID(id core.SessionID) error
	List() []domain.SessionInfo
	Len() int
}

type RelayStats interface {
	Stats() []sfu.RelayStats
}

type Handlers struct {
	Sessions Sessions
	Relays   RelayStats
}

// SessionHeader carries the id the client uses to announce its disconnect.
const SessionHeader = "X-Session-Id"

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status   string           `json:"status"`
	Sessions int              `json:"sessions"`
	Relays   []sfu.RelayStats `json:"relays"`
}

// Offer answers a viewer's SDP offer with the server's SDP answer.
func (h *Handlers) Offer(c *gin.Context) {
	var offer domain.SessionDescription
	if err := c.ShouldBindJSON(&offer); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid offer body: " + err.Error()})
		return
	}

	s, answer, err := h.Sessions.CreateSession(c.Request.Context(), offer)
	if err != nil {
		status := offerStatus(err)
		log.Warn().Str("module", "transport.http").Int("status", status).Err(err).Msg("offer rejected")
		c.JSON(status, errorResponse{Error: err.Error()})
		return
	}
	if s != nil {
		c.Header(SessionHeader, string(s.ID))
	}
	c.JSON(http.StatusOK, answer)
}

func offerStatus(err error) int {
	switch {
	case errors.Is(err, core.ErrSourceUnavailable), errors.Is(err, app.ErrManagerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrNegotiation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, h.Sessions.List())
}

// CloseSession is the client disconnect notification.
func (h *Handlers) CloseSession(c *gin.Context) {
	err := h.Sessions.CloseByID(core.SessionID(c.Param("id")))
	switch {
	case errors.Is(err, core.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	default:
		c.Status(http.StatusNoContent)
	}
}

func (h *Handlers) Health(c *gin.Context) {
	resp := healthResponse{Status: "ok", Sessions: h.Sessions.Len()}
	if h.Relays != nil {
		resp.Relays = h.Relays.Stats()
	}
	c.JSON(http.StatusOK, resp)
}
