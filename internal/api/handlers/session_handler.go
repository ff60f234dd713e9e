package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/captioncast/captioncast/internal/services"
)

// SessionHandler is the operator control surface over the relay. Requests may
// omit the language pair; the configured defaults apply then.
type SessionHandler struct {
	relay         services.RelayService
	defaultSource string
	defaultTarget string
}

func NewSessionHandler(relay services.RelayService, defaultSource, defaultTarget string) *SessionHandler {
	return &SessionHandler{relay: relay, defaultSource: defaultSource, defaultTarget: defaultTarget}
}

type startSessionReq struct {
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
}

func (h *SessionHandler) Start(c *gin.Context) {
	var req startSessionReq
	_ = c.ShouldBindJSON(&req) // both fields optional

	if req.SourceLanguage == "" {
		req.SourceLanguage = h.defaultSource
	}
	if req.TargetLanguage == "" {
		req.TargetLanguage = h.defaultTarget
	}

	if err := h.relay.Start(req.SourceLanguage, req.TargetLanguage); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.relay.Status())
}

func (h *SessionHandler) Stop(c *gin.Context) {
	h.relay.Stop()
	c.JSON(http.StatusOK, h.relay.Status())
}

func (h *SessionHandler) Pause(c *gin.Context) {
	h.relay.Pause()
	c.JSON(http.StatusOK, h.relay.Status())
}

func (h *SessionHandler) Resume(c *gin.Context) {
	h.relay.Resume()
	c.JSON(http.StatusOK, h.relay.Status())
}

func (h *SessionHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.relay.Status())
}
