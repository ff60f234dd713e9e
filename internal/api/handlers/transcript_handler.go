package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/captioncast/captioncast/internal/transcript"
	"github.com/captioncast/captioncast/internal/utils"
)

// TranscriptHandler is the admin mutation surface over the transcript store.
// Authentication is handled by the surrounding deployment, not here.
type TranscriptHandler struct {
	store *transcript.Store
}

func NewTranscriptHandler(store *transcript.Store) *TranscriptHandler {
	return &TranscriptHandler{store: store}
}

func (h *TranscriptHandler) List(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(c, utils.E(utils.CodeInvalidArgument, "TranscriptHandler.List", "limit must be a non-negative integer", err))
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{"entries": h.store.List(limit)})
}

type editEntryReq struct {
	Text string `json:"text"`
}

func (h *TranscriptHandler) Edit(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "TranscriptHandler.Edit", "invalid entry id", err))
		return
	}

	var req editEntryReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Text == "" {
		writeError(c, utils.E(utils.CodeInvalidArgument, "TranscriptHandler.Edit", "text is required", err))
		return
	}

	entry, err := h.store.Edit(id, req.Text)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *TranscriptHandler) Delete(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "TranscriptHandler.Delete", "invalid entry id", err))
		return
	}

	if err := h.store.Delete(id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (h *TranscriptHandler) Clear(c *gin.Context) {
	if err := h.store.Clear(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}
