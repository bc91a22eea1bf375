package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/directory"
)

// EntitySearcher finds users and groups that rules can be assigned to.
type EntitySearcher interface {
	Search(ctx context.Context, query string, limit int) ([]directory.Entity, error)
}

// EntityHandler serves the assignment picker.
type EntityHandler struct {
	searcher EntitySearcher
}

// NewEntityHandler constructs an EntityHandler.
func NewEntityHandler(searcher EntitySearcher) *EntityHandler {
	return &EntityHandler{searcher: searcher}
}

// Search returns users and groups matching ?q=.
func (h *EntityHandler) Search(c *gin.Context) {
	limit, _ := strconv.Atoi(strings.TrimSpace(c.Query("limit")))
	entities, errSearch := h.searcher.Search(c.Request.Context(), c.Query("q"), limit)
	if errSearch != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}
	if entities == nil {
		entities = []directory.Entity{}
	}
	c.JSON(http.StatusOK, gin.H{"entities": entities})
}
