package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/huykn/tagsync/storage"
	"github.com/huykn/tagsync/types"
)

type createQuoteRequest struct {
	Items      []types.QuoteItem `json:"items"`
	OwnerEmail string            `json:"ownerEmail"`
}

type priceQuoteRequest struct {
	Prices []decimal.Decimal `json:"prices"`
}

func (s *Server) createQuote(c *gin.Context) {
	var req createQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.OwnerEmail == "" {
		req.OwnerEmail = principalFrom(c).Subject
	}

	q, err := s.store.Create(c.Request.Context(), req.Items, req.OwnerEmail)
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	s.broadcast(s.broadcaster.Created(types.KindQuote, "New quote requested"))
	c.JSON(http.StatusCreated, q)
}

func (s *Server) getQuote(c *gin.Context) {
	q, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (s *Server) priceQuote(c *gin.Context) {
	var req priceQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	q, err := s.store.Price(c.Request.Context(), c.Param("id"), req.Prices)
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	s.metrics.IncQuoteTransition(string(q.Status))
	s.broadcast(s.broadcaster.Updated(types.KindQuote, q.ID, "Quote priced"))
	c.JSON(http.StatusOK, q)
}

func (s *Server) rejectQuote(c *gin.Context) {
	q, err := s.store.Reject(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	s.metrics.IncQuoteTransition(string(q.Status))
	s.broadcast(s.broadcaster.Updated(types.KindQuote, q.ID, "Quote rejected"))
	c.JSON(http.StatusOK, q)
}

// broadcast logs a failed fan-out. The mutation itself already succeeded.
func (s *Server) broadcast(_ int, err error) {
	if err != nil {
		s.logger.Error("Server: broadcast failed", "error", err)
	}
}

func (s *Server) writeStoreError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrQuoteNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrQuoteTerminal):
		status = http.StatusConflict
	case errors.Is(err, storage.ErrInvalidQuote):
		status = http.StatusBadRequest
	default:
		s.logger.Error("Server: store failure", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
