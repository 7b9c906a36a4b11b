package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	reservationdomain "github.com/staylane/atrium/internal/reservation/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ReservationHandler serves read access for support tooling checking
// reconciliation results.
type ReservationHandler struct {
	db   *gorm.DB
	repo reservationdomain.Repository
	log  *zap.Logger
}

func NewReservationHandler(db *gorm.DB, repo reservationdomain.Repository, log *zap.Logger) *ReservationHandler {
	return &ReservationHandler{
		db:   db,
		repo: repo,
		log:  log.Named("server.reservations"),
	}
}

func (h *ReservationHandler) Get(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid reservation id"})
		return
	}

	reservation, err := h.repo.FindByID(c.Request.Context(), h.db, snowflake.ID(id))
	if err != nil {
		if errors.Is(err, reservationdomain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Reservation not found"})
			return
		}
		h.log.Error("reservation lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, reservation)
}
