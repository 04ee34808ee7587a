package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	creditdomain "github.com/craftlabs/craft/internal/credit/domain"
)

func parseUserID(raw string) (snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ErrInvalidRequest
	}
	userID, err := snowflake.ParseString(raw)
	if err != nil || userID == 0 {
		return 0, ErrInvalidRequest
	}
	return userID, nil
}

func (s *Server) HandleBalance(c *gin.Context) {
	userID, err := parseUserID(c.Query("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.credits.Balance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id": userID.String(),
		"balance": balance,
	})
}

type checkBalanceRequest struct {
	UserID        string `json:"user_id" binding:"required"`
	EstimatedCost int64  `json:"estimated_cost"`
}

func (s *Server) HandleCheckBalance(c *gin.Context) {
	var req checkBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	userID, err := parseUserID(req.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	check, err := s.credits.CheckBalance(c.Request.Context(), userID, req.EstimatedCost)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, check)
}

type deductRequest struct {
	UserID       string         `json:"user_id" binding:"required"`
	Cost         int64          `json:"cost" binding:"required"`
	Model        string         `json:"model"`
	InputTokens  int64          `json:"input_tokens"`
	OutputTokens int64          `json:"output_tokens"`
	Metadata     map[string]any `json:"metadata"`
}

func (s *Server) HandleDeduct(c *gin.Context) {
	var req deductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	userID, err := parseUserID(req.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	err = s.credits.Deduct(c.Request.Context(), userID, req.Cost, creditdomain.Usage{
		Model:        req.Model,
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		Metadata:     req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.credits.Balance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id": userID.String(),
		"balance": balance,
	})
}

type usageRow struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	CostMinor    int64  `json:"cost_minor"`
	CreatedAt    string `json:"created_at"`
}

func (s *Server) HandleUsage(c *gin.Context) {
	userID, err := parseUserID(c.Query("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var usages []creditdomain.CreditUsage
	if err := s.db.WithContext(c.Request.Context()).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&usages).Error; err != nil {
		AbortWithError(c, err)
		return
	}

	rows := make([]usageRow, 0, len(usages))
	for _, usage := range usages {
		rows = append(rows, usageRow{
			ID:           usage.ID.String(),
			Model:        usage.Model,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			CostMinor:    usage.CostMinor,
			CreatedAt:    usage.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	c.JSON(http.StatusOK, gin.H{"usage": rows})
}

type grantRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	Amount   int64  `json:"amount" binding:"required"`
	SourceID string `json:"source_id" binding:"required"`
}

// HandleGrant is the manual top-up path for support operations. SourceID
// makes repeated submissions of the same ticket idempotent.
func (s *Server) HandleGrant(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	userID, err := parseUserID(req.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	err = s.credits.Credit(c.Request.Context(), userID, req.Amount, creditdomain.GrantSourceManual, req.SourceID)
	if err != nil {
		if errors.Is(err, creditdomain.ErrGrantDuplicate) {
			c.JSON(http.StatusOK, gin.H{"status": "already_applied"})
			return
		}
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "granted"})
}

func (s *Server) HandleSubscription(c *gin.Context) {
	userID, err := parseUserID(c.Query("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.subscriptions.Find(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":              userID.String(),
		"status":               sub.Status,
		"current_period_start": sub.CurrentPeriodStart.UTC(),
		"current_period_end":   sub.CurrentPeriodEnd.UTC(),
		"credits_used":         sub.CreditsUsed,
	})
}
