package httpapi

import (
	"net/http"
	"strconv"

	"eloits-rewards-engine/pkg/config"
	"eloits-rewards-engine/pkg/errutil"
	"eloits-rewards-engine/pkg/health"
	"eloits-rewards-engine/pkg/middleware"
	"eloits-rewards-engine/pkg/task"
	"eloits-rewards-engine/services/award"
	"eloits-rewards-engine/services/ledger"
	"eloits-rewards-engine/services/leaderboard"
	"eloits-rewards-engine/services/redemption"
	"eloits-rewards-engine/services/referral"
	"eloits-rewards-engine/services/rules"
	"eloits-rewards-engine/services/trust"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type Handler struct {
	cfg         *config.Config
	node        *snowflake.Node
	ledger      *ledger.Service
	rules       *rules.Service
	award       *award.Service
	trust       *trust.Service
	referral    *referral.Service
	redemption  *redemption.Service
	leaderboard *leaderboard.Service
	enqueuer    task.Enqueuer
}

type HandlerParams struct {
	fx.In
	Cfg         *config.Config
	Node        *snowflake.Node
	Health      health.HealthService
	Ledger      *ledger.Service
	Rules       *rules.Service
	Award       *award.Service
	Trust       *trust.Service
	Referral    *referral.Service
	Redemption  *redemption.Service
	Leaderboard *leaderboard.Service
	Enqueuer    task.Enqueuer `optional:"true"`
}

// ProvideHandler builds the gin engine with all routes attached.
func ProvideHandler(p HandlerParams) http.Handler {
	h := &Handler{
		cfg:         p.Cfg,
		node:        p.Node,
		ledger:      p.Ledger,
		rules:       p.Rules,
		award:       p.Award,
		trust:       p.Trust,
		referral:    p.Referral,
		redemption:  p.Redemption,
		leaderboard: p.Leaderboard,
		enqueuer:    p.Enqueuer,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Error())

	r.GET("/healthz", p.Health.Liveness)
	r.GET("/readyz", p.Health.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v := r.Group("/rewards")
	v.GET("/leaderboard", h.getLeaderboard)
	v.GET("/rules", h.listRules)

	authed := v.Group("", middleware.Auth(p.Cfg.Auth.Secret))
	authed.GET("/user/:id", h.ownerOrAdmin(h.getSummary))
	authed.GET("/user/:id/transactions", h.ownerOrAdmin(h.listTransactions))
	authed.GET("/user/:id/trust-history", h.ownerOrAdmin(h.listTrustHistory))
	authed.GET("/user/:id/referrals", h.ownerOrAdmin(h.listReferrals))
	authed.POST("/award-points", h.awardPoints)
	authed.POST("/request-redemption", h.requestRedemption)
	authed.POST("/redemptions/:id/cancel", h.cancelRedemption)
	authed.POST("/referrals", h.recordReferral)

	admin := authed.Group("/admin", middleware.RequireAdmin())
	admin.GET("/rules", h.listAllRules)
	admin.POST("/create-rule", h.createRule)
	admin.PUT("/update-rule/:id", h.updateRule)
	admin.DELETE("/rules/:id", h.deactivateRule)
	admin.POST("/award-points/:userId", h.adminAwardPoints)
	admin.POST("/redemptions/:id/complete", h.completeRedemption)
	admin.POST("/redemptions/:id/reject", h.rejectRedemption)
	admin.POST("/trust/:userId/flag", h.flagFraud)
	admin.POST("/referrals/:userId/activate", h.activateReferral)
	admin.POST("/referrals/:userId/churn", h.churnReferral)

	return r
}

// ownerOrAdmin guards the per-user read endpoints.
func (h *Handler) ownerOrAdmin(fn gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !middleware.IsOwnerOrAdmin(c, c.Param("id")) {
			fail(c, errutil.Forbidden("not allowed to view this user", nil))
			return
		}
		fn(c)
	}
}

func (h *Handler) getSummary(c *gin.Context) {
	userID := c.Param("id")

	summary, err := h.ledger.GetSummary(c.Request.Context(), userID)
	if err != nil {
		fail(c, err)
		return
	}
	if summary == nil {
		// No activity yet; present the zero account.
		score, err := h.trust.Score(c.Request.Context(), userID)
		if err != nil {
			fail(c, err)
			return
		}
		summary = &ledger.AccountSummary{UserID: userID, TrustScore: score, Level: 1}
	}

	c.JSON(http.StatusOK, summary)
}

func (h *Handler) listTransactions(c *gin.Context) {
	txns, err := h.ledger.ListTransactions(c.Request.Context(), c.Param("id"), ledger.ListQuery{
		Limit:        intQuery(c, "limit"),
		Offset:       intQuery(c, "offset"),
		ActivityType: c.Query("activityType"),
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}

func (h *Handler) listTrustHistory(c *gin.Context) {
	history, err := h.trust.History(c.Request.Context(), c.Param("id"),
		intQuery(c, "limit"), intQuery(c, "offset"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

func (h *Handler) listReferrals(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("id")

	refs, err := h.referral.ListByReferrer(ctx, userID,
		intQuery(c, "limit"), intQuery(c, "offset"))
	if err != nil {
		fail(c, err)
		return
	}
	profile, err := h.referral.Profile(ctx, userID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": profile, "referrals": refs})
}

func (h *Handler) getLeaderboard(c *gin.Context) {
	entries, err := h.leaderboard.Top(c.Request.Context(), intQuery(c, "limit"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": entries})
}

func (h *Handler) listRules(c *gin.Context) {
	list, err := h.rules.List(c.Request.Context(), false)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": list})
}

func (h *Handler) listAllRules(c *gin.Context) {
	list, err := h.rules.List(c.Request.Context(), true)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": list})
}

type awardRequest struct {
	ActivityType string         `json:"activityType" binding:"required"`
	SourceID     string         `json:"sourceId" binding:"required"`
	SourceType   string         `json:"sourceType"`
	Description  string         `json:"description"`
	Metadata     datatypes.JSON `json:"metadata"`
}

// awardPoints credits the caller. The amount always comes from the rule; a
// client cannot name its own price.
func (h *Handler) awardPoints(c *gin.Context) {
	var req awardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errutil.BadRequest("invalid request body", err))
		return
	}

	entry, err := h.award.Award(c.Request.Context(), award.AwardParams{
		UserID:       c.GetString(middleware.ContextUserID),
		ActivityType: req.ActivityType,
		SourceID:     req.SourceID,
		SourceType:   req.SourceType,
		Description:  req.Description,
		Metadata:     req.Metadata,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

type adminAwardRequest struct {
	ActivityType string `json:"activityType" binding:"required"`
	SourceID     string `json:"sourceId" binding:"required"`
	Amount       int64  `json:"amountEloits"`
	Reason       string `json:"reason" binding:"required"`
}

func (h *Handler) adminAwardPoints(c *gin.Context) {
	var req adminAwardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errutil.BadRequest("invalid request body", err))
		return
	}

	entry, err := h.award.Award(c.Request.Context(), award.AwardParams{
		UserID:       c.Param("userId"),
		ActivityType: req.ActivityType,
		Amount:       req.Amount,
		SourceID:     req.SourceID,
		SourceType:   "admin_grant",
		Description:  req.Reason,
	})
	if err != nil {
		fail(c, err)
		return
	}

	zap.L().Info("admin award",
		zap.String("admin_id", c.GetString(middleware.ContextUserID)),
		zap.String("user_id", c.Param("userId")),
		zap.String("reason", req.Reason),
	)
	c.JSON(http.StatusCreated, entry)
}

type redemptionRequest struct {
	Amount        int64          `json:"amountEloits" binding:"required"`
	Method        string         `json:"method" binding:"required"`
	MethodDetails datatypes.JSON `json:"methodDetails"`
}

func (h *Handler) requestRedemption(c *gin.Context) {
	var req redemptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errutil.BadRequest("invalid request body", err))
		return
	}

	created, err := h.redemption.Create(c.Request.Context(), redemption.CreateParams{
		UserID:        c.GetString(middleware.ContextUserID),
		Amount:        req.Amount,
		Method:        req.Method,
		MethodDetails: req.MethodDetails,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) cancelRedemption(c *gin.Context) {
	req, err := h.redemption.Cancel(c.Request.Context(), c.Param("id"),
		c.GetString(middleware.ContextUserID))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *Handler) completeRedemption(c *gin.Context) {
	req, err := h.redemption.Complete(c.Request.Context(), c.Param("id"),
		c.GetString(middleware.ContextUserID))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

type rejectRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) rejectRedemption(c *gin.Context) {
	var body rejectRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, errutil.BadRequest("invalid request body", err))
		return
	}

	req, err := h.redemption.Reject(c.Request.Context(), c.Param("id"), body.Reason,
		c.GetString(middleware.ContextUserID))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

type createRuleRequest struct {
	ActivityType string `json:"activityType" binding:"required"`
	Category     string `json:"category"`
	BaseAmount   int64  `json:"baseAmount"`
	DailyLimit   int64  `json:"dailyLimit"`
	WeeklyLimit  int64  `json:"weeklyLimit"`
	MonthlyLimit int64  `json:"monthlyLimit"`
	Description  string `json:"description"`
	Reason       string `json:"reason" binding:"required"`
}

func (h *Handler) createRule(c *gin.Context) {
	var req createRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errutil.BadRequest("invalid request body", err))
		return
	}

	rule, err := h.rules.Create(c.Request.Context(), rules.CreateParams{
		ActivityType: req.ActivityType,
		Category:     req.Category,
		BaseAmount:   req.BaseAmount,
		DailyLimit:   req.DailyLimit,
		WeeklyLimit:  req.WeeklyLimit,
		MonthlyLimit: req.MonthlyLimit,
		Description:  req.Description,
		UpdatedBy:    c.GetString(middleware.ContextUserID),
		Reason:       req.Reason,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

type updateRuleRequest struct {
	Category     *string `json:"category"`
	BaseAmount   *int64  `json:"baseAmount"`
	DailyLimit   *int64  `json:"dailyLimit"`
	WeeklyLimit  *int64  `json:"weeklyLimit"`
	MonthlyLimit *int64  `json:"monthlyLimit"`
	IsActive     *bool   `json:"isActive"`
	Description  *string `json:"description"`
	Reason       string  `json:"reason" binding:"required"`
}

func (h *Handler) updateRule(c *gin.Context) {
	var req updateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errutil.BadRequest("invalid request body", err))
		return
	}

	rule, err := h.rules.Update(c.Request.Context(), c.Param("id"), rules.UpdateParams{
		Category:     req.Category,
		BaseAmount:   req.BaseAmount,
		DailyLimit:   req.DailyLimit,
		WeeklyLimit:  req.WeeklyLimit,
		MonthlyLimit: req.MonthlyLimit,
		IsActive:     req.IsActive,
		Description:  req.Description,
		UpdatedBy:    c.GetString(middleware.ContextUserID),
		Reason:       req.Reason,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *Handler) deactivateRule(c *gin.Context) {
	var body rejectRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, errutil.BadRequest("invalid request body", err))
		return
	}

	rule, err := h.rules.Deactivate(c.Request.Context(), c.Param("id"),
		c.GetString(middleware.ContextUserID), body.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

type flagRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// flagFraud queues the penalty through the worker; when no queue is
// configured it applies the adjustment inline.
func (h *Handler) flagFraud(c *gin.Context) {
	var body flagRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, errutil.BadRequest("invalid request body", err))
		return
	}

	payload := trust.FraudFlagPayload{
		UserID:    c.Param("userId"),
		FlagID:    h.node.Generate().String(),
		Reason:    body.Reason,
		FlaggedBy: c.GetString(middleware.ContextUserID),
	}

	if h.enqueuer != nil {
		t, err := trust.NewFraudFlagTask(payload)
		if err == nil {
			_, err = h.enqueuer.Enqueue(t)
		}
		if err != nil {
			fail(c, errutil.Internal("failed to queue fraud flag", err))
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"flagId": payload.FlagID})
		return
	}

	entry, err := h.trust.ApplyFraudFlag(c.Request.Context(), payload)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

type referralRequest struct {
	ReferredID string `json:"referredId" binding:"required"`
}

// recordReferral registers the caller as the referrer.
func (h *Handler) recordReferral(c *gin.Context) {
	var req referralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errutil.BadRequest("invalid request body", err))
		return
	}

	ref, err := h.referral.Record(c.Request.Context(), referral.RecordParams{
		ReferrerID: c.GetString(middleware.ContextUserID),
		ReferredID: req.ReferredID,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ref)
}

func (h *Handler) activateReferral(c *gin.Context) {
	ref, err := h.referral.Activate(c.Request.Context(), c.Param("userId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ref)
}

func (h *Handler) churnReferral(c *gin.Context) {
	ref, err := h.referral.Churn(c.Request.Context(), c.Param("userId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ref)
}

func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

func intQuery(c *gin.Context, key string) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return v
}
