package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cradle/internal/access"
	"github.com/MarcoPoloResearchLab/cradle/internal/auth"
	"github.com/MarcoPoloResearchLab/cradle/internal/entities"
	"github.com/MarcoPoloResearchLab/cradle/internal/events"
	"github.com/MarcoPoloResearchLab/cradle/internal/push"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	userIDContextKey        = "cradle_user_id"
	defaultHeartbeat        = 25 * time.Second
	defaultMaxBatch         = 500
	defaultRatePerSecond    = 5
	defaultRateBurst        = 20
	defaultLimiterIdleTTL   = 10 * time.Minute
	errorCodeInvalidRequest = "invalid_request"
	errorCodeUnauthorized   = "unauthorized"
	errorCodeIdentity       = "identity_not_found"
	errorCodeBatchTooLarge  = "batch_too_large"
	errorCodeRateLimited    = "rate_limited"
	errorCodeForbidden      = "forbidden"
	errorCodeInternal       = "internal_error"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUsers            = errors.New("identity resolver dependency required")
	errMissingPushHandler      = errors.New("push handler dependency required")
	errMissingAccess           = errors.New("access resolver dependency required")
	errMissingEventReader      = errors.New("event reader dependency required")
	errMissingInvites          = errors.New("invite service dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type IdentityResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

type PushHandler interface {
	Handle(ctx context.Context, callerID string, mutations []entities.Mutation) (entities.PushResponse, error)
}

type AccessResolver interface {
	Resolve(ctx context.Context, callerID string) (access.Resolution, error)
}

type EventReader interface {
	ListAfter(ctx context.Context, query events.Query) (events.Page, error)
}

type InviteManager interface {
	CreateInvite(ctx context.Context, inviterID string, babyID int64, level access.Level) (access.Invite, error)
	AcceptInvite(ctx context.Context, callerID string, token string) (access.Acceptance, error)
	RemoveCaregiver(ctx context.Context, ownerID string, babyID int64, targetID string) error
	Roster(ctx context.Context, callerID string, babyID int64) ([]access.Record, error)
}

// Limits bounds push traffic per caller. IdleTTL is how long an unused caller bucket is kept.
type Limits struct {
	MaxBatch      int
	RatePerSecond float64
	Burst         int
	IdleTTL       time.Duration
}

type Dependencies struct {
	Sessions       SessionValidator
	Users          IdentityResolver
	Push           PushHandler
	Access         AccessResolver
	Events         EventReader
	Invites        InviteManager
	Realtime       *RealtimeDispatcher
	Limits         Limits
	AllowedOrigins []string
	Heartbeat      time.Duration
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errMissingSessionValidator
	case deps.Users == nil:
		return nil, errMissingUsers
	case deps.Push == nil:
		return nil, errMissingPushHandler
	case deps.Access == nil:
		return nil, errMissingAccess
	case deps.Events == nil:
		return nil, errMissingEventReader
	case deps.Invites == nil:
		return nil, errMissingInvites
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limits := deps.Limits
	if limits.MaxBatch <= 0 {
		limits.MaxBatch = defaultMaxBatch
	}
	if limits.RatePerSecond <= 0 {
		limits.RatePerSecond = defaultRatePerSecond
	}
	if limits.Burst <= 0 {
		limits.Burst = defaultRateBurst
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:  deps.Sessions,
		users:     deps.Users,
		push:      deps.Push,
		access:    deps.Access,
		events:    deps.Events,
		invites:   deps.Invites,
		realtime:  realtime,
		maxBatch:  limits.MaxBatch,
		limiter:   newUserRateLimiter(rate.Limit(limits.RatePerSecond), limits.Burst, limits.IdleTTL, nil),
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync/push", handler.rateLimit, handler.handlePush)
	protected.GET("/sync/events", handler.handlePull)
	protected.GET("/sync/stream", handler.handleStream)
	protected.POST("/babies/:babyId/invites", handler.handleCreateInvite)
	protected.GET("/babies/:babyId/caregivers", handler.handleListCaregivers)
	protected.DELETE("/babies/:babyId/caregivers/:userId", handler.handleRemoveCaregiver)
	protected.POST("/invites/accept", handler.handleAcceptInvite)

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions  SessionValidator
	users     IdentityResolver
	push      PushHandler
	access    AccessResolver
	events    EventReader
	invites   InviteManager
	realtime  *RealtimeDispatcher
	maxBatch  int
	limiter   *userRateLimiter
	heartbeat time.Duration
	logger    *zap.Logger
}

type pushRequestPayload struct {
	Mutations *[]entities.Mutation `json:"mutations"`
}

func (h *httpHandler) handlePush(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request pushRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Mutations == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	mutations := *request.Mutations
	if len(mutations) > h.maxBatch {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeBatchTooLarge, "maxBatch": h.maxBatch})
		return
	}

	response, err := h.push.Handle(c.Request.Context(), userID, mutations)
	if errors.Is(err, push.ErrIdentityNotFound) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorCodeIdentity})
		return
	}
	if err != nil {
		h.logger.Error("push failed", zap.Error(err), zap.String("user_id", userID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": serviceErrorCode(err)})
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handlePull(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	after, err := parseOptionalInt(c.Query("after"))
	if err != nil || after < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}

	resolution, err := h.access.Resolve(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("access resolution failed", zap.Error(err), zap.String("user_id", userID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": serviceErrorCode(err)})
		return
	}
	if resolution.CallerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorCodeIdentity})
		return
	}

	page, err := h.events.ListAfter(c.Request.Context(), events.Query{
		After:  after,
		Limit:  int(limit),
		UserID: resolution.CallerID,
		Grants: resolution.Readable,
	})
	if err != nil {
		h.logger.Error("event listing failed", zap.Error(err), zap.String("user_id", userID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": serviceErrorCode(err)})
		return
	}
	response := entities.PullResponse{
		Events:     make([]entities.SyncEvent, 0, len(page.Events)),
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	}
	for _, event := range page.Events {
		response.Events = append(response.Events, event.Wire())
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()
	messages, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(realtimeEventReady, gin.H{"source": realtimeSourceBackend})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-messages:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, gin.H{
				"sequence":  message.Sequence,
				"babyIds":   message.BabyIDs,
				"timestamp": message.Timestamp.Format(time.RFC3339),
				"source":    realtimeSourceBackend,
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": tick.UTC().Format(time.RFC3339)})
			return true
		}
	})
}

type createInviteRequest struct {
	AccessLevel string `json:"accessLevel"`
}

func (h *httpHandler) handleCreateInvite(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	babyID, ok := babyIDParam(c)
	if !ok {
		return
	}
	var request createInviteRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	level, err := access.ParseLevel(request.AccessLevel)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	invite, err := h.invites.CreateInvite(c.Request.Context(), userID, babyID, level)
	if err != nil {
		h.respondAccessError(c, err, userID, babyID)
		return
	}
	c.JSON(http.StatusCreated, invite)
}

type acceptInviteRequest struct {
	Token string `json:"token"`
}

func (h *httpHandler) handleAcceptInvite(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request acceptInviteRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	acceptance, err := h.invites.AcceptInvite(c.Request.Context(), userID, request.Token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidInvite) || errors.Is(err, auth.ErrExpiredInvite) ||
			errors.Is(err, access.ErrInvalidLevel) || errors.Is(err, access.ErrBabyArchived) {
			c.JSON(http.StatusBadRequest, gin.H{"error": serviceErrorCode(err)})
			return
		}
		h.logger.Error("invite acceptance failed", zap.Error(err), zap.String("user_id", userID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": serviceErrorCode(err)})
		return
	}
	c.JSON(http.StatusOK, acceptance)
}

type caregiverPayload struct {
	UserID      string       `json:"userId"`
	AccessLevel access.Level `json:"accessLevel"`
	GrantedAt   int64        `json:"grantedAt"`
}

func (h *httpHandler) handleListCaregivers(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	babyID, ok := babyIDParam(c)
	if !ok {
		return
	}
	records, err := h.invites.Roster(c.Request.Context(), userID, babyID)
	if err != nil {
		h.respondAccessError(c, err, userID, babyID)
		return
	}
	caregivers := make([]caregiverPayload, 0, len(records))
	for _, record := range records {
		caregivers = append(caregivers, caregiverPayload{
			UserID:      record.UserID,
			AccessLevel: record.Level,
			GrantedAt:   record.CreatedAtMillis,
		})
	}
	c.JSON(http.StatusOK, gin.H{"caregivers": caregivers})
}

func (h *httpHandler) handleRemoveCaregiver(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	babyID, ok := babyIDParam(c)
	if !ok {
		return
	}
	target := strings.TrimSpace(c.Param("userId"))
	if target == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	if err := h.invites.RemoveCaregiver(c.Request.Context(), userID, babyID, target); err != nil {
		h.respondAccessError(c, err, userID, babyID)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) respondAccessError(c *gin.Context, err error, userID string, babyID int64) {
	switch {
	case errors.Is(err, access.ErrNotOwner), errors.Is(err, access.ErrNoAccess):
		c.JSON(http.StatusForbidden, gin.H{"error": errorCodeForbidden})
	case errors.Is(err, access.ErrLastOwner):
		c.JSON(http.StatusConflict, gin.H{"error": serviceErrorCode(err)})
	default:
		h.logger.Error("caregiver management failed", zap.Error(err), zap.String("user_id", userID), zap.Int64("baby_id", babyID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": serviceErrorCode(err)})
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}
	userID, err := h.users.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("identity resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) rateLimit(c *gin.Context) {
	if !h.limiter.allow(c.GetString(userIDContextKey)) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": errorCodeRateLimited})
		return
	}
	c.Next()
}

// userRateLimiter keeps one token bucket per caller. Buckets idle longer than idleTTL are
// swept on a later call, so the map holds only recently active callers.
type userRateLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	now       func() time.Time
	lastSweep time.Time
	buckets   map[string]*userBucket
}

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newUserRateLimiter(limit rate.Limit, burst int, idleTTL time.Duration, clock func() time.Time) *userRateLimiter {
	if idleTTL <= 0 {
		idleTTL = defaultLimiterIdleTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &userRateLimiter{
		limit:     limit,
		burst:     burst,
		idleTTL:   idleTTL,
		now:       clock,
		lastSweep: clock(),
		buckets:   make(map[string]*userBucket),
	}
}

func (l *userRateLimiter) allow(userID string) bool {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastSweep) >= l.idleTTL {
		l.sweepLocked(now)
	}
	bucket, ok := l.buckets[userID]
	if !ok {
		bucket = &userBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[userID] = bucket
	}
	bucket.lastSeen = now
	l.mu.Unlock()
	return bucket.limiter.AllowN(now, 1)
}

func (l *userRateLimiter) sweepLocked(now time.Time) {
	for userID, bucket := range l.buckets {
		if now.Sub(bucket.lastSeen) >= l.idleTTL {
			delete(l.buckets, userID)
		}
	}
	l.lastSweep = now
}

func (l *userRateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func babyIDParam(c *gin.Context) (int64, bool) {
	babyID, err := entities.ParseBabyID(c.Param("babyId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return 0, false
	}
	return babyID.Int64(), true
}

func parseOptionalInt(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

type codedError interface {
	Code() string
}

func serviceErrorCode(err error) string {
	var coded codedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return errorCodeInternal
}
