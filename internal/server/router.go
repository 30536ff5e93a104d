package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Wambui-N/f2s-sub002/internal/auth"
	"github.com/Wambui-N/f2s-sub002/internal/connections"
	"github.com/Wambui-N/f2s-sub002/internal/credentials"
	"github.com/Wambui-N/f2s-sub002/internal/delivery"
	"github.com/Wambui-N/f2s-sub002/internal/forms"
)

const userIDContextKey = "f2s_user_id"

var (
	errMissingGoogleVerifier = errors.New("google verifier dependency required")
	errMissingTokenManager   = errors.New("token manager dependency required")
	errMissingFormsService   = errors.New("forms service dependency required")
	errMissingResolver       = errors.New("connection resolver dependency required")
	errMissingDispatcher     = errors.New("dispatcher dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// GoogleVerifier validates Google ID tokens during sign-in.
type GoogleVerifier interface {
	Verify(ctx context.Context, token string) (auth.GoogleClaims, error)
}

// SessionTokenManager issues and validates API session tokens.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// IdentityResolver maps verified Google claims to a canonical user id.
type IdentityResolver interface {
	ResolveCanonicalUserID(claims auth.GoogleClaims) (string, error)
}

// SubmissionDispatcher fans a persisted submission out in the background.
type SubmissionDispatcher interface {
	DispatchAsync(job delivery.Job)
}

// ProviderConnector drives the OAuth consent flow for destination providers.
type ProviderConnector interface {
	ConsentURL(state string, provider credentials.Provider) (string, error)
	Exchange(ctx context.Context, userID string, provider credentials.Provider, code string) (credentials.Credential, error)
}

// Dependencies wires the HTTP surface to the domain services.
type Dependencies struct {
	GoogleVerifier GoogleVerifier
	TokenManager   SessionTokenManager
	Identities     IdentityResolver
	FormsService   *forms.Service
	Resolver       *connections.Resolver
	Credentials    *credentials.Store
	Connector      ProviderConnector
	Dispatcher     SubmissionDispatcher
	IDProvider     forms.IDProvider
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router for the API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.GoogleVerifier == nil {
		return nil, errMissingGoogleVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.FormsService == nil {
		return nil, errMissingFormsService
	}
	if deps.Resolver == nil {
		return nil, errMissingResolver
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idProvider := deps.IDProvider
	if idProvider == nil {
		idProvider = forms.NewUUIDProvider()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:     deps.GoogleVerifier,
		tokens:       deps.TokenManager,
		identities:   deps.Identities,
		formsService: deps.FormsService,
		resolver:     deps.Resolver,
		credentials:  deps.Credentials,
		connector:    deps.Connector,
		dispatcher:   deps.Dispatcher,
		idProvider:   idProvider,
		states:       newStateStore(consentStateTTL),
		logger:       logger,
	}

	router.POST("/auth/google", handler.handleGoogleAuth)
	router.POST("/forms/:formID/submissions", handler.handleSubmissionIntake)
	router.GET("/oauth/google/callback", handler.handleConsentCallback)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/forms", handler.handleCreateForm)
	protected.GET("/submissions/:submissionID", handler.handleGetSubmission)
	protected.GET("/connections", handler.handleListConnections)
	protected.POST("/connections", handler.handleCreateConnection)
	protected.GET("/connections/:provider/start", handler.handleConsentStart)
	protected.DELETE("/connections/:provider", handler.handleDisconnectProvider)

	return router, nil
}

type httpHandler struct {
	verifier     GoogleVerifier
	tokens       SessionTokenManager
	identities   IdentityResolver
	formsService *forms.Service
	resolver     *connections.Resolver
	credentials  *credentials.Store
	connector    ProviderConnector
	dispatcher   SubmissionDispatcher
	idProvider   forms.IDProvider
	states       *stateStore
	logger       *zap.Logger
}

type authRequestPayload struct {
	IDToken string `json:"id_token"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleGoogleAuth(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("google token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	subject := claims.Subject
	if h.identities != nil {
		subject, err = h.identities.ResolveCanonicalUserID(claims)
		if err != nil {
			h.logger.Error("identity resolution failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "identity_resolution_failed"})
			return
		}
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), subject)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
