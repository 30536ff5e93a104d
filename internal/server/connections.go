package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Wambui-N/f2s-sub002/internal/connections"
	"github.com/Wambui-N/f2s-sub002/internal/credentials"
	"github.com/Wambui-N/f2s-sub002/internal/forms"
)

type createConnectionRequestPayload struct {
	FormID      string `json:"form_id"`
	Kind        string `json:"kind"`
	ExternalID  string `json:"external_id"`
	ExternalURL string `json:"external_url"`
	SheetName   string `json:"sheet_name"`
}

type connectionResponsePayload struct {
	ConnectionID string `json:"connection_id"`
	FormID       string `json:"form_id"`
	Kind         string `json:"kind"`
	ExternalID   string `json:"external_id"`
	ExternalURL  string `json:"external_url,omitempty"`
	SheetName    string `json:"sheet_name,omitempty"`
}

func (h *httpHandler) handleCreateConnection(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request createConnectionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	kind := connections.Kind(strings.ToLower(strings.TrimSpace(request.Kind)))
	if !kind.Valid() || strings.TrimSpace(request.ExternalID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	form, err := h.formsService.GetForm(c.Request.Context(), request.FormID)
	if err != nil {
		if errors.Is(err, forms.ErrFormNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "form_not_found"})
			return
		}
		h.logger.Error("form lookup failed", zap.String("form_id", request.FormID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	if form.OwnerUserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "form_not_found"})
		return
	}

	id, err := h.idProvider.NewID()
	if err != nil {
		h.logger.Error("connection id generation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}

	connection := connections.Connection{
		ID:          id,
		OwnerUserID: userID,
		FormID:      form.ID,
		Kind:        kind,
		ExternalID:  strings.TrimSpace(request.ExternalID),
		ExternalURL: strings.TrimSpace(request.ExternalURL),
		SheetName:   strings.TrimSpace(request.SheetName),
	}
	if err := h.resolver.Save(c.Request.Context(), connection); err != nil {
		h.logger.Error("connection save failed", zap.String("form_id", form.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}

	c.JSON(http.StatusCreated, connectionResponsePayload{
		ConnectionID: connection.ID,
		FormID:       connection.FormID,
		Kind:         string(connection.Kind),
		ExternalID:   connection.ExternalID,
		ExternalURL:  connection.ExternalURL,
		SheetName:    connection.SheetName,
	})
}

func (h *httpHandler) handleListConnections(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	rows, err := h.resolver.ListByOwner(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("connection listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	response := make([]connectionResponsePayload, 0, len(rows))
	for _, row := range rows {
		response = append(response, connectionResponsePayload{
			ConnectionID: row.ID,
			FormID:       row.FormID,
			Kind:         string(row.Kind),
			ExternalID:   row.ExternalID,
			ExternalURL:  row.ExternalURL,
			SheetName:    row.SheetName,
		})
	}
	c.JSON(http.StatusOK, gin.H{"connections": response})
}

// parseProviderParam accepts both destination-kind aliases and raw provider
// names so dashboard URLs stay readable.
func parseProviderParam(value string) (credentials.Provider, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "drive", "sheets", string(credentials.ProviderGoogleDrive):
		return credentials.ProviderGoogleDrive, true
	case "calendar", string(credentials.ProviderGoogleCalendar):
		return credentials.ProviderGoogleCalendar, true
	}
	return "", false
}

func (h *httpHandler) handleConsentStart(c *gin.Context) {
	if h.connector == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "consent_unavailable"})
		return
	}
	userID := c.GetString(userIDContextKey)

	provider, ok := parseProviderParam(c.Param("provider"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_provider"})
		return
	}

	state, err := h.idProvider.NewID()
	if err != nil {
		h.logger.Error("consent state generation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "consent_start_failed"})
		return
	}

	consentURL, err := h.connector.ConsentURL(state, provider)
	if err != nil {
		h.logger.Error("consent url build failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "consent_start_failed"})
		return
	}

	h.states.put(state, userID, provider)
	c.JSON(http.StatusOK, gin.H{"consent_url": consentURL, "state": state})
}

func (h *httpHandler) handleConsentCallback(c *gin.Context) {
	if h.connector == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "consent_unavailable"})
		return
	}

	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	pending, ok := h.states.consume(state)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_state"})
		return
	}

	credential, err := h.connector.Exchange(c.Request.Context(), pending.userID, pending.provider, code)
	if err != nil {
		h.logger.Error("consent exchange failed",
			zap.String("provider", string(pending.provider)),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "consent_exchange_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"connected":  string(credential.Provider),
		"expires_at": credential.ExpiresAt,
	})
}

func (h *httpHandler) handleDisconnectProvider(c *gin.Context) {
	if h.credentials == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "disconnect_unavailable"})
		return
	}
	userID := c.GetString(userIDContextKey)

	provider, ok := parseProviderParam(c.Param("provider"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_provider"})
		return
	}

	if err := h.credentials.Delete(c.Request.Context(), userID, provider); err != nil {
		h.logger.Error("credential delete failed",
			zap.String("provider", string(provider)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "disconnect_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"disconnected": string(provider)})
}
