package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/chorus/internal/projects"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type snapshotResponsePayload struct {
	DocumentID       int64           `json:"document_id"`
	Version          int64           `json:"version"`
	State            json.RawMessage `json:"state"`
	UpdatedAtSeconds int64           `json:"updated_at_s"`
}

type operationPayload struct {
	Version           int64           `json:"version"`
	Payload           json.RawMessage `json:"payload"`
	InsertedAtSeconds int64           `json:"inserted_at_s"`
}

type operationsResponsePayload struct {
	DocumentID int64              `json:"document_id"`
	Operations []operationPayload `json:"operations"`
}

type submitRequestPayload struct {
	BaseVersion *int64            `json:"base_version"`
	Operations  []json.RawMessage `json:"operations"`
}

type submitResponsePayload struct {
	DocumentID   int64 `json:"document_id"`
	FirstVersion int64 `json:"first_version"`
	NewVersion   int64 `json:"new_version"`
	AppliedCount int   `json:"applied_count"`
}

func (h *httpHandler) handleGetSnapshot(c *gin.Context) {
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	snapshot, err := h.projects.Snapshot(c.Request.Context(), documentID)
	if err != nil {
		h.writeServiceError(c, "get_snapshot", err)
		return
	}
	c.JSON(http.StatusOK, snapshotResponsePayload{
		DocumentID:       snapshot.DocumentID().Int64(),
		Version:          snapshot.Version().Int64(),
		State:            json.RawMessage(snapshot.State().String()),
		UpdatedAtSeconds: snapshot.UpdatedAt().Unix(),
	})
}

func (h *httpHandler) handleGetOperations(c *gin.Context) {
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	since := projects.Version(0)
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		since, err = projects.NewVersion(parsed)
		if err != nil {
			h.writeServiceError(c, "get_operations_since", err)
			return
		}
	}

	records, err := h.projects.OperationsSince(c.Request.Context(), documentID, since)
	if err != nil {
		h.writeServiceError(c, "get_operations_since", err)
		return
	}
	response := operationsResponsePayload{
		DocumentID: documentID.Int64(),
		Operations: make([]operationPayload, 0, len(records)),
	}
	for _, record := range records {
		response.Operations = append(response.Operations, operationPayload{
			Version:           record.Version().Int64(),
			Payload:           json.RawMessage(record.Payload().String()),
			InsertedAtSeconds: record.InsertedAt().Unix(),
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleSubmitOperations(c *gin.Context) {
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}

	var request submitRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.BaseVersion == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	baseVersion, err := projects.NewVersion(*request.BaseVersion)
	if err != nil {
		h.writeServiceError(c, "submit_operations", err)
		return
	}
	payloads := make([]projects.OperationPayload, 0, len(request.Operations))
	for _, raw := range request.Operations {
		payload, err := projects.NewOperationPayload(string(raw))
		if err != nil {
			h.writeServiceError(c, "submit_operations", err)
			return
		}
		payloads = append(payloads, payload)
	}

	result, err := h.projects.Submit(c.Request.Context(), documentID, baseVersion, payloads)
	if err != nil {
		h.writeServiceError(c, "submit_operations", err)
		return
	}
	if result.AppliedCount > 0 {
		h.logger.Debug("operations committed",
			zap.Int64("document_id", documentID.Int64()),
			zap.Int64("new_version", result.NewVersion.Int64()),
			zap.String("participant_id", participantFromContext(c)))
	}

	c.JSON(http.StatusOK, submitResponsePayload{
		DocumentID:   result.DocumentID.Int64(),
		FirstVersion: result.FirstVersion.Int64(),
		NewVersion:   result.NewVersion.Int64(),
		AppliedCount: result.AppliedCount,
	})
}

func (h *httpHandler) documentIDParam(c *gin.Context) (projects.DocumentID, bool) {
	parsed, err := strconv.ParseInt(c.Param("documentID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return 0, false
	}
	documentID, err := projects.NewDocumentID(parsed)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return 0, false
	}
	return documentID, true
}
