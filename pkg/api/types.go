package api

import (
	"github.com/verityhq/verity/pkg/models"
	"github.com/verityhq/verity/pkg/store"
)

// StartQueryRequest is the body of POST /api/v1/queries.
type StartQueryRequest struct {
	WorkspaceID string                    `json:"workspace_id" binding:"required"`
	Query       string                    `json:"query" binding:"required"`
	Mode        string                    `json:"mode"`
	History     []models.ConversationTurn `json:"history"`
}

// StartQueryResponse acknowledges an accepted query.
type StartQueryResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// LedgerResponse is the evidence ledger returned by the ledger endpoint.
type LedgerResponse = store.Ledger

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
