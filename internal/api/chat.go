package api

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/chat-resilience/internal/chat"
	"github.com/NikhilSetiya/chat-resilience/internal/errorlog"
	"github.com/NikhilSetiya/chat-resilience/internal/offline"
)

const maxDocumentBytes = 1 << 20

// GetDocument returns a document, served from cache or the offline copy when
// the store is unreachable
func (s *Server) GetDocument(c *gin.Context) {
	ctx := c.Request.Context()
	doc, err := s.deps.Documents.Get(ctx, c.Param("collection"), c.Param("id"), errorlog.ContextFrom(ctx))
	if err != nil {
		s.fail(c, err)
		return
	}
	SuccessResponse(c, doc)
}

// CreateDocument writes a new document
func (s *Server) CreateDocument(c *gin.Context) {
	s.write(c, offline.OperationCreate)
}

// UpdateDocument overwrites a document
func (s *Server) UpdateDocument(c *gin.Context) {
	s.write(c, offline.OperationUpdate)
}

func (s *Server) write(c *gin.Context, kind offline.OperationKind) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxDocumentBytes+1))
	if err != nil {
		BadRequestResponse(c, "failed to read body")
		return
	}
	if len(body) > maxDocumentBytes {
		BadRequestResponse(c, "document is too large")
		return
	}
	if !json.Valid(body) {
		BadRequestResponse(c, "body must be a JSON document")
		return
	}

	ctx := c.Request.Context()
	result, err := s.deps.Documents.Put(ctx, kind, c.Param("collection"), c.Param("id"), body, errorlog.ContextFrom(ctx))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeResult(c, kind, result)
}

// DeleteDocument removes a document
func (s *Server) DeleteDocument(c *gin.Context) {
	ctx := c.Request.Context()
	result, err := s.deps.Documents.Delete(ctx, c.Param("collection"), c.Param("id"), errorlog.ContextFrom(ctx))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeResult(c, offline.OperationDelete, result)
}

func writeResult(c *gin.Context, kind offline.OperationKind, result chat.WriteResult) {
	switch {
	case result.Queued:
		AcceptedResponse(c, result)
	case kind == offline.OperationCreate:
		CreatedResponse(c, result)
	default:
		SuccessResponse(c, result)
	}
}

type askRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

type askResponse struct {
	Reply string `json:"reply"`
}

// Ask returns the assistant reply to a prompt
func (s *Server) Ask(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Prompt) == "" {
		BadRequestResponse(c, "prompt is required")
		return
	}

	ctx := c.Request.Context()
	reply, err := s.deps.Assistant.Ask(ctx, req.Prompt, errorlog.ContextFrom(ctx))
	if err != nil {
		s.fail(c, err)
		return
	}
	SuccessResponse(c, askResponse{Reply: reply})
}
