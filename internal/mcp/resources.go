package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/djb258/garage-mcp/internal/model"
	"github.com/djb258/garage-mcp/internal/storage"
)

const (
	uriAgents       = "garage://agents"
	uriErrorsRecent = "garage://errors/recent"
	uriErrorPrefix  = "garage://errors/"
)

// recentErrorsLimit bounds garage://errors/recent.
const recentErrorsLimit = 20

func (s *Server) registerResources() {
	// garage://agents: how agent ids route to behaviours.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriAgents,
			"Agents",
			mcplib.WithResourceDescription("Agent routing table: keyword to category, plus explicitly bound agent ids"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleAgents,
	)

	// garage://errors/recent: newest error records.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriErrorsRecent,
			"Recent Errors",
			mcplib.WithResourceDescription("Most recent records in the master error log"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleErrorsRecent,
	)

	// garage://errors/{error_id}: one full record.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			uriErrorPrefix+"{error_id}",
			"Error Record",
			mcplib.WithTemplateDescription("A single error record, including its stack trace and HDO snapshot"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleErrorRecord,
	)
}

func (s *Server) handleAgents(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	reg := s.runner.Invoker().Registry()
	return jsonContents(uriAgents, map[string]any{
		"routes": reg.Routes(),
		"agents": reg.Agents(),
	})
}

func (s *Server) handleErrorsRecent(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.errors == nil {
		return nil, fmt.Errorf("mcp: error log not configured")
	}
	records, err := s.errors.ListErrorRecords(ctx, model.ErrorRecordFilter{Limit: recentErrorsLimit})
	if err != nil {
		return nil, fmt.Errorf("mcp: recent errors: %w", err)
	}
	compact := make([]map[string]any, len(records))
	for i, rec := range records {
		compact[i] = compactRecord(rec)
	}
	return jsonContents(uriErrorsRecent, compact)
}

func (s *Server) handleErrorRecord(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.errors == nil {
		return nil, fmt.Errorf("mcp: error log not configured")
	}
	uri := request.Params.URI
	id := strings.TrimPrefix(uri, uriErrorPrefix)
	if id == uri || id == "" || strings.Contains(id, "/") {
		return nil, fmt.Errorf("mcp: invalid error record URI: %s", uri)
	}
	rec, err := s.getErrorRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return jsonContents(uri, rec)
}

func (s *Server) getErrorRecord(ctx context.Context, id string) (model.ErrorRecord, error) {
	errorID, err := uuid.Parse(id)
	if err != nil {
		return model.ErrorRecord{}, fmt.Errorf("invalid error_id: %s", id)
	}
	rec, err := s.errors.GetErrorRecord(ctx, errorID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.ErrorRecord{}, fmt.Errorf("error record %s not found", id)
	}
	if err != nil {
		return model.ErrorRecord{}, fmt.Errorf("mcp: get error record: %w", err)
	}
	return rec, nil
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
