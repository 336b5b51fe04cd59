package server

import (
	"mendline/internal/agent"
	"mendline/internal/domain"
)

type IngestResponse struct {
	Status    string `json:"status" example:"accepted"`
	SignalID  string `json:"signal_id"`
	Duplicate bool   `json:"duplicate"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type DashboardStats struct {
	domain.Stats
	Agent agent.Status `json:"agent"`
}

type RunCycleResponse struct {
	Report agent.CycleReport `json:"report"`
	Agent  agent.Status      `json:"agent"`
}

type paginatedSignals struct {
	Items      []domain.Signal `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedIssues struct {
	Items      []domain.Issue `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedWorkflows struct {
	Items      []domain.Workflow `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedAudit struct {
	Items      []domain.AuditEntry `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
