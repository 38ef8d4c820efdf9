package handlers

import (
	"context"

	"github.com/jhj0517/ComfyUI-backend/internal/core/orchestrator"
)

type WorkflowsHandler struct {
	orc *orchestrator.Orchestrator
}

func NewWorkflowsHandler(orc *orchestrator.Orchestrator) *WorkflowsHandler {
	return &WorkflowsHandler{orc: orc}
}

type ListWorkflowsOutput struct {
	Body struct {
		Workflows []string `json:"workflows" doc:"Available workflow template names"`
	}
}

func (h *WorkflowsHandler) List(ctx context.Context, _ *struct{}) (*ListWorkflowsOutput, error) {
	out := &ListWorkflowsOutput{}
	out.Body.Workflows = h.orc.Workflows()
	return out, nil
}
