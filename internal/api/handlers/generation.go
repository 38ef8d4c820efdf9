package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jhj0517/ComfyUI-backend/internal/core/job"
	"github.com/jhj0517/ComfyUI-backend/internal/core/orchestrator"
	"github.com/jhj0517/ComfyUI-backend/internal/core/workflow"
	"github.com/jhj0517/ComfyUI-backend/internal/errdefs"
)

type GenerationHandler struct {
	orc *orchestrator.Orchestrator
}

func NewGenerationHandler(orc *orchestrator.Orchestrator) *GenerationHandler {
	return &GenerationHandler{orc: orc}
}

// Shared types

type GenerateInput struct {
	Body struct {
		WorkflowName  string                    `json:"workflow_name" minLength:"1" doc:"Name of the workflow template to execute"`
		Modifications map[string]map[string]any `json:"modifications,omitempty" doc:"Per-node input overrides, keyed by node id"`
	}
}

type GenerateBody struct {
	JobID string `json:"job_id" doc:"Job ID for polling"`
	State string `json:"state" doc:"Job state at admission"`
}

type GenerateOutput struct {
	Body GenerateBody
}

type JobIDInput struct {
	ID string `path:"id" doc:"Job ID"`
}

type JobBody struct {
	JobID        string              `json:"job_id" doc:"Job ID"`
	WorkflowName string              `json:"workflow_name" doc:"Workflow template name"`
	State        string              `json:"state" doc:"Job state (created, queued, running, completed, failed, cancelled)"`
	Progress     float64             `json:"progress" doc:"Execution progress (0-1)"`
	ResultRefs   []job.ResultRef     `json:"result_refs,omitempty" doc:"Produced artifact locations"`
	Error        *job.Error          `json:"error,omitempty" doc:"Failure kind and detail, present when failed"`
	Delivery     *job.DeliveryStatus `json:"delivery,omitempty" doc:"Asset delivery outcome, present after delivery ran"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

func newJobBody(j *job.Job) JobBody {
	return JobBody{
		JobID:        j.ID,
		WorkflowName: j.WorkflowName,
		State:        string(j.State),
		Progress:     j.Progress,
		ResultRefs:   j.ResultRefs,
		Error:        j.Error,
		Delivery:     j.Delivery,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

type JobOutput struct {
	Body JobBody
}

type CancelBody struct {
	JobID string `json:"job_id" doc:"Job ID"`
	State string `json:"state" doc:"Job state after the cancel request"`
}

type CancelOutput struct {
	Body CancelBody
}

// Handlers

func (h *GenerationHandler) Generate(ctx context.Context, input *GenerateInput) (*GenerateOutput, error) {
	j, err := h.orc.Submit(ctx, input.Body.WorkflowName, workflow.Modifications(input.Body.Modifications))
	if err != nil {
		return nil, mapError(err)
	}
	return &GenerateOutput{Body: GenerateBody{
		JobID: j.ID,
		State: string(j.State),
	}}, nil
}

func (h *GenerationHandler) GetJob(ctx context.Context, input *JobIDInput) (*JobOutput, error) {
	j, err := h.orc.Get(ctx, input.ID)
	if err != nil {
		return nil, mapError(err)
	}
	return &JobOutput{Body: newJobBody(j)}, nil
}

func (h *GenerationHandler) CancelJob(ctx context.Context, input *JobIDInput) (*CancelOutput, error) {
	j, cancelled, err := h.orc.Cancel(ctx, input.ID)
	if err != nil {
		return nil, mapError(err)
	}
	if !cancelled {
		return nil, huma.Error409Conflict("job already in terminal state " + string(j.State))
	}
	return &CancelOutput{Body: CancelBody{
		JobID: j.ID,
		State: string(j.State),
	}}, nil
}

func mapError(err error) error {
	switch kind, _ := errdefs.KindOf(err); kind {
	case errdefs.KindNotFound:
		return huma.Error404NotFound(err.Error())
	case errdefs.KindValidation:
		return huma.Error422UnprocessableEntity(err.Error())
	case errdefs.KindEngineSubmission:
		return huma.NewError(http.StatusBadGateway, err.Error())
	default:
		return huma.Error500InternalServerError(err.Error())
	}
}
