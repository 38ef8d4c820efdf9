package api

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humaecho"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/jhj0517/ComfyUI-backend/internal/api/handlers"
	"github.com/jhj0517/ComfyUI-backend/internal/core/orchestrator"
)

type RouterConfig struct {
	Orchestrator *orchestrator.Orchestrator
	Metrics      http.Handler
}

func SetupRouter(e *echo.Echo, cfg RouterConfig) {
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE"},
	}))
	e.Use(echomw.RateLimiter(echomw.NewRateLimiterMemoryStore(50)))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]string{"status": "ok"})
	})
	if cfg.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(cfg.Metrics))
	}

	v1 := e.Group("/api/v1")
	config := huma.DefaultConfig("ComfyUI Backend API", "1.0.0")
	config.Servers = []*huma.Server{{URL: "/api/v1"}}
	config.Info.Description = "Asynchronous generation job orchestration for ComfyUI"

	api := humaecho.NewWithGroup(e, v1, config)

	genHandler := handlers.NewGenerationHandler(cfg.Orchestrator)
	huma.Register(api, huma.Operation{
		OperationID:   "generate",
		Method:        http.MethodPost,
		Path:          "/generate",
		Summary:       "Queue a generation job",
		Tags:          []string{"Generation"},
		DefaultStatus: http.StatusAccepted,
	}, genHandler.Generate)

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get job status",
		Tags:        []string{"Generation"},
	}, genHandler.GetJob)

	huma.Register(api, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodDelete,
		Path:        "/jobs/{id}",
		Summary:     "Cancel a job",
		Tags:        []string{"Generation"},
	}, genHandler.CancelJob)

	wfHandler := handlers.NewWorkflowsHandler(cfg.Orchestrator)
	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflow templates",
		Tags:        []string{"Workflows"},
	}, wfHandler.List)
}
