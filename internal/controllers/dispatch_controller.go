package controllers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flowbaker/flowdispatch/internal/auth"
	"github.com/flowbaker/flowdispatch/internal/middlewares"
	"github.com/flowbaker/flowdispatch/pkg/domain"
	"github.com/flowbaker/flowdispatch/pkg/domain/executor"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
)

const sseDoneMarker = "[DONE]"

type DispatchRequest struct {
	AppID           string                      `json:"appId"`
	ChatID          string                      `json:"chatId"`
	Nodes           []domain.Node               `json:"nodes"`
	Edges           []domain.Edge               `json:"edges"`
	Variables       map[string]any              `json:"variables"`
	Histories       []domain.ChatItem           `json:"histories"`
	Query           string                      `json:"query"`
	Mode            domain.DispatchMode         `json:"mode"`
	Stream          bool                        `json:"stream"`
	MaxRunTimes     float64                     `json:"maxRunTimes"`
	LastInteractive *domain.InteractiveSnapshot `json:"lastInteractive"`
}

type DispatchController struct {
	dispatchService  executor.DispatchService
	appStore         domain.AppStore
	appWriter        domain.AppWriter
	interactiveStore domain.InteractiveStore
	toolCache        domain.MCPToolCache
}

type DispatchControllerDependencies struct {
	DispatchService  executor.DispatchService
	AppStore         domain.AppStore
	AppWriter        domain.AppWriter
	InteractiveStore domain.InteractiveStore
	ToolCache        domain.MCPToolCache
}

func NewDispatchController(deps DispatchControllerDependencies) *DispatchController {
	return &DispatchController{
		dispatchService:  deps.DispatchService,
		appStore:         deps.AppStore,
		appWriter:        deps.AppWriter,
		interactiveStore: deps.InteractiveStore,
		toolCache:        deps.ToolCache,
	}
}

// dispatchRun is a prepared dispatch call plus what has to happen to the
// stored snapshot once it returns.
type dispatchRun struct {
	params           domain.DispatchParams
	consumedSnapshot bool
}

// Dispatch runs a graph. With stream=true the response is a server-sent
// event stream ending in a flowResponses event and a [DONE] marker.
func (c *DispatchController) Dispatch(ctx fiber.Ctx) error {
	var req DispatchRequest

	if err := ctx.Bind().Body(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	claims, ok := middlewares.GetClaims(ctx)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "Missing claims")
	}

	run, err := c.prepare(ctx.Context(), claims, req)
	if err != nil {
		return toFiberError(err)
	}

	if !req.Stream {
		result, err := c.execute(ctx.Context(), run)
		if err != nil {
			return toFiberError(err)
		}

		return ctx.JSON(result)
	}

	ctx.Set(fiber.HeaderContentType, "text/event-stream")
	ctx.Set(fiber.HeaderCacheControl, "no-cache")
	ctx.Set(fiber.HeaderConnection, "keep-alive")

	return ctx.SendStreamWriter(func(w *bufio.Writer) {
		// The fiber context is released once the handler returns.
		streamCtx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sink := newSSESink(w, cancel)
		run.params.Stream = true
		run.params.Sink = sink

		result, err := c.execute(streamCtx, run)
		if err != nil {
			log.Error().Err(err).Str("app_id", run.params.AppID).Msg("Streamed dispatch failed")
			sink.writeEvent("error", fiber.Map{"message": err.Error()})
			return
		}

		sink.writeEvent("flowResponses", result)
		sink.writeRaw(string(domain.StreamEventAnswer), sseDoneMarker)
	})
}

func (c *DispatchController) prepare(ctx context.Context, claims auth.Claims, req DispatchRequest) (dispatchRun, error) {
	params := domain.DispatchParams{
		TeamID:          claims.TeamID,
		UserID:          claims.UserID,
		AppID:           req.AppID,
		ChatID:          req.ChatID,
		Nodes:           req.Nodes,
		Edges:           req.Edges,
		Variables:       req.Variables,
		Histories:       req.Histories,
		Query:           req.Query,
		Mode:            req.Mode,
		MaxRunTimes:     req.MaxRunTimes,
		LastInteractive: req.LastInteractive,
		// An inline graph belongs to whoever sent it.
		ResponseAllData: true,
	}

	if len(req.Nodes) == 0 {
		if req.AppID == "" || c.appStore == nil {
			return dispatchRun{}, fmt.Errorf("%w: no nodes and no app id", domain.ErrMalformedGraph)
		}

		app, err := c.appStore.GetApp(ctx, req.AppID)
		if err != nil {
			return dispatchRun{}, err
		}

		if app.TeamID != "" && app.TeamID != claims.TeamID {
			return dispatchRun{}, fmt.Errorf("%w: %s", domain.ErrAppNotFound, req.AppID)
		}

		params.Nodes = app.Graph.Nodes
		params.Edges = app.Graph.Edges
		params.ResponseAllData = app.OwnerID == "" || app.OwnerID == claims.UserID
	}

	if params.Variables == nil {
		params.Variables = map[string]any{}
	}

	params.Variables["userId"] = claims.UserID
	params.Variables["teamId"] = claims.TeamID
	params.Variables["chatId"] = req.ChatID
	params.Variables["appId"] = req.AppID

	run := dispatchRun{params: params}

	if params.LastInteractive == nil && req.ChatID != "" && c.interactiveStore != nil {
		snapshot, err := c.interactiveStore.Get(ctx, snapshotKey(claims.TeamID, req.ChatID))
		switch {
		case err == nil:
			run.params.LastInteractive = &snapshot
			run.consumedSnapshot = true
		case !errors.Is(err, domain.ErrSnapshotNotFound):
			log.Warn().Err(err).Str("chat_id", req.ChatID).Msg("Failed to load interactive snapshot")
		}
	}

	return run, nil
}

func (c *DispatchController) execute(ctx context.Context, run dispatchRun) (domain.DispatchResult, error) {
	result, err := c.dispatchService.Dispatch(ctx, run.params)
	if err != nil {
		return domain.DispatchResult{}, err
	}

	chatID := run.params.ChatID
	key := snapshotKey(run.params.TeamID, chatID)

	if chatID != "" && c.interactiveStore != nil {
		switch {
		case result.WorkflowInteractiveResponse != nil:
			if err := c.interactiveStore.Save(ctx, key, *result.WorkflowInteractiveResponse); err != nil {
				log.Error().Err(err).Str("chat_id", chatID).Msg("Failed to save interactive snapshot")
			}
		case run.consumedSnapshot:
			if err := c.interactiveStore.Delete(ctx, key); err != nil {
				log.Error().Err(err).Str("chat_id", chatID).Msg("Failed to delete interactive snapshot")
			}
		}
	}

	if !run.params.ResponseAllData {
		result.FlowResponses = redactTraces(result.FlowResponses)
	}

	return result, nil
}

func (c *DispatchController) GetInteractive(ctx fiber.Ctx) error {
	claims, _ := middlewares.GetClaims(ctx)
	chatID := ctx.Params("chatID")

	if c.interactiveStore == nil {
		return fiber.NewError(fiber.StatusNotFound, "Interactive store is not configured")
	}

	snapshot, err := c.interactiveStore.Get(ctx.Context(), snapshotKey(claims.TeamID, chatID))
	if err != nil {
		return toFiberError(err)
	}

	return ctx.JSON(snapshot)
}

func (c *DispatchController) DeleteInteractive(ctx fiber.Ctx) error {
	claims, _ := middlewares.GetClaims(ctx)
	chatID := ctx.Params("chatID")

	if c.interactiveStore == nil {
		return ctx.SendStatus(fiber.StatusNoContent)
	}

	if err := c.interactiveStore.Delete(ctx.Context(), snapshotKey(claims.TeamID, chatID)); err != nil {
		return toFiberError(err)
	}

	return ctx.SendStatus(fiber.StatusNoContent)
}

func (c *DispatchController) GetApp(ctx fiber.Ctx) error {
	claims, _ := middlewares.GetClaims(ctx)

	app, err := c.appStore.GetApp(ctx.Context(), ctx.Params("appID"))
	if err != nil {
		return toFiberError(err)
	}

	if app.TeamID != "" && app.TeamID != claims.TeamID {
		return fiber.NewError(fiber.StatusNotFound, "App not found")
	}

	return ctx.JSON(app)
}

func (c *DispatchController) SaveApp(ctx fiber.Ctx) error {
	if c.appWriter == nil {
		return fiber.NewError(fiber.StatusNotImplemented, "App store is read only")
	}

	var app domain.App

	if err := ctx.Bind().Body(&app); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	claims, _ := middlewares.GetClaims(ctx)

	app.ID = ctx.Params("appID")
	app.TeamID = claims.TeamID
	if app.OwnerID == "" {
		app.OwnerID = claims.UserID
	}

	if err := c.appWriter.SaveApp(ctx.Context(), app); err != nil {
		return toFiberError(err)
	}

	return ctx.Status(fiber.StatusOK).JSON(app)
}

func (c *DispatchController) InvalidateToolCache(ctx fiber.Ctx) error {
	if c.toolCache == nil {
		return ctx.SendStatus(fiber.StatusNoContent)
	}

	if endpoint := ctx.Query("endpoint"); endpoint != "" {
		c.toolCache.Invalidate(endpoint)
	} else {
		c.toolCache.InvalidateAll()
	}

	log.Info().Str("endpoint", ctx.Query("endpoint")).Msg("MCP tool cache invalidated")

	return ctx.SendStatus(fiber.StatusNoContent)
}

// snapshotKey scopes a chat's snapshot to the team that owns it. Chat ids
// are chosen by clients and are not unique across teams.
func snapshotKey(teamID string, chatID string) string {
	return teamID + ":" + chatID
}

func redactTraces(traces []domain.NodeTrace) []domain.NodeTrace {
	redacted := make([]domain.NodeTrace, 0, len(traces))

	for _, trace := range traces {
		redacted = append(redacted, trace.Public())
	}

	return redacted
}

func toFiberError(err error) error {
	switch {
	case errors.Is(err, domain.ErrMalformedGraph), errors.Is(err, domain.ErrNodeExecutorNotFound):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrAppNotFound), errors.Is(err, domain.ErrSnapshotNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	default:
		log.Error().Err(err).Msg("Request failed")
		return fiber.NewError(fiber.StatusInternalServerError, "Internal server error")
	}
}

// sseSink writes stream events as server-sent events. A failed flush means
// the client went away and cancels the run.
type sseSink struct {
	w      *bufio.Writer
	cancel context.CancelFunc
}

func newSSESink(w *bufio.Writer, cancel context.CancelFunc) *sseSink {
	return &sseSink{w: w, cancel: cancel}
}

func (s *sseSink) Publish(ctx context.Context, event domain.StreamEvent) error {
	return s.writeEvent(string(event.Type), event.Data)
}

func (s *sseSink) writeEvent(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event, err)
	}

	return s.writeRaw(event, string(raw))
}

func (s *sseSink) writeRaw(event string, data string) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.cancel()
		return err
	}

	if err := s.w.Flush(); err != nil {
		s.cancel()
		return err
	}

	return nil
}
