// Package web provides the REST API for journeys, customers and their events.
package web

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/dukex/journeys/pkg/channels"
	"github.com/dukex/journeys/pkg/eventbus"
	"github.com/dukex/journeys/pkg/events"
	"github.com/dukex/journeys/pkg/journeys"
	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
	"github.com/dukex/journeys/pkg/queue"
)

const defaultFailedLimit = 50

type APIHandlers struct {
	orchestrator *journeys.Orchestrator
	store        persistence.Persistence
	publisher    eventbus.EventPublisher
	backend      queue.Backend
	validator    *validator.Validate
}

func NewAPIHandlers(
	orchestrator *journeys.Orchestrator,
	store persistence.Persistence,
	publisher eventbus.EventPublisher,
	backend queue.Backend,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		orchestrator: orchestrator,
		store:        store,
		publisher:    publisher,
		backend:      backend,
		validator:    validator,
	}
}

// Routes mounts every endpoint on router.
func (h *APIHandlers) Routes(router fiber.Router) {
	router.Get("/health", h.HealthCheck)

	j := router.Group("/journeys")
	j.Get("/", h.ListJourneys)
	j.Post("/", h.CreateJourney)
	j.Get("/:id", h.GetJourney)
	j.Patch("/:id", h.UpdateJourney)
	j.Delete("/:id", h.DeleteJourney)
	j.Get("/:id/steps", h.GetSteps)
	j.Put("/:id/steps", h.SaveSteps)
	j.Post("/:id/start", h.StartJourney)
	j.Post("/:id/pause", h.PauseJourney)
	j.Post("/:id/stop", h.StopJourney)
	j.Post("/:id/duplicate", h.DuplicateJourney)
	j.Get("/:id/statistics", h.JourneyStatistics)
	j.Get("/:id/deliveries", h.JourneyDeliveries)

	router.Put("/customers/:id", h.SaveCustomer)
	router.Post("/events", h.TrackEvent)
	router.Put("/templates/:id", h.SaveTemplate)
	router.Put("/workspaces/:id", h.SaveWorkspace)
	router.Post("/webhooks/:provider", h.ProviderCallback)

	router.Get("/queues", h.QueueStats)
	router.Get("/queues/:name/failed", h.FailedJobs)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.orchestrator.HealthCheck(c.Context())

	queueCheck, queueOk := "Queue backend is healthy", true

	_, err := h.backend.Stats(c.Context(), queue.Names()[0])
	if err != nil {
		queueCheck, queueOk = "Queue backend is unhealthy: "+err.Error(), false
	}

	status := "unhealthy"
	message := "Journeys API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if repOk && queueOk {
		status = "healthy"
		message = "Journeys API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
			"queue":      queueCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) ListJourneys(c fiber.Ctx) error {
	workspaceID := c.Query("workspace_id")
	if workspaceID == "" {
		return badRequest(c, "workspace_id is required")
	}

	list, err := h.orchestrator.List(c.Context(), workspaceID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"journeys":    list,
		"total_count": len(list),
	})
}

func (h *APIHandlers) CreateJourney(c fiber.Ctx) error {
	var req CreateJourneyRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	journey, err := h.orchestrator.Create(c.Context(), req.WorkspaceID, req.Name)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(journey)
}

func (h *APIHandlers) GetJourney(c fiber.Ctx) error {
	journey, err := h.orchestrator.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(journey)
}

func (h *APIHandlers) UpdateJourney(c fiber.Ctx) error {
	var req UpdateJourneyRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	journey, err := h.orchestrator.Update(c.Context(), c.Params("id"), journeys.UpdateJourney{
		Name:              req.Name,
		IsDynamic:         req.IsDynamic,
		InclusionCriteria: req.InclusionCriteria,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(journey)
}

func (h *APIHandlers) DeleteJourney(c fiber.Ctx) error {
	err := h.orchestrator.MarkDeleted(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetSteps(c fiber.Ctx) error {
	steps, err := h.orchestrator.Steps(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"steps": steps})
}

func (h *APIHandlers) SaveSteps(c fiber.Ctx) error {
	var req SaveStepsRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	steps, err := h.orchestrator.SaveSteps(c.Context(), c.Params("id"), req.Steps, req.VisualLayout)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"steps": steps})
}

func (h *APIHandlers) StartJourney(c fiber.Ctx) error {
	result, err := h.orchestrator.Start(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) PauseJourney(c fiber.Ctx) error {
	var req PauseRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	journey, err := h.orchestrator.SetPaused(c.Context(), c.Params("id"), *req.Paused)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(journey)
}

func (h *APIHandlers) StopJourney(c fiber.Ctx) error {
	journey, err := h.orchestrator.Stop(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(journey)
}

func (h *APIHandlers) DuplicateJourney(c fiber.Ctx) error {
	journey, err := h.orchestrator.Duplicate(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(journey)
}

func (h *APIHandlers) JourneyStatistics(c fiber.Ctx) error {
	stats, err := h.orchestrator.Statistics(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(stats)
}

// JourneyDeliveries lists the delivery events of a journey, optionally
// filtered by ?event=.
func (h *APIHandlers) JourneyDeliveries(c fiber.Ctx) error {
	journey, err := h.orchestrator.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	deliveries, err := h.store.Deliveries().ListByJourney(c.Context(), journey.ID)
	if err != nil {
		return handleServiceError(c, err)
	}

	if kind := c.Query("event"); kind != "" {
		deliveries = slices.DeleteFunc(deliveries, func(d *models.DeliveryEvent) bool {
			return d.Event != kind
		})
	}

	return c.JSON(fiber.Map{
		"deliveries":  deliveries,
		"total_count": len(deliveries),
	})
}

// ProviderCallback records delivery and engagement reports posted by a
// message provider. Reports about unknown steps are skipped.
func (h *APIHandlers) ProviderCallback(c fiber.Ctx) error {
	provider := c.Params("provider")

	callbacks, err := channels.ParseCallbacks(provider, c.Body())
	if errors.Is(err, channels.ErrUnknownCallbackProvider) {
		return notFound(c, "provider_not_found", err.Error())
	}

	if err != nil {
		return badRequest(c, err.Error())
	}

	now := time.Now().UTC()
	steps := make(map[string]*models.Step)
	deliveries := make([]*models.DeliveryEvent, 0, len(callbacks))

	for _, callback := range callbacks {
		step, ok := steps[callback.StepID]
		if !ok {
			step, err = h.store.Steps().GetByID(c.Context(), callback.StepID)
			if err != nil {
				if !persistence.IsNotFound(err) {
					return handleServiceError(c, err)
				}

				step = nil
			}

			steps[callback.StepID] = step
		}

		if step == nil {
			continue
		}

		deliveries = append(deliveries, &models.DeliveryEvent{
			ID:            uuid.New().String(),
			WorkspaceID:   step.WorkspaceID,
			JourneyID:     step.JourneyID,
			StepID:        step.ID,
			CustomerID:    callback.CustomerID,
			TemplateID:    callback.TemplateID,
			MessageID:     callback.MessageID,
			Event:         callback.Event,
			EventProvider: provider,
			CreatedAt:     now,
			Processed:     false,
		})
	}

	if len(deliveries) > 0 {
		err = h.store.Deliveries().Save(c.Context(), deliveries...)
		if err != nil {
			return handleServiceError(c, err)
		}
	}

	for _, delivery := range deliveries {
		err = h.publisher.Publish(c.Context(), delivery.CustomerID, events.DeliveryRecorded{
			BaseEvent:  events.NewBaseEvent(events.DeliveryRecordedEvent, delivery.WorkspaceID),
			Deliveries: []*models.DeliveryEvent{delivery},
		})
		if err != nil {
			return internalError(c, err)
		}
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"recorded": len(deliveries),
		"skipped":  len(callbacks) - len(deliveries),
	})
}

// SaveCustomer upserts a customer and announces the change so dynamic
// journeys can enroll them.
func (h *APIHandlers) SaveCustomer(c fiber.Ctx) error {
	var customer models.Customer
	if err := c.Bind().JSON(&customer); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	customer.ID = c.Params("id")
	customer.Journeys = nil

	if err := h.validator.Struct(customer); err != nil {
		return badRequest(c, err.Error())
	}

	existing, err := h.store.Customers().GetByID(c.Context(), customer.ID)
	switch {
	case err == nil:
		customer.Journeys = existing.Journeys
		customer.CreatedAt = existing.CreatedAt
	case !persistence.IsNotFound(err):
		return handleServiceError(c, err)
	}

	err = h.store.Customers().Save(c.Context(), &customer)
	if err != nil {
		return handleServiceError(c, err)
	}

	err = h.publisher.Publish(c.Context(), customer.ID, events.CustomerUpdated{
		BaseEvent:  events.NewBaseEvent(events.CustomerUpdatedEvent, customer.WorkspaceID),
		CustomerID: customer.ID,
	})
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(customer)
}

// TrackEvent accepts a customer event and hands it to the workers through the bus.
func (h *APIHandlers) TrackEvent(c fiber.Ctx) error {
	var req TrackEventRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	customer, err := h.store.Customers().GetByID(c.Context(), req.CustomerID)
	if err != nil {
		return handleServiceError(c, err)
	}

	if customer.WorkspaceID != req.WorkspaceID {
		return notFound(c, "customer_not_found", "customer not found")
	}

	event := models.CustomerEvent{
		ID:          uuid.New().String(),
		WorkspaceID: req.WorkspaceID,
		CustomerID:  req.CustomerID,
		Name:        req.Name,
		Payload:     req.Payload,
		Timestamp:   time.Now().UTC(),
	}

	err = h.publisher.Publish(c.Context(), event.CustomerID, events.CustomerEventReceived{
		BaseEvent: events.NewBaseEvent(events.CustomerEventReceivedEvent, event.WorkspaceID),
		Event:     event,
	})
	if err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(event)
}

func (h *APIHandlers) SaveTemplate(c fiber.Ctx) error {
	var template models.Template
	if err := c.Bind().JSON(&template); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	template.ID = c.Params("id")

	if err := h.validator.Struct(template); err != nil {
		return badRequest(c, err.Error())
	}

	err := h.store.Templates().Save(c.Context(), &template)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(template)
}

func (h *APIHandlers) SaveWorkspace(c fiber.Ctx) error {
	var workspace models.Workspace
	if err := c.Bind().JSON(&workspace); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	workspace.ID = c.Params("id")

	if err := h.validator.Struct(workspace); err != nil {
		return badRequest(c, err.Error())
	}

	if workspace.Timezone != "" {
		if _, err := time.LoadLocation(workspace.Timezone); err != nil {
			return badRequest(c, "Invalid timezone: "+workspace.Timezone)
		}
	}

	err := h.store.Workspaces().Save(c.Context(), &workspace)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workspace)
}

func (h *APIHandlers) QueueStats(c fiber.Ctx) error {
	stats := make(map[string]queue.Stats, len(queue.Names()))

	for _, name := range queue.Names() {
		s, err := h.backend.Stats(c.Context(), name)
		if err != nil {
			return internalError(c, err)
		}

		stats[name] = s
	}

	return c.JSON(fiber.Map{"queues": stats})
}

func (h *APIHandlers) FailedJobs(c fiber.Ctx) error {
	name := c.Params("name")
	if !slices.Contains(queue.Names(), name) {
		return handleServiceError(c, queue.ErrUnknownQueue)
	}

	limit := defaultFailedLimit

	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return badRequest(c, "limit must be a positive integer")
		}

		limit = n
	}

	jobs, err := h.backend.Failed(c.Context(), name, limit)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"queue": name, "jobs": jobs})
}
