package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/payhub/services/ledger/domain"
	"example.com/payhub/services/ledger/messaging"
	"example.com/payhub/services/ledger/metrics"
	"example.com/payhub/services/ledger/models"
)

// Saga statuses
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// EventTypeStepTimeout is the synthetic event the deadline scanner injects
// when a step's timeout elapses. A timeout is a domain-level signal, not a
// transport timeout.
const EventTypeStepTimeout = "saga.step_timeout"

// Step is one stage of a workflow: the event that completes it and an
// optional deadline for that event to arrive.
type Step struct {
	Name          string        `json:"name"`
	ExpectedEvent string        `json:"expected_event"`
	Timeout       time.Duration `json:"timeout,omitempty"`
}

// StepRecord is the outcome of one step, completed or failed
type StepRecord struct {
	Name       string    `json:"name"`
	EventType  string    `json:"event_type"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Saga is a persisted workflow instance
type Saga struct {
	SagaID           string       `json:"saga_id"`
	SagaType         string       `json:"saga_type"`
	InitiatingEvent  string       `json:"initiating_event"`
	Steps            []Step       `json:"steps"`
	CurrentStepIndex int          `json:"current_step_index"`
	Status           string       `json:"status"`
	CompletedSteps   []StepRecord `json:"completed_steps"`
	FailedSteps      []StepRecord `json:"failed_steps"`
	CurrentDeadline  *time.Time   `json:"current_deadline,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Terminal reports whether the saga accepts no further transitions
func (s *Saga) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// TransitionResult describes what processing one event did to a saga
type TransitionResult struct {
	SagaID           string `json:"saga_id"`
	Status           string `json:"status"`
	CurrentStepIndex int    `json:"current_step_index"`
	Transitioned     bool   `json:"transitioned"`
	Reason           string `json:"reason,omitempty"`
}

// errConcurrentTransition means the guarded update found the saga already
// moved past the observed status and step, so this transition was a replay.
var errConcurrentTransition = errors.New("saga transitioned concurrently")

// timeoutSignal is the payload of the synthetic timeout event
type timeoutSignal struct {
	SagaID    string    `json:"saga_id"`
	StepIndex int       `json:"step_index"`
	StepName  string    `json:"step_name"`
	Deadline  time.Time `json:"deadline"`
}

// Orchestrator drives persisted sagas forward as events arrive. Every
// transition is persisted before the result is returned.
type Orchestrator struct {
	db  *gorm.DB
	bus messaging.Client
	now func() time.Time
}

// NewOrchestrator creates a saga orchestrator
func NewOrchestrator(db *gorm.DB, bus messaging.Client) *Orchestrator {
	return &Orchestrator{db: db, bus: bus, now: time.Now}
}

// Create validates and persists a new saga. The step list is checked up
// front: a saga with a malformed step never gets created.
func (o *Orchestrator) Create(ctx context.Context, sagaType, initiatingEvent string, steps []Step) (*Saga, error) {
	if sagaType == "" {
		return nil, domain.ValidationError{Field: "saga_type", Msg: "must not be empty"}
	}
	if len(steps) == 0 {
		return nil, domain.ValidationError{Field: "steps", Msg: "must contain at least one step"}
	}
	for i, step := range steps {
		if step.ExpectedEvent == "" {
			return nil, domain.ValidationError{Field: "steps", Msg: fmt.Sprintf("step %d has no expected event", i)}
		}
		if step.Timeout < 0 {
			return nil, domain.ValidationError{Field: "steps", Msg: fmt.Sprintf("step %d has a negative timeout", i)}
		}
	}

	now := o.now()
	saga := &Saga{
		SagaID:           uuid.New().String(),
		SagaType:         sagaType,
		InitiatingEvent:  initiatingEvent,
		Steps:            steps,
		CurrentStepIndex: 0,
		Status:           StatusPending,
		CompletedSteps:   []StepRecord{},
		FailedSteps:      []StepRecord{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	saga.CurrentDeadline = o.deadlineFor(steps, 0)

	if err := o.insert(ctx, saga); err != nil {
		return nil, err
	}

	log.Info().
		Str("sagaID", saga.SagaID).
		Str("sagaType", sagaType).
		Int("steps", len(steps)).
		Msg("Saga created")

	o.notify(ctx, messaging.NotifySagaCreated, saga)

	return saga, nil
}

// Get loads a saga by id
func (o *Orchestrator) Get(ctx context.Context, sagaID string) (*Saga, error) {
	var row models.Saga
	err := o.db.WithContext(ctx).Where("saga_id = ?", sagaID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: saga %s", domain.ErrNotFound, sagaID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load saga %s: %w", sagaID, err)
	}
	return toSaga(row)
}

// ProcessEvent feeds one event to a saga and returns the transition it
// caused, if any. Terminal sagas ignore everything; irrelevant and
// out-of-order events are ignored, never an error.
func (o *Orchestrator) ProcessEvent(ctx context.Context, sagaID, eventType string, eventData json.RawMessage) (*TransitionResult, error) {
	saga, err := o.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	if saga.Terminal() {
		return &TransitionResult{
			SagaID:           saga.SagaID,
			Status:           saga.Status,
			CurrentStepIndex: saga.CurrentStepIndex,
			Transitioned:     false,
			Reason:           "saga is terminal",
		}, nil
	}

	step := saga.Steps[saga.CurrentStepIndex]

	switch {
	case eventType == EventTypeStepTimeout && step.Timeout > 0:
		return o.failStep(ctx, saga, step, "step timed out")

	case eventType == step.ExpectedEvent:
		return o.completeStep(ctx, saga, step, eventType)

	default:
		return &TransitionResult{
			SagaID:           saga.SagaID,
			Status:           saga.Status,
			CurrentStepIndex: saga.CurrentStepIndex,
			Transitioned:     false,
			Reason:           fmt.Sprintf("event %s does not match expected %s", eventType, step.ExpectedEvent),
		}, nil
	}
}

func (o *Orchestrator) completeStep(ctx context.Context, saga *Saga, step Step, eventType string) (*TransitionResult, error) {
	prevStatus := saga.Status
	prevIndex := saga.CurrentStepIndex

	saga.CompletedSteps = append(saga.CompletedSteps, StepRecord{
		Name:       step.Name,
		EventType:  eventType,
		OccurredAt: o.now(),
	})
	saga.CurrentStepIndex++

	if saga.CurrentStepIndex >= len(saga.Steps) {
		saga.Status = StatusCompleted
		saga.CurrentDeadline = nil
	} else {
		saga.Status = StatusInProgress
		saga.CurrentDeadline = o.deadlineFor(saga.Steps, saga.CurrentStepIndex)
	}
	saga.UpdatedAt = o.now()

	err := o.transition(ctx, saga, prevStatus, prevIndex)
	if errors.Is(err, errConcurrentTransition) {
		return &TransitionResult{
			SagaID:           saga.SagaID,
			Status:           prevStatus,
			CurrentStepIndex: prevIndex,
			Transitioned:     false,
			Reason:           "another delivery advanced the saga first",
		}, nil
	}
	if err != nil {
		return nil, err
	}

	if saga.Status == StatusCompleted {
		metrics.GetMetricsCollector().IncrementCounter(metrics.CounterSagasCompleted, 1)
		log.Info().Str("sagaID", saga.SagaID).Msg("Saga completed")
		o.notify(ctx, messaging.NotifySagaCompleted, saga)
	} else {
		log.Info().
			Str("sagaID", saga.SagaID).
			Str("step", step.Name).
			Int("nextStep", saga.CurrentStepIndex).
			Msg("Saga step completed")
		o.notify(ctx, messaging.NotifySagaStepCompleted, saga)
	}

	return &TransitionResult{
		SagaID:           saga.SagaID,
		Status:           saga.Status,
		CurrentStepIndex: saga.CurrentStepIndex,
		Transitioned:     true,
	}, nil
}

func (o *Orchestrator) failStep(ctx context.Context, saga *Saga, step Step, reason string) (*TransitionResult, error) {
	prevStatus := saga.Status
	prevIndex := saga.CurrentStepIndex

	saga.FailedSteps = append(saga.FailedSteps, StepRecord{
		Name:       step.Name,
		EventType:  step.ExpectedEvent,
		Reason:     reason,
		OccurredAt: o.now(),
	})
	saga.Status = StatusFailed
	saga.CurrentDeadline = nil
	saga.UpdatedAt = o.now()

	err := o.transition(ctx, saga, prevStatus, prevIndex)
	if errors.Is(err, errConcurrentTransition) {
		return &TransitionResult{
			SagaID:           saga.SagaID,
			Status:           prevStatus,
			CurrentStepIndex: prevIndex,
			Transitioned:     false,
			Reason:           "another delivery advanced the saga first",
		}, nil
	}
	if err != nil {
		return nil, err
	}

	metrics.GetMetricsCollector().IncrementCounter(metrics.CounterSagasFailed, 1)
	log.Warn().
		Str("sagaID", saga.SagaID).
		Str("step", step.Name).
		Str("reason", reason).
		Msg("Saga failed")
	o.notify(ctx, messaging.NotifySagaFailed, saga)

	return &TransitionResult{
		SagaID:           saga.SagaID,
		Status:           saga.Status,
		CurrentStepIndex: saga.CurrentStepIndex,
		Transitioned:     true,
		Reason:           reason,
	}, nil
}

// HandleEvent routes a committed domain event to every active saga whose
// current step expects it. Implements the event processor's sink contract.
func (o *Orchestrator) HandleEvent(ctx context.Context, evt domain.Event) error {
	sagas, err := o.active(ctx)
	if err != nil {
		return err
	}

	for _, saga := range sagas {
		if saga.Steps[saga.CurrentStepIndex].ExpectedEvent != evt.Type {
			continue
		}
		if _, err := o.ProcessEvent(ctx, saga.SagaID, evt.Type, evt.Payload); err != nil {
			log.Error().Err(err).
				Str("sagaID", saga.SagaID).
				Str("eventType", evt.Type).
				Msg("Failed to advance saga")
		}
	}

	return nil
}

// ExpireDeadlines injects the synthetic timeout event into every active
// saga whose current step deadline has passed. Called by the scheduled
// deadline scanner.
func (o *Orchestrator) ExpireDeadlines(ctx context.Context) (int, error) {
	var rows []models.Saga
	if err := o.db.WithContext(ctx).
		Where("status IN ? AND current_deadline IS NOT NULL AND current_deadline < ?",
			[]string{StatusPending, StatusInProgress}, o.now()).
		Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("failed to scan for expired saga deadlines: %w", err)
	}

	expired := 0
	for _, row := range rows {
		saga, err := toSaga(row)
		if err != nil {
			log.Error().Err(err).Str("sagaID", row.SagaID).Msg("Failed to decode saga for timeout")
			continue
		}

		signal := timeoutSignal{
			SagaID:    saga.SagaID,
			StepIndex: saga.CurrentStepIndex,
			StepName:  saga.Steps[saga.CurrentStepIndex].Name,
			Deadline:  *saga.CurrentDeadline,
		}
		payload, err := json.Marshal(signal)
		if err != nil {
			log.Error().Err(err).Str("sagaID", saga.SagaID).Msg("Failed to marshal timeout signal")
			continue
		}

		if _, err := o.ProcessEvent(ctx, saga.SagaID, EventTypeStepTimeout, payload); err != nil {
			log.Error().Err(err).Str("sagaID", saga.SagaID).Msg("Failed to process saga timeout")
			continue
		}
		expired++
	}

	return expired, nil
}

// active loads every saga that can still transition
func (o *Orchestrator) active(ctx context.Context) ([]*Saga, error) {
	var rows []models.Saga
	if err := o.db.WithContext(ctx).
		Where("status IN ?", []string{StatusPending, StatusInProgress}).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load active sagas: %w", err)
	}

	sagas := make([]*Saga, 0, len(rows))
	for _, row := range rows {
		saga, err := toSaga(row)
		if err != nil {
			log.Error().Err(err).Str("sagaID", row.SagaID).Msg("Failed to decode saga")
			continue
		}
		sagas = append(sagas, saga)
	}
	return sagas, nil
}

// deadlineFor computes the deadline armed when stepIndex becomes current
func (o *Orchestrator) deadlineFor(steps []Step, stepIndex int) *time.Time {
	if stepIndex >= len(steps) || steps[stepIndex].Timeout <= 0 {
		return nil
	}
	deadline := o.now().Add(steps[stepIndex].Timeout)
	return &deadline
}

func (o *Orchestrator) insert(ctx context.Context, saga *Saga) error {
	steps, completed, failed, err := marshalSteps(saga)
	if err != nil {
		return err
	}

	row := models.Saga{
		SagaID:           saga.SagaID,
		SagaType:         saga.SagaType,
		InitiatingEvent:  saga.InitiatingEvent,
		Steps:            steps,
		CurrentStepIndex: saga.CurrentStepIndex,
		Status:           saga.Status,
		CompletedSteps:   completed,
		FailedSteps:      failed,
		CurrentDeadline:  saga.CurrentDeadline,
		CreatedAt:        saga.CreatedAt,
		UpdatedAt:        saga.UpdatedAt,
	}
	if err := o.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to create saga: %w", err)
	}
	return nil
}

// transition persists a step transition with a guarded update: the row is
// only written if it still holds the status and step index the transition
// was computed from. A concurrent delivery that won the race leaves zero
// rows affected and this transition becomes a no-op.
func (o *Orchestrator) transition(ctx context.Context, saga *Saga, prevStatus string, prevIndex int) error {
	// Steps are immutable after creation; only the progress columns move
	_, completed, failed, err := marshalSteps(saga)
	if err != nil {
		return err
	}

	result := o.db.WithContext(ctx).
		Model(&models.Saga{}).
		Where("saga_id = ? AND status = ? AND current_step_index = ?", saga.SagaID, prevStatus, prevIndex).
		Updates(map[string]interface{}{
			"current_step_index": saga.CurrentStepIndex,
			"status":             saga.Status,
			"completed_steps":    completed,
			"failed_steps":       failed,
			"current_deadline":   saga.CurrentDeadline,
			"updated_at":         saga.UpdatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to persist saga transition: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return errConcurrentTransition
	}
	return nil
}

func marshalSteps(saga *Saga) (steps, completed, failed []byte, err error) {
	if steps, err = json.Marshal(saga.Steps); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal saga steps: %w", err)
	}
	if completed, err = json.Marshal(saga.CompletedSteps); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal completed steps: %w", err)
	}
	if failed, err = json.Marshal(saga.FailedSteps); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal failed steps: %w", err)
	}
	return steps, completed, failed, nil
}

func (o *Orchestrator) notify(ctx context.Context, notifyType string, saga *Saga) {
	if o.bus == nil {
		return
	}

	data, err := json.Marshal(saga)
	if err != nil {
		log.Error().Err(err).Str("sagaID", saga.SagaID).Msg("Failed to marshal saga notification")
		return
	}

	msg := messaging.DomainNotification{
		Type:      notifyType,
		Data:      data,
		Timestamp: time.Now(),
	}
	if err := o.bus.PublishMessage(ctx, msg, messaging.QueueDomainEvents); err != nil {
		log.Error().Err(err).Str("sagaID", saga.SagaID).Msg("Failed to publish saga notification")
	}
}

func toSaga(row models.Saga) (*Saga, error) {
	var steps []Step
	if err := json.Unmarshal(row.Steps, &steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal saga steps: %w", err)
	}
	var completed []StepRecord
	if len(row.CompletedSteps) > 0 {
		if err := json.Unmarshal(row.CompletedSteps, &completed); err != nil {
			return nil, fmt.Errorf("failed to unmarshal completed steps: %w", err)
		}
	}
	var failed []StepRecord
	if len(row.FailedSteps) > 0 {
		if err := json.Unmarshal(row.FailedSteps, &failed); err != nil {
			return nil, fmt.Errorf("failed to unmarshal failed steps: %w", err)
		}
	}

	return &Saga{
		SagaID:           row.SagaID,
		SagaType:         row.SagaType,
		InitiatingEvent:  row.InitiatingEvent,
		Steps:            steps,
		CurrentStepIndex: row.CurrentStepIndex,
		Status:           row.Status,
		CompletedSteps:   completed,
		FailedSteps:      failed,
		CurrentDeadline:  row.CurrentDeadline,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}, nil
}
