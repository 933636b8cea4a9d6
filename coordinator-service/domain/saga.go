package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/draftea/coordination-engine/shared/models"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/pkg/errors"
)

// Duration is a time.Duration that reads and writes "1.5s" style JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("duration must be a string like \"5s\" or nanoseconds")
	}
	*d = Duration(n)
	return nil
}

// RetryPolicy bounds the attempts made for a step, compensation or vote.
type RetryPolicy struct {
	MaxAttempts     int      `json:"max_attempts" mapstructure:"max_attempts"`
	InitialInterval Duration `json:"initial_interval" mapstructure:"initial_interval"`
	MaxInterval     Duration `json:"max_interval" mapstructure:"max_interval"`
	Multiplier      float64  `json:"multiplier" mapstructure:"multiplier"`
}

// WithDefaults fills zero fields from d.
func (p RetryPolicy) WithDefaults(d RetryPolicy) RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

func (p RetryPolicy) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.MaxAttempts, validation.Min(0)),
		validation.Field(&p.InitialInterval, validation.Min(Duration(0))),
		validation.Field(&p.MaxInterval, validation.Min(Duration(0))),
	)
}

// StepSpec describes one step of a saga definition
type StepSpec struct {
	Name            string      `json:"name"`
	ServiceRef      string      `json:"service_ref"`
	CompensationRef string      `json:"compensation_ref"`
	Timeout         Duration    `json:"timeout"`
	RetryPolicy     RetryPolicy `json:"retry_policy"`
}

func (s StepSpec) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Name, validation.Required),
		validation.Field(&s.ServiceRef, validation.Required),
		validation.Field(&s.CompensationRef, validation.Required),
		validation.Field(&s.Timeout, validation.Min(Duration(0))),
		validation.Field(&s.RetryPolicy),
	)
}

// SagaDefinition is immutable once published; changes need a new version.
type SagaDefinition struct {
	Name    string     `json:"name"`
	Version int        `json:"version"`
	Steps   []StepSpec `json:"steps"`
}

// Validate checks the definition is well formed. Whether the referenced
// executors and compensators exist is checked by the orchestrator.
func (d SagaDefinition) Validate() error {
	err := validation.ValidateStruct(&d,
		validation.Field(&d.Name, validation.Required, validation.Length(1, 128)),
		validation.Field(&d.Version, validation.Required, validation.Min(1)),
		validation.Field(&d.Steps, validation.Required),
	)
	if err != nil {
		return errors.Wrap(ErrInvalidDefinition, err.Error())
	}

	seen := make(map[string]struct{}, len(d.Steps))
	for _, step := range d.Steps {
		if _, dup := seen[step.Name]; dup {
			return errors.Wrapf(ErrInvalidDefinition, "duplicate step name %q", step.Name)
		}
		seen[step.Name] = struct{}{}
	}
	return nil
}

// Ref identifies the definition as name@version
func (d SagaDefinition) Ref() string {
	return DefinitionRef(d.Name, d.Version)
}

// SameContent reports whether two definitions are interchangeable
func (d SagaDefinition) SameContent(o SagaDefinition) bool {
	a, errA := json.Marshal(d)
	b, errB := json.Marshal(o)
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// WithStepDefaults returns a copy where every step has a timeout and a
// complete retry policy.
func (d SagaDefinition) WithStepDefaults(timeout time.Duration, policy RetryPolicy) SagaDefinition {
	steps := make([]StepSpec, len(d.Steps))
	for i, s := range d.Steps {
		if s.Timeout <= 0 {
			s.Timeout = Duration(timeout)
		}
		s.RetryPolicy = s.RetryPolicy.WithDefaults(policy)
		steps[i] = s
	}
	d.Steps = steps
	return d
}

func DefinitionRef(name string, version int) string {
	return name + "@" + strconv.Itoa(version)
}

// ParseDefinitionRef splits name@version
func ParseDefinitionRef(ref string) (string, int, error) {
	i := strings.LastIndex(ref, "@")
	if i <= 0 {
		return "", 0, errors.Errorf("invalid definition ref %q", ref)
	}
	v, err := strconv.Atoi(ref[i+1:])
	if err != nil {
		return "", 0, errors.Wrapf(err, "invalid definition ref %q", ref)
	}
	return ref[:i], v, nil
}

// SagaStatus is the lifecycle state of a saga instance
type SagaStatus string

const (
	SagaStatusCreated            SagaStatus = "created"
	SagaStatusRunning            SagaStatus = "running"
	SagaStatusCompleted          SagaStatus = "completed"
	SagaStatusFailed             SagaStatus = "failed"
	SagaStatusCompensating       SagaStatus = "compensating"
	SagaStatusCompensated        SagaStatus = "compensated"
	SagaStatusCompensationFailed SagaStatus = "compensation_failed"
)

var sagaTransitions = map[SagaStatus][]SagaStatus{
	SagaStatusCreated:      {SagaStatusRunning, SagaStatusFailed},
	SagaStatusRunning:      {SagaStatusCompleted, SagaStatusCompensating, SagaStatusFailed},
	SagaStatusCompensating: {SagaStatusCompensated, SagaStatusCompensationFailed},
}

// IsTerminal reports whether no further transition is possible
func (s SagaStatus) IsTerminal() bool {
	_, ok := sagaTransitions[s]
	return !ok
}

func (s SagaStatus) CanTransitionTo(next SagaStatus) bool {
	for _, allowed := range sagaTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SagaInstance is one run of a saga definition. Only the worker holding the
// saga's lease mutates it.
type SagaInstance struct {
	ID                models.ID
	DefinitionName    string
	DefinitionVersion int
	Status            SagaStatus
	CurrentStepIndex  int
	Context           json.RawMessage
	CancelRequested   bool
	FailureReason     string
	Timestamps        models.Timestamps
	Version           models.Version
}

// NewSagaInstance creates a saga in Created for the given definition
func NewSagaInstance(def SagaDefinition, initialContext json.RawMessage, now time.Time) (*SagaInstance, error) {
	if len(initialContext) == 0 {
		initialContext = json.RawMessage(`{}`)
	}
	if !json.Valid(initialContext) {
		return nil, errors.New("initial context must be valid JSON")
	}

	return &SagaInstance{
		ID:                models.GenerateUUID(),
		DefinitionName:    def.Name,
		DefinitionVersion: def.Version,
		Status:            SagaStatusCreated,
		Context:           initialContext,
		Timestamps:        models.NewTimestamps(now),
		Version:           models.NewVersion(),
	}, nil
}

func (s *SagaInstance) DefinitionRef() string {
	return DefinitionRef(s.DefinitionName, s.DefinitionVersion)
}

// TransitionTo moves the saga to next if the lifecycle allows it
func (s *SagaInstance) TransitionTo(next SagaStatus, now time.Time) error {
	if !s.Status.CanTransitionTo(next) {
		return NewInvalidTransitionError("saga", string(s.Status), string(next))
	}
	s.Status = next
	s.Timestamps = s.Timestamps.Touch(now)
	return nil
}

// Fail moves the saga to Failed with a reason
func (s *SagaInstance) Fail(reason string, now time.Time) error {
	if err := s.TransitionTo(SagaStatusFailed, now); err != nil {
		return err
	}
	s.FailureReason = reason
	return nil
}

// StartCompensating records why the forward path stopped
func (s *SagaInstance) StartCompensating(reason string, now time.Time) error {
	if err := s.TransitionTo(SagaStatusCompensating, now); err != nil {
		return err
	}
	s.FailureReason = reason
	return nil
}

// Advance records the outcome of the current step and moves to the next one.
// The step index only ever moves forward by one.
func (s *SagaInstance) Advance(stepIndex int, newContext json.RawMessage, now time.Time) error {
	if s.Status != SagaStatusRunning {
		return NewInvalidTransitionError("saga", string(s.Status), "advance")
	}
	if stepIndex != s.CurrentStepIndex {
		return errors.Wrapf(ErrInvalidTransition, "advance from step %d while current step is %d", stepIndex, s.CurrentStepIndex)
	}
	s.CurrentStepIndex = stepIndex + 1
	s.Context = newContext
	s.Timestamps = s.Timestamps.Touch(now)
	return nil
}

// IdempotencyKey is sent with every execute call for a step
func (s *SagaInstance) IdempotencyKey(stepIndex int) string {
	return fmt.Sprintf("%s:%d", s.ID, stepIndex)
}

// CompensationKey is sent with every compensate call for a step
func (s *SagaInstance) CompensationKey(stepIndex int) string {
	return fmt.Sprintf("%s:%d:compensate", s.ID, stepIndex)
}

// LeaseResource names the lease guarding this saga
func (s *SagaInstance) LeaseResource() string {
	return SagaLeaseResource(s.ID)
}

func SagaLeaseResource(id models.ID) string {
	return "saga:" + id.String()
}

// MergeContext folds a step response into the saga context. Object
// responses are merged key by key into an object context; anything else is
// stored under the step name.
func MergeContext(current json.RawMessage, stepName string, response json.RawMessage) (json.RawMessage, error) {
	base := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(current)) > 0 {
		if err := json.Unmarshal(current, &base); err != nil {
			base = map[string]json.RawMessage{"input": current}
		}
	}

	trimmed := bytes.TrimSpace(response)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		var obj map[string]json.RawMessage
		if trimmed[0] == '{' && json.Unmarshal(trimmed, &obj) == nil {
			for k, v := range obj {
				base[k] = v
			}
		} else if json.Valid(trimmed) {
			base[stepName] = json.RawMessage(trimmed)
		} else {
			return nil, errors.Errorf("step %q returned invalid JSON", stepName)
		}
	}

	merged, err := json.Marshal(base)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal saga context")
	}
	return merged, nil
}

// StepStatus is the state of one step execution
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusExecuting StepStatus = "executing"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
)

// StepExecution is the latest state of a saga step. Individual attempts are
// kept as StepAttempt rows.
type StepExecution struct {
	SagaID           models.ID
	StepIndex        int
	StepName         string
	Status           StepStatus
	RequestSnapshot  json.RawMessage
	ResponseSnapshot json.RawMessage
	AttemptCount     int
	LastError        string
	Timestamps       models.Timestamps
}

func NewStepExecution(sagaID models.ID, stepIndex int, stepName string, request json.RawMessage, now time.Time) *StepExecution {
	return &StepExecution{
		SagaID:          sagaID,
		StepIndex:       stepIndex,
		StepName:        stepName,
		Status:          StepStatusExecuting,
		RequestSnapshot: request,
		Timestamps:      models.NewTimestamps(now),
	}
}

func (e *StepExecution) Succeed(response json.RawMessage, attempts int, now time.Time) {
	e.Status = StepStatusSucceeded
	e.ResponseSnapshot = response
	e.AttemptCount = attempts
	e.LastError = ""
	e.Timestamps = e.Timestamps.Touch(now)
}

func (e *StepExecution) Fail(cause error, attempts int, now time.Time) {
	e.Status = StepStatusFailed
	e.AttemptCount = attempts
	if cause != nil {
		e.LastError = cause.Error()
	}
	e.Timestamps = e.Timestamps.Touch(now)
}

// AttemptKind distinguishes forward calls from compensations in the audit trail
type AttemptKind string

const (
	AttemptKindExecute    AttemptKind = "execute"
	AttemptKindCompensate AttemptKind = "compensate"
)

// StepAttempt is an append-only audit record of one remote call
type StepAttempt struct {
	SagaID     models.ID
	StepIndex  int
	Kind       AttemptKind
	Attempt    int
	Succeeded  bool
	ErrorKind  ErrorKind
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// CompensationStatus is the state of a compensating action
type CompensationStatus string

const (
	CompensationStatusPending   CompensationStatus = "pending"
	CompensationStatusSucceeded CompensationStatus = "succeeded"
	CompensationStatusFailed    CompensationStatus = "failed"
)

// CompensationAction is created lazily for each succeeded step once a saga
// starts compensating.
type CompensationAction struct {
	SagaID       models.ID
	StepIndex    int
	StepName     string
	Status       CompensationStatus
	Payload      json.RawMessage
	AttemptCount int
	LastError    string
	Timestamps   models.Timestamps
}

func NewCompensationAction(exec *StepExecution, now time.Time) *CompensationAction {
	return &CompensationAction{
		SagaID:     exec.SagaID,
		StepIndex:  exec.StepIndex,
		StepName:   exec.StepName,
		Status:     CompensationStatusPending,
		Payload:    exec.ResponseSnapshot,
		Timestamps: models.NewTimestamps(now),
	}
}

func (a *CompensationAction) Succeed(attempts int, now time.Time) {
	a.Status = CompensationStatusSucceeded
	a.AttemptCount += attempts
	a.LastError = ""
	a.Timestamps = a.Timestamps.Touch(now)
}

func (a *CompensationAction) Fail(cause error, attempts int, now time.Time) {
	a.Status = CompensationStatusFailed
	a.AttemptCount += attempts
	if cause != nil {
		a.LastError = cause.Error()
	}
	a.Timestamps = a.Timestamps.Touch(now)
}

// FullyCompensated reports whether every succeeded step has a succeeded
// compensation with the same index.
func FullyCompensated(executions []*StepExecution, actions []*CompensationAction) bool {
	done := make(map[int]bool, len(actions))
	for _, a := range actions {
		if a.Status == CompensationStatusSucceeded {
			done[a.StepIndex] = true
		}
	}
	for _, e := range executions {
		if e.Status == StepStatusSucceeded && !done[e.StepIndex] {
			return false
		}
	}
	return true
}

// SagaView is the queryable state of a saga
type SagaView struct {
	Instance      *SagaInstance
	Steps         []*StepExecution
	Compensations []*CompensationAction
}
