package application

import (
	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry resolves the service refs used in saga definitions and
// transactions to their clients. It is safe for concurrent use.
type Registry struct {
	executors    *xsync.MapOf[string, domain.StepExecutor]
	compensators *xsync.MapOf[string, domain.Compensator]
	participants *xsync.MapOf[string, domain.TransactionParticipant]
}

func NewRegistry() *Registry {
	return &Registry{
		executors:    xsync.NewMapOf[string, domain.StepExecutor](),
		compensators: xsync.NewMapOf[string, domain.Compensator](),
		participants: xsync.NewMapOf[string, domain.TransactionParticipant](),
	}
}

func (r *Registry) RegisterExecutor(ref string, executor domain.StepExecutor) {
	r.executors.Store(ref, executor)
}

func (r *Registry) RegisterCompensator(ref string, compensator domain.Compensator) {
	r.compensators.Store(ref, compensator)
}

func (r *Registry) RegisterParticipant(ref string, participant domain.TransactionParticipant) {
	r.participants.Store(ref, participant)
}

func (r *Registry) Executor(ref string) (domain.StepExecutor, error) {
	if e, ok := r.executors.Load(ref); ok {
		return e, nil
	}
	return nil, errors.Wrapf(domain.ErrNotRegistered, "step executor %q", ref)
}

func (r *Registry) Compensator(ref string) (domain.Compensator, error) {
	if c, ok := r.compensators.Load(ref); ok {
		return c, nil
	}
	return nil, errors.Wrapf(domain.ErrNotRegistered, "compensator %q", ref)
}

func (r *Registry) Participant(ref string) (domain.TransactionParticipant, error) {
	if p, ok := r.participants.Load(ref); ok {
		return p, nil
	}
	return nil, errors.Wrapf(domain.ErrNotRegistered, "participant %q", ref)
}

// CheckDefinition verifies every step of def can be executed and compensated
func (r *Registry) CheckDefinition(def domain.SagaDefinition) error {
	for _, step := range def.Steps {
		if _, err := r.Executor(step.ServiceRef); err != nil {
			return errors.Wrapf(domain.ErrInvalidDefinition, "step %q: %v", step.Name, err)
		}
		if _, err := r.Compensator(step.CompensationRef); err != nil {
			return errors.Wrapf(domain.ErrInvalidDefinition, "step %q: %v", step.Name, err)
		}
	}
	return nil
}
