package rules

import (
	"context"
	"fmt"

	"relay/internal/logger"
	pkgerrors "relay/pkg/errors"
	"relay/pkg/metrics"
)

// ConditionValidator checks that every condition kind in a rule is known
// and its value well formed. Implemented by the routing condition registry.
type ConditionValidator interface {
	ValidateConditions(conditions map[string]interface{}) error
}

// ActionValidator checks the action name and decodes its typed config.
// Implemented by the dispatch package.
type ActionValidator interface {
	ValidateAction(action string, config map[string]interface{}) error
}

// HealthResetter drops accumulated evaluation errors for a rule when its
// configuration changes. Implemented by the routing health tracker.
type HealthResetter interface {
	Forget(ruleID string)
}

type Service interface {
	Create(ctx context.Context, req CreateRuleRequest) (*Rule, error)
	List(ctx context.Context, enabledOnly bool) ([]Rule, error)
	ListEnabled(ctx context.Context) ([]Rule, error)
	Get(ctx context.Context, id string) (*Rule, error)
	Update(ctx context.Context, id string, req UpdateRuleRequest) (*Rule, error)
	Delete(ctx context.Context, id string) error
	RecordMatch(ctx context.Context, id string)
}

type service struct {
	repo       Repository
	conditions ConditionValidator
	actions    ActionValidator
	health     HealthResetter
	logger     logger.Logger
}

func NewService(repo Repository, conditions ConditionValidator, actions ActionValidator, health HealthResetter, log logger.Logger) Service {
	return &service{
		repo:       repo,
		conditions: conditions,
		actions:    actions,
		health:     health,
		logger:     log,
	}
}

func (s *service) Create(ctx context.Context, req CreateRuleRequest) (*Rule, error) {
	rule := &Rule{
		Name:         req.Name,
		Description:  req.Description,
		Enabled:      true,
		Priority:     req.Priority,
		Conditions:   req.Conditions,
		Action:       req.Action,
		ActionConfig: req.ActionConfig,
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}

	if err := s.validate(rule); err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, rule); err != nil {
		return nil, err
	}

	s.logger.InfowCtx(ctx, "Rule created",
		"rule_id", rule.ID,
		"name", rule.Name,
		"action", rule.Action,
		"priority", rule.Priority,
	)
	s.updateEnabledGauge(ctx)

	return rule, nil
}

func (s *service) List(ctx context.Context, enabledOnly bool) ([]Rule, error) {
	return s.repo.List(ctx, enabledOnly)
}

func (s *service) ListEnabled(ctx context.Context) ([]Rule, error) {
	return s.repo.ListEnabled(ctx)
}

func (s *service) Get(ctx context.Context, id string) (*Rule, error) {
	return s.repo.Get(ctx, id)
}

func (s *service) Update(ctx context.Context, id string, req UpdateRuleRequest) (*Rule, error) {
	rule, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	rule.Name = req.Name
	rule.Description = req.Description
	rule.Priority = req.Priority
	rule.Conditions = req.Conditions
	rule.Action = req.Action
	rule.ActionConfig = req.ActionConfig
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}

	if err := s.validate(rule); err != nil {
		return nil, err
	}

	if err := s.repo.Update(ctx, rule); err != nil {
		return nil, err
	}

	if s.health != nil {
		// Evaluation errors belong to the configuration that produced them.
		s.health.Forget(rule.ID)
	}

	s.logger.InfowCtx(ctx, "Rule updated",
		"rule_id", rule.ID,
		"name", rule.Name,
		"enabled", rule.Enabled,
	)
	s.updateEnabledGauge(ctx)

	return rule, nil
}

func (s *service) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	if s.health != nil {
		s.health.Forget(id)
	}

	s.logger.InfowCtx(ctx, "Rule deleted", "rule_id", id)
	s.updateEnabledGauge(ctx)
	return nil
}

// RecordMatch is best effort. A failed counter update never aborts the
// routing pass that triggered it.
func (s *service) RecordMatch(ctx context.Context, id string) {
	if err := s.repo.RecordMatch(ctx, id); err != nil {
		s.logger.WarnwCtx(ctx, "Failed to record rule match",
			"error", err,
			"rule_id", id,
		)
	}
}

func (s *service) validate(rule *Rule) error {
	if len(rule.Conditions) == 0 {
		return pkgerrors.ErrValidation.WithDetail("message", "rule must have at least one condition")
	}
	if s.conditions != nil {
		if err := s.conditions.ValidateConditions(rule.Conditions); err != nil {
			return pkgerrors.ErrValidation.WithCause(err).WithDetail("message",
				fmt.Sprintf("invalid conditions: %v", err))
		}
	}
	if s.actions != nil {
		if err := s.actions.ValidateAction(rule.Action, rule.ActionConfig); err != nil {
			return pkgerrors.ErrValidation.WithCause(err).WithDetail("message",
				fmt.Sprintf("invalid action: %v", err))
		}
	}
	return nil
}

func (s *service) updateEnabledGauge(ctx context.Context) {
	enabled, err := s.repo.ListEnabled(ctx)
	if err != nil {
		return
	}
	metrics.SetEnabledRules(len(enabled))
}
