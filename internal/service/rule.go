package service

import (
	"context"

	"github.com/clawtrol/clawtrol/internal/domain/rule"
	"github.com/clawtrol/clawtrol/internal/port/database"
)

// RuleService owns rule CRUD. Every write drops the evaluation cache so the
// next status change sees the new rule set.
type RuleService struct {
	store  database.Store
	engine *RulesEngine
}

// NewRuleService creates a RuleService.
func NewRuleService(store database.Store, engine *RulesEngine) *RuleService {
	return &RuleService{store: store, engine: engine}
}

// Create validates and persists a new rule.
func (s *RuleService) Create(ctx context.Context, req rule.CreateRequest) (*rule.Rule, error) {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	r := &rule.Rule{
		Name:       req.Name,
		Trigger:    req.Trigger,
		Conditions: req.Conditions,
		Actions:    req.Actions,
		Enabled:    enabled,
		Priority:   req.Priority,
		ProjectID:  req.ProjectID,
	}
	created, err := s.store.CreateRule(ctx, r)
	if err != nil {
		return nil, err
	}
	s.engine.InvalidateCache()
	return created, nil
}

// Get returns one rule.
func (s *RuleService) Get(ctx context.Context, id string) (*rule.Rule, error) {
	return s.store.GetRule(ctx, id)
}

// List returns all rules, built-in and custom.
func (s *RuleService) List(ctx context.Context) ([]rule.Rule, error) {
	return s.store.ListRules(ctx)
}

// Update applies a partial rule update.
func (s *RuleService) Update(ctx context.Context, id string, patch rule.Patch) (*rule.Rule, error) {
	updated, err := s.store.UpdateRule(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.engine.InvalidateCache()
	return updated, nil
}

// Delete removes a custom rule. Built-in rules refuse deletion; disable them
// instead.
func (s *RuleService) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	s.engine.InvalidateCache()
	return nil
}
