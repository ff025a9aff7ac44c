package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/clawtrol/clawtrol/internal/adapter/otel"
	"github.com/clawtrol/clawtrol/internal/config"
	"github.com/clawtrol/clawtrol/internal/domain"
	"github.com/clawtrol/clawtrol/internal/domain/rule"
	"github.com/clawtrol/clawtrol/internal/domain/session"
	"github.com/clawtrol/clawtrol/internal/domain/settings"
	"github.com/clawtrol/clawtrol/internal/domain/task"
	"github.com/clawtrol/clawtrol/internal/port/database"
	gw "github.com/clawtrol/clawtrol/internal/port/gateway"
	"github.com/clawtrol/clawtrol/internal/port/messagequeue"
)

// mockStore is an in-memory database.Store.
type mockStore struct {
	mu           sync.Mutex
	tasks        map[string]*task.Task
	rules        []rule.Rule
	associations []session.Association
	workspaces   map[string]string
	settings     map[string]json.RawMessage
	audits       []database.AuditEntry

	updateErr error
	nextID    int
}

func newMockStore() *mockStore {
	return &mockStore{
		tasks:      make(map[string]*task.Task),
		workspaces: make(map[string]string),
		settings:   make(map[string]json.RawMessage),
	}
}

func (m *mockStore) addTask(t task.Task) *task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := t
	if cp.ID == "" {
		m.nextID++
		cp.ID = fmt.Sprintf("task-%d", m.nextID)
	}
	m.tasks[cp.ID] = &cp
	return &cp
}

func (m *mockStore) CreateTask(_ context.Context, req task.CreateRequest) (*task.Task, error) {
	status := req.Status
	if status == "" {
		status = task.StatusBacklog
	}
	created := m.addTask(task.Task{
		Title:       req.Title,
		Description: req.Description,
		Type:        req.Type,
		Status:      status,
		Priority:    req.Priority,
		ProjectID:   req.ProjectID,
		AgentID:     req.AgentID,
		SessionKey:  req.SessionKey,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	})
	cp := *created
	return &cp, nil
}

func (m *mockStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *mockStore) ListTasks(ctx context.Context, filter database.TaskFilter) ([]task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.ProjectID != "" && t.ProjectID != filter.ProjectID {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (m *mockStore) UpdateTask(_ context.Context, id string, patch task.Patch) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	t, ok := m.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Type != nil {
		t.Type = *patch.Type
	}
	if patch.Status != nil {
		t.Status = *patch.Status
		if t.Status == task.StatusDone {
			now := time.Now().UTC()
			t.CompletedAt = &now
		} else {
			t.CompletedAt = nil
		}
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
	}
	if patch.ProjectID != nil {
		t.ProjectID = *patch.ProjectID
	}
	if patch.AgentID != nil {
		t.AgentID = *patch.AgentID
	}
	if patch.SessionKey != nil {
		t.SessionKey = *patch.SessionKey
	}
	if patch.HandoffNotes != nil {
		t.HandoffNotes = *patch.HandoffNotes
	}
	if patch.CommitHash != nil {
		t.CommitHash = *patch.CommitHash
	}
	if patch.LinesChanged != nil {
		cp := *patch.LinesChanged
		t.LinesChanged = &cp
	}
	if patch.EstimatedHumanMinutes != nil {
		t.EstimatedHumanMinutes = *patch.EstimatedHumanMinutes
	}
	if patch.HumanCost != nil {
		t.HumanCost = *patch.HumanCost
	}
	if patch.Cost != nil {
		t.Cost = *patch.Cost
	}
	if patch.RuntimeMS != nil {
		t.RuntimeMS = *patch.RuntimeMS
	}
	if patch.Model != nil {
		t.Model = *patch.Model
	}
	t.UpdatedAt = time.Now().UTC()
	cp := *t
	return &cp, nil
}

func (m *mockStore) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *mockStore) FindTaskBySessionKey(_ context.Context, sessionKey string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.SessionKey == sessionKey {
			cp := *t
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) CreateRule(_ context.Context, r *rule.Rule) (*rule.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rules {
		if existing.ID == r.ID {
			cp := existing
			return &cp, nil
		}
	}
	cp := *r
	if cp.ID == "" {
		m.nextID++
		cp.ID = fmt.Sprintf("rule-%d", m.nextID)
	}
	m.rules = append(m.rules, cp)
	out := cp
	return &out, nil
}

func (m *mockStore) GetRule(_ context.Context, id string) (*rule.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		if r.ID == id {
			cp := r
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) ListRules(_ context.Context) ([]rule.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]rule.Rule(nil), m.rules...), nil
}

func (m *mockStore) ListEnabledRules(_ context.Context, trigger, projectID string) ([]rule.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []rule.Rule
	for _, r := range m.rules {
		if !r.Enabled || r.Trigger != trigger {
			continue
		}
		if r.ProjectID != "" && r.ProjectID != projectID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *mockStore) UpdateRule(_ context.Context, id string, patch rule.Patch) (*rule.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rules {
		if m.rules[i].ID != id {
			continue
		}
		r := &m.rules[i]
		if patch.Name != nil {
			r.Name = *patch.Name
		}
		if patch.Conditions != nil {
			r.Conditions = *patch.Conditions
		}
		if patch.Actions != nil {
			r.Actions = *patch.Actions
		}
		if patch.Enabled != nil {
			r.Enabled = *patch.Enabled
		}
		if patch.Priority != nil {
			r.Priority = *patch.Priority
		}
		cp := *r
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) DeleteRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.rules {
		if r.ID != id {
			continue
		}
		if r.IsBuiltIn {
			return domain.ErrBuiltIn
		}
		m.rules = append(m.rules[:i], m.rules[i+1:]...)
		return nil
	}
	return domain.ErrNotFound
}

func (m *mockStore) CreateAssociation(_ context.Context, a *session.Association) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.associations = append(m.associations, *a)
	return nil
}

func (m *mockStore) ListAssociations(_ context.Context) ([]session.Association, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]session.Association(nil), m.associations...), nil
}

func (m *mockStore) CompleteAssociation(_ context.Context, sessionKey string, status session.Status, result string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.associations {
		if m.associations[i].SessionKey == sessionKey {
			m.associations[i].Status = status
			m.associations[i].Result = result
			m.associations[i].CompletedAt = &at
		}
	}
	return nil
}

func (m *mockStore) PruneAssociations(_ context.Context, _ int) (int64, error) {
	return 0, nil
}

func (m *mockStore) GetProjectWorkspace(_ context.Context, projectID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[projectID]
	if !ok {
		return "", domain.ErrNotFound
	}
	return ws, nil
}

func (m *mockStore) GetSetting(_ context.Context, key string) (*settings.Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.settings[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &settings.Setting{Key: key, Value: v}, nil
}

func (m *mockStore) UpsertSetting(_ context.Context, key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *mockStore) AppendAudit(_ context.Context, e database.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, e)
	return nil
}

// mockQueue implements messagequeue.Queue.
type mockQueue struct {
	mu        sync.Mutex
	published []struct {
		subject string
		data    []byte
	}
}

func (q *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, struct {
		subject string
		data    []byte
	}{subject, data})
	return nil
}

func (q *mockQueue) Subscribe(_ context.Context, _ string, _ messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *mockQueue) IsConnected() bool { return true }
func (q *mockQueue) Close() error      { return nil }

// mockHub implements broadcast.Broadcaster.
type mockHub struct {
	mu     sync.Mutex
	events []struct {
		eventType string
		payload   any
	}
}

func (h *mockHub) BroadcastEvent(_ context.Context, eventType string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, struct {
		eventType string
		payload   any
	}{eventType, payload})
}

func (h *mockHub) eventTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, e := range h.events {
		out = append(out, e.eventType)
	}
	return out
}

// mockGateway implements the gateway port.
type mockGateway struct {
	mu       sync.Mutex
	spawns   []gw.SpawnArgs
	spawnErr error
	nextKey  int
}

func (g *mockGateway) Connect(context.Context) error { return nil }
func (g *mockGateway) Connected() bool               { return true }
func (g *mockGateway) Close() error                  { return nil }
func (g *mockGateway) On(string, gw.Handler)         {}

func (g *mockGateway) Request(context.Context, string, any) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (g *mockGateway) SpawnSession(_ context.Context, args gw.SpawnArgs) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.spawnErr != nil {
		return "", g.spawnErr
	}
	g.spawns = append(g.spawns, args)
	g.nextKey++
	return fmt.Sprintf("sess-%d", g.nextKey), nil
}

func (g *mockGateway) spawnCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.spawns)
}

func testMetrics() *otel.Metrics {
	m, err := otel.NewMetrics()
	if err != nil {
		panic(err)
	}
	return m
}

func testDispatchConfig() config.Dispatch {
	return config.Dispatch{
		AllowedAgents: []string{"claw", "qa", "docs"},
		RunTimeout:    1800 * time.Second,
		QARunTimeout:  120 * time.Second,
	}
}
