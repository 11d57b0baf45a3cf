// SPDX-FileCopyrightText: Copyright 2025 Agentexec Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is the in-process Store engine. A single RW mutex gives
// mutations single-writer semantics; reads run concurrently against the
// committed state. Mutations stage their writes in an overlay and publish
// them only when the mutation function returns nil, so a failed mutation
// leaves no partial writes behind.
type MemoryStore struct {
	mu sync.RWMutex

	tasks       map[string]*Task
	taskEvents  map[string][]*TaskEvent
	approvals   map[string]*Approval
	toolCalls   map[string]*ToolCall // key: taskID \x00 callID
	sources     map[string]*ToolSource
	policies    map[string]*AccessPolicy
	policyOrder map[string][]string // workspaceID -> policy ids in insertion order
	credentials map[string]*CredentialBinding
	sessions    map[string]*AnonymousSession
	accounts    map[string]*Account // key: provider \x00 providerAccountID
	workspaces  map[string]*Workspace
	signingKeys map[string]*SigningKey
	clients     map[string]*OAuthClient
	codes       map[string]*AuthorizationCode
	inventory   map[string]*InventoryState

	// now is the clock, replaceable in tests.
	now func() int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[string]*Task),
		taskEvents:  make(map[string][]*TaskEvent),
		approvals:   make(map[string]*Approval),
		toolCalls:   make(map[string]*ToolCall),
		sources:     make(map[string]*ToolSource),
		policies:    make(map[string]*AccessPolicy),
		policyOrder: make(map[string][]string),
		credentials: make(map[string]*CredentialBinding),
		sessions:    make(map[string]*AnonymousSession),
		accounts:    make(map[string]*Account),
		workspaces:  make(map[string]*Workspace),
		signingKeys: make(map[string]*SigningKey),
		clients:     make(map[string]*OAuthClient),
		codes:       make(map[string]*AuthorizationCode),
		inventory:   make(map[string]*InventoryState),
		now:         NowMillis,
	}
}

// SetClock replaces the store clock. Intended for tests.
func (m *MemoryStore) SetClock(now func() int64) {
	m.now = now
}

// Mutate implements Store.
func (m *MemoryStore) Mutate(ctx context.Context, _ string, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := newMemTx(m)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// View implements Store.
func (m *MemoryStore) View(ctx context.Context, fn func(tx ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(newMemTx(m))
}

func toolCallKey(taskID, callID string) string {
	return taskID + "\x00" + callID
}

func accountKey(provider, providerAccountID string) string {
	return provider + "\x00" + providerAccountID
}

// memTx stages writes over the base maps so a failed mutation publishes
// nothing. Reads consult the overlay first.
type memTx struct {
	base *MemoryStore

	tasks       map[string]*Task
	events      map[string][]*TaskEvent
	approvals   map[string]*Approval
	toolCalls   map[string]*ToolCall
	sources     map[string]*ToolSource
	policies    map[string]*AccessPolicy
	policyOrder map[string][]string
	credentials map[string]*CredentialBinding
	sessions    map[string]*AnonymousSession
	accounts    map[string]*Account
	workspaces  map[string]*Workspace
	signingKeys map[string]*SigningKey
	deactivate  bool // active flag moved to a staged key
	clients     map[string]*OAuthClient
	codes       map[string]*AuthorizationCode
	codeDeletes map[string]bool
	inventory   map[string]*InventoryState
}

func newMemTx(m *MemoryStore) *memTx {
	return &memTx{
		base:        m,
		tasks:       make(map[string]*Task),
		events:      make(map[string][]*TaskEvent),
		approvals:   make(map[string]*Approval),
		toolCalls:   make(map[string]*ToolCall),
		sources:     make(map[string]*ToolSource),
		policies:    make(map[string]*AccessPolicy),
		policyOrder: make(map[string][]string),
		credentials: make(map[string]*CredentialBinding),
		sessions:    make(map[string]*AnonymousSession),
		accounts:    make(map[string]*Account),
		workspaces:  make(map[string]*Workspace),
		signingKeys: make(map[string]*SigningKey),
		clients:     make(map[string]*OAuthClient),
		codes:       make(map[string]*AuthorizationCode),
		codeDeletes: make(map[string]bool),
		inventory:   make(map[string]*InventoryState),
	}
}

func (t *memTx) commit() {
	m := t.base
	for k, v := range t.tasks {
		m.tasks[k] = v
	}
	for k, evs := range t.events {
		m.taskEvents[k] = append(m.taskEvents[k], evs...)
	}
	for k, v := range t.approvals {
		m.approvals[k] = v
	}
	for k, v := range t.toolCalls {
		m.toolCalls[k] = v
	}
	for k, v := range t.sources {
		m.sources[k] = v
	}
	for k, v := range t.policies {
		m.policies[k] = v
	}
	for ws, ids := range t.policyOrder {
		m.policyOrder[ws] = append(m.policyOrder[ws], ids...)
	}
	for k, v := range t.credentials {
		m.credentials[k] = v
	}
	for k, v := range t.sessions {
		m.sessions[k] = v
	}
	for k, v := range t.accounts {
		m.accounts[k] = v
	}
	for k, v := range t.workspaces {
		m.workspaces[k] = v
	}
	if t.deactivate {
		for _, k := range m.signingKeys {
			k.Active = false
		}
	}
	for k, v := range t.signingKeys {
		m.signingKeys[k] = v
	}
	for k, v := range t.clients {
		m.clients[k] = v
	}
	for code := range t.codeDeletes {
		delete(m.codes, code)
	}
	for k, v := range t.codes {
		m.codes[k] = v
	}
	for k, v := range t.inventory {
		m.inventory[k] = v
	}
}

// --- reads ---

func (t *memTx) GetTask(taskID string) (*Task, bool) {
	if v, ok := t.tasks[taskID]; ok {
		return cloneTask(v), true
	}
	if v, ok := t.base.tasks[taskID]; ok {
		return cloneTask(v), true
	}
	return nil, false
}

func (t *memTx) ListTasksByStatus(status TaskStatus) []*Task {
	var out []*Task
	for id, v := range t.base.tasks {
		if _, staged := t.tasks[id]; staged {
			continue
		}
		if v.Status == status {
			out = append(out, cloneTask(v))
		}
	}
	for _, v := range t.tasks {
		if v.Status == status {
			out = append(out, cloneTask(v))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

func (t *memTx) ListTasksByWorkspace(workspaceID string) []*Task {
	var out []*Task
	for id, v := range t.base.tasks {
		if _, staged := t.tasks[id]; staged {
			continue
		}
		if v.WorkspaceID == workspaceID {
			out = append(out, cloneTask(v))
		}
	}
	for _, v := range t.tasks {
		if v.WorkspaceID == workspaceID {
			out = append(out, cloneTask(v))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

func (t *memTx) ListTaskEvents(taskID string) []*TaskEvent {
	var out []*TaskEvent
	for _, e := range t.base.taskEvents[taskID] {
		out = append(out, cloneEvent(e))
	}
	for _, e := range t.events[taskID] {
		out = append(out, cloneEvent(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

func (t *memTx) GetApproval(approvalID string) (*Approval, bool) {
	if v, ok := t.approvals[approvalID]; ok {
		return cloneApproval(v), true
	}
	if v, ok := t.base.approvals[approvalID]; ok {
		return cloneApproval(v), true
	}
	return nil, false
}

func (t *memTx) ListApprovals(workspaceID string, status ApprovalStatus) []*Approval {
	match := func(a *Approval) bool {
		return a.WorkspaceID == workspaceID && (status == "" || a.Status == status)
	}
	var out []*Approval
	for id, v := range t.base.approvals {
		if _, staged := t.approvals[id]; staged {
			continue
		}
		if match(v) {
			out = append(out, cloneApproval(v))
		}
	}
	for _, v := range t.approvals {
		if match(v) {
			out = append(out, cloneApproval(v))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ApprovalID < out[j].ApprovalID
	})
	return out
}

func (t *memTx) GetToolCall(taskID, callID string) (*ToolCall, bool) {
	k := toolCallKey(taskID, callID)
	if v, ok := t.toolCalls[k]; ok {
		return cloneToolCall(v), true
	}
	if v, ok := t.base.toolCalls[k]; ok {
		return cloneToolCall(v), true
	}
	return nil, false
}

func (t *memTx) GetToolSource(sourceID string) (*ToolSource, bool) {
	if v, ok := t.sources[sourceID]; ok {
		return cloneSource(v), true
	}
	if v, ok := t.base.sources[sourceID]; ok {
		return cloneSource(v), true
	}
	return nil, false
}

func (t *memTx) ListToolSources(workspaceID string) []*ToolSource {
	var out []*ToolSource
	for id, v := range t.base.sources {
		if _, staged := t.sources[id]; staged {
			continue
		}
		if v.WorkspaceID == workspaceID {
			out = append(out, cloneSource(v))
		}
	}
	for _, v := range t.sources {
		if v.WorkspaceID == workspaceID {
			out = append(out, cloneSource(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *memTx) ListPolicies(workspaceID string) []*AccessPolicy {
	ids := append(append([]string{}, t.base.policyOrder[workspaceID]...), t.policyOrder[workspaceID]...)
	out := make([]*AccessPolicy, 0, len(ids))
	for _, id := range ids {
		if v, ok := t.policies[id]; ok {
			out = append(out, clonePolicy(v))
			continue
		}
		if v, ok := t.base.policies[id]; ok {
			out = append(out, clonePolicy(v))
		}
	}
	return out
}

func (t *memTx) FindCredential(workspaceID, sourceKey string, scope CredentialScope, actorID string) (*CredentialBinding, bool) {
	match := func(c *CredentialBinding) bool {
		if c.WorkspaceID != workspaceID || c.SourceKey != sourceKey || c.Scope != scope {
			return false
		}
		if scope == ScopeActor && c.ActorID != actorID {
			return false
		}
		return true
	}
	var found *CredentialBinding
	consider := func(c *CredentialBinding) {
		if !match(c) {
			return
		}
		// Prefer the most recently updated binding.
		if found == nil || c.UpdatedAt > found.UpdatedAt {
			found = c
		}
	}
	for id, v := range t.base.credentials {
		if _, staged := t.credentials[id]; staged {
			continue
		}
		consider(v)
	}
	for _, v := range t.credentials {
		consider(v)
	}
	if found == nil {
		return nil, false
	}
	return cloneCredential(found), true
}

func (t *memTx) GetCredential(workspaceID, credentialID string) (*CredentialBinding, bool) {
	if v, ok := t.credentials[credentialID]; ok && v.WorkspaceID == workspaceID {
		return cloneCredential(v), true
	}
	if v, ok := t.base.credentials[credentialID]; ok && v.WorkspaceID == workspaceID {
		return cloneCredential(v), true
	}
	return nil, false
}

func (t *memTx) GetSession(sessionID string) (*AnonymousSession, bool) {
	if v, ok := t.sessions[sessionID]; ok {
		return cloneSession(v), true
	}
	if v, ok := t.base.sessions[sessionID]; ok {
		return cloneSession(v), true
	}
	return nil, false
}

func (t *memTx) GetAccount(provider, providerAccountID string) (*Account, bool) {
	k := accountKey(provider, providerAccountID)
	if v, ok := t.accounts[k]; ok {
		return cloneAccount(v), true
	}
	if v, ok := t.base.accounts[k]; ok {
		return cloneAccount(v), true
	}
	return nil, false
}

func (t *memTx) GetWorkspace(workspaceID string) (*Workspace, bool) {
	if v, ok := t.workspaces[workspaceID]; ok {
		w := *v
		return &w, true
	}
	if v, ok := t.base.workspaces[workspaceID]; ok {
		w := *v
		return &w, true
	}
	return nil, false
}

func (t *memTx) ActiveSigningKey() (*SigningKey, bool) {
	for _, v := range t.signingKeys {
		if v.Active {
			return cloneSigningKey(v), true
		}
	}
	if t.deactivate {
		return nil, false
	}
	for _, v := range t.base.signingKeys {
		if v.Active {
			return cloneSigningKey(v), true
		}
	}
	return nil, false
}

func (t *memTx) GetOAuthClient(clientID string) (*OAuthClient, bool) {
	if v, ok := t.clients[clientID]; ok {
		return cloneClient(v), true
	}
	if v, ok := t.base.clients[clientID]; ok {
		return cloneClient(v), true
	}
	return nil, false
}

func (t *memTx) CountAuthorizationCodes() int {
	n := 0
	for code := range t.base.codes {
		if t.codeDeletes[code] {
			continue
		}
		if _, staged := t.codes[code]; staged {
			continue
		}
		n++
	}
	return n + len(t.codes)
}

func (t *memTx) GetInventoryState(workspaceID string) (*InventoryState, bool) {
	if v, ok := t.inventory[workspaceID]; ok {
		s := *v
		return &s, true
	}
	if v, ok := t.base.inventory[workspaceID]; ok {
		s := *v
		return &s, true
	}
	return nil, false
}

// --- writes ---

func (t *memTx) PutTask(task *Task) *Task {
	c := cloneTask(task)
	now := t.base.now()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	t.tasks[c.TaskID] = c
	return cloneTask(c)
}

func (t *memTx) AppendTaskEvent(taskID, eventName, eventType string, payload map[string]any) (*TaskEvent, error) {
	task, ok := t.GetTask(taskID)
	if !ok {
		return nil, fmt.Errorf("append event %s: task %s: %w", eventType, taskID, ErrNotFound)
	}
	ev := &TaskEvent{
		TaskID:    taskID,
		Sequence:  task.NextEventSequence,
		EventName: eventName,
		Type:      eventType,
		Payload:   cloneAnyMap(payload),
		CreatedAt: t.base.now(),
	}
	task.NextEventSequence++
	task.UpdatedAt = ev.CreatedAt
	t.tasks[taskID] = task
	t.events[taskID] = append(t.events[taskID], ev)
	return cloneEvent(ev), nil
}

func (t *memTx) PutApproval(a *Approval) *Approval {
	c := cloneApproval(a)
	if c.CreatedAt == 0 {
		c.CreatedAt = t.base.now()
	}
	t.approvals[c.ApprovalID] = c
	return cloneApproval(c)
}

func (t *memTx) PutToolCall(c *ToolCall) *ToolCall {
	cc := cloneToolCall(c)
	now := t.base.now()
	if cc.CreatedAt == 0 {
		cc.CreatedAt = now
	}
	cc.UpdatedAt = now
	t.toolCalls[toolCallKey(cc.TaskID, cc.CallID)] = cc
	return cloneToolCall(cc)
}

func (t *memTx) PutToolSource(s *ToolSource) (*ToolSource, error) {
	for _, existing := range t.ListToolSources(s.WorkspaceID) {
		if existing.Name == s.Name && existing.SourceID != s.SourceID {
			return nil, fmt.Errorf("tool source name %q already used in workspace %s: %w", s.Name, s.WorkspaceID, ErrConflict)
		}
	}
	c := cloneSource(s)
	now := t.base.now()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	t.sources[c.SourceID] = c
	return cloneSource(c), nil
}

func (t *memTx) PutPolicy(p *AccessPolicy) *AccessPolicy {
	c := clonePolicy(p)
	now := t.base.now()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, inStaged := t.policies[c.PolicyID]
	_, inBase := t.base.policies[c.PolicyID]
	if !inStaged && !inBase {
		t.policyOrder[c.WorkspaceID] = append(t.policyOrder[c.WorkspaceID], c.PolicyID)
	}
	t.policies[c.PolicyID] = c
	return clonePolicy(c)
}

func (t *memTx) PutCredential(c *CredentialBinding) *CredentialBinding {
	cc := cloneCredential(c)
	now := t.base.now()
	if cc.CreatedAt == 0 {
		cc.CreatedAt = now
	}
	cc.UpdatedAt = now
	t.credentials[cc.CredentialID] = cc
	return cloneCredential(cc)
}

func (t *memTx) PutSession(s *AnonymousSession) *AnonymousSession {
	c := cloneSession(s)
	if c.CreatedAt == 0 {
		c.CreatedAt = t.base.now()
	}
	t.sessions[c.SessionID] = c
	return cloneSession(c)
}

func (t *memTx) PutAccount(a *Account) *Account {
	c := cloneAccount(a)
	now := t.base.now()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	t.accounts[accountKey(c.Provider, c.ProviderAccountID)] = c
	return cloneAccount(c)
}

func (t *memTx) PutWorkspace(w *Workspace) *Workspace {
	c := *w
	now := t.base.now()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	t.workspaces[c.ID] = &c
	out := c
	return &out
}

func (t *memTx) PutSigningKey(k *SigningKey) *SigningKey {
	c := cloneSigningKey(k)
	if c.CreatedAt == 0 {
		c.CreatedAt = t.base.now()
	}
	if c.Active {
		// Rotation: the new active key atomically replaces the old one.
		t.deactivate = true
		for _, staged := range t.signingKeys {
			staged.Active = false
		}
	}
	t.signingKeys[c.KeyID] = c
	return cloneSigningKey(c)
}

func (t *memTx) PutOAuthClient(c *OAuthClient) *OAuthClient {
	cc := cloneClient(c)
	if cc.CreatedAt == 0 {
		cc.CreatedAt = t.base.now()
	}
	t.clients[cc.ClientID] = cc
	return cloneClient(cc)
}

func (t *memTx) PutAuthorizationCode(c *AuthorizationCode) *AuthorizationCode {
	cc := cloneCode(c)
	if cc.CreatedAt == 0 {
		cc.CreatedAt = t.base.now()
	}
	delete(t.codeDeletes, cc.Code)
	t.codes[cc.Code] = cc
	return cloneCode(cc)
}

func (t *memTx) ConsumeAuthorizationCode(code string) (*AuthorizationCode, bool) {
	if v, ok := t.codes[code]; ok {
		delete(t.codes, code)
		t.codeDeletes[code] = true
		return cloneCode(v), true
	}
	if t.codeDeletes[code] {
		return nil, false
	}
	if v, ok := t.base.codes[code]; ok {
		t.codeDeletes[code] = true
		return cloneCode(v), true
	}
	return nil, false
}

func (t *memTx) PurgeExpiredAuthorizationCodes(now int64) int {
	n := 0
	for code, v := range t.base.codes {
		if t.codeDeletes[code] {
			continue
		}
		if _, staged := t.codes[code]; staged {
			continue
		}
		if v.ExpiresAt <= now {
			t.codeDeletes[code] = true
			n++
		}
	}
	for code, v := range t.codes {
		if v.ExpiresAt <= now {
			delete(t.codes, code)
			t.codeDeletes[code] = true
			n++
		}
	}
	return n
}

func (t *memTx) PutInventoryState(s *InventoryState) *InventoryState {
	c := *s
	c.UpdatedAt = t.base.now()
	t.inventory[c.WorkspaceID] = &c
	out := c
	return &out
}

// --- clone helpers ---

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTask(t *Task) *Task {
	c := *t
	c.Metadata = cloneAnyMap(t.Metadata)
	if t.ExitCode != nil {
		ec := *t.ExitCode
		c.ExitCode = &ec
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage{}, t.Result...)
	}
	return &c
}

func cloneEvent(e *TaskEvent) *TaskEvent {
	c := *e
	c.Payload = cloneAnyMap(e.Payload)
	return &c
}

func cloneApproval(a *Approval) *Approval {
	c := *a
	c.Input = cloneAnyMap(a.Input)
	return &c
}

func cloneToolCall(tc *ToolCall) *ToolCall {
	c := *tc
	return &c
}

func cloneSource(s *ToolSource) *ToolSource {
	c := *s
	c.Config = cloneAnyMap(s.Config)
	return &c
}

func clonePolicy(p *AccessPolicy) *AccessPolicy {
	c := *p
	return &c
}

func cloneCredential(cr *CredentialBinding) *CredentialBinding {
	c := *cr
	c.Payload = append([]byte(nil), cr.Payload...)
	c.HeaderOverrides = cloneStringMap(cr.HeaderOverrides)
	return &c
}

func cloneSession(s *AnonymousSession) *AnonymousSession {
	c := *s
	return &c
}

func cloneAccount(a *Account) *Account {
	c := *a
	return &c
}

func cloneSigningKey(k *SigningKey) *SigningKey {
	c := *k
	c.PrivateJWK = append([]byte(nil), k.PrivateJWK...)
	c.PublicJWK = append([]byte(nil), k.PublicJWK...)
	return &c
}

func cloneClient(c *OAuthClient) *OAuthClient {
	cc := *c
	cc.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	return &cc
}

func cloneCode(c *AuthorizationCode) *AuthorizationCode {
	cc := *c
	cc.TokenClaims = cloneStringMap(c.TokenClaims)
	return &cc
}
