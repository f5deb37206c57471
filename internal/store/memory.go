package store

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-memory Store used by tests and by relays run without a
// database path. It applies the same semantics as the SQLite backend:
// AddUser ignores duplicates, OpenSession requires both users to exist.
type Memory struct {
	mu       sync.Mutex
	users    map[string]string // username → hashed password
	nextID   int64
	sessions map[int64]*memSession
	logs     []memLog
}

type memSession struct {
	controller string
	target     string
	startedAt  string
	endedAt    string
	status     string
	chat       []ChatMessage
}

type memLog struct {
	level   string
	event   string
	session int64
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]string),
		sessions: make(map[int64]*memSession),
	}
}

func (m *Memory) AddUser(_ context.Context, username, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[username]; !exists {
		m.users[username] = hashPassword(password)
	}
	return nil
}

func (m *Memory) Authenticate(_ context.Context, username, password string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.users[username]
	return ok && stored == hashPassword(password), nil
}

func (m *Memory) OpenSession(_ context.Context, controller, target string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[controller]; !ok {
		return 0, fmt.Errorf("store: user %q not found", controller)
	}
	if _, ok := m.users[target]; !ok {
		return 0, fmt.Errorf("store: user %q not found", target)
	}
	m.nextID++
	m.sessions[m.nextID] = &memSession{
		controller: controller,
		target:     target,
		startedAt:  now(),
		status:     StatusActive,
	}
	return m.nextID, nil
}

func (m *Memory) CloseSession(_ context.Context, sessionID int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("store: session %d not found", sessionID)
	}
	sess.endedAt = now()
	sess.status = status
	return nil
}

func (m *Memory) AddChatMsg(_ context.Context, sessionID int64, sender, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("store: session %d not found", sessionID)
	}
	sess.chat = append(sess.chat, ChatMessage{Timestamp: now(), Sender: sender, Text: text})
	return nil
}

func (m *Memory) ChatHistory(_ context.Context, sessionID int64) ([]ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("store: session %d not found", sessionID)
	}
	history := make([]ChatMessage, len(sess.chat))
	copy(history, sess.chat)
	return history, nil
}

func (m *Memory) Log(_ context.Context, level, event string, _ map[string]any, sessionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, memLog{level: level, event: event, session: sessionID})
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// SessionStatus reports a session's current status. Test helper.
func (m *Memory) SessionStatus(sessionID int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return "", false
	}
	return sess.status, true
}

// LoggedEvents returns the event names recorded so far. Test helper.
func (m *Memory) LoggedEvents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := make([]string, len(m.logs))
	for i, l := range m.logs {
		events[i] = l.event
	}
	return events
}
