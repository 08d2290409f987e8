package alert

import (
	"context"
	"errors"
	"fmt"

	"github.com/ambdash/ambdash/pkg/source"
)

// Level is the severity of a notification.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Field is a labelled value rendered alongside the body.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Notification is the data sent to alert destinations.
type Notification struct {
	Title  string        `json:"title"`
	Body   string        `json:"body"`
	Level  Level         `json:"level"`
	Fields []Field       `json:"fields,omitempty"`
	Items  []source.Item `json:"items,omitempty"`
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers []Notifier
}

// NewManager creates a new alert manager.
func NewManager(notifiers []Notifier) *Manager {
	return &Manager{notifiers: notifiers}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return m != nil && len(m.notifiers) > 0
}

// Broadcast sends a notification to all registered notifiers.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func levelEmoji(l Level) string {
	switch l {
	case LevelCritical:
		return "🚨"
	case LevelWarning:
		return "⚠️"
	}
	return "📊"
}

func topItems(items []source.Item, limit int) []source.Item {
	if len(items) < limit {
		return items
	}
	return items[:limit]
}
