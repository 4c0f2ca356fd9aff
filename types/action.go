package types

import (
	"context"
	"time"
)

type ActionBroker interface {
	LifecycleManager
	Publish(action string, payload interface{}) error
	Subscribe(action string, handler ActionHandler) error
	Unsubscribe(action string) error
}

type ActionHandler func(ctx context.Context, message *ActionMessage) error

type ActionMessage struct {
	Action    string            `json:"action"`
	Payload   interface{}       `json:"payload"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	MessageID string            `json:"message_id"`
}
