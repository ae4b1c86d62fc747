package sse

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/pixelmuse/pixelmuse-backend/internal/logger"
)

type SSEEvent string

const (
	SSEEventTrainingSubmitted  SSEEvent = "TrainingSubmitted"
	SSEEventTrainingProgress   SSEEvent = "TrainingProgress"
	SSEEventTrainingCompleted  SSEEvent = "TrainingCompleted"
	SSEEventTrainingFailed     SSEEvent = "TrainingFailed"
	SSEEventModelUploadStarted SSEEvent = "ModelUploadStarted"
	SSEEventModelUploadFailed  SSEEvent = "ModelUploadFailed"
)

type SSEMessage struct {
	Channel string   `json:"channel"`
	Event   SSEEvent `json:"event"`
	Data    any      `json:"data,omitempty"`
}

type SSEClient struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	Channels map[string]bool
	Outbound chan SSEMessage
	done     chan struct{}
}

type SSEHub struct {
	mu            sync.RWMutex
	logger        *logger.Logger
	subscriptions map[string]map[*SSEClient]bool
}

func NewSSEHub(log *logger.Logger) *SSEHub {
	return &SSEHub{
		logger:        log.With("component", "SSEHub"),
		subscriptions: make(map[string]map[*SSEClient]bool),
	}
}

func (hub *SSEHub) NewSSEClient(userID uuid.UUID) *SSEClient {
	return &SSEClient{
		ID:       uuid.New(),
		UserID:   userID,
		Channels: make(map[string]bool),
		Outbound: make(chan SSEMessage, 16),
		done:     make(chan struct{}),
	}
}

func (hub *SSEHub) AddChannel(client *SSEClient, channel string) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()

	client.Channels[channel] = true
	clients, exists := hub.subscriptions[channel]
	if !exists {
		clients = make(map[*SSEClient]bool)
		hub.subscriptions[channel] = clients
	}
	clients[client] = true

	hub.logger.Debug("SSE client subscribed", "client_id", client.ID, "channel", channel)
}

func (hub *SSEHub) RemoveClient(client *SSEClient) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	for channel := range client.Channels {
		if subMap, ok := hub.subscriptions[channel]; ok {
			delete(subMap, client)
			if len(subMap) == 0 {
				delete(hub.subscriptions, channel)
			}
		}
	}
	select {
	case <-client.done:
	default:
		close(client.done)
	}
	hub.logger.Debug("SSE client removed", "client_id", client.ID)
}

// Broadcast delivers msg to every subscriber of its channel. Slow consumers
// are skipped rather than blocking the sender.
func (hub *SSEHub) Broadcast(msg SSEMessage) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	for client := range hub.subscriptions[msg.Channel] {
		select {
		case client.Outbound <- msg:
		default:
			hub.logger.Warn("Dropping SSE message for slow client", "client_id", client.ID, "channel", msg.Channel, "event", msg.Event)
		}
	}
}

func (c *SSEClient) Done() <-chan struct{} {
	return c.done
}
