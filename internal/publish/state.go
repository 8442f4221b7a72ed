package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/sousvide-ble/internal/ble"
	"github.com/chaz8081/sousvide-ble/internal/cooker"
)

const (
	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

// Payload is the JSON document published for every snapshot.
type Payload struct {
	cooker.CookingState
	CookingTime string    `json:"cooking_time,omitempty"`
	Active      bool      `json:"active"`
	Synced      bool      `json:"synced"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewPayload derives the published document from a snapshot.
func NewPayload(state cooker.CookingState, now time.Time) Payload {
	p := Payload{
		CookingState: state,
		Active:       state.Status.Active(),
		Synced:       state.Synced(),
		UpdatedAt:    now.UTC(),
	}
	if display, err := cooker.DisplayCookingTime(state.Timer); err == nil {
		p.CookingTime = display
	}
	return p
}

// StatePublisher publishes snapshots under a base topic:
//
//	<topic>               retained JSON Payload
//	<topic>/connection    retained connection manager state
//	<topic>/availability  retained online/offline
type StatePublisher struct {
	client Client
	topic  string
	now    func() time.Time
}

// NewStatePublisher returns a publisher writing under topic.
func NewStatePublisher(client Client, topic string) *StatePublisher {
	return &StatePublisher{client: client, topic: topic, now: time.Now}
}

// AvailabilityTopic is where online/offline is published.
func AvailabilityTopic(topic string) string {
	return topic + "/availability"
}

// Online marks the publisher available.
func (p *StatePublisher) Online() error {
	return p.client.Publish(AvailabilityTopic(p.topic), true, []byte(availabilityOnline))
}

// PublishState publishes one snapshot.
func (p *StatePublisher) PublishState(state cooker.CookingState) error {
	data, err := json.Marshal(NewPayload(state, p.now()))
	if err != nil {
		return fmt.Errorf("publish: encode state: %w", err)
	}
	return p.client.Publish(p.topic, true, data)
}

// PublishConnection publishes a connection manager transition.
func (p *StatePublisher) PublishConnection(s ble.State) error {
	return p.client.Publish(p.topic+"/connection", true, []byte(s.String()))
}

// Run publishes every snapshot received from updates until ctx is done or
// updates is closed. Publish failures are logged and skipped.
func (p *StatePublisher) Run(ctx context.Context, updates <-chan cooker.CookingState) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if err := p.PublishState(st); err != nil {
				slog.Warn("[MQTT] publish state", "error", err)
			}
		}
	}
}
