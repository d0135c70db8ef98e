// Package bus mirrors accepted detections onto NATS for on-site consumers
// (dashboards, local recorders). The mirror is best effort: a broker outage
// never blocks or fails the durable enqueue path.
package bus

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/parikshan-ai/edge-agent/internal/stream"
)

const subjectPrefix = "edge.events"

// Envelope is the wire form of one mirrored event.
type Envelope struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agentId"`
	Type      string          `json:"type"`
	CameraID  int             `json:"cameraId"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Publisher fans events out on edge.events.<cameraId>.
type Publisher struct {
	conn       *nats.Conn
	agentID    string
	maxRetries int
}

// Connect dials the broker. Returns nil without error when url is empty so
// callers can treat the mirror as absent.
func Connect(url, agentID string) (*Publisher, error) {
	if url == "" {
		return nil, nil
	}
	conn, err := nats.Connect(url,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Printf("[Bus] Connected to NATS at %s", url)
	return &Publisher{conn: conn, agentID: agentID, maxRetries: 3}, nil
}

// Publish mirrors one event. Safe on a nil receiver.
func (p *Publisher) Publish(e stream.Event) {
	if p == nil {
		return
	}

	data, err := json.Marshal(Envelope{
		ID:        uuid.NewString(),
		AgentID:   p.agentID,
		Type:      e.Type,
		CameraID:  e.CameraID,
		Timestamp: e.Timestamp,
		Data:      e.Data,
	})
	if err != nil {
		log.Printf("[ERROR] Bus: marshal: %v", err)
		return
	}

	subject := fmt.Sprintf("%s.%d", subjectPrefix, e.CameraID)
	for i := 0; i <= p.maxRetries; i++ {
		if err = p.conn.Publish(subject, data); err == nil {
			return
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	log.Printf("[ERROR] Bus: publish failed after %d retries: %v", p.maxRetries, err)
}

// Close drains the connection. Safe on a nil receiver.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.conn.Close()
}
