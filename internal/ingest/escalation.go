package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/wpautohealer/backend/internal/playbook"
)

// escalationMessage is the wire shape published when an incident is handed
// to a human.
type escalationMessage struct {
	IncidentID  string              `json:"incidentId"`
	Reason      string              `json:"reason"`
	Evidence    []playbook.Evidence `json:"evidence,omitempty"`
	EscalatedAt time.Time           `json:"escalatedAt"`
}

// PubSubEscalations publishes escalations to a topic. Implements
// ports.EscalationSink.
type PubSubEscalations struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubEscalations binds (creating if needed) the escalation topic.
func NewPubSubEscalations(ctx context.Context, projectID, topicID string) (*PubSubEscalations, error) {
	setupCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(setupCtx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(setupCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		if topic, err = client.CreateTopic(setupCtx, topicID); err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}
	return &PubSubEscalations{
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[ESCALATE] ", log.LstdFlags),
	}, nil
}

// Escalate publishes the incident hand-off and waits for the broker ack so
// an escalation is never silently lost.
func (p *PubSubEscalations) Escalate(ctx context.Context, incidentID, reason string, evidence []playbook.Evidence) error {
	payload, err := json.Marshal(escalationMessage{
		IncidentID:  incidentID,
		Reason:      reason,
		Evidence:    evidence,
		EscalatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode escalation for %s: %w", incidentID, err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"incidentId": incidentID,
		},
	})
	msgID, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("publish escalation for %s: %w", incidentID, err)
	}
	p.logger.Printf("📤 escalated incident %s (msgID=%s): %s", incidentID, msgID, reason)
	return nil
}

func (p *PubSubEscalations) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
