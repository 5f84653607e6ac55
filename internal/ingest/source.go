// Package ingest connects the engine to Google Cloud Pub/Sub: incident
// messages arrive on a subscription, escalations leave on a topic.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/wpautohealer/backend/internal/errs"
	"github.com/wpautohealer/backend/internal/ports"
)

// PubSubSource delivers incident-created messages from a subscription.
// Messages that fail validation are acked and dropped; transient handler
// failures are nacked so Pub/Sub redelivers them.
type PubSubSource struct {
	client *pubsub.Client
	sub    *pubsub.Subscription
	logger *log.Logger
}

// NewPubSubSource connects to the project and binds the subscription,
// creating it against topicID when it does not exist yet.
func NewPubSubSource(ctx context.Context, projectID, topicID, subscriptionID string) (*PubSubSource, error) {
	setupCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(setupCtx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	sub := client.Subscription(subscriptionID)
	exists, err := sub.Exists(setupCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("subscription.Exists: %w", err)
	}
	if !exists {
		topic := client.Topic(topicID)
		if ok, err := topic.Exists(setupCtx); err != nil {
			client.Close()
			return nil, fmt.Errorf("topic.Exists: %w", err)
		} else if !ok {
			if topic, err = client.CreateTopic(setupCtx, topicID); err != nil {
				client.Close()
				return nil, fmt.Errorf("CreateTopic: %w", err)
			}
		}
		sub, err = client.CreateSubscription(setupCtx, subscriptionID, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: 60 * time.Second,
		})
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateSubscription: %w", err)
		}
	}
	// Incidents are heavyweight to process; keep the inflight window small.
	sub.ReceiveSettings.MaxOutstandingMessages = 16

	src := &PubSubSource{
		client: client,
		sub:    sub,
		logger: log.New(log.Writer(), "[INGEST] ", log.LstdFlags),
	}
	src.logger.Printf("✅ bound to subscription projects/%s/subscriptions/%s", projectID, subscriptionID)
	return src, nil
}

// Receive blocks, decoding each message and passing it to the handler.
func (s *PubSubSource) Receive(ctx context.Context, handle func(context.Context, ports.IncidentCreated) error) error {
	return s.sub.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
		var inc ports.IncidentCreated
		if err := json.Unmarshal(msg.Data, &inc); err != nil {
			s.logger.Printf("⚠️ dropping undecodable message %s: %v", msg.ID, err)
			msg.Ack()
			return
		}
		if err := handle(msgCtx, inc); err != nil {
			if errs.IsValidation(err) {
				// Redelivery cannot fix a malformed incident.
				s.logger.Printf("⚠️ dropping invalid incident %s: %v", inc.IncidentID, err)
				msg.Ack()
				return
			}
			s.logger.Printf("handler failed for incident %s, nacking: %v", inc.IncidentID, err)
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

func (s *PubSubSource) Close() error {
	return s.client.Close()
}
