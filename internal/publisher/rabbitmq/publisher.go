// Package rabbitmq implements the mutation fan-out publisher: it
// fans every mutation a subgraph's BlockSink commits out to a topic
// exchange so downstream consumers can subscribe to a live feed instead of
// polling the entity store.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quangdang46/subgraph-coordinator/internal/coordinator"
	"github.com/quangdang46/subgraph-coordinator/shared/contracts"
	"github.com/quangdang46/subgraph-coordinator/shared/messaging"
)

const schemaVersion = "subgraph.mutations.v1"

// wireMutation is the JSON envelope published for every committed mutation.
type wireMutation struct {
	Schema      string         `json:"schema"`
	Kind        string         `json:"kind"`
	Subgraph    string         `json:"subgraph_id"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	BlockNumber uint64         `json:"block_number"`
	BlockHash   string         `json:"block_hash"`
	PublishedAt int64          `json:"published_at"`
}

// Publisher fans committed mutations out to entity_mutations.events,
// topic-routed by kind, subgraph id, and entity type.
type Publisher struct {
	amqp *messaging.RabbitMQ
}

// New wraps an already-connected RabbitMQ client.
func New(amqp *messaging.RabbitMQ) *Publisher {
	return &Publisher{amqp: amqp}
}

// Setup declares the exchange and the two fan-out queues the reference
// deployment binds, so a fresh broker is usable without a separate
// provisioning step.
func (p *Publisher) Setup() error {
	if err := p.amqp.DeclareExchange(messaging.ExchangeConfig{
		Name:    contracts.EntityMutationsExchange,
		Type:    "topic",
		Durable: true,
	}); err != nil {
		return fmt.Errorf("declare entity mutations exchange: %w", err)
	}
	if err := p.amqp.DeclareExchange(messaging.ExchangeConfig{
		Name:    contracts.DLXExchange,
		Type:    "topic",
		Durable: true,
	}); err != nil {
		return fmt.Errorf("declare dead-letter exchange: %w", err)
	}

	queues := []struct {
		name    string
		pattern string
	}{
		{contracts.EntityMutationsUpsertedQueue, contracts.EntityMutationSetKeyPattern},
		{contracts.EntityMutationsRemovedQueue, contracts.EntityMutationRemoveKeyPattern},
	}
	for _, q := range queues {
		if _, err := p.amqp.DeclareQueue(messaging.QueueConfig{
			Name:    q.name,
			Durable: true,
			DLX:     contracts.DLXExchange,
			DLRKey:  q.pattern,
		}); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
		if err := p.amqp.BindQueue(messaging.BindingConfig{
			QueueName:    q.name,
			ExchangeName: contracts.EntityMutationsExchange,
			RoutingKey:   q.pattern,
		}); err != nil {
			return fmt.Errorf("bind queue %s to exchange: %w", q.name, err)
		}
	}
	return nil
}

// Publish implements coordinator.MutationPublisher.
func (p *Publisher) Publish(ctx context.Context, mutation coordinator.EntityMutation) error {
	kind := "set"
	if mutation.Kind == coordinator.MutationRemove {
		kind = "remove"
	}

	wire := wireMutation{
		Schema:      schemaVersion,
		Kind:        kind,
		Subgraph:    string(mutation.Key.Subgraph),
		EntityType:  mutation.Key.EntityType,
		EntityID:    mutation.Key.EntityID,
		Attributes:  mutation.Attributes,
		BlockNumber: mutation.BlockRef.Number,
		BlockHash:   string(mutation.BlockRef.Hash),
		PublishedAt: time.Now().Unix(),
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal mutation: %w", err)
	}

	// set.{subgraph_id}.{entity_type} / remove.{subgraph_id}.{entity_type}
	routingKey := fmt.Sprintf("%s.%s.%s", kind, wire.Subgraph, wire.EntityType)

	return p.amqp.Publish(ctx, contracts.AMQPMessage{
		Exchange:   contracts.EntityMutationsExchange,
		RoutingKey: routingKey,
		Body:       body,
		Headers: map[string]interface{}{
			"content_type": "application/json",
			"kind":         kind,
			"subgraph_id":  wire.Subgraph,
		},
	})
}

// Close closes the underlying AMQP connection.
func (p *Publisher) Close() error {
	if p.amqp == nil {
		return nil
	}
	return p.amqp.Close()
}
