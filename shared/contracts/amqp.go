package contracts

import (
	"context"
)

// AMQPMessage represents a message to be published to AMQP
type AMQPMessage struct {
	Exchange   string                 `json:"exchange"`
	RoutingKey string                 `json:"routing_key"`
	Body       []byte                 `json:"body"`
	Headers    map[string]interface{} `json:"headers,omitempty"`
}

// AMQPClient defines the interface for AMQP operations
type AMQPClient interface {
	// Publish publishes a message to the specified exchange
	Publish(ctx context.Context, message AMQPMessage) error

	// Close closes the AMQP connection
	Close() error
}

// Exchange names - configurable constants
const (
	// EntityMutationsExchange carries every committed Set/Remove mutation
	// fanned out by a subgraph's BlockSink, for downstream consumers that
	// want a live feed rather than querying the entity store directly.
	EntityMutationsExchange = "entity_mutations.events"
	DLXExchange             = "dlx.events"
)

// Queue names - configurable constants
const (
	EntityMutationsUpsertedQueue = "fanout.entity_mutations.upserted"
	EntityMutationsRemovedQueue  = "fanout.entity_mutations.removed"
)

// Routing keys - configurable constants
const (
	// EntityMutationSetKeyPattern routes Set mutations, parameterized by
	// subgraph id and entity type: set.{subgraph_id}.{entity_type}
	EntityMutationSetKeyPattern = "set.*.*"
	// EntityMutationRemoveKeyPattern routes Remove mutations the same way.
	EntityMutationRemoveKeyPattern = "remove.*.*"
)
