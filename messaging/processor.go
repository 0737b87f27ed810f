package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/catalog/domain"
	"example.com/backstage/services/catalog/handlers"
)

// ErrMalformedMessage is returned for messages that can never be processed
var ErrMalformedMessage = errors.New("malformed message")

// AzureBusMessage is the common message structure
type AzureBusMessage struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

// MessageProcessor handles one received message
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error
}

// CommandHandler executes product commands
type CommandHandler interface {
	Handle(ctx context.Context, cmd handlers.Command) (handlers.Result, error)
}

// Processor turns Service Bus messages into product commands
type Processor struct {
	handler CommandHandler
}

// NewProcessor creates a new message processor
func NewProcessor(handler CommandHandler) *Processor {
	return &Processor{handler: handler}
}

// ProcessMessage decodes a message and runs the command it carries. The message ID
// is used as the idempotency key when the command does not bring its own.
func (p *Processor) ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error {
	var msg AzureBusMessage
	if err := json.Unmarshal(message.Body, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	log.Info().Str("eventType", msg.EventType).Str("messageID", message.MessageID).Msg("Processing message")

	cmd, err := decodeCommand(msg)
	if err != nil {
		return err
	}

	result, err := p.handler.Handle(ctx, withMessageEnvelope(cmd, message))
	if err != nil {
		return err
	}

	if replay, ok := result.(handlers.CommandAlreadyProcessed); ok {
		log.Info().
			Str("messageID", message.MessageID).
			Str("aggregateID", replay.AggregateID.String()).
			Msg("Message already processed")
	}
	return nil
}

func decodeCommand(msg AzureBusMessage) (handlers.Command, error) {
	switch msg.EventType {
	case handlers.CreateProductType:
		return decode[handlers.CreateProductCommand](msg)
	case handlers.UpdateProductType:
		return decode[handlers.UpdateProductCommand](msg)
	case handlers.ChangePriceType:
		return decode[handlers.ChangePriceCommand](msg)
	case handlers.ActivateProductType:
		return decode[handlers.ActivateProductCommand](msg)
	case handlers.DiscontinueProductType:
		return decode[handlers.DiscontinueProductCommand](msg)
	case handlers.DeleteProductType:
		return decode[handlers.DeleteProductCommand](msg)
	default:
		return nil, fmt.Errorf("%w: unsupported event type %q", ErrMalformedMessage, msg.EventType)
	}
}

func decode[T handlers.Command](msg AzureBusMessage) (handlers.Command, error) {
	var cmd T
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %s data: %v", ErrMalformedMessage, msg.EventType, err)
	}
	return cmd, nil
}

// withMessageEnvelope fills the envelope of cmd from the message properties
func withMessageEnvelope(cmd handlers.Command, message *azservicebus.ReceivedMessage) handlers.Command {
	apply := func(env handlers.Envelope) handlers.Envelope {
		if env.IdempotencyKey == "" {
			env.IdempotencyKey = message.MessageID
		}
		env.Metadata = domain.Metadata{CausationID: message.MessageID}
		if message.CorrelationID != nil {
			env.Metadata.CorrelationID = *message.CorrelationID
		}
		return env
	}

	switch c := cmd.(type) {
	case handlers.CreateProductCommand:
		c.Envelope = apply(c.Envelope)
		return c
	case handlers.UpdateProductCommand:
		c.Envelope = apply(c.Envelope)
		return c
	case handlers.ChangePriceCommand:
		c.Envelope = apply(c.Envelope)
		return c
	case handlers.ActivateProductCommand:
		c.Envelope = apply(c.Envelope)
		return c
	case handlers.DiscontinueProductCommand:
		c.Envelope = apply(c.Envelope)
		return c
	case handlers.DeleteProductCommand:
		c.Envelope = apply(c.Envelope)
		return c
	default:
		return cmd
	}
}
