package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/catalog/config"
	"example.com/backstage/services/catalog/handlers"
)

const receiveBatchSize = 10

// AzureClient consumes command messages from Service Bus session queues
type AzureClient struct {
	client *azservicebus.Client
}

// NewAzureClient creates a Service Bus client from a connection string
func NewAzureClient(cfg config.AzureConfig) (*AzureClient, error) {
	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to create service bus client")
	}

	return &AzureClient{client: client}, nil
}

// StartConsumers accepts sessions from queueName until ctx is done, handling each in its own goroutine
func (a *AzureClient) StartConsumers(ctx context.Context, queueName string, processor MessageProcessor) error {
	log.Info().Msgf("Starting consumers for queue %s", queueName)

	for {
		sessionReceiver, err := a.client.AcceptNextSessionForQueue(ctx, queueName, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var sbErr *azservicebus.Error
			if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeTimeout {
				log.Debug().Msg("No session available, waiting...")
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(2 * time.Second):
				}
				continue
			}
			return pkgerrors.Wrapf(err, "failed to accept session on %s", queueName)
		}

		log.Info().Msgf("Session '%s' received", sessionReceiver.SessionID())

		go a.handleSession(ctx, sessionReceiver, processor)
	}
}

// Close closes the underlying client
func (a *AzureClient) Close(ctx context.Context) error {
	return a.client.Close(ctx)
}

func (a *AzureClient) handleSession(ctx context.Context, receiver *azservicebus.SessionReceiver, processor MessageProcessor) {
	defer func() {
		log.Info().Msgf("Closing session '%s'", receiver.SessionID())
		if err := receiver.Close(context.Background()); err != nil {
			log.Error().Err(err).Msgf("Error closing session '%s'", receiver.SessionID())
		}
	}()

	for {
		messages, err := receiver.ReceiveMessages(ctx, receiveBatchSize, nil)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msgf("Error receiving messages from session '%s'", receiver.SessionID())
			}
			return
		}

		if len(messages) == 0 {
			return
		}

		log.Info().Msgf("Received %d messages from session '%s'", len(messages), receiver.SessionID())

		for _, message := range messages {
			settle(ctx, receiver, message, processor.ProcessMessage(ctx, message))
		}
	}
}

// settler is the part of a receiver used to settle messages
type settler interface {
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	DeadLetterMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.DeadLetterOptions) error
}

// settle completes processed messages, dead-letters messages the handler rejected
// and abandons the rest so they are redelivered
func settle(ctx context.Context, receiver settler, message *azservicebus.ReceivedMessage, processErr error) {
	switch {
	case processErr == nil:
		if err := receiver.CompleteMessage(ctx, message, nil); err != nil {
			log.Error().Err(err).Str("messageID", message.MessageID).Msg("Failed to complete message")
		}
	case errors.Is(processErr, ErrMalformedMessage) || handlers.IsClientError(processErr):
		log.Warn().Err(processErr).Str("messageID", message.MessageID).Msg("Rejecting message")
		reason := "RejectedCommand"
		description := processErr.Error()
		err := receiver.DeadLetterMessage(ctx, message, &azservicebus.DeadLetterOptions{
			Reason:           &reason,
			ErrorDescription: &description,
		})
		if err != nil {
			log.Error().Err(err).Str("messageID", message.MessageID).Msg("Failed to dead-letter message")
		}
	default:
		log.Error().Err(processErr).Str("messageID", message.MessageID).Msg("Error processing message")
		if err := receiver.AbandonMessage(ctx, message, nil); err != nil {
			log.Error().Err(err).Str("messageID", message.MessageID).Msg("Failed to abandon message")
		}
	}
}
