package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"example.com/payhub/services/ledger/cqrs"
	"example.com/payhub/services/ledger/messaging"
)

// CommandEnvelope is the wire shape of a command arriving over the bus
type CommandEnvelope struct {
	CommandType string          `json:"commandType"`
	Data        json.RawMessage `json:"data"`
}

// CommandProcessor consumes command envelopes from the message bus and
// dispatches them through the command bus, so queued commands take the
// exact same path as HTTP ones.
type CommandProcessor struct {
	client     messaging.Client
	commandBus *cqrs.Bus
	queueName  string
}

// NewCommandProcessor creates a command processor
func NewCommandProcessor(client messaging.Client, commandBus *cqrs.Bus, queueName string) *CommandProcessor {
	return &CommandProcessor{
		client:     client,
		commandBus: commandBus,
		queueName:  queueName,
	}
}

// Run receives and dispatches commands until the context is cancelled
func (p *CommandProcessor) Run(ctx context.Context) error {
	log.Info().Str("queue", p.queueName).Msg("Command processor started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Command processor stopped")
			return nil
		default:
		}

		msgs, err := p.client.ReceiveMessages(ctx, p.queueName, 10)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("Failed to receive command messages")
			time.Sleep(5 * time.Second)
			continue
		}

		for _, msg := range msgs {
			if err := p.processMessage(ctx, msg.Body()); err != nil {
				log.Error().Err(err).Msg("Failed to process command message")
				if rejectErr := msg.Reject(ctx); rejectErr != nil {
					log.Error().Err(rejectErr).Msg("Failed to reject command message")
				}
				continue
			}
			if err := msg.Complete(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to complete command message")
			}
		}
	}
}

func (p *CommandProcessor) processMessage(ctx context.Context, body []byte) error {
	var envelope CommandEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("error unmarshalling command envelope: %w", err)
	}

	log.Info().Str("commandType", envelope.CommandType).Msg("Processing queued command")

	cmd, err := decodeCommand(envelope)
	if err != nil {
		return err
	}

	_, err = p.commandBus.Dispatch(ctx, cmd)
	return err
}

// decodeCommand maps a command envelope to its typed command. The set of
// command types is closed; an unknown type is a permanent error.
func decodeCommand(envelope CommandEnvelope) (cqrs.Message, error) {
	switch envelope.CommandType {
	case CmdCreateAccount:
		var cmd CreateAccountCommand
		if err := json.Unmarshal(envelope.Data, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil

	case CmdUpdateBalance:
		var cmd UpdateBalanceCommand
		if err := json.Unmarshal(envelope.Data, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil

	case CmdFreezeAccount:
		var cmd FreezeAccountCommand
		if err := json.Unmarshal(envelope.Data, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil

	case CmdCloseAccount:
		var cmd CloseAccountCommand
		if err := json.Unmarshal(envelope.Data, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil

	case CmdInitiateTransaction:
		var cmd InitiateTransactionCommand
		if err := json.Unmarshal(envelope.Data, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil

	case CmdAuthorizeTransaction:
		var cmd AuthorizeTransactionCommand
		if err := json.Unmarshal(envelope.Data, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil

	case CmdSettleTransaction:
		var cmd SettleTransactionCommand
		if err := json.Unmarshal(envelope.Data, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil

	case CmdDeclineTransaction:
		var cmd DeclineTransactionCommand
		if err := json.Unmarshal(envelope.Data, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil

	case CmdCreateSaga:
		var cmd CreateSagaCommand
		if err := json.Unmarshal(envelope.Data, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil

	case CmdFeedSaga:
		var cmd FeedSagaCommand
		if err := json.Unmarshal(envelope.Data, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil

	default:
		return nil, fmt.Errorf("unknown command type: %s", envelope.CommandType)
	}
}
