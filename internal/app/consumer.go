package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/verenigingen/sepa-service/internal/domain"
	"github.com/verenigingen/sepa-service/internal/store"
)

// ResponseApplier is the part of the response processor the consumer needs.
type ResponseApplier interface {
	Apply(ctx context.Context, batchID string, transactions []domain.BankTransaction) (*ApplyResult, error)
}

// BankResponseConsumer handles messages from the bank response channel.
type BankResponseConsumer struct {
	processor ResponseApplier
	logger    *slog.Logger
}

func NewBankResponseConsumer(processor ResponseApplier, logger *slog.Logger) *BankResponseConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &BankResponseConsumer{processor: processor, logger: logger}
}

// HandleMessage returns true to ack. Messages that can never succeed are
// acked and dropped; transient failures are nacked for redelivery.
func (c *BankResponseConsumer) HandleMessage(body []byte) bool {
	var msg domain.BankResponseMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		c.logger.Error("bank-response-consumer: failed to unmarshal payload", "error", err)
		return true
	}

	msg.BatchID = strings.TrimSpace(msg.BatchID)
	if msg.BatchID == "" {
		c.logger.Error("bank-response-consumer: missing batch id", "transactions", len(msg.Transactions))
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	result, err := c.processor.Apply(ctx, msg.BatchID, msg.Transactions)
	if err != nil {
		var rule *domain.RuleViolationError
		if errors.Is(err, store.ErrBatchNotFound) || errors.As(err, &rule) {
			c.logger.Error("bank-response-consumer: response rejected; acknowledging", "batch_id", msg.BatchID, "error", err)
			return true
		}
		c.logger.Error("bank-response-consumer: processing error", "batch_id", msg.BatchID, "error", err)
		return false
	}

	c.logger.Info("bank-response-consumer: response processed",
		"batch_id", msg.BatchID,
		"collected", result.Collected,
		"failed", result.Failed,
		"unmatched", result.Unmatched,
	)
	return true
}
