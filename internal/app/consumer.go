package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/kudipay/settlement-service/internal/domain"
)

// SettledEventConsumer adapts broker deliveries of transfer.settled events to
// the auto-save processor. The returned bool follows the broker consumer
// contract: true acknowledges, false requeues.
type SettledEventConsumer struct {
	handler SettledHandler
}

func NewSettledEventConsumer(handler SettledHandler) *SettledEventConsumer {
	return &SettledEventConsumer{handler: handler}
}

func (c *SettledEventConsumer) HandleMessage(body []byte) bool {
	var event domain.TransferEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=settled_consumer msg=\"failed to unmarshal event payload\" err=%v", err)
		return true
	}
	if event.TransferID == uuid.Nil || event.SenderID == uuid.Nil {
		log.Printf("level=warn component=settled_consumer msg=\"event missing identifiers, dropping\" event_id=%s", event.EventID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.handler.HandleTransferSettled(ctx, event); err != nil {
		log.Printf("level=error component=settled_consumer msg=\"settled event processing failed\" transfer_id=%s err=%v", event.TransferID, err)
		return false
	}
	return true
}
