/**
 * @description
 * Auto-save processor. Consumes transfer.settled events and skims the
 * configured percentage of the settled amount into the user's auto-save
 * ledger as a follow-on settlement plan. Skips are silent: auto-save is a
 * convenience and must never fail or retry the originating transfer.
 *
 * @dependencies
 * - context, fmt, log: Standard Go libraries.
 * - github.com/google/uuid: Event identifiers.
 * - internal/domain, internal/store, pkg/rabbitmq: Wiring.
 */

package app

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/kudipay/settlement-service/internal/domain"
	"github.com/kudipay/settlement-service/internal/store"
	"github.com/kudipay/settlement-service/pkg/rabbitmq"
)

// AutoSaveProcessor moves a slice of each settled transfer into savings.
type AutoSaveProcessor struct {
	repo     store.Repository
	producer rabbitmq.Publisher
}

func NewAutoSaveProcessor(repo store.Repository, producer rabbitmq.Publisher) *AutoSaveProcessor {
	return &AutoSaveProcessor{repo: repo, producer: producer}
}

// HandleTransferSettled implements SettledHandler.
func (p *AutoSaveProcessor) HandleTransferSettled(ctx context.Context, event domain.TransferEvent) error {
	if event.EventType != domain.EventTransferSettled {
		return nil
	}

	prefs, err := p.repo.FindOrCreateTransferPrefs(ctx, event.SenderID)
	if err != nil {
		return err
	}
	if !prefs.AutoSaveEnabled || prefs.AutoSavePercentage <= 0 {
		return nil
	}

	saveAmount := event.Amount * int64(prefs.AutoSavePercentage) / 100
	if saveAmount <= 0 || saveAmount < prefs.AutoSaveMinAmount {
		return nil
	}

	target, err := p.repo.FindAccountByUserAndKind(ctx, event.SenderID, domain.AccountKindAutoSave)
	if err != nil {
		if err == store.ErrAccountNotFound {
			log.Printf("level=info component=auto_save msg=\"no auto-save ledger, skipping\" user_id=%s", event.SenderID)
			return nil
		}
		return err
	}
	source, err := p.sourceAccount(ctx, event.SenderID, prefs, saveAmount)
	if err != nil {
		return err
	}
	if source == nil {
		log.Printf("level=info component=auto_save msg=\"insufficient balance for auto-save, skipping\" user_id=%s amount=%d", event.SenderID, saveAmount)
		return nil
	}

	plan := domain.SettlementPlan{
		TransferID: event.TransferID,
		Moves: []domain.LedgerMove{{
			DebitAccountID:  source.ID,
			CreditAccountID: &target.ID,
			Amount:          saveAmount,
			Narration:       fmt.Sprintf("auto-save %d%% of transfer %s", prefs.AutoSavePercentage, event.TransferID),
		}},
	}
	if err := p.repo.ExecuteSettlement(ctx, plan); err != nil {
		if err == store.ErrInsufficientFunds {
			log.Printf("level=info component=auto_save msg=\"balance moved before auto-save, skipping\" user_id=%s", event.SenderID)
			return nil
		}
		return err
	}

	payload := domain.AutoSavePayload{
		TransferID: event.TransferID,
		UserID:     event.SenderID,
		Amount:     saveAmount,
		Percentage: prefs.AutoSavePercentage,
		Source:     source.Kind,
	}
	if err := p.producer.PublishTransferEvent(ctx, domain.EventAutoSaveExecuted, payload); err != nil {
		log.Printf("level=warn component=auto_save msg=\"failed to publish auto-save event\" transfer_id=%s err=%v", event.TransferID, err)
	}
	log.Printf("level=info component=auto_save msg=\"auto-save executed\" user_id=%s transfer_id=%s amount=%d", event.SenderID, event.TransferID, saveAmount)
	return nil
}

// sourceAccount picks the ledger the auto-save draws from. The wallet is the
// default; a flex-savings preference draws from savings when it covers.
func (p *AutoSaveProcessor) sourceAccount(ctx context.Context, userID uuid.UUID, prefs *domain.TransferPrefs, amount int64) (*domain.Account, error) {
	if prefs.FundingPreference == domain.FundingFlexSavings {
		flex, err := p.repo.FindAccountByUserAndKind(ctx, userID, domain.AccountKindFlexSavings)
		if err == nil && flex.Balance >= amount {
			return flex, nil
		}
		if err != nil && err != store.ErrAccountNotFound {
			return nil, err
		}
	}
	wallet, err := p.repo.FindWalletByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if wallet.Balance < amount {
		return nil, nil
	}
	return wallet, nil
}
