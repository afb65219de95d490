/**
 * @description
 * Settlement plan construction. A plan is the ordered set of balanced ledger
 * moves a transfer produces: an optional wallet prefund from the flex
 * savings ledger, the principal debit, and the fee, VAT and levy legs.
 * Internal transfers credit the destination account; external transfers and
 * charge legs leave the platform. The plan executes atomically in the store.
 *
 * @dependencies
 * - context, fmt: Standard Go libraries.
 * - internal/domain, internal/store: Plan types and execution.
 */

package app

import (
	"context"
	"fmt"
	"log"

	"github.com/kudipay/settlement-service/internal/domain"
	"github.com/kudipay/settlement-service/internal/store"
)

// Settle builds and executes the settlement plan for a processing transfer.
func (s *Service) Settle(ctx context.Context, transfer *domain.Transfer) error {
	plan, err := s.buildSettlementPlan(ctx, transfer)
	if err != nil {
		return err
	}
	return s.repo.ExecuteSettlement(ctx, *plan)
}

func (s *Service) buildSettlementPlan(ctx context.Context, transfer *domain.Transfer) (*domain.SettlementPlan, error) {
	wallet, err := s.repo.FindWalletByUserID(ctx, transfer.SenderID)
	if err != nil {
		return nil, domain.WrapTransferError(domain.CodeWalletNotFound, "sender wallet unavailable", err)
	}
	prefs, err := s.repo.FindOrCreateTransferPrefs(ctx, transfer.SenderID)
	if err != nil {
		return nil, domain.WrapTransferError(domain.CodeDatabaseError, "failed to load transfer preferences", err)
	}

	total := transfer.Amount + transfer.Fee + transfer.VAT + transfer.Levy
	plan := &domain.SettlementPlan{
		TransferID:       transfer.ID,
		CompleteTransfer: true,
	}

	if prefund := s.prefundMove(ctx, prefs, wallet, total); prefund != nil {
		plan.Moves = append(plan.Moves, *prefund)
	}

	principal := domain.LedgerMove{
		DebitAccountID: wallet.ID,
		Amount:         transfer.Amount,
	}
	if transfer.Kind == domain.TransferKindInternal {
		if transfer.DestinationAccountID == nil {
			return nil, domain.NewTransferError(domain.CodeInvalidAccount, "internal transfer has no destination account")
		}
		principal.CreditAccountID = transfer.DestinationAccountID
		principal.Narration = fmt.Sprintf("transfer to %s", transfer.DestAccountNumber)
	} else {
		principal.Narration = fmt.Sprintf("external transfer to %s (%s)", transfer.DestAccountNumber, transfer.DestBankCode)
	}
	plan.Moves = append(plan.Moves, principal)

	for _, charge := range []struct {
		amount    int64
		narration string
	}{
		{transfer.Fee, "transfer fee"},
		{transfer.VAT, "vat on transfer fee"},
		{transfer.Levy, "electronic transfer levy"},
	} {
		if charge.amount <= 0 {
			continue
		}
		plan.Moves = append(plan.Moves, domain.LedgerMove{
			DebitAccountID: wallet.ID,
			Amount:         charge.amount,
			Narration:      charge.narration,
		})
	}
	return plan, nil
}

// prefundMove returns the flex-savings prefund move the funding preference
// calls for, or nil when the wallet settles on its own. A savings lookup
// failure falls back to the wallet.
func (s *Service) prefundMove(ctx context.Context, prefs *domain.TransferPrefs, wallet *domain.Account, total int64) *domain.LedgerMove {
	if prefs.FundingPreference != domain.FundingFlexSavings && prefs.FundingPreference != domain.FundingAuto {
		return nil
	}
	flex, err := s.repo.FindAccountByUserAndKind(ctx, wallet.UserID, domain.AccountKindFlexSavings)
	if err != nil {
		if err != store.ErrAccountNotFound {
			log.Printf("level=warn component=settlement msg=\"savings lookup failed, funding from wallet\" user_id=%s err=%v", wallet.UserID, err)
		}
		return nil
	}

	var amount int64
	switch prefs.FundingPreference {
	case domain.FundingFlexSavings:
		// Strict preference: draw the whole total from savings when it covers.
		if flex.Balance >= total {
			amount = total
		}
	case domain.FundingAuto:
		// Top up only the shortfall.
		if wallet.Balance < total {
			shortfall := total - wallet.Balance
			if flex.Balance >= shortfall {
				amount = shortfall
			}
		}
	}
	if amount <= 0 {
		return nil
	}
	return &domain.LedgerMove{
		DebitAccountID:  flex.ID,
		CreditAccountID: &wallet.ID,
		Amount:          amount,
		Narration:       "wallet prefund from flex savings",
	}
}
