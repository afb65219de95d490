package app

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/kudipay/settlement-service/internal/domain"
)

func planTransfer(repo *engineRepoStub, kind string) *domain.Transfer {
	transfer := &domain.Transfer{
		ID:                uuid.New(),
		SenderID:          repo.user.ID,
		SourceAccountID:   repo.wallet.ID,
		DestAccountNumber: "9988776655",
		DestBankCode:      "058",
		Kind:              kind,
		Status:            domain.StatusProcessing,
		Amount:            1_000_000,
		Fee:               2500,
		VAT:               188,
		Levy:              5000,
		Currency:          "NGN",
	}
	if kind == domain.TransferKindInternal {
		destID := uuid.New()
		transfer.DestinationAccountID = &destID
	}
	return transfer
}

func walletDebitTotal(plan *domain.SettlementPlan, walletID uuid.UUID) int64 {
	var total int64
	for _, move := range plan.Moves {
		if move.DebitAccountID == walletID {
			total += move.Amount
		}
	}
	return total
}

func TestBuildSettlementPlan_InternalConservation(t *testing.T) {
	repo := newEngineRepoStub()
	service, _ := newTestService(repo, testConfig())
	transfer := planTransfer(repo, domain.TransferKindInternal)

	plan, err := service.buildSettlementPlan(context.Background(), transfer)
	if err != nil {
		t.Fatalf("plan build failed: %v", err)
	}
	if !plan.CompleteTransfer {
		t.Fatal("settlement plan must flip the transfer to completed")
	}
	total := transfer.Amount + transfer.Fee + transfer.VAT + transfer.Levy
	if got := walletDebitTotal(plan, repo.wallet.ID); got != total {
		t.Fatalf("expected wallet debits %d, got %d", total, got)
	}
	principal := plan.Moves[0]
	if principal.CreditAccountID == nil || *principal.CreditAccountID != *transfer.DestinationAccountID {
		t.Fatal("expected internal principal to credit the destination account")
	}
	if principal.Amount != transfer.Amount {
		t.Fatalf("expected principal %d, got %d", transfer.Amount, principal.Amount)
	}
	// Fee, VAT and levy leave the platform with no credit leg.
	for _, move := range plan.Moves[1:] {
		if move.CreditAccountID != nil {
			t.Fatalf("expected charge leg without credit, got %+v", move)
		}
	}
}

func TestBuildSettlementPlan_ExternalPrincipalHasNoCreditLeg(t *testing.T) {
	repo := newEngineRepoStub()
	service, _ := newTestService(repo, testConfig())
	transfer := planTransfer(repo, domain.TransferKindExternal)

	plan, err := service.buildSettlementPlan(context.Background(), transfer)
	if err != nil {
		t.Fatalf("plan build failed: %v", err)
	}
	if plan.Moves[0].CreditAccountID != nil {
		t.Fatal("expected external principal to leave the platform")
	}
	if len(plan.Moves) != 4 {
		t.Fatalf("expected principal plus three charge legs, got %d", len(plan.Moves))
	}
}

func TestBuildSettlementPlan_ZeroChargesOmitLegs(t *testing.T) {
	repo := newEngineRepoStub()
	service, _ := newTestService(repo, testConfig())
	transfer := planTransfer(repo, domain.TransferKindInternal)
	transfer.Fee, transfer.VAT, transfer.Levy = 0, 0, 0

	plan, err := service.buildSettlementPlan(context.Background(), transfer)
	if err != nil {
		t.Fatalf("plan build failed: %v", err)
	}
	if len(plan.Moves) != 1 {
		t.Fatalf("expected only the principal move, got %d", len(plan.Moves))
	}
}

func TestBuildSettlementPlan_StrictSavingsPrefundsFullTotal(t *testing.T) {
	repo := newEngineRepoStub()
	repo.prefs.FundingPreference = domain.FundingFlexSavings
	repo.flex = &domain.Account{ID: uuid.New(), UserID: repo.user.ID, Kind: domain.AccountKindFlexSavings, Balance: 5_000_000, Active: true}
	service, _ := newTestService(repo, testConfig())
	transfer := planTransfer(repo, domain.TransferKindInternal)

	plan, err := service.buildSettlementPlan(context.Background(), transfer)
	if err != nil {
		t.Fatalf("plan build failed: %v", err)
	}
	total := transfer.Amount + transfer.Fee + transfer.VAT + transfer.Levy
	prefund := plan.Moves[0]
	if prefund.DebitAccountID != repo.flex.ID {
		t.Fatal("expected the prefund to debit savings")
	}
	if prefund.CreditAccountID == nil || *prefund.CreditAccountID != repo.wallet.ID {
		t.Fatal("expected the prefund to credit the wallet")
	}
	if prefund.Amount != total {
		t.Fatalf("strict preference must prefund the full total %d, got %d", total, prefund.Amount)
	}
}

func TestBuildSettlementPlan_AutoPrefundsShortfallOnly(t *testing.T) {
	repo := newEngineRepoStub()
	repo.prefs.FundingPreference = domain.FundingAuto
	repo.wallet.Balance = 600_000
	repo.flex = &domain.Account{ID: uuid.New(), UserID: repo.user.ID, Kind: domain.AccountKindFlexSavings, Balance: 5_000_000, Active: true}
	service, _ := newTestService(repo, testConfig())
	transfer := planTransfer(repo, domain.TransferKindInternal)

	plan, err := service.buildSettlementPlan(context.Background(), transfer)
	if err != nil {
		t.Fatalf("plan build failed: %v", err)
	}
	total := transfer.Amount + transfer.Fee + transfer.VAT + transfer.Levy
	shortfall := total - repo.wallet.Balance
	if plan.Moves[0].Amount != shortfall {
		t.Fatalf("auto preference must prefund the shortfall %d, got %d", shortfall, plan.Moves[0].Amount)
	}
}

func TestBuildSettlementPlan_AutoSkipsPrefundWhenWalletCovers(t *testing.T) {
	repo := newEngineRepoStub()
	repo.prefs.FundingPreference = domain.FundingAuto
	repo.flex = &domain.Account{ID: uuid.New(), UserID: repo.user.ID, Kind: domain.AccountKindFlexSavings, Balance: 5_000_000, Active: true}
	service, _ := newTestService(repo, testConfig())
	transfer := planTransfer(repo, domain.TransferKindInternal)

	plan, err := service.buildSettlementPlan(context.Background(), transfer)
	if err != nil {
		t.Fatalf("plan build failed: %v", err)
	}
	if plan.Moves[0].DebitAccountID != repo.wallet.ID {
		t.Fatal("expected no prefund when the wallet covers the total")
	}
}

func TestBuildSettlementPlan_SavingsPreferenceWithoutAccountFallsBack(t *testing.T) {
	repo := newEngineRepoStub()
	repo.prefs.FundingPreference = domain.FundingFlexSavings
	service, _ := newTestService(repo, testConfig())
	transfer := planTransfer(repo, domain.TransferKindInternal)

	plan, err := service.buildSettlementPlan(context.Background(), transfer)
	if err != nil {
		t.Fatalf("plan build failed: %v", err)
	}
	if plan.Moves[0].DebitAccountID != repo.wallet.ID {
		t.Fatal("expected wallet funding when no savings account exists")
	}
}
