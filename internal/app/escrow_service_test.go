package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/domain"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/gateway"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/store"
)

func openEscrow(t *testing.T, h *harness, amount int64) *domain.EscrowView {
	t.Helper()
	view, err := h.escrows.Open(context.Background(), h.openRequest(amount))
	if err != nil {
		t.Fatalf("open escrow: %v", err)
	}
	return view
}

func TestOpenBlocksFragmentsAndMintsToken(t *testing.T) {
	h := newHarness(EscrowConfig{})
	view := openEscrow(t, h, 100000)

	e := view.Escrow
	if e.Status != domain.EscrowStatusPartial || !e.Fragmented {
		t.Fatalf("expected fragmented escrow, got status %s fragmented %v", e.Status, e.Fragmented)
	}
	if e.Total != 100000 || e.Materials != 65000 || e.Labor != 35000 {
		t.Fatalf("expected 100000 = 65000 + 35000, got %d = %d + %d", e.Total, e.Materials, e.Labor)
	}
	if view.Token == nil || view.Token.TotalAmount != 65000 || view.Token.Status != domain.TokenActive {
		t.Fatalf("expected active token for 65000, got %+v", view.Token)
	}
	if !domain.ValidTokenCode(view.Token.Code) {
		t.Fatalf("token code %q does not match PA-XXXX", view.Token.Code)
	}
	if view.Token.BeneficiaryID != h.payeeID || !view.Token.IsAuthorized(h.supplierID) {
		t.Fatalf("token must belong to the payee and authorize the supplier")
	}

	call := h.gw.lastCall()
	if call.op != OpBlock || call.phone != payerPhone || call.amount != 100000 {
		t.Fatalf("unexpected block call: %+v", call)
	}
	blocks := h.repo.entries(domain.LedgerEscrowBlock)
	if len(blocks) != 2 || blocks[1].Status != domain.LedgerCompleted {
		t.Fatalf("expected PENDING and COMPLETED block rows, got %+v", blocks)
	}

	want := []domain.EscrowEventType{domain.EventEscrowBlocked, domain.EventEscrowFragmented, domain.EventJetonGenerated}
	got := h.notifier.types()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}
	generated, _ := h.notifier.last(domain.EventJetonGenerated)
	if generated.Data["code"] != view.Token.Code {
		t.Fatalf("jeton.generated must carry the code")
	}
}

func TestOpenIsIdempotentPerJob(t *testing.T) {
	h := newHarness(EscrowConfig{})
	req := h.openRequest(50000)

	first, err := h.escrows.Open(context.Background(), req)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	second, err := h.escrows.Open(context.Background(), req)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	if first.Escrow.ID != second.Escrow.ID || first.Token.ID != second.Token.ID {
		t.Fatalf("repeat open must return the same escrow and token")
	}
	if h.gw.callCount() != 1 {
		t.Fatalf("funds must be blocked once, got %d calls", h.gw.callCount())
	}

	req.Amount = 60000
	if _, err := h.escrows.Open(context.Background(), req); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest for different terms, got %v", err)
	}
}

func TestOpenValidatesRequest(t *testing.T) {
	h := newHarness(EscrowConfig{})
	req := h.openRequest(0)
	if _, err := h.escrows.Open(context.Background(), req); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	req = h.openRequest(1000)
	req.PayeeID = req.PayerID
	if _, err := h.escrows.Open(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestOpenBlockFailureLeavesNoEscrow(t *testing.T) {
	h := newHarness(EscrowConfig{})
	h.gw.script(gateway.Failure(gateway.ErrCodeInsufficientFunds, "payer balance too low"))
	req := h.openRequest(100000)

	_, err := h.escrows.Open(context.Background(), req)
	var paymentErr *PaymentError
	if !errors.As(err, &paymentErr) {
		t.Fatalf("expected PaymentError, got %v", err)
	}
	if _, err := h.repo.FindEscrowByJobID(context.Background(), req.JobID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("no escrow may exist after a failed block, got %v", err)
	}
	if len(h.notifier.types()) != 0 {
		t.Fatalf("no event may be published after a failed block")
	}
}

func TestOpenFinishesWhenPendingBlockIsConfirmed(t *testing.T) {
	h := newHarness(EscrowConfig{})
	h.gw.script(pendingResult("OM-BLOCK-1"))
	req := h.openRequest(100000)

	if _, err := h.escrows.Open(context.Background(), req); !errors.Is(err, ErrPaymentPending) {
		t.Fatalf("expected ErrPaymentPending, got %v", err)
	}
	if _, err := h.escrows.Open(context.Background(), req); !errors.Is(err, ErrPaymentPending) {
		t.Fatalf("repeat open while pending must not block again, got %v", err)
	}
	if h.gw.callCount() != 1 {
		t.Fatalf("expected a single block call, got %d", h.gw.callCount())
	}

	latest, err := h.repo.FindLatestLedgerEntryByReference(context.Background(), BlockReference(req.JobID))
	if err != nil {
		t.Fatalf("find block row: %v", err)
	}
	next, err := h.escrows.SettleMovement(context.Background(), *latest, StatusUpdate{Status: gateway.StatusCompleted, Source: "webhook"})
	if err != nil || next == nil || next.Status != domain.LedgerCompleted {
		t.Fatalf("expected COMPLETED block row, got %v %v", next, err)
	}

	escrow, err := h.repo.FindEscrowByJobID(context.Background(), req.JobID)
	if err != nil {
		t.Fatalf("escrow must exist after confirmation: %v", err)
	}
	if escrow.ID != *latest.EscrowID || escrow.Materials != 65000 || escrow.BlockReference != "OM-BLOCK-1" {
		t.Fatalf("unexpected escrow after confirmation: %+v", escrow)
	}
	token, err := h.repo.FindTokenByEscrowID(context.Background(), escrow.ID)
	if err != nil || !token.IsAuthorized(h.supplierID) {
		t.Fatalf("token must be minted with the original suppliers: %v", err)
	}
}

func TestReleaseLaborBoundedByFragment(t *testing.T) {
	h := newHarness(EscrowConfig{})
	view := openEscrow(t, h, 100000)

	res, err := h.escrows.ReleaseLabor(context.Background(), view.Escrow.ID, domain.ReleaseLaborRequest{Amount: 35000, MilestoneID: "m1"})
	if err != nil {
		t.Fatalf("release labor: %v", err)
	}
	if res.Escrow.LaborReleased != 35000 || res.Ledger.Status != domain.LedgerCompleted {
		t.Fatalf("unexpected release result: %+v %+v", res.Escrow, res.Ledger)
	}
	if call := h.gw.lastCall(); call.op != OpTransfer || call.phone != payeePhone || call.amount != 35000 {
		t.Fatalf("unexpected payout call: %+v", call)
	}

	if _, err := h.escrows.ReleaseLabor(context.Background(), view.Escrow.ID, domain.ReleaseLaborRequest{Amount: 1}); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	stored, _ := h.repo.FindEscrowByID(context.Background(), view.Escrow.ID)
	if stored.LaborReleased != 35000 || stored.Remaining() != 65000 {
		t.Fatalf("escrow must be unchanged by the rejected release: %+v", stored)
	}
}

func TestReleaseLaborRejectsReusedMilestone(t *testing.T) {
	h := newHarness(EscrowConfig{})
	view := openEscrow(t, h, 100000)

	req := domain.ReleaseLaborRequest{Amount: 10000, MilestoneID: "walls"}
	if _, err := h.escrows.ReleaseLabor(context.Background(), view.Escrow.ID, req); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if _, err := h.escrows.ReleaseLabor(context.Background(), view.Escrow.ID, req); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
}

func TestReleaseLaborProviderFailureLeavesEscrowUnchanged(t *testing.T) {
	h := newHarness(EscrowConfig{})
	view := openEscrow(t, h, 100000)
	h.gw.script(gateway.Failure(gateway.ErrCodeAccountBlocked, "payee wallet blocked"))

	_, err := h.escrows.ReleaseLabor(context.Background(), view.Escrow.ID, domain.ReleaseLaborRequest{Amount: 20000})
	var paymentErr *PaymentError
	if !errors.As(err, &paymentErr) {
		t.Fatalf("expected PaymentError, got %v", err)
	}
	stored, _ := h.repo.FindEscrowByID(context.Background(), view.Escrow.ID)
	if stored.LaborReleased != 0 {
		t.Fatalf("failed payout must not advance the escrow, labor released %d", stored.LaborReleased)
	}
	if _, ok := h.notifier.last(domain.EventEscrowReleased); ok {
		t.Fatalf("no release event may be published for a failed payout")
	}
}

func TestReleaseLaborWithholdsServiceFee(t *testing.T) {
	h := newHarness(EscrowConfig{ServiceFeePercent: 10})
	view := openEscrow(t, h, 100000)

	res, err := h.escrows.ReleaseLabor(context.Background(), view.Escrow.ID, domain.ReleaseLaborRequest{Amount: 35000})
	if err != nil {
		t.Fatalf("release labor: %v", err)
	}
	if res.Escrow.LaborReleased != 35000 {
		t.Fatalf("the full amount leaves the labor fragment, got %d", res.Escrow.LaborReleased)
	}
	if res.Ledger.Amount != 31500 || h.gw.lastCall().amount != 31500 {
		t.Fatalf("payee must receive 31500, ledger %d call %d", res.Ledger.Amount, h.gw.lastCall().amount)
	}
	fees := h.repo.entries(domain.LedgerServiceFee)
	if len(fees) != 1 || fees[0].Amount != 3500 || fees[0].Status != domain.LedgerCompleted {
		t.Fatalf("expected one 3500 fee row, got %+v", fees)
	}
}

func TestServiceFeeRecordedWhenPendingPayoutCompletes(t *testing.T) {
	h := newHarness(EscrowConfig{ServiceFeePercent: 10})
	view := openEscrow(t, h, 100000)
	h.gw.script(pendingResult("OM-PAY-1"))

	res, err := h.escrows.ReleaseLabor(context.Background(), view.Escrow.ID, domain.ReleaseLaborRequest{Amount: 10000})
	if err != nil {
		t.Fatalf("release labor: %v", err)
	}
	if len(h.repo.entries(domain.LedgerServiceFee)) != 0 {
		t.Fatalf("fee must wait for the payout to complete")
	}
	if _, err := h.escrows.SettleMovement(context.Background(), *res.Ledger, StatusUpdate{Status: gateway.StatusCompleted}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	fees := h.repo.entries(domain.LedgerServiceFee)
	if len(fees) != 1 || fees[0].Amount != 1000 {
		t.Fatalf("expected a 1000 fee row, got %+v", fees)
	}
}

func TestRefundDrawsLaborFirstAndWithdrawsFromToken(t *testing.T) {
	h := newHarness(EscrowConfig{})
	view := openEscrow(t, h, 100000)
	if _, err := h.escrows.ReleaseLabor(context.Background(), view.Escrow.ID, domain.ReleaseLaborRequest{Amount: 10000}); err != nil {
		t.Fatalf("release labor: %v", err)
	}

	res, err := h.escrows.Refund(context.Background(), view.Escrow.ID, domain.RefundRequest{Amount: 40000, Reason: "job cancelled"})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	e := res.Escrow
	if e.LaborRefunded != 25000 || e.MaterialsRefunded != 15000 || e.Refunded != 40000 {
		t.Fatalf("expected 25000 labor + 15000 materials, got %d + %d", e.LaborRefunded, e.MaterialsRefunded)
	}
	if e.Released()+e.Refunded+e.Remaining() != e.Total {
		t.Fatalf("released + refunded + remaining must equal total")
	}
	if call := h.gw.lastCall(); call.op != OpRefund || call.phone != payerPhone || call.amount != 40000 {
		t.Fatalf("unexpected refund call: %+v", call)
	}

	token, _ := h.repo.FindTokenByEscrowID(context.Background(), view.Escrow.ID)
	if token.RemainingAmount != 50000 || token.Status != domain.TokenPartiallyUsed {
		t.Fatalf("token must lose the refunded materials, got %d %s", token.RemainingAmount, token.Status)
	}
	if res.Ledger.Metadata[domain.MetaRefundLabor] != "25000" || res.Ledger.Metadata[domain.MetaTokenWithdrawn] != "15000" {
		t.Fatalf("refund allocation missing from ledger metadata: %v", res.Ledger.Metadata)
	}
}

func TestRefundWholeRemainingBalance(t *testing.T) {
	h := newHarness(EscrowConfig{})
	view := openEscrow(t, h, 100000)

	res, err := h.escrows.Refund(context.Background(), view.Escrow.ID, domain.RefundRequest{})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if res.Escrow.Status != domain.EscrowStatusRefunded || res.Ledger.Amount != 100000 {
		t.Fatalf("expected full refund, got %s %d", res.Escrow.Status, res.Ledger.Amount)
	}
	token, _ := h.repo.FindTokenByEscrowID(context.Background(), view.Escrow.ID)
	if token.RemainingAmount != 0 || token.Status != domain.TokenFullyUsed {
		t.Fatalf("token must be emptied, got %d %s", token.RemainingAmount, token.Status)
	}
	if _, err := h.escrows.Refund(context.Background(), view.Escrow.ID, domain.RefundRequest{Amount: 1}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("refunded escrow accepts no further refund, got %v", err)
	}
}

func TestFreezeBlocksMovementsUntilUnfrozen(t *testing.T) {
	h := newHarness(EscrowConfig{})
	view := openEscrow(t, h, 100000)
	id := view.Escrow.ID

	if _, err := h.escrows.Freeze(context.Background(), id, "dispute D-1"); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if _, err := h.escrows.Freeze(context.Background(), id, "again"); err != nil {
		t.Fatalf("second freeze: %v", err)
	}
	calls := h.gw.callCount()
	if _, err := h.escrows.ReleaseLabor(context.Background(), id, domain.ReleaseLaborRequest{Amount: 1000}); !errors.Is(err, domain.ErrEscrowFrozen) {
		t.Fatalf("expected ErrEscrowFrozen, got %v", err)
	}
	if _, err := h.escrows.Refund(context.Background(), id, domain.RefundRequest{Amount: 1000}); !errors.Is(err, domain.ErrEscrowFrozen) {
		t.Fatalf("expected ErrEscrowFrozen on refund, got %v", err)
	}
	if h.gw.callCount() != calls {
		t.Fatalf("frozen escrow must not reach the gateway")
	}

	frozen := 0
	for _, typ := range h.notifier.types() {
		if typ == domain.EventEscrowFrozen {
			frozen++
		}
	}
	if frozen != 1 {
		t.Fatalf("expected one escrow.frozen event, got %d", frozen)
	}

	e, err := h.escrows.Unfreeze(context.Background(), id)
	if err != nil || e.Frozen || e.FreezeReason != "" {
		t.Fatalf("unfreeze: %v %+v", err, e)
	}
	if _, err := h.escrows.ReleaseLabor(context.Background(), id, domain.ReleaseLaborRequest{Amount: 1000}); err != nil {
		t.Fatalf("release after unfreeze: %v", err)
	}
}

func TestFailedPendingReleaseIsCompensatedOnce(t *testing.T) {
	h := newHarness(EscrowConfig{})
	view := openEscrow(t, h, 100000)
	h.gw.script(pendingResult("OM-PAY-7"))

	res, err := h.escrows.ReleaseLabor(context.Background(), view.Escrow.ID, domain.ReleaseLaborRequest{Amount: 20000})
	if err != nil {
		t.Fatalf("release labor: %v", err)
	}
	if res.Ledger.Status != domain.LedgerPending || res.Escrow.LaborReleased != 20000 {
		t.Fatalf("accepted payout advances the escrow while pending: %+v", res.Escrow)
	}
	pending := *res.Ledger

	update := StatusUpdate{Status: gateway.StatusFailed, ErrorCode: "ACCOUNT_BLOCKED", Source: "webhook"}
	next, err := h.escrows.SettleMovement(context.Background(), pending, update)
	if err != nil || next == nil || next.Status != domain.LedgerFailed {
		t.Fatalf("expected FAILED row, got %v %v", next, err)
	}
	stored, _ := h.repo.FindEscrowByID(context.Background(), view.Escrow.ID)
	if stored.LaborReleased != 0 || stored.LaborRemaining() != 35000 {
		t.Fatalf("labor must be restored, got released %d", stored.LaborReleased)
	}

	replay, err := h.escrows.SettleMovement(context.Background(), pending, update)
	if err != nil || replay != nil {
		t.Fatalf("replayed failure must be a no-op, got %v %v", replay, err)
	}
	stored, _ = h.repo.FindEscrowByID(context.Background(), view.Escrow.ID)
	if stored.LaborReleased != 0 || stored.CheckInvariants() != nil {
		t.Fatalf("replay must not compensate twice: %+v", stored)
	}
}

func TestFailedPendingRefundRestoresToken(t *testing.T) {
	h := newHarness(EscrowConfig{})
	view := openEscrow(t, h, 100000)
	h.gw.script(pendingResult("OM-REF-1"))

	res, err := h.escrows.Refund(context.Background(), view.Escrow.ID, domain.RefundRequest{Amount: 50000})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if _, err := h.escrows.SettleMovement(context.Background(), *res.Ledger, StatusUpdate{Status: gateway.StatusCancelled}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	stored, _ := h.repo.FindEscrowByID(context.Background(), view.Escrow.ID)
	if stored.Refunded != 0 || stored.Remaining() != 100000 {
		t.Fatalf("refund must be reversed, got refunded %d", stored.Refunded)
	}
	token, _ := h.repo.FindTokenByEscrowID(context.Background(), view.Escrow.ID)
	if token.RemainingAmount != 65000 || token.Status != domain.TokenActive {
		t.Fatalf("token must be restored, got %d %s", token.RemainingAmount, token.Status)
	}
}

func TestLedgerListsEscrowRows(t *testing.T) {
	h := newHarness(EscrowConfig{})
	view := openEscrow(t, h, 100000)

	rows, err := h.escrows.Ledger(context.Background(), view.Escrow.ID)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(rows) != 2 || rows[0].Type != domain.LedgerEscrowBlock {
		t.Fatalf("expected the two block rows, got %+v", rows)
	}
	if _, err := h.escrows.Ledger(context.Background(), uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown escrow, got %v", err)
	}
}

func TestReleaseLaborCancelledDuringPayoutIsNotPaidTwice(t *testing.T) {
	h := newHarness(EscrowConfig{})
	view := openEscrow(t, h, 100000)
	id := view.Escrow.ID
	calls := h.gw.callCount()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.gw.onCall = cancel
	res, err := h.escrows.ReleaseLabor(ctx, id, domain.ReleaseLaborRequest{Amount: 35000})
	if err != nil {
		t.Fatalf("payout reached the provider and must be recorded, got %v", err)
	}
	if res.Ledger.Status != domain.LedgerCompleted {
		t.Fatalf("expected COMPLETED payout, got %s", res.Ledger.Status)
	}
	h.gw.onCall = nil

	if _, err := h.escrows.ReleaseLabor(context.Background(), id, domain.ReleaseLaborRequest{Amount: 35000}); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance on the second release, got %v", err)
	}
	if got := h.gw.callCount() - calls; got != 1 {
		t.Fatalf("expected one payout call, got %d", got)
	}

	stored, _ := h.repo.FindEscrowByID(context.Background(), id)
	var paid domain.Money
	for _, row := range h.repo.entries(domain.LedgerLaborRelease) {
		if row.Status == domain.LedgerCompleted {
			paid += row.Amount
		}
	}
	if paid != stored.LaborReleased || stored.LaborReleased != 35000 {
		t.Fatalf("completed payouts %d must match labor released %d", paid, stored.LaborReleased)
	}
}

func TestReleaseLaborWithCancelledContextNeverCallsProvider(t *testing.T) {
	h := newHarness(EscrowConfig{})
	view := openEscrow(t, h, 100000)
	calls := h.gw.callCount()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.escrows.ReleaseLabor(ctx, view.Escrow.ID, domain.ReleaseLaborRequest{Amount: 10000}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if h.gw.callCount() != calls {
		t.Fatalf("an uncommitted reservation must not be dispatched")
	}
	if rows := h.repo.entries(domain.LedgerLaborRelease); len(rows) != 0 {
		t.Fatalf("the rolled back reservation must leave no ledger row, got %+v", rows)
	}
	stored, _ := h.repo.FindEscrowByID(context.Background(), view.Escrow.ID)
	if stored.LaborReleased != 0 {
		t.Fatalf("escrow must be unchanged, labor released %d", stored.LaborReleased)
	}
}

func TestReleaseLaborReferenceNamesTheRecord(t *testing.T) {
	h := newHarness(EscrowConfig{})
	view := openEscrow(t, h, 100000)

	res, err := h.escrows.ReleaseLabor(context.Background(), view.Escrow.ID, domain.ReleaseLaborRequest{Amount: 5000})
	if err != nil {
		t.Fatalf("release labor: %v", err)
	}
	want := "labor-release:" + view.Escrow.ID.String() + ":" + res.Ledger.RecordID.String()
	if res.Ledger.Reference != want || h.gw.lastCall().reference != want {
		t.Fatalf("expected reference %s, got ledger %s call %s", want, res.Ledger.Reference, h.gw.lastCall().reference)
	}
}

func TestCompensationRollsBackWithItsFailureRow(t *testing.T) {
	h := newHarness(EscrowConfig{})
	view := openEscrow(t, h, 100000)
	h.gw.script(pendingResult("OM-PAY-8"))

	res, err := h.escrows.ReleaseLabor(context.Background(), view.Escrow.ID, domain.ReleaseLaborRequest{Amount: 20000})
	if err != nil {
		t.Fatalf("release labor: %v", err)
	}
	pending := *res.Ledger
	update := StatusUpdate{Status: gateway.StatusFailed, Source: "reconciliation"}

	h.repo.saveErr = errors.New("connection reset")
	if _, err := h.escrows.SettleMovement(context.Background(), pending, update); err == nil {
		t.Fatalf("expected the failed save to surface")
	}
	latest, _ := h.repo.FindLatestLedgerEntry(context.Background(), pending.RecordID)
	if latest.Status != domain.LedgerPending {
		t.Fatalf("record must stay PENDING when the escrow was not saved, got %s", latest.Status)
	}
	stored, _ := h.repo.FindEscrowByID(context.Background(), view.Escrow.ID)
	if stored.LaborReleased != 20000 {
		t.Fatalf("escrow must be unchanged, labor released %d", stored.LaborReleased)
	}

	h.repo.saveErr = nil
	next, err := h.escrows.SettleMovement(context.Background(), pending, update)
	if err != nil || next == nil || next.Status != domain.LedgerFailed {
		t.Fatalf("retry must compensate, got %v %v", next, err)
	}
	stored, _ = h.repo.FindEscrowByID(context.Background(), view.Escrow.ID)
	if stored.LaborReleased != 0 || stored.CheckInvariants() != nil {
		t.Fatalf("labor must be restored once, got %+v", stored)
	}
}

func TestCompensationAbortsWhenReversalFails(t *testing.T) {
	h := newHarness(EscrowConfig{})
	view := openEscrow(t, h, 100000)
	h.gw.script(pendingResult("OM-REF-2"))

	res, err := h.escrows.Refund(context.Background(), view.Escrow.ID, domain.RefundRequest{Amount: 30000})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	corrupted := copyEntry(*res.Ledger)
	corrupted.Metadata[domain.MetaRefundLabor] = "thirty"

	if _, err := h.escrows.SettleMovement(context.Background(), corrupted, StatusUpdate{Status: gateway.StatusFailed}); !errors.Is(err, ErrCompensationFailed) {
		t.Fatalf("expected ErrCompensationFailed, got %v", err)
	}
	latest, _ := h.repo.FindLatestLedgerEntry(context.Background(), res.Ledger.RecordID)
	if latest.Status != domain.LedgerPending {
		t.Fatalf("no terminal row may be written without the reversal, got %s", latest.Status)
	}
	stored, _ := h.repo.FindEscrowByID(context.Background(), view.Escrow.ID)
	if stored.Refunded != 30000 {
		t.Fatalf("escrow must keep the refund, got %d", stored.Refunded)
	}
}

func TestRefusedPayoutLeftPendingWhenReservationCannotBeReleased(t *testing.T) {
	h := newHarness(EscrowConfig{})
	view := openEscrow(t, h, 100000)
	h.gw.script(gateway.Failure(gateway.ErrCodeAccountBlocked, "payee wallet blocked"))
	h.gw.onCall = func() { h.repo.saveErr = errors.New("connection reset") }

	_, err := h.escrows.ReleaseLabor(context.Background(), view.Escrow.ID, domain.ReleaseLaborRequest{Amount: 20000})
	var paymentErr *PaymentError
	if !errors.As(err, &paymentErr) {
		t.Fatalf("expected PaymentError, got %v", err)
	}
	rows := h.repo.entries(domain.LedgerLaborRelease)
	if len(rows) != 1 || rows[0].Status != domain.LedgerPending {
		t.Fatalf("expected only the reserved PENDING row, got %+v", rows)
	}
	stored, _ := h.repo.FindEscrowByID(context.Background(), view.Escrow.ID)
	if stored.LaborReleased != 20000 {
		t.Fatalf("reservation stays until a compensation commits, labor released %d", stored.LaborReleased)
	}
}
