package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/domain"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/gateway"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/store"
)

const (
	payerPhone     = "0712345678"
	payeePhone     = "0523456789"
	supplierPhone  = "0134567890"
	custodianPhone = "0700000000"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memRepo is an in-memory store.Repository. Locks are serialised by lockMu
// the way row locks serialise transactions in Postgres. Ledger rows appended
// inside a lock are buffered and only land when the lock commits, and a
// commit fails once ctx is done, as it does with pgx.
type memRepo struct {
	lockMu  sync.Mutex
	mu      sync.Mutex
	escrows map[uuid.UUID]domain.Escrow
	tokens  map[uuid.UUID]domain.Token
	ledger  []domain.LedgerEntry

	appendErr   error
	failAppends map[int]bool // 1-based append calls that fail
	appendCalls int
	saveErr     error
}

type memTxKey struct{}

type memTx struct {
	rows []domain.LedgerEntry
}

func txFrom(ctx context.Context) *memTx {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	return tx
}

// visible returns the committed rows plus those buffered by ctx's transaction.
// Callers hold mu.
func (r *memRepo) visible(ctx context.Context) []domain.LedgerEntry {
	tx := txFrom(ctx)
	if tx == nil || len(tx.rows) == 0 {
		return r.ledger
	}
	rows := make([]domain.LedgerEntry, 0, len(r.ledger)+len(tx.rows))
	rows = append(rows, r.ledger...)
	return append(rows, tx.rows...)
}

// commit applies a lock transaction. A failed commit drops every buffered row.
func (r *memRepo) commit(ctx context.Context, tx *memTx, apply func()) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	apply()
	r.ledger = append(r.ledger, tx.rows...)
	return nil
}

var _ store.Repository = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{
		escrows: make(map[uuid.UUID]domain.Escrow),
		tokens:  make(map[uuid.UUID]domain.Token),
	}
}

func (r *memRepo) CreateEscrow(ctx context.Context, e *domain.Escrow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.escrows {
		if existing.JobID == e.JobID {
			return store.ErrConflict
		}
	}
	if _, ok := r.escrows[e.ID]; ok {
		return store.ErrConflict
	}
	r.escrows[e.ID] = *e
	return nil
}

func (r *memRepo) FindEscrowByID(ctx context.Context, id uuid.UUID) (*domain.Escrow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.escrows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &e, nil
}

func (r *memRepo) FindEscrowByJobID(ctx context.Context, jobID uuid.UUID) (*domain.Escrow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.escrows {
		if e.JobID == jobID {
			out := e
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *memRepo) WithEscrowLock(ctx context.Context, escrowID uuid.UUID, fn func(ctx context.Context, e *domain.Escrow) error) error {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()

	e, err := r.FindEscrowByID(ctx, escrowID)
	if err != nil {
		return err
	}
	tx := &memTx{}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx), e); err != nil {
		return err
	}
	if err := e.CheckInvariants(); err != nil {
		return err
	}
	return r.commit(ctx, tx, func() { r.escrows[e.ID] = *e })
}

func (r *memRepo) WithTokenLock(ctx context.Context, tokenID uuid.UUID, fn func(ctx context.Context, t *domain.Token, e *domain.Escrow) error) error {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()

	t, err := r.FindTokenByID(ctx, tokenID)
	if err != nil {
		return err
	}
	e, err := r.FindEscrowByID(ctx, t.EscrowID)
	if err != nil {
		return err
	}
	tx := &memTx{}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx), t, e); err != nil {
		return err
	}
	if err := e.CheckInvariants(); err != nil {
		return err
	}
	return r.commit(ctx, tx, func() {
		r.escrows[e.ID] = *e
		r.tokens[t.ID] = *t
	})
}

func copyEntry(e domain.LedgerEntry) domain.LedgerEntry {
	meta := make(map[string]string, len(e.Metadata))
	for k, v := range e.Metadata {
		meta[k] = v
	}
	e.Metadata = meta
	return e
}

func (r *memRepo) AppendLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendCalls++
	if r.appendErr != nil {
		return r.appendErr
	}
	if r.failAppends[r.appendCalls] {
		return errors.New("ledger unavailable")
	}
	for _, existing := range r.visible(ctx) {
		if existing.RecordID == entry.RecordID && existing.Sequence == entry.Sequence {
			return store.ErrConflict
		}
	}
	if tx := txFrom(ctx); tx != nil {
		tx.rows = append(tx.rows, copyEntry(*entry))
		return nil
	}
	r.ledger = append(r.ledger, copyEntry(*entry))
	return nil
}

func latestOf(rows []domain.LedgerEntry, recordID uuid.UUID) (*domain.LedgerEntry, bool) {
	var latest *domain.LedgerEntry
	for i := range rows {
		e := rows[i]
		if e.RecordID != recordID {
			continue
		}
		if latest == nil || e.Sequence > latest.Sequence {
			c := copyEntry(e)
			latest = &c
		}
	}
	return latest, latest != nil
}

func (r *memRepo) FindLatestLedgerEntry(ctx context.Context, recordID uuid.UUID) (*domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := latestOf(r.visible(ctx), recordID); ok {
		return e, nil
	}
	return nil, store.ErrNotFound
}

func (r *memRepo) FindLatestLedgerEntryByReference(ctx context.Context, reference string) (*domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := r.visible(ctx)
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Reference == reference {
			e, _ := latestOf(rows, rows[i].RecordID)
			return e, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *memRepo) FindLatestLedgerEntryByProviderTransactionID(ctx context.Context, provider, ptxID string) (*domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.ledger) - 1; i >= 0; i-- {
		e := r.ledger[i]
		if e.Provider == provider && e.ProviderTransactionID != nil && *e.ProviderTransactionID == ptxID {
			latest, _ := latestOf(r.ledger, e.RecordID)
			return latest, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *memRepo) ListLedgerEntriesByEscrow(ctx context.Context, escrowID uuid.UUID) ([]domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range r.ledger {
		if e.EscrowID != nil && *e.EscrowID == escrowID {
			out = append(out, copyEntry(e))
		}
	}
	return out, nil
}

func (r *memRepo) ListStalePendingLedgerEntries(ctx context.Context, olderThan time.Time, limit int) ([]domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[uuid.UUID]bool{}
	var out []domain.LedgerEntry
	for _, e := range r.ledger {
		if seen[e.RecordID] {
			continue
		}
		seen[e.RecordID] = true
		latest, _ := latestOf(r.ledger, e.RecordID)
		if latest.Status == domain.LedgerPending && latest.CreatedAt.Before(olderThan) {
			out = append(out, *latest)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// entries returns the rows of type typ in append order.
func (r *memRepo) entries(typ domain.LedgerEntryType) []domain.LedgerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range r.ledger {
		if e.Type == typ {
			out = append(out, copyEntry(e))
		}
	}
	return out
}

// backdate shifts every ledger row into the past.
func (r *memRepo) backdate(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.ledger {
		r.ledger[i].CreatedAt = r.ledger[i].CreatedAt.Add(-d)
	}
}

func (r *memRepo) CreateToken(ctx context.Context, t *domain.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.tokens {
		if existing.EscrowID == t.EscrowID {
			return store.ErrConflict
		}
	}
	r.tokens[t.ID] = *t
	return nil
}

func (r *memRepo) FindTokenByID(ctx context.Context, id uuid.UUID) (*domain.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (r *memRepo) FindTokenByCode(ctx context.Context, code string) (*domain.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.Code == domain.NormalizeTokenCode(code) {
			out := t
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *memRepo) FindTokenByEscrowID(ctx context.Context, escrowID uuid.UUID) (*domain.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.EscrowID == escrowID {
			out := t
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *memRepo) ListExpiredTokens(ctx context.Context, now time.Time, limit int) ([]domain.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Token
	for _, t := range r.tokens {
		if (t.Status == domain.TokenActive || t.Status == domain.TokenPartiallyUsed) && !t.ExpiresAt.After(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type gatewayCall struct {
	op        Operation
	phone     string
	amount    domain.Money
	reference string
}

// fakeGateway returns scripted results in order and repeats the last one.
type fakeGateway struct {
	name   string
	prefix string

	mu        sync.Mutex
	results   []gateway.Result
	callErr   error
	panicWith interface{}
	calls     []gatewayCall

	status    gateway.Status
	statusErr error
	queries   int

	// lookups by reference answer with status and refPtxID, or refErr.
	refPtxID   string
	refErr     error
	refQueries []string

	// onCall runs inside every money movement call, before it answers.
	onCall func()
}

func newFakeGateway(name, prefix string, results ...gateway.Result) *fakeGateway {
	return &fakeGateway{name: name, prefix: prefix, results: results}
}

func okResult(ptxID string) gateway.Result {
	return gateway.Result{Success: true, ProviderTransactionID: ptxID, Status: gateway.StatusCompleted}
}

func pendingResult(ptxID string) gateway.Result {
	return gateway.Result{Success: true, ProviderTransactionID: ptxID, Status: gateway.StatusPending}
}

func (g *fakeGateway) next(op Operation, phone string, amount domain.Money, reference string) (gateway.Result, error) {
	g.mu.Lock()
	onCall := g.onCall
	g.mu.Unlock()
	if onCall != nil {
		onCall()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gatewayCall{op: op, phone: phone, amount: amount, reference: reference})
	if g.panicWith != nil {
		panic(g.panicWith)
	}
	if g.callErr != nil {
		return gateway.Result{}, g.callErr
	}
	if len(g.results) == 0 {
		return okResult("ptx-" + uuid.NewString()[:8]), nil
	}
	res := g.results[0]
	if len(g.results) > 1 {
		g.results = g.results[1:]
	}
	return res, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGateway) lastCall() gatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[len(g.calls)-1]
}

func (g *fakeGateway) script(results ...gateway.Result) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.results = results
}

func (g *fakeGateway) BlockFunds(ctx context.Context, payer uuid.UUID, phone string, amount domain.Money, reference string) (gateway.Result, error) {
	return g.next(OpBlock, phone, amount, reference)
}

func (g *fakeGateway) TransferFunds(ctx context.Context, fromParty *uuid.UUID, fromPhone string, toParty *uuid.UUID, toPhone string, amount domain.Money, reference string) (gateway.Result, error) {
	return g.next(OpTransfer, toPhone, amount, reference)
}

func (g *fakeGateway) RefundFunds(ctx context.Context, payer uuid.UUID, phone string, amount domain.Money, reference string) (gateway.Result, error) {
	return g.next(OpRefund, phone, amount, reference)
}

func (g *fakeGateway) CheckStatus(ctx context.Context, ptxID string) (gateway.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries++
	return g.status, g.statusErr
}

func (g *fakeGateway) CheckStatusByReference(ctx context.Context, reference string) (gateway.Status, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refQueries = append(g.refQueries, reference)
	if g.refErr != nil {
		return "", "", g.refErr
	}
	return g.status, g.refPtxID, g.statusErr
}

func (g *fakeGateway) SupportsPhoneNumber(phone string) bool {
	return strings.HasPrefix(gateway.NormalizePhone(phone), g.prefix)
}

func (g *fakeGateway) ProviderName() string { return g.name }

type fakeIdentity struct {
	parties map[uuid.UUID]domain.Party
}

func (f *fakeIdentity) add(id uuid.UUID, phone string, loc *domain.GeoPoint) {
	if f.parties == nil {
		f.parties = map[uuid.UUID]domain.Party{}
	}
	f.parties[id] = domain.Party{ID: id, Phone: phone, Location: loc}
}

func (f *fakeIdentity) ResolveParty(ctx context.Context, id uuid.UUID) (domain.Party, error) {
	p, ok := f.parties[id]
	if !ok {
		return domain.Party{}, ErrPartyNotFound
	}
	return p, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.EscrowEvent
}

func (n *recordingNotifier) Notify(ctx context.Context, event domain.EscrowEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) types() []domain.EscrowEventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.EscrowEventType, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

func (n *recordingNotifier) last(typ domain.EscrowEventType) (domain.EscrowEvent, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.events) - 1; i >= 0; i-- {
		if n.events[i].Type == typ {
			return n.events[i], true
		}
	}
	return domain.EscrowEvent{}, false
}

// harness wires the services over in-memory fakes. Every phone number is
// served by orange so individual tests only script one gateway.
type harness struct {
	repo     *memRepo
	gw       *fakeGateway
	identity *fakeIdentity
	notifier *recordingNotifier
	orch     *Orchestrator
	escrows  *EscrowService
	delays   []time.Duration

	payerID, payeeID, supplierID uuid.UUID
}

func newHarness(escrowCfg EscrowConfig) *harness {
	h := &harness{
		repo:       newMemRepo(),
		gw:         newFakeGateway("orange_money", "0"),
		identity:   &fakeIdentity{},
		notifier:   &recordingNotifier{},
		payerID:    uuid.New(),
		payeeID:    uuid.New(),
		supplierID: uuid.New(),
	}
	h.identity.add(h.payerID, payerPhone, nil)
	h.identity.add(h.payeeID, payeePhone, nil)
	h.identity.add(h.supplierID, supplierPhone, nil)

	h.orch = NewOrchestrator(h.repo, gateway.NewSelector(h.gw), OrchestratorConfig{MaxRetries: 3, BaseDelay: time.Second, CallTimeout: time.Second}, discardLogger(), nil)
	h.orch.sleep = func(ctx context.Context, d time.Duration) error {
		h.delays = append(h.delays, d)
		return ctx.Err()
	}
	if escrowCfg.CustodianPhone == "" {
		escrowCfg.CustodianPhone = custodianPhone
	}
	h.escrows = NewEscrowService(h.repo, h.orch, h.identity, h.notifier, escrowCfg, discardLogger(), nil)
	return h
}

func (h *harness) openRequest(amount int64) domain.OpenEscrowRequest {
	return domain.OpenEscrowRequest{
		JobID:               uuid.New(),
		PayerID:             h.payerID,
		PayeeID:             h.payeeID,
		Amount:              amount,
		AuthorizedSuppliers: []uuid.UUID{h.supplierID},
	}
}
