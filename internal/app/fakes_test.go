package app

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/pkg/processor"
)

var settlementDate = time.Date(2026, 10, 15, 3, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memoryRepository mirrors the SQL semantics of store.PostgresRepository.
type memoryRepository struct {
	mu           sync.Mutex
	earnings     map[uuid.UUID]*domain.Earning
	payouts      map[uuid.UUID]*domain.Payout
	destinations map[uuid.UUID]domain.PayoutDestination

	createPayoutErr error
	markErr         error
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		earnings:     make(map[uuid.UUID]*domain.Earning),
		payouts:      make(map[uuid.UUID]*domain.Payout),
		destinations: make(map[uuid.UUID]domain.PayoutDestination),
	}
}

func (r *memoryRepository) addEarning(creatorID uuid.UUID, net int64, status domain.EarningStatus, earnedAt time.Time) *domain.Earning {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &domain.Earning{
		ID:          uuid.New(),
		CreatorID:   creatorID,
		Source:      "storefront",
		SourceRef:   uuid.NewString(),
		GrossAmount: net,
		NetAmount:   net,
		Currency:    "NGN",
		Status:      status,
		EarnedAt:    earnedAt,
		AvailableAt: earnedAt.Add(time.Hour),
	}
	r.earnings[e.ID] = e
	return e
}

func (r *memoryRepository) addDestination(creatorID uuid.UUID, accountID string, verified bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destinations[creatorID] = domain.PayoutDestination{CreatorID: creatorID, ProcessorAccountID: accountID, Verified: verified}
}

func (r *memoryRepository) earning(id uuid.UUID) domain.Earning {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.earnings[id]
}

func (r *memoryRepository) allPayouts() []domain.Payout {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Payout, 0, len(r.payouts))
	for _, p := range r.payouts {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *memoryRepository) InsertEarning(ctx context.Context, e *domain.Earning) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.earnings {
		if existing.Source == e.Source && existing.SourceRef == e.SourceRef {
			return false, nil
		}
	}
	copied := *e
	r.earnings[e.ID] = &copied
	return true, nil
}

func (r *memoryRepository) RefundEarning(ctx context.Context, source, sourceRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.earnings {
		if e.Source != source || e.SourceRef != sourceRef {
			continue
		}
		switch {
		case e.Status == domain.EarningStatusRefunded:
			return nil
		case e.Status == domain.EarningStatusPaid || e.PayoutID != nil:
			return store.ErrEarningNotRefundable
		}
		e.Status = domain.EarningStatusRefunded
		return nil
	}
	return store.ErrEarningNotFound
}

func (r *memoryRepository) MatureEarnings(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, e := range r.earnings {
		if e.Status == domain.EarningStatusPending && !e.AvailableAt.After(now) {
			e.Status = domain.EarningStatusAvailable
			n++
		}
	}
	return n, nil
}

func (r *memoryRepository) ListAvailableEarnings(ctx context.Context, currency string) ([]domain.Earning, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Earning
	for _, e := range r.earnings {
		if e.Status == domain.EarningStatusAvailable && e.PayoutID == nil && e.Currency == currency {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatorID != out[j].CreatorID {
			return out[i].CreatorID.String() < out[j].CreatorID.String()
		}
		return out[i].EarnedAt.Before(out[j].EarnedAt)
	})
	return out, nil
}

func (r *memoryRepository) GetCreatorBalance(ctx context.Context, creatorID uuid.UUID, currency string) (*domain.CreatorBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := &domain.CreatorBalance{CreatorID: creatorID, Currency: currency}
	for _, e := range r.earnings {
		if e.CreatorID != creatorID || e.Currency != currency {
			continue
		}
		switch {
		case e.Status == domain.EarningStatusPending:
			b.PendingAmount += e.NetAmount
		case e.Status == domain.EarningStatusAvailable && e.PayoutID == nil:
			b.AvailableAmount += e.NetAmount
		case e.Status == domain.EarningStatusAvailable:
			b.InFlightAmount += e.NetAmount
		case e.Status == domain.EarningStatusPaid:
			b.PaidAmount += e.NetAmount
		}
	}
	return b, nil
}

func (r *memoryRepository) FindPayoutDestination(ctx context.Context, creatorID uuid.UUID) (*domain.PayoutDestination, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dest, ok := r.destinations[creatorID]
	if !ok {
		return nil, store.ErrDestinationNotFound
	}
	return &dest, nil
}

func (r *memoryRepository) HasActivePayout(ctx context.Context, creatorID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasActiveLocked(creatorID), nil
}

func (r *memoryRepository) hasActiveLocked(creatorID uuid.UUID) bool {
	for _, p := range r.payouts {
		if p.CreatorID == creatorID && !p.Status.Terminal() {
			return true
		}
	}
	return false
}

func (r *memoryRepository) CreatePayoutWithEarnings(ctx context.Context, p *domain.Payout) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createPayoutErr != nil {
		return r.createPayoutErr
	}
	if r.hasActiveLocked(p.CreatorID) {
		return store.ErrPayoutInFlight
	}
	for _, id := range p.EarningIDs {
		e, ok := r.earnings[id]
		if !ok || e.CreatorID != p.CreatorID || e.Status != domain.EarningStatusAvailable || e.PayoutID != nil {
			return store.ErrEarningsChanged
		}
	}
	payoutID := p.ID
	for _, id := range p.EarningIDs {
		r.earnings[id].PayoutID = &payoutID
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	copied := *p
	copied.EarningIDs = append([]uuid.UUID(nil), p.EarningIDs...)
	r.payouts[p.ID] = &copied
	return nil
}

func (r *memoryRepository) MarkPayoutCompleted(ctx context.Context, payoutID uuid.UUID, transferID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markErr != nil {
		return r.markErr
	}
	p, ok := r.payouts[payoutID]
	if !ok || p.Status != domain.PayoutStatusProcessing {
		return store.ErrPayoutNotProcessing
	}
	p.Status = domain.PayoutStatusCompleted
	p.ProcessorTransferID = &transferID
	for _, e := range r.earnings {
		if e.PayoutID != nil && *e.PayoutID == payoutID && e.Status == domain.EarningStatusAvailable {
			e.Status = domain.EarningStatusPaid
		}
	}
	return nil
}

func (r *memoryRepository) MarkPayoutFailed(ctx context.Context, payoutID uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markErr != nil {
		return r.markErr
	}
	p, ok := r.payouts[payoutID]
	if !ok || p.Status != domain.PayoutStatusProcessing {
		return store.ErrPayoutNotProcessing
	}
	p.Status = domain.PayoutStatusFailed
	p.FailureReason = &reason
	for _, e := range r.earnings {
		if e.PayoutID != nil && *e.PayoutID == payoutID && e.Status == domain.EarningStatusAvailable {
			e.PayoutID = nil
		}
	}
	return nil
}

func (r *memoryRepository) FindPayoutByID(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payouts[payoutID]
	if !ok {
		return nil, store.ErrPayoutNotFound
	}
	copied := *p
	return &copied, nil
}

func (r *memoryRepository) ListStaleProcessingPayouts(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Payout
	for _, p := range r.payouts {
		if p.Status == domain.PayoutStatusProcessing && p.CreatedAt.Before(olderThan) {
			out = append(out, *p)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepository) backdatePayouts(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payouts {
		p.CreatedAt = p.CreatedAt.Add(-d)
	}
}

// fakeProcessor is an idempotent in-memory processor.
type fakeProcessor struct {
	mu          sync.Mutex
	transfers   map[string]*processor.Transfer
	createCalls int

	// createErrs are returned, in order, before any transfer is created.
	createErrs []error
	// createdThenErr records the transfer and still reports this error.
	createdThenErr error
	transferStatus string
	failureCode    string
	accounts       map[string]*processor.Account
	accountErr     error
	findErr        error
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		transfers:      make(map[string]*processor.Transfer),
		accounts:       make(map[string]*processor.Account),
		transferStatus: processor.TransferStatusPaid,
	}
}

func (p *fakeProcessor) CreateTransfer(ctx context.Context, req processor.TransferRequest) (*processor.Transfer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++
	if len(p.createErrs) > 0 {
		err := p.createErrs[0]
		p.createErrs = p.createErrs[1:]
		return nil, err
	}
	if existing, ok := p.transfers[req.IdempotencyKey]; ok {
		copied := *existing
		return &copied, nil
	}
	transfer := &processor.Transfer{
		ID:             "tr_" + uuid.NewString(),
		Status:         p.transferStatus,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Destination:    req.Destination,
		IdempotencyKey: req.IdempotencyKey,
		FailureCode:    p.failureCode,
		Metadata:       req.Metadata,
	}
	p.transfers[req.IdempotencyKey] = transfer
	if p.createdThenErr != nil {
		return nil, p.createdThenErr
	}
	copied := *transfer
	return &copied, nil
}

func (p *fakeProcessor) FindTransferByIdempotencyKey(ctx context.Context, key string) (*processor.Transfer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.findErr != nil {
		return nil, p.findErr
	}
	transfer, ok := p.transfers[key]
	if !ok {
		return nil, processor.ErrTransferNotFound
	}
	copied := *transfer
	return &copied, nil
}

func (p *fakeProcessor) RetrieveAccount(ctx context.Context, accountID string) (*processor.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accountErr != nil {
		return nil, p.accountErr
	}
	if account, ok := p.accounts[accountID]; ok {
		return account, nil
	}
	return &processor.Account{ID: accountID, PayoutsEnabled: true, DetailsSubmitted: true}, nil
}

// setStatus moves a created transfer to a new processor status.
func (p *fakeProcessor) setStatus(key, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if transfer, ok := p.transfers[key]; ok {
		transfer.Status = status
	}
}

func (p *fakeProcessor) transferCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transfers)
}

func (p *fakeProcessor) transferFor(key string) *processor.Transfer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transfers[key]
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, evt := range p.events {
		keys = append(keys, evt.routingKey)
	}
	return keys
}
