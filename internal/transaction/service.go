package transaction

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/frahmantamala/marketplace-payment/internal"
	txmodel "github.com/frahmantamala/marketplace-payment/internal/core/datamodel/transaction"
	"github.com/frahmantamala/marketplace-payment/internal/core/events"
	"github.com/frahmantamala/marketplace-payment/pkg/logger"
)

// RepositoryAPI returns (nil, nil) from lookups that find nothing. Save must
// fail with internal.ErrStaleState when the stored version differs from
// expectedVersion.
type RepositoryAPI interface {
	Create(ctx context.Context, tx *txmodel.Transaction) error
	GetByID(ctx context.Context, id string) (*txmodel.Transaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*txmodel.Transaction, error)
	GetByGatewayReference(ctx context.Context, gateway, gatewayTransactionID string) (*txmodel.Transaction, error)
	Save(ctx context.Context, tx *txmodel.Transaction, expectedVersion int64, entry *txmodel.StatusHistory) error
	ListDueAutoRelease(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListByStatusUpdatedBefore(ctx context.Context, status string, before time.Time, limit int) ([]string, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// Caller is an authenticated principal acting on a transaction.
type Caller struct {
	UserID string
	Admin  bool
}

type Service struct {
	repo      RepositoryAPI
	machine   *Machine
	publisher EventPublisher
	locks     *keyedMutex
	logger    *slog.Logger
}

func NewService(repo RepositoryAPI, machine *Machine, publisher EventPublisher, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		machine:   machine,
		publisher: publisher,
		locks:     newKeyedMutex(),
		logger:    logger,
	}
}

func (s *Service) Now() time.Time {
	return s.machine.Now()
}

// Create persists a new transaction in pending_payment with its first history
// entry.
func (s *Service) Create(ctx context.Context, t *Transaction) (*Transaction, error) {
	if !t.Total.Equal(t.ExpectedTotal()) {
		return nil, internal.NewInternalError("transaction total does not match its components", nil)
	}

	now := s.machine.Now()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.HumanID = NewHumanID(now)
	t.Status = StatusPendingPayment
	t.Version = 1
	t.CreatedAt = now
	t.UpdatedAt = now
	t.History = []HistoryEntry{{
		Seq:         1,
		Status:      StatusPendingPayment,
		Timestamp:   now,
		Note:        "checkout created",
		ActorID:     t.BuyerID,
		ActorRole:   RoleBuyer,
		Fingerprint: Metadata{}.Fingerprint(),
	}}

	if err := s.repo.Create(ctx, ToDataModel(t)); err != nil {
		s.logger.Error("failed to create transaction", "error", err, "buyer_id", t.BuyerID, "product_id", t.ProductID)
		return nil, err
	}

	s.logger.Info("transaction created",
		"transaction_id", t.ID,
		"human_id", t.HumanID,
		"payment_mode", t.PaymentMode,
		"gateway", t.Gateway,
		"total", t.Total.StringFixed(2),
		"currency", t.Currency)
	return t, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	row, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, internal.ErrTransactionNotFound.WithMessage("transaction %s not found", id)
	}
	return FromDataModel(row), nil
}

// GetForCaller returns the transaction if the caller is one of its parties or
// an admin.
func (s *Service) GetForCaller(ctx context.Context, id string, caller Caller) (*Transaction, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := t.RoleOf(caller.UserID); !ok && !caller.Admin {
		return nil, internal.ErrUnauthorizedAccess
	}
	return t, nil
}

func (s *Service) FindByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	row, err := s.repo.GetByIdempotencyKey(ctx, key)
	if err != nil || row == nil {
		return nil, err
	}
	return FromDataModel(row), nil
}

func (s *Service) FindByGatewayReference(ctx context.Context, gateway, gatewayTransactionID string) (*Transaction, error) {
	row, err := s.repo.GetByGatewayReference(ctx, gateway, gatewayTransactionID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, internal.ErrTransactionNotFound.WithMessage("no transaction for %s reference %s", gateway, gatewayTransactionID)
	}
	return FromDataModel(row), nil
}

func (s *Service) DueForAutoRelease(ctx context.Context, limit int) ([]string, error) {
	return s.repo.ListDueAutoRelease(ctx, s.machine.Now(), limit)
}

func (s *Service) StuckIn(ctx context.Context, status Status, olderThan time.Duration, limit int) ([]string, error) {
	return s.repo.ListByStatusUpdatedBefore(ctx, string(status), s.machine.Now().Add(-olderThan), limit)
}

// Transition is the only place transaction status changes. Calls for the same
// id are serialised in-process and the write is a compare-and-swap on the
// stored version, so a concurrent writer elsewhere gets ErrStaleState.
func (s *Service) Transition(ctx context.Context, id string, current, target Status, actor Actor, meta Metadata) (*Transaction, error) {
	t, _, err := s.apply(ctx, id, current, target, actor, meta)
	return t, err
}

// apply also reports whether this call committed the transition, as opposed
// to finding an identical one already stored.
func (s *Service) apply(ctx context.Context, id string, current, target Status, actor Actor, meta Metadata) (*Transaction, bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	log := logger.From(ctx).With("transaction_id", id, "from", current, "to", target, "actor_role", actor.Role)

	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	if t.Status != current {
		if t.IsRetryOf(target, actor, meta) {
			return t, false, nil
		}
		log.Info("transition rejected, stored status differs", "stored", t.Status)
		return nil, false, internal.ErrStaleState.WithMessage("transaction %s is %s, not %s", id, t.Status, current)
	}

	expectedVersion := t.Version
	applied, err := s.machine.Apply(t, target, actor, meta)
	if err != nil {
		log.Info("transition rejected", "error", err)
		return nil, false, err
	}
	if !applied {
		return t, false, nil
	}

	entry := HistoryToDataModel(t.ID, *t.LastEntry())
	if err := s.repo.Save(ctx, ToDataModel(t), expectedVersion, &entry); err != nil {
		if errors.Is(err, internal.ErrStaleState) {
			log.Warn("transition lost a concurrent write")
		} else {
			log.Error("failed to persist transition", "error", err)
		}
		return nil, false, err
	}
	t.Version = expectedVersion + 1

	log.Info("transaction transitioned", "seq", entry.Seq)
	s.publish(ctx, t, current, actor)
	return t, true, nil
}

// AttachSession stores a gateway session on a transaction that moved on
// before the session could ride its own transition. A transaction that
// already holds a session, or belongs to another gateway reference, is
// returned unchanged.
func (s *Service) AttachSession(ctx context.Context, id, gatewayTransactionID string, session Session) (*Transaction, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Session != nil || session.Type == "" {
		return t, nil
	}
	if t.GatewayTransactionID != "" && t.GatewayTransactionID != gatewayTransactionID {
		return t, nil
	}

	expectedVersion := t.Version
	t.Session = &session
	if t.GatewayTransactionID == "" {
		t.GatewayTransactionID = gatewayTransactionID
	}
	if err := s.repo.Save(ctx, ToDataModel(t), expectedVersion, nil); err != nil {
		return nil, err
	}
	t.Version = expectedVersion + 1
	return t, nil
}

// Act resolves the caller's role from the transaction's parties and applies
// a user-initiated transition from the stored status.
func (s *Service) Act(ctx context.Context, id string, caller Caller, target Status, meta Metadata) (*Transaction, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	role, ok := t.RoleOf(caller.UserID)
	if !ok {
		if !caller.Admin {
			return nil, internal.ErrUnauthorizedAccess
		}
		role = RoleAdmin
	}
	if caller.Admin && (target == StatusRefunded || (t.Status == StatusDisputed && target == StatusCompleted)) {
		role = RoleAdmin
	}

	return s.Transition(ctx, id, t.Status, target, Actor{ID: caller.UserID, Role: role}, meta)
}

// Republish emits the event for the latest committed transition again, for
// a process that stopped between the commit and its subscribers. Subscribers
// are idempotent per transition.
func (s *Service) Republish(ctx context.Context, id string) (*Transaction, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(t.History) < 2 {
		return nil, internal.ErrPreconditionFailed.WithMessage("transaction %s has no transition to republish", id)
	}
	last := t.LastEntry()
	from := t.History[len(t.History)-2].Status
	s.publish(ctx, t, from, Actor{ID: last.ActorID, Role: last.ActorRole})
	return t, nil
}

func (s *Service) publish(ctx context.Context, t *Transaction, from Status, actor Actor) {
	if s.publisher == nil {
		return
	}
	last := t.LastEntry()
	event := events.NewTransactionTransitionedEvent(
		t.ID, string(from), string(t.Status), last.Seq, string(t.PaymentMode), actor.ID, string(actor.Role), last.Timestamp)
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish transition event", "error", err, "transaction_id", t.ID)
	}
}
