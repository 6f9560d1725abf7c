package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/frahmantamala/marketplace-payment/internal"
	"github.com/frahmantamala/marketplace-payment/internal/transaction"
)

type pollJob struct {
	TransactionID string
	Attempt       int
}

type pollWorker struct {
	ID         int
	WorkerPool chan chan pollJob
	JobChannel chan pollJob
	Logger     *slog.Logger
}

func newPollWorker(id int, workerPool chan chan pollJob, logger *slog.Logger) *pollWorker {
	return &pollWorker{
		ID:         id,
		WorkerPool: workerPool,
		JobChannel: make(chan pollJob),
		Logger:     logger,
	}
}

func (w *pollWorker) Start(ctx context.Context, wg *sync.WaitGroup, process func(pollJob)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case w.WorkerPool <- w.JobChannel:
			case <-ctx.Done():
				return
			}

			select {
			case job := <-w.JobChannel:
				w.Logger.Debug("poll worker processing job", "worker_id", w.ID, "transaction_id", job.TransactionID, "attempt", job.Attempt)
				process(job)
			case <-ctx.Done():
				w.Logger.Debug("poll worker shutting down", "worker_id", w.ID)
				return
			}
		}
	}()
}

type PollerConfig struct {
	// Window is how long a transaction may go without gateway news before it
	// is polled.
	Window      time.Duration
	MaxAttempts int
	Timeout     time.Duration
	Workers     int
	QueueSize   int
	SweepLimit  int
}

func PollerConfigFrom(cfg internal.PaymentConfig) PollerConfig {
	return PollerConfig{
		Window:      cfg.Polling.Window,
		MaxAttempts: cfg.Polling.MaxAttempts,
		Timeout:     cfg.GatewayTimeout,
		Workers:     cfg.Polling.Workers,
		QueueSize:   cfg.Polling.QueueSize,
	}
}

// Poller is the fallback for webhooks that never arrive. Each watched
// transaction is checked once per window, up to MaxAttempts times, while it
// is still waiting on the gateway.
type Poller struct {
	store      TransactionStore
	adapters   AdapterSource
	reconciler *Reconciler
	cfg        PollerConfig
	logger     *slog.Logger

	jobQueue   chan pollJob
	workerPool chan chan pollJob
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	once       sync.Once

	mu     sync.Mutex
	timers map[string]*time.Timer
	// spent holds transactions that used every attempt. Sweep leaves them to
	// the webhook; an explicit Watch clears them.
	spent map[string]struct{}
}

func NewPoller(store TransactionStore, adapters AdapterSource, reconciler *Reconciler, cfg PollerConfig, logger *slog.Logger) *Poller {
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 6
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = 500
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		store:      store,
		adapters:   adapters,
		reconciler: reconciler,
		cfg:        cfg,
		logger:     logger,
		jobQueue:   make(chan pollJob, cfg.QueueSize),
		workerPool: make(chan chan pollJob, cfg.Workers),
		ctx:        ctx,
		cancel:     cancel,
		timers:     make(map[string]*time.Timer),
		spent:      make(map[string]struct{}),
	}
}

func (p *Poller) Start() {
	p.once.Do(func() {
		for i := 0; i < p.cfg.Workers; i++ {
			worker := newPollWorker(i, p.workerPool, p.logger)
			worker.Start(p.ctx, &p.wg, p.process)
		}

		p.wg.Add(1)
		go p.dispatch()

		p.logger.Info("status poller started",
			"workers", p.cfg.Workers,
			"queue_size", cap(p.jobQueue),
			"window", p.cfg.Window,
			"max_attempts", p.cfg.MaxAttempts)
	})
}

func (p *Poller) dispatch() {
	defer p.wg.Done()

	for {
		select {
		case job := <-p.jobQueue:
			select {
			case jobChannel := <-p.workerPool:
				select {
				case jobChannel <- job:
				case <-p.ctx.Done():
					return
				}
			case <-p.ctx.Done():
				return
			}
		case <-p.ctx.Done():
			p.logger.Info("status poller dispatcher shutting down")
			return
		}
	}
}

func (p *Poller) Shutdown() {
	p.cancel()

	p.mu.Lock()
	for id, timer := range p.timers {
		timer.Stop()
		delete(p.timers, id)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("status poller shutdown complete")
}

// Watch arms the first check for a transaction. Watching an already
// watched transaction is a no-op.
func (p *Poller) Watch(transactionID string) {
	if p.ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, watched := p.timers[transactionID]; watched {
		return
	}
	delete(p.spent, transactionID)
	p.schedule(pollJob{TransactionID: transactionID, Attempt: 1})
}

func (p *Poller) Watching(transactionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.timers[transactionID]
	return ok
}

func (p *Poller) arm(job pollJob) {
	if p.ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.timers[job.TransactionID]; ok {
		old.Stop()
	}
	p.schedule(job)
}

// schedule must be called with mu held.
func (p *Poller) schedule(job pollJob) {
	p.timers[job.TransactionID] = time.AfterFunc(p.cfg.Window, func() { p.enqueue(job) })
}

func (p *Poller) release(transactionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.timers, transactionID)
}

func (p *Poller) exhaust(transactionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.timers, transactionID)
	p.spent[transactionID] = struct{}{}
}

// Exhausted reports whether the transaction used every attempt since it was
// last watched.
func (p *Poller) Exhausted(transactionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.spent[transactionID]
	return ok
}

func (p *Poller) enqueue(job pollJob) {
	select {
	case <-p.ctx.Done():
		return
	default:
	}

	select {
	case p.jobQueue <- job:
	default:
		p.logger.Warn("poll queue full, deferring check", "transaction_id", job.TransactionID, "queue_capacity", cap(p.jobQueue))
		p.arm(job)
	}
}

func awaitingGateway(s transaction.Status) bool {
	return s == transaction.StatusPendingPayment || s == transaction.StatusPaymentProcessing
}

func (p *Poller) process(job pollJob) {
	log := p.logger.With("transaction_id", job.TransactionID, "attempt", job.Attempt)

	t, err := p.store.Get(p.ctx, job.TransactionID)
	if err != nil {
		log.Error("poll could not load transaction", "error", err)
		p.release(job.TransactionID)
		return
	}
	if !awaitingGateway(t.Status) {
		log.Debug("transaction settled, polling stopped", "status", t.Status)
		p.release(job.TransactionID)
		return
	}

	if t.GatewayTransactionID != "" {
		if t, err = p.poll(t); err != nil {
			log.Warn("status poll failed", "error", err)
		}
	}

	if t != nil && !awaitingGateway(t.Status) {
		p.release(job.TransactionID)
		return
	}
	if job.Attempt >= p.cfg.MaxAttempts {
		log.Warn("status polling gave up, waiting for webhook")
		p.exhaust(job.TransactionID)
		return
	}
	p.arm(pollJob{TransactionID: job.TransactionID, Attempt: job.Attempt + 1})
}

func (p *Poller) poll(t *transaction.Transaction) (*transaction.Transaction, error) {
	adapter, err := p.adapters.Get(t.Gateway)
	if err != nil {
		return t, err
	}

	ctx, cancel := internal.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()

	status, err := adapter.PollStatus(ctx, t.GatewayTransactionID)
	if err != nil {
		return t, err
	}
	updated, err := p.reconciler.Apply(p.ctx, t.ID, NativeStatus{
		Gateway:              t.Gateway,
		GatewayTransactionID: t.GatewayTransactionID,
		Status:               status,
	})
	if err != nil {
		return t, err
	}
	return updated, nil
}

// Sweep re-arms transactions left waiting on the gateway longer than one
// window, such as those in flight when the process restarted. Transactions
// that already used every attempt in this process are skipped.
func (p *Poller) Sweep(ctx context.Context) (int, error) {
	armed := 0
	stuck := make(map[string]struct{})
	complete := true
	for _, status := range []transaction.Status{transaction.StatusPendingPayment, transaction.StatusPaymentProcessing} {
		ids, err := p.store.StuckIn(ctx, status, p.cfg.Window, p.cfg.SweepLimit)
		if err != nil {
			return armed, err
		}
		if len(ids) >= p.cfg.SweepLimit {
			complete = false
		}
		for _, id := range ids {
			stuck[id] = struct{}{}
			if p.Watching(id) || p.Exhausted(id) {
				continue
			}
			p.Watch(id)
			armed++
		}
	}
	if complete {
		p.forgetSettled(stuck)
	}
	if armed > 0 {
		p.logger.Info("poll sweep re-armed transactions", "count", armed)
	}
	return armed, nil
}

// forgetSettled drops spent entries for transactions no longer stuck.
func (p *Poller) forgetSettled(stuck map[string]struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.spent {
		if _, ok := stuck[id]; !ok {
			delete(p.spent, id)
		}
	}
}
