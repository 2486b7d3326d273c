package core

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"escrowmarket/core/events"
	"escrowmarket/core/genesis"
	ledgerstate "escrowmarket/core/state"
	"escrowmarket/crypto"
	"escrowmarket/native/bank"
	"escrowmarket/native/escrow"
	"escrowmarket/storage"
)

// Ledger is the single authoritative entry point to the marketplace. Every
// call runs under one mutex against a fresh state overlay; the overlay is
// committed as a single batch when the operation succeeds and discarded
// otherwise. Events are released to sinks only after the commit.
type Ledger struct {
	mu     sync.Mutex
	db     storage.Database
	sinks  events.Multi
	logger *slog.Logger
	nowFn  func() int64
	wrap   func(escrow.Settlement) escrow.Settlement
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithEmitter registers an event sink.
func WithEmitter(emitter events.Emitter) Option {
	return func(l *Ledger) {
		if emitter != nil {
			l.sinks = append(l.sinks, emitter)
		}
	}
}

// WithNowFunc overrides the clock used for item timestamps.
func WithNowFunc(now func() int64) Option {
	return func(l *Ledger) {
		if now != nil {
			l.nowFn = now
		}
	}
}

// WithSettlementWrapper decorates the settlement substrate of every call.
func WithSettlementWrapper(wrap func(escrow.Settlement) escrow.Settlement) Option {
	return func(l *Ledger) { l.wrap = wrap }
}

// NewLedger binds a ledger to the database. The database stays owned by the
// caller.
func NewLedger(db storage.Database, opts ...Option) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger: database must not be nil")
	}
	l := &Ledger{
		db:     db,
		logger: slog.Default(),
		nowFn:  func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// AddSink registers an additional event sink.
func (l *Ledger) AddSink(emitter events.Emitter) {
	if emitter == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, emitter)
}

type session struct {
	manager *ledgerstate.Manager
	engine  *escrow.Engine
	vault   *bank.Vault
}

func (l *Ledger) newSession(buffer *events.Buffer) *session {
	manager := ledgerstate.NewManager(l.db)
	vault := bank.NewVault(manager, buffer)
	var settlement escrow.Settlement = vault
	if l.wrap != nil {
		settlement = l.wrap(vault)
	}
	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetSettlement(settlement)
	engine.SetEmitter(buffer)
	engine.SetNowFunc(l.nowFn)
	return &session{manager: manager, engine: engine, vault: vault}
}

// apply runs a mutating operation atomically.
func (l *Ledger) apply(op string, fn func(*session) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	buffer := &events.Buffer{}
	s := l.newSession(buffer)
	if err := fn(s); err != nil {
		s.manager.Discard()
		buffer.Drain()
		l.logger.Info("ledger operation rejected",
			slog.String("op", op),
			slog.String("kind", escrow.ErrorKind(err)),
			slog.String("error", err.Error()))
		return err
	}
	writes := s.manager.Pending()
	if err := s.manager.Commit(); err != nil {
		buffer.Drain()
		l.logger.Error("ledger commit failed", slog.String("op", op), slog.String("error", err.Error()))
		return fmt.Errorf("ledger: %s: %w", op, err)
	}
	emitted := buffer.Drain()
	for _, evt := range emitted {
		l.sinks.Emit(evt)
	}
	l.logger.Debug("ledger operation committed",
		slog.String("op", op),
		slog.Int("writes", writes),
		slog.Int("events", len(emitted)))
	return nil
}

// view runs a read-only query against committed state.
func (l *Ledger) view(fn func(*session) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.newSession(&events.Buffer{})
	defer s.manager.Discard()
	return fn(s)
}

// Init records the arbitrator. It succeeds once, and again only for the same
// principal.
func (l *Ledger) Init(admin [20]byte) error {
	return l.apply("init", func(s *session) error {
		return s.engine.Init(admin)
	})
}

// Initialized reports whether an admin has been recorded.
func (l *Ledger) Initialized() (bool, error) {
	var ok bool
	err := l.view(func(s *session) error {
		var err error
		_, ok, err = s.manager.EscrowAdmin()
		return err
	})
	return ok, err
}

// ApplyGenesis records admin and credits the opening balances in one
// session, so a failing allocation leaves the ledger uninitialised. A ledger
// that already has an admin only has the admin checked and reports false.
func (l *Ledger) ApplyGenesis(admin [20]byte, allocations []genesis.Allocation) (bool, error) {
	var seeded bool
	err := l.apply("genesis", func(s *session) error {
		_, initialized, err := s.manager.EscrowAdmin()
		if err != nil {
			return err
		}
		if err := s.engine.Init(admin); err != nil {
			return fmt.Errorf("init admin: %w", err)
		}
		if initialized {
			return nil
		}
		for _, alloc := range allocations {
			if err := s.vault.Credit(alloc.Account, alloc.Amount); err != nil {
				return fmt.Errorf("alloc %s: %w", crypto.MarketAddress(alloc.Account), err)
			}
		}
		seeded = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return seeded, nil
}

// Credit funds an account on the substrate.
func (l *Ledger) Credit(to [20]byte, amount *big.Int) error {
	return l.apply("credit", func(s *session) error {
		return s.vault.Credit(to, amount)
	})
}

// RegisterItem lists a new item and returns its stored form.
func (l *Ledger) RegisterItem(caller [20]byte, name, description string, price *big.Int) (*escrow.Item, error) {
	var item *escrow.Item
	err := l.apply("registerItem", func(s *session) error {
		var err error
		item, err = s.engine.RegisterItem(caller, name, description, price)
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// BuyItem funds an item with the tendered amount.
func (l *Ledger) BuyItem(id uint64, caller [20]byte, paid *big.Int) error {
	return l.apply("buyItem", func(s *session) error {
		return s.engine.Buy(id, caller, paid)
	})
}

// ConfirmItem releases escrow to the seller.
func (l *Ledger) ConfirmItem(id uint64, caller [20]byte) error {
	return l.apply("confirmItem", func(s *session) error {
		return s.engine.Confirm(id, caller)
	})
}

// RequestRefund opens a refund request.
func (l *Ledger) RequestRefund(id uint64, caller [20]byte, reason string) error {
	return l.apply("requestRefund", func(s *session) error {
		return s.engine.RequestRefund(id, caller, reason)
	})
}

// ApproveRefund returns escrow to the buyer.
func (l *Ledger) ApproveRefund(id uint64, caller [20]byte) error {
	return l.apply("approveRefund", func(s *session) error {
		return s.engine.ApproveRefund(id, caller)
	})
}

// RefuseRefund escalates the refund request to arbitration.
func (l *Ledger) RefuseRefund(id uint64, caller [20]byte, reason string) error {
	return l.apply("refuseRefund", func(s *session) error {
		return s.engine.RefuseRefund(id, caller, reason)
	})
}

// ResolveDispute settles a dispute in favour of the buyer or the seller.
func (l *Ledger) ResolveDispute(id uint64, caller [20]byte, favorBuyer bool, reason string) error {
	return l.apply("resolveDispute", func(s *session) error {
		return s.engine.ResolveDispute(id, caller, favorBuyer, reason)
	})
}

// RateTransaction records the buyer's rating.
func (l *Ledger) RateTransaction(id uint64, caller [20]byte, rating int) error {
	return l.apply("rateTransaction", func(s *session) error {
		return s.engine.Rate(id, caller, rating)
	})
}

// Item returns a snapshot of the item.
func (l *Ledger) Item(id uint64) (*escrow.Item, error) {
	var item *escrow.Item
	err := l.view(func(s *session) error {
		var err error
		item, err = s.engine.Item(id)
		return err
	})
	return item, err
}

// ItemsBySeller lists the seller's item ids.
func (l *Ledger) ItemsBySeller(seller [20]byte) ([]uint64, error) {
	var ids []uint64
	err := l.view(func(s *session) error {
		var err error
		ids, err = s.engine.ItemsBySeller(seller)
		return err
	})
	return ids, err
}

// ItemsByBuyer lists the buyer's item ids.
func (l *Ledger) ItemsByBuyer(buyer [20]byte) ([]uint64, error) {
	var ids []uint64
	err := l.view(func(s *session) error {
		var err error
		ids, err = s.engine.ItemsByBuyer(buyer)
		return err
	})
	return ids, err
}

// Admin returns the arbitrator.
func (l *Ledger) Admin() ([20]byte, error) {
	var admin [20]byte
	err := l.view(func(s *session) error {
		var err error
		admin, err = s.engine.Admin()
		return err
	})
	return admin, err
}

// Balance returns an account's substrate balance.
func (l *Ledger) Balance(addr [20]byte) (*big.Int, error) {
	var balance *big.Int
	err := l.view(func(s *session) error {
		var err error
		balance, err = s.vault.Balance(addr)
		return err
	})
	return balance, err
}

// Summary aggregates ledger-wide figures.
type Summary struct {
	Items        uint64
	Admin        [20]byte
	TotalEscrow  *big.Int
	VaultBalance *big.Int
	ByStatus     map[escrow.Status]uint64
}

// Summary walks every item and reports the custody totals. TotalEscrow and
// VaultBalance are equal in a healthy ledger.
func (l *Ledger) Summary() (*Summary, error) {
	out := &Summary{TotalEscrow: big.NewInt(0), ByStatus: make(map[escrow.Status]uint64)}
	err := l.view(func(s *session) error {
		count, err := s.engine.ItemCount()
		if err != nil {
			return err
		}
		out.Items = count
		if admin, ok, err := s.manager.EscrowAdmin(); err != nil {
			return err
		} else if ok {
			out.Admin = admin
		}
		for id := uint64(1); id <= count; id++ {
			item, err := s.engine.Item(id)
			if err != nil {
				return err
			}
			out.TotalEscrow.Add(out.TotalEscrow, item.Escrow)
			out.ByStatus[item.Status]++
		}
		held, err := s.vault.Held()
		if err != nil {
			return err
		}
		out.VaultBalance = held
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
