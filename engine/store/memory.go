// Package store provides in-memory Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/advance-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type state struct {
	drivers       map[string]engine.Driver
	companies     map[string]engine.Company
	earnings      []engine.Earning
	advances      map[string]engine.Advance
	ledger        []engine.LedgerEntry
	ledgerKeys    map[string]bool
	payrolls      map[string]engine.Payroll
	balances      map[string]engine.DriverBalance
	metrics       map[string]engine.MetricsMonthly
	notifications []engine.Notification
	audit         []engine.AuditEntry
}

func newState() *state {
	return &state{
		drivers:    make(map[string]engine.Driver),
		companies:  make(map[string]engine.Company),
		advances:   make(map[string]engine.Advance),
		ledgerKeys: make(map[string]bool),
		payrolls:   make(map[string]engine.Payroll),
		balances:   make(map[string]engine.DriverBalance),
		metrics:    make(map[string]engine.MetricsMonthly),
	}
}

// clone copies every table. Values are plain structs, so a shallow copy of
// each element is enough.
func (s *state) clone() *state {
	c := &state{
		drivers:       cloneMap(s.drivers),
		companies:     cloneMap(s.companies),
		earnings:      append([]engine.Earning(nil), s.earnings...),
		advances:      cloneMap(s.advances),
		ledger:        append([]engine.LedgerEntry(nil), s.ledger...),
		ledgerKeys:    cloneMap(s.ledgerKeys),
		payrolls:      cloneMap(s.payrolls),
		balances:      cloneMap(s.balances),
		metrics:       cloneMap(s.metrics),
		notifications: append([]engine.Notification(nil), s.notifications...),
		audit:         append([]engine.AuditEntry(nil), s.audit...),
	}
	return c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Memory implements engine.Store. Every call takes the store lock.
type Memory struct {
	mu   sync.RWMutex
	data *state
	view
}

func NewMemory() *Memory {
	m := &Memory{data: newState()}
	m.view = view{m: m}
	return m
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole of fn, so transactions are serial.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.data.clone()
	if err := fn(view{m: tm.Memory, inTx: true}); err != nil {
		tm.data = snapshot
		return err
	}
	return nil
}

// =============================================================================
// VIEW - Routes repository calls through the lock unless already in a tx
// =============================================================================

type view struct {
	m    *Memory
	inTx bool
}

func (v view) read(fn func(*state)) {
	if !v.inTx {
		v.m.mu.RLock()
		defer v.m.mu.RUnlock()
	}
	fn(v.m.data)
}

func (v view) write(fn func(*state)) {
	if !v.inTx {
		v.m.mu.Lock()
		defer v.m.mu.Unlock()
	}
	fn(v.m.data)
}

func (v view) Drivers() engine.DriverRepository         { return driverRepo{v} }
func (v view) Companies() engine.CompanyRepository      { return companyRepo{v} }
func (v view) Earnings() engine.EarningRepository       { return earningRepo{v} }
func (v view) Advances() engine.AdvanceRepository       { return advanceRepo{v} }
func (v view) Ledger() engine.LedgerRepository          { return ledgerRepo{v} }
func (v view) Payrolls() engine.PayrollRepository       { return payrollRepo{v} }
func (v view) Balances() engine.DriverBalanceRepository { return balanceRepo{v} }
func (v view) Metrics() engine.MetricsRepository        { return metricsRepo{v} }
func (v view) Notifications() engine.NotificationSink   { return notificationRepo{v} }
func (v view) Audit() engine.AuditLog                   { return auditRepo{v} }

// =============================================================================
// PARTIES
// =============================================================================

type driverRepo struct{ v view }

func (r driverRepo) FindByID(_ context.Context, id string) (d engine.Driver, err error) {
	r.v.read(func(s *state) {
		var ok bool
		if d, ok = s.drivers[id]; !ok {
			err = &engine.NotFoundError{Resource: "driver", ID: id}
		}
	})
	return d, err
}

func (r driverRepo) Save(_ context.Context, d engine.Driver) error {
	r.v.write(func(s *state) { s.drivers[d.ID] = d })
	return nil
}

func (r driverRepo) List(_ context.Context) (out []engine.Driver, _ error) {
	r.v.read(func(s *state) {
		for _, d := range s.drivers {
			out = append(out, d)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type companyRepo struct{ v view }

func (r companyRepo) FindByID(_ context.Context, id string) (c engine.Company, err error) {
	r.v.read(func(s *state) {
		var ok bool
		if c, ok = s.companies[id]; !ok {
			err = &engine.NotFoundError{Resource: "company", ID: id}
		}
	})
	return c, err
}

func (r companyRepo) Save(_ context.Context, c engine.Company) error {
	r.v.write(func(s *state) { s.companies[c.ID] = c })
	return nil
}

func (r companyRepo) List(_ context.Context) (out []engine.Company, _ error) {
	r.v.read(func(s *state) {
		for _, c := range s.companies {
			out = append(out, c)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type earningRepo struct{ v view }

func (r earningRepo) Save(_ context.Context, e engine.Earning) error {
	r.v.write(func(s *state) { s.earnings = append(s.earnings, e) })
	return nil
}

func (r earningRepo) SumAmount(_ context.Context, f engine.EarningFilter) (total engine.Amount, _ error) {
	r.v.read(func(s *state) {
		for _, e := range s.earnings {
			if f.DriverID != "" && e.DriverID != f.DriverID {
				continue
			}
			if f.Status != "" && e.Status != f.Status {
				continue
			}
			if f.PayoutMonthFrom != nil && e.PayoutMonth.Before(*f.PayoutMonthFrom) {
				continue
			}
			if f.PayoutMonth != nil && !e.PayoutMonth.Equal(*f.PayoutMonth) {
				continue
			}
			total = total.Add(e.Amount)
		}
	})
	return total, nil
}

// =============================================================================
// ADVANCES
// =============================================================================

type advanceRepo struct{ v view }

func (r advanceRepo) FindByID(_ context.Context, id string) (a engine.Advance, err error) {
	r.v.read(func(s *state) {
		var ok bool
		if a, ok = s.advances[id]; !ok {
			err = &engine.NotFoundError{Resource: "advance", ID: id}
		}
	})
	return a, err
}

func (r advanceRepo) Save(_ context.Context, a engine.Advance) error {
	r.v.write(func(s *state) { s.advances[a.ID] = a })
	return nil
}

func (r advanceRepo) ListPendingForCompany(_ context.Context, companyID string) (out []engine.Advance, _ error) {
	r.v.read(func(s *state) {
		for _, a := range s.advances {
			if a.CompanyID == companyID && a.Status == engine.AdvanceRequested {
				out = append(out, a)
			}
		}
	})
	sortAdvances(out)
	return out, nil
}

func (r advanceRepo) ListByStatus(_ context.Context, statuses ...engine.AdvanceStatus) (out []engine.Advance, _ error) {
	r.v.read(func(s *state) {
		for _, a := range s.advances {
			if hasStatus(a.Status, statuses) {
				out = append(out, a)
			}
		}
	})
	sortAdvances(out)
	return out, nil
}

func (r advanceRepo) UpdateStatus(_ context.Context, id string, from []engine.AdvanceStatus, u engine.AdvanceUpdate) (ok bool, _ error) {
	r.v.write(func(s *state) {
		a, exists := s.advances[id]
		if !exists || !hasStatus(a.Status, from) {
			return
		}
		a.Status = u.Status
		if u.ApprovedAmount != nil {
			a.ApprovedAmount = u.ApprovedAmount
		}
		if u.FeeAmount != nil {
			a.FeeAmount = u.FeeAmount
		}
		if u.PayoutAmount != nil {
			a.PayoutAmount = u.PayoutAmount
		}
		if u.PayoutDate != nil {
			a.PayoutDate = u.PayoutDate
		}
		if u.Memo != nil {
			a.Memo = *u.Memo
		}
		a.UpdatedAt = u.UpdatedAt
		s.advances[id] = a
		ok = true
	})
	return ok, nil
}

func (r advanceRepo) TransitionAll(_ context.Context, driverID, companyID string, from []engine.AdvanceStatus, to engine.AdvanceStatus, at time.Time) (n int, _ error) {
	r.v.write(func(s *state) {
		for id, a := range s.advances {
			if a.DriverID != driverID || a.CompanyID != companyID || !hasStatus(a.Status, from) {
				continue
			}
			a.Status = to
			a.UpdatedAt = at
			s.advances[id] = a
			n++
		}
	})
	return n, nil
}

func hasStatus(status engine.AdvanceStatus, in []engine.AdvanceStatus) bool {
	for _, s := range in {
		if s == status {
			return true
		}
	}
	return false
}

func sortAdvances(as []engine.Advance) {
	sort.Slice(as, func(i, j int) bool {
		if !as[i].RequestedAt.Equal(as[j].RequestedAt) {
			return as[i].RequestedAt.Before(as[j].RequestedAt)
		}
		return as[i].ID < as[j].ID
	})
}

// =============================================================================
// LEDGER - Append-only
// =============================================================================

type ledgerRepo struct{ v view }

func (r ledgerRepo) Insert(_ context.Context, e engine.LedgerEntry) (out engine.LedgerEntry, err error) {
	r.v.write(func(s *state) {
		if s.ledgerKeys[e.IdempotencyKey] {
			err = engine.ErrDuplicateEntry
			return
		}
		s.ledgerKeys[e.IdempotencyKey] = true
		s.ledger = append(s.ledger, e)
		out = e
	})
	return out, err
}

func (r ledgerRepo) SumAdvanceBalance(_ context.Context, driverID, companyID string, asOf time.Time) (b engine.Amount, _ error) {
	r.v.read(func(s *state) {
		var matched []engine.LedgerEntry
		for _, e := range s.ledger {
			if e.DriverID == driverID && e.CompanyID == companyID {
				matched = append(matched, e)
			}
		}
		b = engine.BalanceFromEntries(matched, asOf)
	})
	return b, nil
}

func (r ledgerRepo) SumByType(_ context.Context, f engine.LedgerFilter) (map[engine.EntryType]engine.Amount, error) {
	sums := make(map[engine.EntryType]engine.Amount)
	r.v.read(func(s *state) {
		for _, e := range s.ledger {
			if matchLedger(e, f) {
				sums[e.EntryType] = sums[e.EntryType].Add(e.Amount)
			}
		}
	})
	return sums, nil
}

func (r ledgerRepo) Entries(_ context.Context, f engine.LedgerFilter) (out []engine.LedgerEntry, _ error) {
	r.v.read(func(s *state) {
		for _, e := range s.ledger {
			if matchLedger(e, f) {
				out = append(out, e)
			}
		}
	})
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OccurredOn.Equal(out[j].OccurredOn) {
			return out[i].OccurredOn.Before(out[j].OccurredOn)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func matchLedger(e engine.LedgerEntry, f engine.LedgerFilter) bool {
	if f.DriverID != "" && e.DriverID != f.DriverID {
		return false
	}
	if f.CompanyID != "" && e.CompanyID != f.CompanyID {
		return false
	}
	if f.OccurredFrom != nil && e.OccurredOn.Before(*f.OccurredFrom) {
		return false
	}
	if f.OccurredTo != nil && e.OccurredOn.After(*f.OccurredTo) {
		return false
	}
	return true
}

// =============================================================================
// PAYROLLS
// =============================================================================

type payrollRepo struct{ v view }

func (r payrollRepo) FindByID(_ context.Context, id string) (p engine.Payroll, err error) {
	r.v.read(func(s *state) {
		var ok bool
		if p, ok = s.payrolls[id]; !ok {
			err = &engine.NotFoundError{Resource: "payroll", ID: id}
		}
	})
	return p, err
}

func (r payrollRepo) Save(_ context.Context, p engine.Payroll) error {
	r.v.write(func(s *state) { s.payrolls[p.ID] = p })
	return nil
}

func (r payrollRepo) FindPlannedOnOrBefore(_ context.Context, date time.Time) (out []engine.Payroll, _ error) {
	r.v.read(func(s *state) {
		for _, p := range s.payrolls {
			if p.Status == engine.PayrollPlanned && !p.PayoutDate.After(date) {
				out = append(out, p)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PayoutDate.Equal(out[j].PayoutDate) {
			return out[i].PayoutDate.Before(out[j].PayoutDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r payrollRepo) MarkProcessed(_ context.Context, id string, collection, net engine.Amount, at time.Time) (ok bool, _ error) {
	r.v.write(func(s *state) {
		p, exists := s.payrolls[id]
		if !exists || p.Status != engine.PayrollPlanned {
			return
		}
		p.AdvanceCollectionAmount = collection
		p.NetSalaryAmount = &net
		p.Status = engine.PayrollProcessed
		p.UpdatedAt = at
		s.payrolls[id] = p
		ok = true
	})
	return ok, nil
}

func (r payrollRepo) SetOverride(_ context.Context, id string, amount engine.Amount, reason string, at time.Time) (ok bool, _ error) {
	r.v.write(func(s *state) {
		p, exists := s.payrolls[id]
		if !exists || p.Status != engine.PayrollPlanned {
			return
		}
		p.CollectionOverrideAmount = &amount
		p.CollectionOverrideReason = reason
		p.UpdatedAt = at
		s.payrolls[id] = p
		ok = true
	})
	return ok, nil
}

// =============================================================================
// DERIVED ROWS
// =============================================================================

type balanceRepo struct{ v view }

func (r balanceRepo) UpsertBalance(_ context.Context, b engine.DriverBalance) error {
	r.v.write(func(s *state) { s.balances[b.DriverID] = b })
	return nil
}

func (r balanceRepo) GetBalance(_ context.Context, driverID string) (b engine.DriverBalance, err error) {
	r.v.read(func(s *state) {
		var ok bool
		if b, ok = s.balances[driverID]; !ok {
			err = &engine.NotFoundError{Resource: "driver balance", ID: driverID}
		}
	})
	return b, err
}

type metricsRepo struct{ v view }

func (r metricsRepo) UpsertMonthlyMetrics(_ context.Context, m engine.MetricsMonthly) error {
	r.v.write(func(s *state) { s.metrics[metricsKey(m.CompanyID, m.YearMonth)] = m })
	return nil
}

func (r metricsRepo) ListMonthlyMetrics(_ context.Context, yearMonth time.Time) (out []engine.MetricsMonthly, _ error) {
	r.v.read(func(s *state) {
		for _, m := range s.metrics {
			if m.YearMonth.Equal(yearMonth) {
				out = append(out, m)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		return metricsKey(out[i].CompanyID, out[i].YearMonth) < metricsKey(out[j].CompanyID, out[j].YearMonth)
	})
	return out, nil
}

func metricsKey(companyID *string, month time.Time) string {
	c := ""
	if companyID != nil {
		c = *companyID
	}
	return c + "|" + engine.FormatDate(month)
}

type notificationRepo struct{ v view }

func (r notificationRepo) CreateIfMissing(_ context.Context, n engine.Notification) (created bool, _ error) {
	r.v.write(func(s *state) {
		key := n.DedupKey()
		for _, existing := range s.notifications {
			if existing.DedupKey() == key {
				return
			}
		}
		s.notifications = append(s.notifications, n)
		created = true
	})
	return created, nil
}

func (r notificationRepo) ListNotifications(_ context.Context, f engine.NotificationFilter) (out []engine.Notification, _ error) {
	r.v.read(func(s *state) {
		for _, n := range s.notifications {
			if f.RecipientType != "" && n.RecipientType != f.RecipientType {
				continue
			}
			if f.RecipientID != "" && n.RecipientID != f.RecipientID {
				continue
			}
			if f.Category != "" && n.Category != f.Category {
				continue
			}
			if f.SourceID != "" && n.SourceID != f.SourceID {
				continue
			}
			if f.UnreadOnly && n.IsRead {
				continue
			}
			out = append(out, n)
		}
	})
	return out, nil
}

func (r notificationRepo) MarkAllRead(_ context.Context, recipientType engine.RecipientType, recipientID string) (changed int, _ error) {
	r.v.write(func(s *state) {
		for i := range s.notifications {
			n := &s.notifications[i]
			if n.RecipientType != recipientType || n.RecipientID != recipientID || n.IsRead {
				continue
			}
			n.IsRead = true
			changed++
		}
	})
	return changed, nil
}

type auditRepo struct{ v view }

func (r auditRepo) Append(_ context.Context, e engine.AuditEntry) error {
	r.v.write(func(s *state) { s.audit = append(s.audit, e) })
	return nil
}

func (r auditRepo) Query(_ context.Context, f engine.AuditFilter) (out []engine.AuditEntry, _ error) {
	r.v.read(func(s *state) {
		for _, e := range s.audit {
			if f.ResourceType != "" && e.ResourceType != f.ResourceType {
				continue
			}
			if f.ResourceID != "" && e.ResourceID != f.ResourceID {
				continue
			}
			if len(f.Actions) > 0 && !hasAction(e.Action, f.Actions) {
				continue
			}
			out = append(out, e)
		}
	})
	return out, nil
}

func hasAction(a engine.AuditAction, in []engine.AuditAction) bool {
	for _, x := range in {
		if x == a {
			return true
		}
	}
	return false
}
