package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/carscan/internal/metrics"
	"github.com/JakeFAU/carscan/internal/vehicle"
)

// Unowned is the snapshot key for records that no requester resolved, such
// as records created through the API.
const Unowned = "_unowned"

// Reservation marks an identity as being scraped. Exactly one of Publish or
// Abandon must be called for it.
type Reservation struct {
	// Record is the record the owner should fill. When a stored record
	// exists but lacks the requested report it starts as a copy of it.
	Record *vehicle.Record

	keys []string
	done chan struct{}
	once sync.Once
}

// Store is the single owner of records, reservations and requesters.
type Store struct {
	mu         sync.Mutex
	records    map[string]*vehicle.Record
	keys       map[string]*vehicle.Record
	inflight   map[string]*Reservation
	requesters map[string]*vehicle.Requester

	// saveMu orders snapshot saves so an older snapshot never lands last.
	saveMu sync.Mutex

	ids    vehicle.IDGenerator
	clock  vehicle.Clock
	logger *zap.Logger
}

// New returns an empty Store.
func New(ids vehicle.IDGenerator, clock vehicle.Clock, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		records:    make(map[string]*vehicle.Record),
		keys:       make(map[string]*vehicle.Record),
		inflight:   make(map[string]*Reservation),
		requesters: make(map[string]*vehicle.Requester),
		ids:        ids,
		clock:      clock,
		logger:     logger.Named("store"),
	}
}

// LookupOrReserve returns a copy of the stored record for id when it already
// covers report, or a reservation when something has to be scraped. When
// another request is already scraping the same vehicle it waits for that
// request to finish and looks again.
func (s *Store) LookupOrReserve(ctx context.Context, id vehicle.Identity, report vehicle.ReportType) (*vehicle.Record, *Reservation, error) {
	keys := id.Keys()
	if len(keys) == 0 {
		return nil, nil, fmt.Errorf("%w: identity has no key", vehicle.ErrInvalidInput)
	}
	waited := false
	for {
		s.mu.Lock()
		existing := s.lookupLocked(keys)
		if existing != nil && existing.Covers(report) {
			view := existing.Clone()
			s.mu.Unlock()
			if waited {
				metrics.ObserveDedup("joined")
			} else {
				metrics.ObserveDedup("hit")
			}
			return view, nil, nil
		}
		want := keys
		if existing != nil {
			want = unionKeys(keys, existing.Identity().Keys())
		}
		if res := s.inflightLocked(want); res != nil {
			s.mu.Unlock()
			waited = true
			s.logger.Debug("identity in flight, waiting", zap.String("key", want[0]))
			select {
			case <-ctx.Done():
				return nil, nil, fmt.Errorf("await in-flight %s: %w", want[0], ctx.Err())
			case <-res.done:
			}
			continue
		}

		var rec *vehicle.Record
		if existing != nil {
			rec = existing.Clone()
		} else {
			recID, err := s.ids.NewID()
			if err != nil {
				s.mu.Unlock()
				return nil, nil, fmt.Errorf("reserve %s: %w", keys[0], err)
			}
			rec = vehicle.NewRecord(recID)
			if id.HasVIN() {
				rec.VIN = id.VIN
			}
			if id.HasPlate() {
				rec.PlateNumber, rec.PlateRegion = id.PlateNumber, id.PlateRegion
			}
		}
		res := &Reservation{Record: rec, keys: want, done: make(chan struct{})}
		for _, k := range want {
			s.inflight[k] = res
		}
		s.mu.Unlock()
		if existing != nil {
			metrics.ObserveDedup("partial")
		} else {
			metrics.ObserveDedup("miss")
		}
		return nil, res, nil
	}
}

func unionKeys(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, k := range b {
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out
}

// Lookup returns a copy of the stored record for id without reserving.
func (s *Store) Lookup(id vehicle.Identity) (*vehicle.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.lookupLocked(id.Keys())
	return rec.Clone(), rec != nil
}

func (s *Store) lookupLocked(keys []string) *vehicle.Record {
	for _, k := range keys {
		if rec, ok := s.keys[k]; ok {
			return rec
		}
	}
	return nil
}

func (s *Store) inflightLocked(keys []string) *Reservation {
	for _, k := range keys {
		if res, ok := s.inflight[k]; ok {
			return res
		}
	}
	return nil
}

// Publish stores rec as the result of res and wakes its waiters. If a record
// with the same identity already exists, rec is merged into it. The returned
// record is a copy of what was stored.
func (s *Store) Publish(res *Reservation, rec *vehicle.Record) *vehicle.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	canonical := rec
	if existing := s.lookupLocked(rec.Identity().Keys()); existing != nil && existing != rec {
		for _, c := range vehicle.Merge(existing, rec) {
			s.logger.Warn("field conflict on publish", zap.String("record_id", existing.ID),
				zap.String("field", c.Field), zap.String("old", c.Old), zap.String("new", c.New))
		}
		existing.RegistrationHistory = preferNonEmpty(rec.RegistrationHistory, existing.RegistrationHistory)
		existing.Limits = preferNonEmpty(rec.Limits, existing.Limits)
		existing.Inspections = preferNonEmpty(rec.Inspections, existing.Inspections)
		existing.Accidents = preferNonEmpty(rec.Accidents, existing.Accidents)
		existing.Report = existing.Report.Widen(rec.Report)
		existing.UpdatedAt = rec.UpdatedAt
		canonical = existing
	}
	s.indexLocked(canonical)
	for _, k := range res.keys {
		s.keys[k] = canonical
	}
	s.releaseLocked(res)
	return canonical.Clone()
}

// Abandon releases res without a result; waiters retry the lookup.
func (s *Store) Abandon(res *Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(res)
}

func (s *Store) releaseLocked(res *Reservation) {
	res.once.Do(func() {
		for _, k := range res.keys {
			if s.inflight[k] == res {
				delete(s.inflight, k)
			}
		}
		close(res.done)
	})
}

func (s *Store) indexLocked(rec *vehicle.Record) {
	s.records[rec.ID] = rec
	for _, k := range rec.Identity().Keys() {
		s.keys[k] = rec
	}
}

func (s *Store) unindexLocked(rec *vehicle.Record) {
	for k, r := range s.keys {
		if r == rec {
			delete(s.keys, k)
		}
	}
}

func preferNonEmpty[T any](fresh, old []T) []T {
	if len(fresh) > 0 {
		return fresh
	}
	return old
}

// Records returns copies of every stored record ordered by ID.
func (s *Store) Records() []vehicle.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]vehicle.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Record returns a copy of the record with the given ID.
func (s *Store) Record(id string) (vehicle.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return vehicle.Record{}, fmt.Errorf("record %s: %w", id, vehicle.ErrNotFound)
	}
	return *rec.Clone(), nil
}

// FindByNumber looks a record up by VIN or plate as typed by a user.
func (s *Store) FindByNumber(raw string) (vehicle.Record, error) {
	id, err := vehicle.ParseIdentity(raw)
	if err != nil {
		return vehicle.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.lookupLocked(id.Keys())
	if rec == nil {
		return vehicle.Record{}, fmt.Errorf("record %s: %w", id, vehicle.ErrNotFound)
	}
	return *rec.Clone(), nil
}

// Validate checks that rec can be stored.
func Validate(rec vehicle.Record) error {
	id := rec.Identity()
	if !id.HasVIN() && !id.HasPlate() {
		return fmt.Errorf("%w: vin_number or plate number and region required", vehicle.ErrInvalidRecord)
	}
	if id.HasVIN() && utf8.RuneCountInString(rec.VIN) != 17 {
		return fmt.Errorf("%w: vin_number must be 17 characters", vehicle.ErrInvalidRecord)
	}
	if vehicle.Known(rec.PlateNumber) != vehicle.Known(rec.PlateRegion) {
		return fmt.Errorf("%w: plate number and region go together", vehicle.ErrInvalidRecord)
	}
	return nil
}

// Upsert creates or replaces a record. A record without an ID, or with an
// unknown ID, is matched by identity before a new one is created. The VIN of
// an existing record cannot change.
func (s *Store) Upsert(rec vehicle.Record) (stored vehicle.Record, created bool, err error) {
	rec.Normalize()
	if err := Validate(rec); err != nil {
		return vehicle.Record{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.records[rec.ID]
	if existing == nil {
		existing = s.lookupLocked(rec.Identity().Keys())
	}
	rec.UpdatedAt = s.now()
	if existing == nil {
		if rec.ID == "" {
			if rec.ID, err = s.ids.NewID(); err != nil {
				return vehicle.Record{}, false, fmt.Errorf("create record: %w", err)
			}
		}
		fresh := rec.Clone()
		s.indexLocked(fresh)
		return *fresh.Clone(), true, nil
	}
	if !vehicle.Known(rec.VIN) {
		rec.VIN = existing.VIN
	}
	if vehicle.Known(existing.VIN) && existing.VIN != rec.VIN {
		return vehicle.Record{}, false, fmt.Errorf("%w: vin_number of %s cannot change", vehicle.ErrInvalidRecord, existing.ID)
	}
	if other := s.lookupLocked(rec.Identity().Keys()); other != nil && other != existing {
		return vehicle.Record{}, false, fmt.Errorf("%w: identity belongs to record %s", vehicle.ErrInvalidRecord, other.ID)
	}
	s.unindexLocked(existing)
	rec.ID = existing.ID
	if rec.Report == "" {
		rec.Report = existing.Report
	}
	*existing = *rec.Clone()
	s.indexLocked(existing)
	return *existing.Clone(), false, nil
}

// Delete removes a record and detaches it from every requester.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("record %s: %w", id, vehicle.ErrNotFound)
	}
	delete(s.records, id)
	s.unindexLocked(rec)
	for _, req := range s.requesters {
		kept := req.Records[:0]
		for _, r := range req.Records {
			if r != rec {
				kept = append(kept, r)
			}
		}
		req.Records = kept
	}
	return nil
}

func (s *Store) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}
