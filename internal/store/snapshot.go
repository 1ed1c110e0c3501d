package store

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/carscan/internal/vehicle"
)

// Snapshot copies every requester's records. Records no requester resolved
// are listed under Unowned.
func (s *Store) Snapshot() vehicle.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(vehicle.Snapshot, len(s.requesters)+1)
	owned := make(map[*vehicle.Record]bool, len(s.records))
	for id, req := range s.requesters {
		recs := make([]vehicle.Record, 0, len(req.Records))
		for _, r := range req.Records {
			recs = append(recs, *r.Clone())
			owned[r] = true
		}
		snap[id] = recs
	}
	var unowned []vehicle.Record
	for _, r := range s.records {
		if !owned[r] {
			unowned = append(unowned, *r.Clone())
		}
	}
	if len(unowned) > 0 {
		sort.Slice(unowned, func(i, j int) bool { return unowned[i].ID < unowned[j].ID })
		snap[Unowned] = unowned
	}
	return snap
}

// Restore replaces the store contents with snap. Requesters come back Idle.
// Records with the same ID or identity key collapse into one shared
// instance.
func (s *Store) Restore(snap vehicle.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*vehicle.Record)
	s.keys = make(map[string]*vehicle.Record)
	s.requesters = make(map[string]*vehicle.Requester)

	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		var req *vehicle.Requester
		if id != Unowned {
			req = s.requesterLocked(id)
		}
		for i := range snap[id] {
			rec := s.canonicalLocked(snap[id][i])
			if req != nil {
				req.Records = append(req.Records, rec)
			}
		}
	}
	s.logger.Info("state restored", zap.Int("requesters", len(s.requesters)), zap.Int("records", len(s.records)))
}

func (s *Store) canonicalLocked(rec vehicle.Record) *vehicle.Record {
	if existing, ok := s.records[rec.ID]; ok && rec.ID != "" {
		return existing
	}
	if existing := s.lookupLocked(rec.Identity().Keys()); existing != nil {
		return existing
	}
	fresh := rec.Clone()
	fresh.Normalize()
	if fresh.ID == "" {
		if id, err := s.ids.NewID(); err == nil {
			fresh.ID = id
		}
	}
	s.indexLocked(fresh)
	return fresh
}

// Load restores the store from snapshotter.
func (s *Store) Load(ctx context.Context, snapshotter vehicle.Snapshotter) error {
	snap, err := snapshotter.Load(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	s.Restore(snap)
	return nil
}

// Save writes the current snapshot to snapshotter. Saves are serialized and
// each takes its snapshot after the previous one finished, so the last save
// to land always holds the newest state.
func (s *Store) Save(ctx context.Context, snapshotter vehicle.Snapshotter) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if err := snapshotter.Save(ctx, s.Snapshot()); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}
