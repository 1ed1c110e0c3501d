package store

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/carscan/internal/vehicle"
)

func (s *Store) requesterLocked(id string) *vehicle.Requester {
	req, ok := s.requesters[id]
	if !ok {
		req = &vehicle.Requester{ID: id, State: vehicle.StateIdle}
		s.requesters[id] = req
	}
	return req
}

// Register adds an idle requester if it is not known yet and returns its
// current state.
func (s *Store) Register(id string) vehicle.RequesterState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requesterLocked(id).State
}

// State returns the requester's state; unknown requesters are Idle.
func (s *Store) State(id string) vehicle.RequesterState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := s.requesters[id]; ok {
		return req.State
	}
	return vehicle.StateIdle
}

// BeginInput moves an idle requester to AwaitingInput.
func (s *Store) BeginInput(id string) error {
	return s.transition(id, vehicle.StateAwaitingInput, vehicle.StateIdle, vehicle.StateAwaitingInput)
}

// CancelInput moves a requester that was asked for input back to Idle.
func (s *Store) CancelInput(id string) error {
	return s.transition(id, vehicle.StateIdle, vehicle.StateIdle, vehicle.StateAwaitingInput)
}

// Admit queues a request for an idle or input-awaiting requester. A
// requester with a queued or running request gets ErrAlreadyInProgress.
func (s *Store) Admit(id string) error {
	return s.transition(id, vehicle.StateQueued, vehicle.StateIdle, vehicle.StateAwaitingInput)
}

// MarkProcessing moves a queued requester to Processing.
func (s *Store) MarkProcessing(id string) error {
	return s.transition(id, vehicle.StateProcessing, vehicle.StateQueued)
}

// Finish returns a requester to Idle from any state.
func (s *Store) Finish(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requesterLocked(id).State = vehicle.StateIdle
}

func (s *Store) transition(id string, to vehicle.RequesterState, from ...vehicle.RequesterState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := s.requesterLocked(id)
	for _, st := range from {
		if req.State == st {
			s.logger.Debug("requester state", zap.String("requester_id", id),
				zap.String("from", string(req.State)), zap.String("to", string(to)))
			req.State = to
			return nil
		}
	}
	if req.State.Busy() {
		return fmt.Errorf("requester %s is %s: %w", id, req.State, vehicle.ErrAlreadyInProgress)
	}
	return fmt.Errorf("requester %s cannot move from %s to %s: %w", id, req.State, to, vehicle.ErrAlreadyInProgress)
}

// Attach records that requester id resolved the stored record recordID.
// Requesters share the stored instance. Unknown IDs are ignored.
func (s *Store) Attach(id, recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordID]
	if !ok {
		return
	}
	req := s.requesterLocked(id)
	for _, r := range req.Records {
		if r == rec {
			return
		}
	}
	req.Records = append(req.Records, rec)
}

// RequesterRecords returns copies of the records requester id resolved, in
// the order they were attached.
func (s *Store) RequesterRecords(id string) []vehicle.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requesters[id]
	if !ok {
		return nil
	}
	out := make([]vehicle.Record, 0, len(req.Records))
	for _, r := range req.Records {
		out = append(out, *r.Clone())
	}
	return out
}

// Registered reports whether requester id has been seen.
func (s *Store) Registered(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.requesters[id]
	return ok
}
