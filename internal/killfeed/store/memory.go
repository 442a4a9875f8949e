package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/killfeedproject/killfeed/internal/common/killfeederrors"
	"github.com/killfeedproject/killfeed/internal/killfeed/model"
)

var (
	_ Store       = (*MemoryStore)(nil)
	_ Transaction = (*memoryTransaction)(nil)
)

// MemoryStore is a complete in-memory Store used in tests. Failure injection
// works by queueing errors on the exported slices; each matching call pops one
// entry, and a nil entry means that call succeeds.
type MemoryStore struct {
	mu sync.Mutex

	killmails    map[int64]model.Killmail
	victims      map[int64]model.Victim
	attackers    map[int64][]AttackerRow
	involvements map[int64][]model.Involvement
	losses       map[int64]model.CharacterLoss
	tracked      map[int64]model.TrackedCharacter
	checkpoints  map[string]model.Checkpoint

	ExistsErrors     []error
	TxErrors         []error
	CheckpointErrors []error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		killmails:    map[int64]model.Killmail{},
		victims:      map[int64]model.Victim{},
		attackers:    map[int64][]AttackerRow{},
		involvements: map[int64][]model.Involvement{},
		losses:       map[int64]model.CharacterLoss{},
		tracked:      map[int64]model.TrackedCharacter{},
		checkpoints:  map[string]model.Checkpoint{},
	}
}

func (s *MemoryStore) Exists(ctx context.Context, killmailID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := popError(&s.ExistsErrors); err != nil {
		return false, err
	}
	_, ok := s.killmails[killmailID]
	return ok, nil
}

func (s *MemoryStore) GetKillmail(ctx context.Context, killmailID int64) (*model.Killmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	km, ok := s.killmails[killmailID]
	if !ok {
		return nil, &killfeederrors.ErrNotFound{Type: "killmail", Value: fmt.Sprintf("%d", killmailID)}
	}
	return &km, nil
}

// InTransaction holds the store lock for the whole action and rolls every map
// back to its pre-action state when the action fails.
func (s *MemoryStore) InTransaction(ctx context.Context, action func(tx Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := popError(&s.TxErrors); err != nil {
		return err
	}

	snapshot := s.snapshotLocked()
	if err := action(&memoryTransaction{store: s}); err != nil {
		s.restoreLocked(snapshot)
		return err
	}
	return nil
}

func (s *MemoryStore) GetCheckpoint(ctx context.Context, stream string) (model.Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[stream]
	return cp, ok, nil
}

func (s *MemoryStore) AdvanceCheckpoint(ctx context.Context, stream string, newID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := popError(&s.CheckpointErrors); err != nil {
		return &killfeederrors.ErrCheckpointWrite{Stream: stream, Err: err}
	}
	current, ok := s.checkpoints[stream]
	if ok && newID <= current.LastSeenID {
		return nil
	}
	s.checkpoints[stream] = model.Checkpoint{StreamName: stream, LastSeenID: newID, LastSeenAt: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) ListTrackedCharacters(ctx context.Context) ([]model.TrackedCharacter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := maps.Keys(s.tracked)
	slices.Sort(ids)
	characters := make([]model.TrackedCharacter, 0, len(ids))
	for _, id := range ids {
		characters = append(characters, s.tracked[id])
	}
	return characters, nil
}

func (s *MemoryStore) GetTrackedCharacter(ctx context.Context, entityID int64) (model.TrackedCharacter, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.tracked[entityID]
	return tc, ok, nil
}

func (s *MemoryStore) GetTrackedEntityIDs(ctx context.Context) (map[int64]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[int64]bool, len(s.tracked))
	for id := range s.tracked {
		ids[id] = true
	}
	return ids, nil
}

func (s *MemoryStore) UpsertTrackedCharacter(ctx context.Context, character model.TrackedCharacter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tracked[character.EntityID]; ok {
		existing.Name = character.Name
		s.tracked[character.EntityID] = existing
		return nil
	}
	character.LastBackfillAt = time.Time{}
	s.tracked[character.EntityID] = character
	return nil
}

func (s *MemoryStore) DeleteTrackedCharacter(ctx context.Context, entityID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tracked, entityID)
	return nil
}

func (s *MemoryStore) TouchLastBackfill(ctx context.Context, entityID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tc, ok := s.tracked[entityID]; ok {
		tc.LastBackfillAt = at
		s.tracked[entityID] = tc
	}
	return nil
}

// KillmailCount reports the number of stored killmail fact rows.
func (s *MemoryStore) KillmailCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.killmails)
}

// AttackerRows returns the stored attacker rows for a killmail, by position.
func (s *MemoryStore) AttackerRows(killmailID int64) []AttackerRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.attackers[killmailID])
}

// InvolvementRows returns the stored involvement rows for a killmail.
func (s *MemoryStore) InvolvementRows(killmailID int64) []model.Involvement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.involvements[killmailID])
}

// Loss returns the stored loss row for a killmail, if any.
func (s *MemoryStore) Loss(killmailID int64) (model.CharacterLoss, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loss, ok := s.losses[killmailID]
	return loss, ok
}

// VictimOf returns the stored victim row for a killmail, if any.
func (s *MemoryStore) VictimOf(killmailID int64) (model.Victim, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	victim, ok := s.victims[killmailID]
	return victim, ok
}

// TrackedCharacter returns the stored tracked row for an entity, if any.
func (s *MemoryStore) TrackedCharacter(entityID int64) (model.TrackedCharacter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.tracked[entityID]
	return tc, ok
}

type memorySnapshot struct {
	killmails    map[int64]model.Killmail
	victims      map[int64]model.Victim
	attackers    map[int64][]AttackerRow
	involvements map[int64][]model.Involvement
	losses       map[int64]model.CharacterLoss
}

func (s *MemoryStore) snapshotLocked() memorySnapshot {
	snap := memorySnapshot{
		killmails:    maps.Clone(s.killmails),
		victims:      maps.Clone(s.victims),
		attackers:    make(map[int64][]AttackerRow, len(s.attackers)),
		involvements: make(map[int64][]model.Involvement, len(s.involvements)),
		losses:       maps.Clone(s.losses),
	}
	for id, rows := range s.attackers {
		snap.attackers[id] = slices.Clone(rows)
	}
	for id, rows := range s.involvements {
		snap.involvements[id] = slices.Clone(rows)
	}
	return snap
}

func (s *MemoryStore) restoreLocked(snap memorySnapshot) {
	s.killmails = snap.killmails
	s.victims = snap.victims
	s.attackers = snap.attackers
	s.involvements = snap.involvements
	s.losses = snap.losses
}

// memoryTransaction mutates the store maps directly; the store lock is
// already held for the duration of InTransaction.
type memoryTransaction struct {
	store *MemoryStore
}

func (t *memoryTransaction) InsertKillmail(ctx context.Context, vk *model.ValidatedKillmail) error {
	s := t.store
	if _, exists := s.killmails[vk.Killmail.KillmailID]; !exists {
		s.killmails[vk.Killmail.KillmailID] = vk.Killmail
	}
	s.victims[vk.Victim.KillmailID] = vk.Victim
	return nil
}

func (t *memoryTransaction) FindAttackers(ctx context.Context, killmailID int64) ([]AttackerRow, error) {
	return slices.Clone(t.store.attackers[killmailID]), nil
}

func (t *memoryTransaction) DeleteAttackers(ctx context.Context, killmailID int64, positions []int) error {
	doomed := make(map[int]bool, len(positions))
	for _, p := range positions {
		doomed[p] = true
	}
	rows := t.store.attackers[killmailID]
	kept := rows[:0:0]
	for _, row := range rows {
		if !doomed[row.Position] {
			kept = append(kept, row)
		}
	}
	t.store.attackers[killmailID] = kept
	return nil
}

func (t *memoryTransaction) CreateAttackers(ctx context.Context, killmailID int64, rows []AttackerRow) error {
	stored := t.store.attackers[killmailID]
	for _, row := range rows {
		row.Attacker.KillmailID = killmailID
		stored = append(stored, row)
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].Position < stored[j].Position })
	t.store.attackers[killmailID] = stored
	return nil
}

func (t *memoryTransaction) FindInvolvements(ctx context.Context, killmailID int64) ([]model.Involvement, error) {
	return slices.Clone(t.store.involvements[killmailID]), nil
}

func (t *memoryTransaction) DeleteInvolvements(ctx context.Context, killmailID int64, rows []model.Involvement) error {
	doomed := make(map[string]bool, len(rows))
	for _, inv := range rows {
		doomed[inv.Key()] = true
	}
	stored := t.store.involvements[killmailID]
	kept := stored[:0:0]
	for _, inv := range stored {
		if !doomed[inv.Key()] {
			kept = append(kept, inv)
		}
	}
	t.store.involvements[killmailID] = kept
	return nil
}

func (t *memoryTransaction) CreateInvolvements(ctx context.Context, rows []model.Involvement) error {
	for _, inv := range rows {
		stored := t.store.involvements[inv.KillmailID]
		exists := false
		for _, have := range stored {
			if have.Key() == inv.Key() {
				exists = true
				break
			}
		}
		if !exists {
			t.store.involvements[inv.KillmailID] = append(stored, inv)
		}
	}
	return nil
}

func (t *memoryTransaction) UpsertLoss(ctx context.Context, loss *model.CharacterLoss) error {
	t.store.losses[loss.KillmailID] = *loss
	return nil
}

func popError(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}
