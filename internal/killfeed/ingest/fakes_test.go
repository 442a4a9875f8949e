package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/killfeedproject/killfeed/internal/common/killfeederrors"
	"github.com/killfeedproject/killfeed/internal/killfeed/model"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

const (
	testEntityID   = int64(90001)
	testCorpID     = int64(80001)
	attackerCharID = int64(95001)
)

func testRef(id int64, occurredAt time.Time) model.KillmailRef {
	return model.KillmailRef{
		ID:         id,
		Hash:       fmt.Sprintf("hash-%d", id),
		OccurredAt: occurredAt,
		TotalValue: 150000,
		Points:     7,
	}
}

func testDetail(occurredAt time.Time) *model.KillmailDetail {
	return &model.KillmailDetail{
		OccurredAt: occurredAt,
		LocationID: 30000142,
		Subject: model.SubjectPayload{
			CharacterID:   testEntityID,
			CorporationID: testCorpID,
			ShipTypeID:    602,
			DamageTaken:   4520,
		},
		Participants: []model.ParticipantPayload{
			{
				CharacterID:   attackerCharID,
				CorporationID: 80002,
				ShipTypeID:    17738,
				WeaponTypeID:  2456,
				DamageDone:    4520,
				FinalBlow:     true,
			},
		},
	}
}

type pageKey struct {
	entityID int64
	page     int
}

// fakeFeed serves scripted pages and summaries. Unscripted pages are empty;
// unscripted summaries are not found.
type fakeFeed struct {
	mu           sync.Mutex
	pages        map[pageKey][]model.KillmailRef
	pageErrs     map[pageKey]error
	summaries    map[int64]model.KillmailRef
	pagesFetched []pageKey
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		pages:     map[pageKey][]model.KillmailRef{},
		pageErrs:  map[pageKey]error{},
		summaries: map[int64]model.KillmailRef{},
	}
}

func (f *fakeFeed) setPage(entityID int64, page int, refs ...model.KillmailRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[pageKey{entityID, page}] = refs
}

func (f *fakeFeed) failPage(entityID int64, page int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageErrs[pageKey{entityID, page}] = err
}

func (f *fakeFeed) setSummary(ref model.KillmailRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries[ref.ID] = ref
}

func (f *fakeFeed) FetchPage(ctx context.Context, entityID int64, page int) ([]model.KillmailRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := pageKey{entityID, page}
	f.pagesFetched = append(f.pagesFetched, key)
	if err := f.pageErrs[key]; err != nil {
		return nil, err
	}
	return f.pages[key], nil
}

func (f *fakeFeed) FetchSummary(ctx context.Context, killmailID int64) (*model.KillmailRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.summaries[killmailID]
	if !ok {
		return nil, &killfeederrors.ErrNotFound{Type: "killmail ref", Value: fmt.Sprintf("%d", killmailID)}
	}
	return &ref, nil
}

func (f *fakeFeed) pageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pagesFetched)
}

// fakeDetail serves scripted detail payloads keyed by (id, hash). Unscripted
// pairs are not found.
type fakeDetail struct {
	mu      sync.Mutex
	details map[string]*model.KillmailDetail
	errs    map[string]error
	calls   int
}

func newFakeDetail() *fakeDetail {
	return &fakeDetail{
		details: map[string]*model.KillmailDetail{},
		errs:    map[string]error{},
	}
}

func detailKey(killmailID int64, hash string) string {
	return fmt.Sprintf("%d/%s", killmailID, hash)
}

func (d *fakeDetail) set(killmailID int64, hash string, detail *model.KillmailDetail) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.details[detailKey(killmailID, hash)] = detail
}

func (d *fakeDetail) fail(killmailID int64, hash string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs[detailKey(killmailID, hash)] = err
}

func (d *fakeDetail) Fetch(ctx context.Context, killmailID int64, hash string) (*model.KillmailDetail, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	key := detailKey(killmailID, hash)
	if err := d.errs[key]; err != nil {
		return nil, err
	}
	detail, ok := d.details[key]
	if !ok {
		return nil, &killfeederrors.ErrNotFound{Type: "killmail detail", Value: key}
	}
	return detail, nil
}

func (d *fakeDetail) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// scriptedIngester returns scripted results by killmail id and records the
// order refs were handed to it. Unscripted refs succeed.
type scriptedIngester struct {
	mu      sync.Mutex
	results map[int64]Result
	seen    []int64
}

func newScriptedIngester() *scriptedIngester {
	return &scriptedIngester{results: map[int64]Result{}}
}

func (si *scriptedIngester) script(killmailID int64, result Result) {
	si.mu.Lock()
	defer si.mu.Unlock()
	result.KillmailID = killmailID
	si.results[killmailID] = result
}

func (si *scriptedIngester) IngestRef(ctx context.Context, ref *model.KillmailRef) Result {
	si.mu.Lock()
	defer si.mu.Unlock()
	si.seen = append(si.seen, ref.ID)
	if result, ok := si.results[ref.ID]; ok {
		return result
	}
	return Result{KillmailID: ref.ID, Success: true, OccurredAt: ref.OccurredAt}
}

func (si *scriptedIngester) seenIDs() []int64 {
	si.mu.Lock()
	defer si.mu.Unlock()
	out := make([]int64, len(si.seen))
	copy(out, si.seen)
	return out
}

// scriptedBackfiller records which entities were swept and how many sweeps ran
// concurrently. A non-nil block channel holds every sweep until it is closed.
type scriptedBackfiller struct {
	mu       sync.Mutex
	running  int
	maxSeen  int
	entities []int64
	errs     map[int64]error
	block    chan struct{}
}

func newScriptedBackfiller() *scriptedBackfiller {
	return &scriptedBackfiller{errs: map[int64]error{}}
}

func (sb *scriptedBackfiller) Backfill(ctx context.Context, entityID int64) (Summary, error) {
	sb.mu.Lock()
	sb.running++
	if sb.running > sb.maxSeen {
		sb.maxSeen = sb.running
	}
	sb.entities = append(sb.entities, entityID)
	err := sb.errs[entityID]
	block := sb.block
	sb.mu.Unlock()

	if block != nil {
		<-block
	}

	sb.mu.Lock()
	sb.running--
	sb.mu.Unlock()

	if err != nil {
		return Summary{EntityID: entityID, StopReason: StopAborted}, err
	}
	return Summary{EntityID: entityID, StopReason: StopPages}, nil
}

func (sb *scriptedBackfiller) sweptEntities() []int64 {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	out := make([]int64, len(sb.entities))
	copy(out, sb.entities)
	return out
}

func (sb *scriptedBackfiller) currentlyRunning() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.running
}

func (sb *scriptedBackfiller) peakConcurrency() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.maxSeen
}
