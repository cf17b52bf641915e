package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/types"
	"github.com/elonfeng/dinq-analyze-sub001/go/derr"
	"github.com/elonfeng/dinq-analyze-sub001/go/now"
)

// inMemoryDB is a simple, mutex-guarded DB implementation. It backs tests
// and single-process deployments without a database.
type inMemoryDB struct {
	mtx sync.RWMutex

	jobs       map[string]*types.Job
	cards      map[string]*types.Card
	cardsByJob map[string][]string // insertion order of card ids per job.
	events     map[string][]*types.Event
	artifacts  map[string]map[string]*types.Artifact

	// idempotency maps userID + "\x00" + key to a job id.
	idempotency map[string]string
}

// NewInMemoryDB returns an in-memory DB implementation.
func NewInMemoryDB() DB {
	return &inMemoryDB{
		jobs:        map[string]*types.Job{},
		cards:       map[string]*types.Card{},
		cardsByJob:  map[string][]string{},
		events:      map[string][]*types.Event{},
		artifacts:   map[string]map[string]*types.Artifact{},
		idempotency: map[string]string{},
	}
}

func idempotencyKey(userID, key string) string {
	return userID + "\x00" + key
}

// See documentation for JobDB interface.
func (d *inMemoryDB) CreateJobBundle(ctx context.Context, req *CreateJobBundleRequest) (*types.Job, bool, error) {
	if req.Source == "" {
		return nil, false, derr.Fmt("Source is required")
	}
	if len(req.Plan) == 0 {
		return nil, false, derr.Fmt("Plan is required")
	}
	seen := map[string]bool{}
	for _, spec := range req.Plan {
		if spec.Type == "" {
			return nil, false, derr.Fmt("plan contains a card with no type")
		}
		if seen[spec.Type] {
			return nil, false, derr.Fmt("plan contains duplicate card type %q", spec.Type)
		}
		seen[spec.Type] = true
	}
	userID := req.UserId
	if userID == "" {
		userID = "anonymous"
	}

	d.mtx.Lock()
	defer d.mtx.Unlock()

	if req.IdempotencyKey != "" {
		if existingID, ok := d.idempotency[idempotencyKey(userID, req.IdempotencyKey)]; ok {
			existing := d.jobs[existingID]
			if existing == nil {
				return nil, false, derr.Fmt("idempotency key bound to missing job %s", existingID)
			}
			if existing.RequestHash != req.RequestHash {
				return nil, false, ErrIdempotencyConflict
			}
			return existing.Copy(), false, nil
		}
	}

	ts := now.Now(ctx)
	jobID := req.JobId
	if jobID == "" {
		jobID = uuid.New().String()
	}
	if d.jobs[jobID] != nil {
		return nil, false, ErrAlreadyExists
	}
	job := &types.Job{
		Id:             jobID,
		UserId:         userID,
		Source:         req.Source,
		SubjectKey:     req.SubjectKey,
		Input:          types.CopyObject(req.Input),
		Options:        types.CopyObject(req.Options),
		Status:         types.JobStatusQueued,
		IdempotencyKey: req.IdempotencyKey,
		RequestHash:    req.RequestHash,
		Created:        ts,
		DbModified:     ts,
	}
	d.jobs[jobID] = job
	for i, spec := range req.Plan {
		card := &types.Card{
			Id:               uuid.New().String(),
			JobId:            jobID,
			Type:             spec.Type,
			Status:           types.CardStatusPending,
			DependsOn:        append([]string(nil), spec.DependsOn...),
			Priority:         spec.Priority,
			ConcurrencyGroup: spec.ConcurrencyGroup,
			Internal:         types.IsInternalCardType(spec.Type),
			// Preserve plan order for dispatch tie-breaking.
			Created:    ts.Add(time.Duration(i) * time.Nanosecond),
			DbModified: ts,
		}
		d.cards[card.Id] = card
		d.cardsByJob[jobID] = append(d.cardsByJob[jobID], card.Id)
	}
	if req.IdempotencyKey != "" {
		d.idempotency[idempotencyKey(userID, req.IdempotencyKey)] = jobID
	}
	return job.Copy(), true, nil
}

// See documentation for JobDB interface.
func (d *inMemoryDB) GetJob(ctx context.Context, id string) (*types.Job, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	if job := d.jobs[id]; job != nil {
		return job.Copy(), nil
	}
	return nil, nil
}

// See documentation for JobDB interface.
func (d *inMemoryDB) GetJobWithCards(ctx context.Context, id string, includeOutput bool) (*types.Job, []*types.Card, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	job := d.jobs[id]
	if job == nil {
		return nil, nil, nil
	}
	cards := make([]*types.Card, 0, len(d.cardsByJob[id]))
	for _, cardID := range d.cardsByJob[id] {
		c := d.cards[cardID].Copy()
		if !includeOutput {
			c.Output = nil
		}
		cards = append(cards, c)
	}
	return job.Copy(), cards, nil
}

// See documentation for JobDB interface.
func (d *inMemoryDB) GetUnfinishedJobs(ctx context.Context) ([]*types.Job, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	rv := []*types.Job{}
	for _, job := range d.jobs {
		if !job.Done() {
			rv = append(rv, job.Copy())
		}
	}
	sort.Sort(types.JobSlice(rv))
	return rv, nil
}

// See documentation for JobDB interface.
func (d *inMemoryDB) GetCard(ctx context.Context, id string) (*types.Card, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	if card := d.cards[id]; card != nil {
		return card.Copy(), nil
	}
	return nil, nil
}

// See documentation for JobDB interface.
func (d *inMemoryDB) UpdateCardStatus(ctx context.Context, cardID string, status types.CardStatus, output *types.CardOutput, retryCount *int) (*types.Card, error) {
	if !status.Valid() {
		return nil, derr.Fmt("unknown card status %q", status)
	}
	d.mtx.Lock()
	defer d.mtx.Unlock()
	card := d.cards[cardID]
	if card == nil {
		return nil, ErrNotFound
	}
	card.Status = status
	if output != nil {
		card.Output = card.Output.Merge(output)
	}
	if retryCount != nil {
		card.RetryCount = *retryCount
	}
	card.DbModified = now.Now(ctx)
	return card.Copy(), nil
}

// See documentation for JobDB interface.
func (d *inMemoryDB) TryTransitionCard(ctx context.Context, cardID string, from, to types.CardStatus) (bool, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	card := d.cards[cardID]
	if card == nil {
		return false, ErrNotFound
	}
	if card.Status != from {
		return false, nil
	}
	card.Status = to
	card.DbModified = now.Now(ctx)
	return true, nil
}

// See documentation for JobDB interface.
func (d *inMemoryDB) TryTransitionJob(ctx context.Context, jobID string, from, to types.JobStatus) (bool, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	job := d.jobs[jobID]
	if job == nil {
		return false, ErrNotFound
	}
	if job.Status != from {
		return false, nil
	}
	job.Status = to
	job.DbModified = now.Now(ctx)
	return true, nil
}

// See documentation for JobDB interface.
func (d *inMemoryDB) TryFinalizeJob(ctx context.Context, jobID string, status types.JobStatus) (bool, error) {
	if !status.IsTerminal() {
		return false, derr.Fmt("status %q is not terminal", status)
	}
	d.mtx.Lock()
	defer d.mtx.Unlock()
	job := d.jobs[jobID]
	if job == nil {
		return false, ErrNotFound
	}
	if job.Done() {
		return false, nil
	}
	job.Status = status
	job.DbModified = now.Now(ctx)
	return true, nil
}

// depsSatisfiedLocked returns true if every dependency of the card is
// completed or skipped. A dependency type which has no card in the job
// counts as satisfied; the fast path omits internal cards entirely.
func (d *inMemoryDB) depsSatisfiedLocked(jobID string, card *types.Card) bool {
	byType := map[string]*types.Card{}
	for _, cardID := range d.cardsByJob[jobID] {
		c := d.cards[cardID]
		byType[c.Type] = c
	}
	for _, dep := range card.DependsOn {
		if depCard, ok := byType[dep]; ok && !depCard.Status.Success() {
			return false
		}
	}
	return true
}

// See documentation for JobDB interface.
func (d *inMemoryDB) ReleaseReadyCards(ctx context.Context, jobID string) ([]*types.Card, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.jobs[jobID] == nil {
		return nil, ErrNotFound
	}
	ts := now.Now(ctx)
	rv := []*types.Card{}
	for _, cardID := range d.cardsByJob[jobID] {
		card := d.cards[cardID]
		if card.Status != types.CardStatusPending {
			continue
		}
		if d.depsSatisfiedLocked(jobID, card) {
			card.Status = types.CardStatusReady
			card.DbModified = ts
			rv = append(rv, card.Copy())
		}
	}
	return rv, nil
}

// See documentation for JobDB interface.
func (d *inMemoryDB) MarkDependentCardsSkipped(ctx context.Context, jobID, failedCardType string) ([]*types.Card, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.jobs[jobID] == nil {
		return nil, ErrNotFound
	}
	ts := now.Now(ctx)
	failed := map[string]bool{failedCardType: true}
	rv := []*types.Card{}
	// Transitive closure over DependsOn.
	for {
		changed := false
		for _, cardID := range d.cardsByJob[jobID] {
			card := d.cards[cardID]
			if card.Done() || failed[card.Type] {
				continue
			}
			for _, dep := range card.DependsOn {
				if failed[dep] {
					card.Status = types.CardStatusSkipped
					card.DbModified = ts
					failed[card.Type] = true
					rv = append(rv, card.Copy())
					changed = true
					break
				}
			}
		}
		if !changed {
			break
		}
	}
	return rv, nil
}

// See documentation for JobDB interface.
func (d *inMemoryDB) CountCardsByStatus(ctx context.Context, jobID string) (map[types.CardStatus]int, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	if d.jobs[jobID] == nil {
		return nil, ErrNotFound
	}
	rv := map[types.CardStatus]int{}
	for _, cardID := range d.cardsByJob[jobID] {
		rv[d.cards[cardID].Status]++
	}
	return rv, nil
}

// appendEventLocked allocates the next seq and appends the event. Callers
// must hold the write lock.
func (d *inMemoryDB) appendEventLocked(ctx context.Context, jobID, cardID, eventType string, payload map[string]interface{}) (int64, error) {
	job := d.jobs[jobID]
	if job == nil {
		return 0, ErrNotFound
	}
	seq := job.LastSeq + 1
	ev := &types.Event{
		JobId:   jobID,
		Seq:     seq,
		CardId:  cardID,
		Type:    eventType,
		Payload: types.CopyObject(payload),
		Created: now.Now(ctx),
	}
	d.events[jobID] = append(d.events[jobID], ev)
	job.LastSeq = seq
	return seq, nil
}

// See documentation for EventDB interface.
func (d *inMemoryDB) AppendEvent(ctx context.Context, jobID, cardID, eventType string, payload map[string]interface{}) (int64, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.appendEventLocked(ctx, jobID, cardID, eventType, payload)
}

// See documentation for EventDB interface.
func (d *inMemoryDB) GetLastSeq(ctx context.Context, jobID string) (int64, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	job := d.jobs[jobID]
	if job == nil {
		return 0, ErrNotFound
	}
	return job.LastSeq, nil
}

// See documentation for EventDB interface.
func (d *inMemoryDB) GetEventsAfter(ctx context.Context, jobID string, afterSeq int64) ([]*types.Event, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	rv := []*types.Event{}
	for _, ev := range d.events[jobID] {
		if ev.Seq > afterSeq {
			rv = append(rv, ev.Copy())
		}
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].Seq < rv[j].Seq })
	return rv, nil
}

// See documentation for ArtifactDB interface.
func (d *inMemoryDB) PutArtifact(ctx context.Context, jobID, key string, payload map[string]interface{}) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	byKey := d.artifacts[jobID]
	if byKey == nil {
		byKey = map[string]*types.Artifact{}
		d.artifacts[jobID] = byKey
	}
	if _, ok := byKey[key]; ok {
		return ErrAlreadyExists
	}
	byKey[key] = &types.Artifact{
		JobId:   jobID,
		Key:     key,
		Payload: types.CopyObject(payload),
		Created: now.Now(ctx),
	}
	return nil
}

// See documentation for ArtifactDB interface.
func (d *inMemoryDB) GetArtifact(ctx context.Context, jobID, key string) (map[string]interface{}, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	if a := d.artifacts[jobID][key]; a != nil {
		return types.CopyObject(a.Payload), nil
	}
	return nil, nil
}

// See documentation for ArtifactDB interface.
func (d *inMemoryDB) GetArtifactsForJob(ctx context.Context, jobID string) (map[string]map[string]interface{}, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	rv := map[string]map[string]interface{}{}
	for key, a := range d.artifacts[jobID] {
		rv[key] = types.CopyObject(a.Payload)
	}
	return rv, nil
}

// See documentation for DB interface.
func (d *inMemoryDB) CompleteJobFromCache(ctx context.Context, jobID string, completions []*CardCompletion, skipCardIds []string, jobEventPayload map[string]interface{}) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	job := d.jobs[jobID]
	if job == nil {
		return ErrNotFound
	}
	if job.Done() {
		return ErrAlreadyExists
	}
	ts := now.Now(ctx)
	for _, comp := range completions {
		card := d.cards[comp.CardId]
		if card == nil || card.JobId != jobID {
			return derr.Fmt("card %s does not belong to job %s", comp.CardId, jobID)
		}
		card.Status = types.CardStatusCompleted
		card.Output = card.Output.Merge(comp.Output)
		card.DbModified = ts
		if _, err := d.appendEventLocked(ctx, jobID, card.Id, types.EventCardCompleted, comp.EventPayload); err != nil {
			return err
		}
	}
	for _, id := range skipCardIds {
		card := d.cards[id]
		if card == nil || card.JobId != jobID {
			return derr.Fmt("card %s does not belong to job %s", id, jobID)
		}
		card.Status = types.CardStatusSkipped
		card.DbModified = ts
	}
	job.Status = types.JobStatusCompleted
	job.DbModified = ts
	_, err := d.appendEventLocked(ctx, jobID, "", types.EventJobCompleted, jobEventPayload)
	return err
}

var _ DB = (*inMemoryDB)(nil)
