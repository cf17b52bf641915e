// Package sqldb provides the SQL-backed db.DB implementation using pgx.
package sqldb

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/db"
	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/types"
	"github.com/elonfeng/dinq-analyze-sub001/go/derr"
	"github.com/elonfeng/dinq-analyze-sub001/go/now"
)

// uniqueViolation is the postgres error code for unique constraint failures.
const uniqueViolation = "23505"

// SQLDB implements db.DB on a postgres-compatible database.
type SQLDB struct {
	pool *pgxpool.Pool
}

// New returns a SQL-backed db.DB, creating the schema if necessary.
func New(ctx context.Context, pool *pgxpool.Pool) (*SQLDB, error) {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return nil, derr.Wrapf(err, "creating schema")
	}
	return &SQLDB{pool: pool}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func marshalObject(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		m = map[string]interface{}{}
	}
	return json.Marshal(m)
}

func unmarshalObject(b []byte) (map[string]interface{}, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var rv map[string]interface{}
	if err := json.Unmarshal(b, &rv); err != nil {
		return nil, derr.Wrap(err)
	}
	return rv, nil
}

const jobCols = `id, user_id, source, subject_key, input, options, status, last_seq, COALESCE(idempotency_key, ''), request_hash, created, db_modified`

func scanJob(row pgx.Row) (*types.Job, error) {
	var j types.Job
	var input, options []byte
	var status string
	if err := row.Scan(&j.Id, &j.UserId, &j.Source, &j.SubjectKey, &input, &options, &status, &j.LastSeq, &j.IdempotencyKey, &j.RequestHash, &j.Created, &j.DbModified); err != nil {
		return nil, err
	}
	j.Status = types.JobStatus(status)
	var err error
	if j.Input, err = unmarshalObject(input); err != nil {
		return nil, err
	}
	if j.Options, err = unmarshalObject(options); err != nil {
		return nil, err
	}
	j.Created = j.Created.UTC()
	j.DbModified = j.DbModified.UTC()
	return &j, nil
}

const cardCols = `id, job_id, card_type, status, depends_on, priority, concurrency_group, retry_count, output, internal, created, db_modified`

func scanCard(row pgx.Row) (*types.Card, error) {
	var c types.Card
	var dependsOn, output []byte
	var status string
	if err := row.Scan(&c.Id, &c.JobId, &c.Type, &status, &dependsOn, &c.Priority, &c.ConcurrencyGroup, &c.RetryCount, &output, &c.Internal, &c.Created, &c.DbModified); err != nil {
		return nil, err
	}
	c.Status = types.CardStatus(status)
	if len(dependsOn) > 0 {
		if err := json.Unmarshal(dependsOn, &c.DependsOn); err != nil {
			return nil, derr.Wrap(err)
		}
	}
	if len(output) > 0 {
		var o types.CardOutput
		if err := json.Unmarshal(output, &o); err != nil {
			return nil, derr.Wrap(err)
		}
		c.Output = &o
	}
	c.Created = c.Created.UTC()
	c.DbModified = c.DbModified.UTC()
	return &c, nil
}

// See documentation for db.JobDB interface.
func (d *SQLDB) CreateJobBundle(ctx context.Context, req *db.CreateJobBundleRequest) (*types.Job, bool, error) {
	if req.Source == "" {
		return nil, false, derr.Fmt("Source is required")
	}
	if len(req.Plan) == 0 {
		return nil, false, derr.Fmt("Plan is required")
	}
	userID := req.UserId
	if userID == "" {
		userID = "anonymous"
	}
	job, created, err := d.createJobBundle(ctx, req, userID)
	if err != nil && isUniqueViolation(err) && req.IdempotencyKey != "" {
		// Lost the race against another request with the same key; fall
		// back to reading the winner's job.
		return d.getJobByIdempotencyKey(ctx, userID, req.IdempotencyKey, req.RequestHash)
	}
	return job, created, err
}

func (d *SQLDB) getJobByIdempotencyKey(ctx context.Context, userID, key, requestHash string) (*types.Job, bool, error) {
	row := d.pool.QueryRow(ctx, `SELECT `+jobCols+` FROM Jobs WHERE user_id = $1 AND idempotency_key = $2`, userID, key)
	job, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, db.ErrNotFound
		}
		return nil, false, derr.Wrapf(err, "reading job for idempotency key")
	}
	if job.RequestHash != requestHash {
		return nil, false, db.ErrIdempotencyConflict
	}
	return job, false, nil
}

func (d *SQLDB) createJobBundle(ctx context.Context, req *db.CreateJobBundleRequest, userID string) (*types.Job, bool, error) {
	ts := now.Now(ctx).UTC()
	jobID := req.JobId
	if jobID == "" {
		jobID = uuid.New().String()
	}
	if req.IdempotencyKey != "" {
		// Fast path for replays: an existing binding wins before we try
		// to insert.
		job, created, err := d.getJobByIdempotencyKey(ctx, userID, req.IdempotencyKey, req.RequestHash)
		if err == nil {
			return job, created, nil
		}
		if !db.IsNotFound(err) {
			return nil, false, err
		}
	}
	input, err := marshalObject(req.Input)
	if err != nil {
		return nil, false, derr.Wrap(err)
	}
	options, err := marshalObject(req.Options)
	if err != nil {
		return nil, false, derr.Wrap(err)
	}
	err = d.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		var idemKey interface{}
		if req.IdempotencyKey != "" {
			idemKey = req.IdempotencyKey
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO Jobs (id, user_id, source, subject_key, input, options, status, last_seq, idempotency_key, request_hash, created, db_modified)
VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $10)`,
			jobID, userID, req.Source, req.SubjectKey, input, options, string(types.JobStatusQueued), idemKey, req.RequestHash, ts); err != nil {
			return err
		}
		for i, spec := range req.Plan {
			dependsOn, err := json.Marshal(spec.DependsOn)
			if err != nil {
				return derr.Wrap(err)
			}
			if _, err := tx.Exec(ctx, `
INSERT INTO Cards (id, job_id, card_type, status, depends_on, priority, concurrency_group, retry_count, output, internal, ord, created, db_modified)
VALUES ($1, $2, $3, $4, $5, $6, $7, 0, NULL, $8, $9, $10, $10)`,
				uuid.New().String(), jobID, spec.Type, string(types.CardStatusPending), dependsOn, spec.Priority, spec.ConcurrencyGroup, types.IsInternalCardType(spec.Type), i, ts.Add(time.Duration(i)*time.Nanosecond)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, false, err
		}
		return nil, false, derr.Wrapf(err, "creating job bundle")
	}
	return &types.Job{
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
	}, true, nil
}

// See documentation for db.JobDB interface.
func (d *SQLDB) GetJob(ctx context.Context, id string) (*types.Job, error) {
	row := d.pool.QueryRow(ctx, `SELECT `+jobCols+` FROM Jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, derr.Wrapf(err, "reading job %s", id)
	}
	return job, nil
}

// See documentation for db.JobDB interface.
func (d *SQLDB) GetJobWithCards(ctx context.Context, id string, includeOutput bool) (*types.Job, []*types.Card, error) {
	job, err := d.GetJob(ctx, id)
	if err != nil || job == nil {
		return nil, nil, err
	}
	rows, err := d.pool.Query(ctx, `SELECT `+cardCols+` FROM Cards WHERE job_id = $1 ORDER BY ord`, id)
	if err != nil {
		return nil, nil, derr.Wrapf(err, "reading cards for job %s", id)
	}
	defer rows.Close()
	var cards []*types.Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, nil, derr.Wrap(err)
		}
		if !includeOutput {
			card.Output = nil
		}
		cards = append(cards, card)
	}
	return job, cards, nil
}

// See documentation for db.JobDB interface.
func (d *SQLDB) GetUnfinishedJobs(ctx context.Context) ([]*types.Job, error) {
	rows, err := d.pool.Query(ctx, `SELECT `+jobCols+` FROM Jobs WHERE status IN ($1, $2) ORDER BY created`,
		string(types.JobStatusQueued), string(types.JobStatusRunning))
	if err != nil {
		return nil, derr.Wrapf(err, "reading unfinished jobs")
	}
	defer rows.Close()
	var rv []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, derr.Wrap(err)
		}
		rv = append(rv, job)
	}
	return rv, nil
}

// See documentation for db.JobDB interface.
func (d *SQLDB) GetCard(ctx context.Context, id string) (*types.Card, error) {
	row := d.pool.QueryRow(ctx, `SELECT `+cardCols+` FROM Cards WHERE id = $1`, id)
	card, err := scanCard(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, derr.Wrapf(err, "reading card %s", id)
	}
	return card, nil
}

// See documentation for db.JobDB interface.
func (d *SQLDB) UpdateCardStatus(ctx context.Context, cardID string, status types.CardStatus, output *types.CardOutput, retryCount *int) (*types.Card, error) {
	if !status.Valid() {
		return nil, derr.Fmt("unknown card status %q", status)
	}
	var rv *types.Card
	err := d.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+cardCols+` FROM Cards WHERE id = $1 FOR UPDATE`, cardID)
		card, err := scanCard(row)
		if err != nil {
			if err == pgx.ErrNoRows {
				return db.ErrNotFound
			}
			return derr.Wrap(err)
		}
		card.Status = status
		if output != nil {
			card.Output = card.Output.Merge(output)
		}
		if retryCount != nil {
			card.RetryCount = *retryCount
		}
		card.DbModified = now.Now(ctx).UTC()
		var outputJSON interface{}
		if card.Output != nil {
			b, err := json.Marshal(card.Output)
			if err != nil {
				return derr.Wrap(err)
			}
			outputJSON = b
		}
		if _, err := tx.Exec(ctx, `
UPDATE Cards SET status = $2, output = $3, retry_count = $4, db_modified = $5 WHERE id = $1`,
			cardID, string(card.Status), outputJSON, card.RetryCount, card.DbModified); err != nil {
			return derr.Wrap(err)
		}
		rv = card
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rv, nil
}

// See documentation for db.JobDB interface.
func (d *SQLDB) TryTransitionCard(ctx context.Context, cardID string, from, to types.CardStatus) (bool, error) {
	tag, err := d.pool.Exec(ctx, `UPDATE Cards SET status = $3, db_modified = $4 WHERE id = $1 AND status = $2`,
		cardID, string(from), string(to), now.Now(ctx).UTC())
	if err != nil {
		return false, derr.Wrapf(err, "transitioning card %s", cardID)
	}
	return tag.RowsAffected() > 0, nil
}

// See documentation for db.JobDB interface.
func (d *SQLDB) TryTransitionJob(ctx context.Context, jobID string, from, to types.JobStatus) (bool, error) {
	tag, err := d.pool.Exec(ctx, `UPDATE Jobs SET status = $3, db_modified = $4 WHERE id = $1 AND status = $2`,
		jobID, string(from), string(to), now.Now(ctx).UTC())
	if err != nil {
		return false, derr.Wrapf(err, "transitioning job %s", jobID)
	}
	return tag.RowsAffected() > 0, nil
}

// See documentation for db.JobDB interface.
func (d *SQLDB) TryFinalizeJob(ctx context.Context, jobID string, status types.JobStatus) (bool, error) {
	if !status.IsTerminal() {
		return false, derr.Fmt("status %q is not terminal", status)
	}
	tag, err := d.pool.Exec(ctx, `UPDATE Jobs SET status = $2, db_modified = $3 WHERE id = $1 AND status IN ($4, $5)`,
		jobID, string(status), now.Now(ctx).UTC(), string(types.JobStatusQueued), string(types.JobStatusRunning))
	if err != nil {
		return false, derr.Wrapf(err, "finalizing job %s", jobID)
	}
	return tag.RowsAffected() > 0, nil
}

// readCardsForUpdate reads all cards of the job inside the transaction,
// locking them against concurrent mutation.
func readCardsForUpdate(ctx context.Context, tx pgx.Tx, jobID string) ([]*types.Card, error) {
	rows, err := tx.Query(ctx, `SELECT `+cardCols+` FROM Cards WHERE job_id = $1 ORDER BY ord FOR UPDATE`, jobID)
	if err != nil {
		return nil, derr.Wrap(err)
	}
	defer rows.Close()
	var cards []*types.Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, derr.Wrap(err)
		}
		cards = append(cards, card)
	}
	return cards, nil
}

// See documentation for db.JobDB interface.
func (d *SQLDB) ReleaseReadyCards(ctx context.Context, jobID string) ([]*types.Card, error) {
	var rv []*types.Card
	err := d.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		cards, err := readCardsForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if len(cards) == 0 {
			// Distinguish a missing job from one with no cards.
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM Jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
				return derr.Wrap(err)
			}
			if !exists {
				return db.ErrNotFound
			}
			return nil
		}
		byType := map[string]*types.Card{}
		for _, c := range cards {
			byType[c.Type] = c
		}
		ts := now.Now(ctx).UTC()
		for _, c := range cards {
			if c.Status != types.CardStatusPending {
				continue
			}
			satisfied := true
			for _, dep := range c.DependsOn {
				if depCard, ok := byType[dep]; ok && !depCard.Status.Success() {
					satisfied = false
					break
				}
			}
			if !satisfied {
				continue
			}
			if _, err := tx.Exec(ctx, `UPDATE Cards SET status = $2, db_modified = $3 WHERE id = $1`,
				c.Id, string(types.CardStatusReady), ts); err != nil {
				return derr.Wrap(err)
			}
			c.Status = types.CardStatusReady
			c.DbModified = ts
			rv = append(rv, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rv, nil
}

// See documentation for db.JobDB interface.
func (d *SQLDB) MarkDependentCardsSkipped(ctx context.Context, jobID, failedCardType string) ([]*types.Card, error) {
	var rv []*types.Card
	err := d.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		cards, err := readCardsForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		ts := now.Now(ctx).UTC()
		failed := map[string]bool{failedCardType: true}
		for {
			changed := false
			for _, c := range cards {
				if c.Done() || failed[c.Type] {
					continue
				}
				for _, dep := range c.DependsOn {
					if failed[dep] {
						if _, err := tx.Exec(ctx, `UPDATE Cards SET status = $2, db_modified = $3 WHERE id = $1`,
							c.Id, string(types.CardStatusSkipped), ts); err != nil {
							return derr.Wrap(err)
						}
						c.Status = types.CardStatusSkipped
						c.DbModified = ts
						failed[c.Type] = true
						rv = append(rv, c)
						changed = true
						break
					}
				}
			}
			if !changed {
				return nil
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return rv, nil
}

// See documentation for db.JobDB interface.
func (d *SQLDB) CountCardsByStatus(ctx context.Context, jobID string) (map[types.CardStatus]int, error) {
	rows, err := d.pool.Query(ctx, `SELECT status, COUNT(*) FROM Cards WHERE job_id = $1 GROUP BY status`, jobID)
	if err != nil {
		return nil, derr.Wrapf(err, "counting cards for job %s", jobID)
	}
	defer rows.Close()
	rv := map[types.CardStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, derr.Wrap(err)
		}
		rv[types.CardStatus(status)] = count
	}
	return rv, nil
}

// appendEventTx allocates the next seq and inserts the event within the
// given transaction. The UPDATE ... RETURNING on the job row serializes seq
// allocation per job.
func appendEventTx(ctx context.Context, tx pgx.Tx, jobID, cardID, eventType string, payload map[string]interface{}) (int64, error) {
	ts := now.Now(ctx).UTC()
	var seq int64
	if err := tx.QueryRow(ctx, `UPDATE Jobs SET last_seq = last_seq + 1, db_modified = $2 WHERE id = $1 RETURNING last_seq`, jobID, ts).Scan(&seq); err != nil {
		if err == pgx.ErrNoRows {
			return 0, db.ErrNotFound
		}
		return 0, derr.Wrap(err)
	}
	payloadJSON, err := marshalObject(payload)
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO Events (job_id, seq, card_id, event_type, payload, created)
VALUES ($1, $2, $3, $4, $5, $6)`, jobID, seq, cardID, eventType, payloadJSON, ts); err != nil {
		return 0, derr.Wrap(err)
	}
	return seq, nil
}

// See documentation for db.EventDB interface.
func (d *SQLDB) AppendEvent(ctx context.Context, jobID, cardID, eventType string, payload map[string]interface{}) (int64, error) {
	var seq int64
	err := d.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		var err error
		seq, err = appendEventTx(ctx, tx, jobID, cardID, eventType, payload)
		return err
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// See documentation for db.EventDB interface.
func (d *SQLDB) GetLastSeq(ctx context.Context, jobID string) (int64, error) {
	var seq int64
	if err := d.pool.QueryRow(ctx, `SELECT last_seq FROM Jobs WHERE id = $1`, jobID).Scan(&seq); err != nil {
		if err == pgx.ErrNoRows {
			return 0, db.ErrNotFound
		}
		return 0, derr.Wrapf(err, "reading last_seq for job %s", jobID)
	}
	return seq, nil
}

// See documentation for db.EventDB interface.
func (d *SQLDB) GetEventsAfter(ctx context.Context, jobID string, afterSeq int64) ([]*types.Event, error) {
	rows, err := d.pool.Query(ctx, `
SELECT job_id, seq, card_id, event_type, payload, created FROM Events
WHERE job_id = $1 AND seq > $2 ORDER BY seq`, jobID, afterSeq)
	if err != nil {
		return nil, derr.Wrapf(err, "reading events for job %s", jobID)
	}
	defer rows.Close()
	rv := []*types.Event{}
	for rows.Next() {
		var ev types.Event
		var payload []byte
		if err := rows.Scan(&ev.JobId, &ev.Seq, &ev.CardId, &ev.Type, &payload, &ev.Created); err != nil {
			return nil, derr.Wrap(err)
		}
		if ev.Payload, err = unmarshalObject(payload); err != nil {
			return nil, err
		}
		ev.Created = ev.Created.UTC()
		rv = append(rv, &ev)
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].Seq < rv[j].Seq })
	return rv, nil
}

// See documentation for db.ArtifactDB interface.
func (d *SQLDB) PutArtifact(ctx context.Context, jobID, key string, payload map[string]interface{}) error {
	payloadJSON, err := marshalObject(payload)
	if err != nil {
		return err
	}
	if _, err := d.pool.Exec(ctx, `
INSERT INTO Artifacts (job_id, key, payload, created) VALUES ($1, $2, $3, $4)`,
		jobID, key, payloadJSON, now.Now(ctx).UTC()); err != nil {
		if isUniqueViolation(err) {
			return db.ErrAlreadyExists
		}
		return derr.Wrapf(err, "writing artifact %s for job %s", key, jobID)
	}
	return nil
}

// See documentation for db.ArtifactDB interface.
func (d *SQLDB) GetArtifact(ctx context.Context, jobID, key string) (map[string]interface{}, error) {
	var payload []byte
	if err := d.pool.QueryRow(ctx, `SELECT payload FROM Artifacts WHERE job_id = $1 AND key = $2`, jobID, key).Scan(&payload); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, derr.Wrapf(err, "reading artifact %s for job %s", key, jobID)
	}
	return unmarshalObject(payload)
}

// See documentation for db.ArtifactDB interface.
func (d *SQLDB) GetArtifactsForJob(ctx context.Context, jobID string) (map[string]map[string]interface{}, error) {
	rows, err := d.pool.Query(ctx, `SELECT key, payload FROM Artifacts WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, derr.Wrapf(err, "reading artifacts for job %s", jobID)
	}
	defer rows.Close()
	rv := map[string]map[string]interface{}{}
	for rows.Next() {
		var key string
		var payload []byte
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, derr.Wrap(err)
		}
		if rv[key], err = unmarshalObject(payload); err != nil {
			return nil, err
		}
	}
	return rv, nil
}

// See documentation for db.DB interface.
func (d *SQLDB) CompleteJobFromCache(ctx context.Context, jobID string, completions []*db.CardCompletion, skipCardIds []string, jobEventPayload map[string]interface{}) error {
	return d.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM Jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&status); err != nil {
			if err == pgx.ErrNoRows {
				return db.ErrNotFound
			}
			return derr.Wrap(err)
		}
		if types.JobStatus(status).IsTerminal() {
			return db.ErrAlreadyExists
		}
		ts := now.Now(ctx).UTC()
		for _, comp := range completions {
			outputJSON, err := json.Marshal(comp.Output)
			if err != nil {
				return derr.Wrap(err)
			}
			tag, err := tx.Exec(ctx, `
UPDATE Cards SET status = $2, output = $3, db_modified = $4 WHERE id = $1 AND job_id = $5`,
				comp.CardId, string(types.CardStatusCompleted), outputJSON, ts, jobID)
			if err != nil {
				return derr.Wrap(err)
			}
			if tag.RowsAffected() == 0 {
				return derr.Fmt("card %s does not belong to job %s", comp.CardId, jobID)
			}
			if _, err := appendEventTx(ctx, tx, jobID, comp.CardId, types.EventCardCompleted, comp.EventPayload); err != nil {
				return err
			}
		}
		for _, id := range skipCardIds {
			tag, err := tx.Exec(ctx, `
UPDATE Cards SET status = $2, db_modified = $3 WHERE id = $1 AND job_id = $4`,
				id, string(types.CardStatusSkipped), ts, jobID)
			if err != nil {
				return derr.Wrap(err)
			}
			if tag.RowsAffected() == 0 {
				return derr.Fmt("card %s does not belong to job %s", id, jobID)
			}
		}
		if _, err := tx.Exec(ctx, `UPDATE Jobs SET status = $2, db_modified = $3 WHERE id = $1`,
			jobID, string(types.JobStatusCompleted), ts); err != nil {
			return derr.Wrap(err)
		}
		_, err := appendEventTx(ctx, tx, jobID, "", types.EventJobCompleted, jobEventPayload)
		return err
	})
}

var _ db.DB = (*SQLDB)(nil)
