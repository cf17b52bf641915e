package sqldb

// Schema is the SQL schema for jobs, cards, events, and artifacts. The event
// log is append-only; seq allocation is serialized per job by the row lock
// taken when advancing jobs.last_seq.
const Schema = `
CREATE TABLE IF NOT EXISTS Jobs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	source TEXT NOT NULL,
	subject_key TEXT NOT NULL DEFAULT '',
	input JSONB NOT NULL DEFAULT '{}',
	options JSONB NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	last_seq BIGINT NOT NULL DEFAULT 0,
	idempotency_key TEXT,
	request_hash TEXT NOT NULL DEFAULT '',
	created TIMESTAMPTZ NOT NULL,
	db_modified TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS jobs_idempotency
	ON Jobs (user_id, idempotency_key)
	WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS jobs_by_status ON Jobs (status);

CREATE TABLE IF NOT EXISTS Cards (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES Jobs (id),
	card_type TEXT NOT NULL,
	status TEXT NOT NULL,
	depends_on JSONB NOT NULL DEFAULT '[]',
	priority INT NOT NULL DEFAULT 0,
	concurrency_group TEXT NOT NULL DEFAULT 'default',
	retry_count INT NOT NULL DEFAULT 0,
	output JSONB,
	internal BOOL NOT NULL DEFAULT FALSE,
	ord INT NOT NULL,
	created TIMESTAMPTZ NOT NULL,
	db_modified TIMESTAMPTZ NOT NULL,
	UNIQUE (job_id, card_type)
);
CREATE INDEX IF NOT EXISTS cards_by_job ON Cards (job_id, ord);

CREATE TABLE IF NOT EXISTS Events (
	job_id TEXT NOT NULL REFERENCES Jobs (id),
	seq BIGINT NOT NULL,
	card_id TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}',
	created TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (job_id, seq)
);

CREATE TABLE IF NOT EXISTS Artifacts (
	job_id TEXT NOT NULL REFERENCES Jobs (id),
	key TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}',
	created TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (job_id, key)
);
`
