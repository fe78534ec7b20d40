package db

const jobColumns = `id, cups_job_id, user_id, printer_name, filename, color_mode, status, status_message,
	cancel_pending, page_count, pages_printed, submitted_at, updated_at, last_synced_at, completed_at`

const (
	InsertJob = `
		INSERT INTO print_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	GetJobByID = `SELECT ` + jobColumns + ` FROM print_jobs WHERE id = ?`

	GetJobByIDForUser = `SELECT ` + jobColumns + ` FROM print_jobs WHERE id = ? AND user_id = ?`

	GetActiveJobs = `
		SELECT ` + jobColumns + ` FROM print_jobs
		WHERE status IN ('pending', 'submitted', 'processing', 'held')
			OR (status = 'canceled' AND cancel_pending = 1)
		ORDER BY submitted_at ASC, id ASC
	`

	GetActiveJobsForUser = `
		SELECT ` + jobColumns + ` FROM print_jobs
		WHERE user_id = ? AND status IN ('pending', 'submitted', 'processing', 'held')
		ORDER BY submitted_at ASC, id ASC
	`

	// Optional fields are bound as NULL to keep the stored value.
	// cups_job_id and completed_at are write-once.
	UpdateJobStatus = `
		UPDATE print_jobs SET
			status = ?,
			cups_job_id = COALESCE(cups_job_id, ?),
			pages_printed = COALESCE(?, pages_printed),
			status_message = COALESCE(?, status_message),
			cancel_pending = COALESCE(?, cancel_pending),
			completed_at = COALESCE(completed_at, ?),
			last_synced_at = COALESCE(?, last_synced_at),
			updated_at = ?
		WHERE id = ? AND status = ? AND (? = 0 OR cups_job_id IS NULL)
	`

	JobExists = `SELECT COUNT(*) FROM print_jobs WHERE id = ?`

	JobStatsForUser = `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status IN ('pending', 'submitted', 'processing', 'held') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN color_mode = 'rgb' AND status IN ('completed', 'canceled', 'aborted', 'timed_out') THEN pages_printed ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN color_mode = 'gray' AND status IN ('completed', 'canceled', 'aborted', 'timed_out') THEN pages_printed ELSE 0 END), 0)
		FROM print_jobs WHERE user_id = ?
	`
)

const webhookColumns = `id, name, url, secret, events_json, enabled, created_at`

const (
	InsertWebhook = `
		INSERT INTO webhooks (name, url, secret, events_json, enabled)
		VALUES (?, ?, ?, ?, ?)
	`

	GetWebhookByID = `SELECT ` + webhookColumns + ` FROM webhooks WHERE id = ?`

	ListWebhooks = `SELECT ` + webhookColumns + ` FROM webhooks ORDER BY name ASC`

	ListWebhooksForEvent = `
		SELECT ` + webhookColumns + `
		FROM webhooks WHERE enabled = 1 AND events_json LIKE ? ORDER BY name ASC
	`

	UpdateWebhook = `
		UPDATE webhooks SET name = ?, url = ?, secret = ?, events_json = ?, enabled = ? WHERE id = ?
	`

	DeleteWebhook = `DELETE FROM webhooks WHERE id = ?`
)

const (
	GetAppliedMigrations = `
		SELECT version FROM schema_migrations
	`
)
