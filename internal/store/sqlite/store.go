package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"traffic_marl/internal/domain"

	_ "modernc.org/sqlite"
)

var ErrRunNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	mode TEXT NOT NULL,
	status TEXT NOT NULL,
	agents TEXT NOT NULL,
	config TEXT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS episodes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	episode INTEGER NOT NULL,
	total_reward REAL NOT NULL,
	avg_loss REAL NOT NULL,
	steps INTEGER NOT NULL,
	epsilon REAL NOT NULL,
	train_steps INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(run_id, episode),
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS steps (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	episode INTEGER NOT NULL,
	step INTEGER NOT NULL,
	reward REAL NOT NULL,
	total_reward REAL NOT NULL,
	vehicle_count INTEGER NOT NULL,
	avg_speed REAL NOT NULL,
	per_agent TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id, episode, step);

CREATE TABLE IF NOT EXISTS run_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, created_at);

CREATE TABLE IF NOT EXISTS model_files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	path TEXT NOT NULL,
	allowed INTEGER NOT NULL,
	reason TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_model_files_run ON model_files(run_id, created_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, run domain.Run) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}
	if run.Status == "" {
		run.Status = domain.RunStatusRunning
	}
	agents, err := json.Marshal(run.Agents)
	if err != nil {
		return fmt.Errorf("marshal run agents: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO runs(id, mode, status, agents, config, last_error, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Mode), string(run.Status), string(agents), rawOrEmpty(run.Config),
		run.LastError, run.CreatedAt.Unix(), run.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, mode, status, agents, config, last_error, created_at, updated_at
		FROM runs WHERE id = ?`,
		runID,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, ErrRunNotFound
	}
	if err != nil {
		return domain.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, mode, status, agents, config, last_error, created_at, updated_at
		FROM runs ORDER BY created_at DESC, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		result = append(result, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return result, nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus, lastError string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, time.Now().UTC().Unix(), runID,
	)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// RecordEpisode upserts the metrics row for (run, episode).
func (s *Store) RecordEpisode(ctx context.Context, m domain.EpisodeMetrics) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO episodes(run_id, episode, total_reward, avg_loss, steps, epsilon, train_steps, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, episode) DO UPDATE SET
			total_reward = excluded.total_reward,
			avg_loss = excluded.avg_loss,
			steps = excluded.steps,
			epsilon = excluded.epsilon,
			train_steps = excluded.train_steps`,
		m.RunID, m.Episode, m.TotalReward, m.AvgLoss, m.Steps, m.Epsilon, m.TrainSteps, m.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record episode: %w", err)
	}
	return nil
}

func (s *Store) ListEpisodes(ctx context.Context, runID string) ([]domain.EpisodeMetrics, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT run_id, episode, total_reward, avg_loss, steps, epsilon, train_steps, created_at
		FROM episodes WHERE run_id = ? ORDER BY episode ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	defer rows.Close()

	result := make([]domain.EpisodeMetrics, 0)
	for rows.Next() {
		var m domain.EpisodeMetrics
		var created int64
		if err := rows.Scan(&m.RunID, &m.Episode, &m.TotalReward, &m.AvgLoss, &m.Steps, &m.Epsilon, &m.TrainSteps, &created); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		m.CreatedAt = unixToTime(created)
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate episodes: %w", err)
	}
	return result, nil
}

func (s *Store) RecordStep(ctx context.Context, sum domain.StepSummary) error {
	if sum.Timestamp.IsZero() {
		sum.Timestamp = time.Now().UTC()
	}
	perAgent, err := json.Marshal(sum.PerAgent)
	if err != nil {
		return fmt.Errorf("marshal per-agent step: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO steps(run_id, episode, step, reward, total_reward, vehicle_count, avg_speed, per_agent, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.RunID, sum.Episode, sum.Step, sum.Reward, sum.TotalReward, sum.VehicleCount, sum.AvgSpeed,
		string(perAgent), sum.Timestamp.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record step: %w", err)
	}
	return nil
}

// ListSteps returns the most recent steps of a run, newest first.
func (s *Store) ListSteps(ctx context.Context, runID string, limit int) ([]domain.StepSummary, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT run_id, episode, step, reward, total_reward, vehicle_count, avg_speed, per_agent, created_at
		FROM steps WHERE run_id = ?
		ORDER BY id DESC
		LIMIT ?`,
		runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	result := make([]domain.StepSummary, 0, limit)
	for rows.Next() {
		var sum domain.StepSummary
		var perAgent string
		var created int64
		if err := rows.Scan(
			&sum.RunID, &sum.Episode, &sum.Step, &sum.Reward, &sum.TotalReward,
			&sum.VehicleCount, &sum.AvgSpeed, &perAgent, &created,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if err := json.Unmarshal([]byte(perAgent), &sum.PerAgent); err != nil {
			return nil, fmt.Errorf("decode per-agent step: %w", err)
		}
		sum.Timestamp = unixToTime(created)
		result = append(result, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return result, nil
}

func (s *Store) LogEvent(ctx context.Context, entry domain.RunEvent) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO run_events(run_id, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		entry.RunID, entry.Actor, entry.Action, entry.Reason, rawOrEmpty(entry.Payload), time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("log run event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, runID string, limit int) ([]domain.RunEvent, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, run_id, actor, action, reason, payload, created_at
		FROM run_events
		WHERE run_id = ?
		ORDER BY id DESC
		LIMIT ?`,
		runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	result := make([]domain.RunEvent, 0, limit)
	for rows.Next() {
		var item domain.RunEvent
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.RunID, &item.Actor, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		item.Payload = []byte(payload)
		item.CreatedAt = unixToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run events: %w", err)
	}
	return result, nil
}

// LogModelFile satisfies fs.ChangeLogger.
func (s *Store) LogModelFile(ctx context.Context, entry domain.ModelFileLog) error {
	allowed := 0
	if entry.Allowed {
		allowed = 1
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO model_files(run_id, agent_id, operation, path, allowed, reason, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID, entry.AgentID, string(entry.Operation), normalizeRelPath(entry.Path),
		allowed, entry.Reason, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("log model file: %w", err)
	}
	return nil
}

func (s *Store) ListModelFiles(ctx context.Context, runID string) ([]domain.ModelFileLog, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, run_id, agent_id, operation, path, allowed, reason, created_at
		FROM model_files WHERE run_id = ? ORDER BY id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list model files: %w", err)
	}
	defer rows.Close()

	result := make([]domain.ModelFileLog, 0)
	for rows.Next() {
		var item domain.ModelFileLog
		var op string
		var allowed int
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.RunID, &item.AgentID, &op, &item.Path, &allowed, &item.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan model file: %w", err)
		}
		item.Operation = domain.FileOperation(op)
		item.Allowed = allowed == 1
		item.CreatedAt = unixToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate model files: %w", err)
	}
	return result, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var mode, status, agents, config string
	var created, updated int64
	if err := row.Scan(&run.ID, &mode, &status, &agents, &config, &run.LastError, &created, &updated); err != nil {
		return domain.Run{}, err
	}
	run.Mode = domain.RunMode(mode)
	run.Status = domain.RunStatus(status)
	if err := json.Unmarshal([]byte(agents), &run.Agents); err != nil {
		return domain.Run{}, fmt.Errorf("decode run agents: %w", err)
	}
	run.Config = json.RawMessage(config)
	run.CreatedAt = unixToTime(created)
	run.UpdatedAt = unixToTime(updated)
	return run, nil
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func rawOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func normalizeRelPath(p string) string {
	cleaned := strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	cleaned = strings.TrimPrefix(cleaned, "./")
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" {
		return "."
	}
	return cleaned
}
