package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pitchlens/inference-scheduler/pkg/models"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL stores.
// Queries are written with ? placeholders and rebound per driver.
type sqlStore struct {
	db       *sql.DB
	postgres bool
}

func (s *sqlStore) bind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SaveNode upserts a node snapshot. The credential hash is kept in its own column
// because the JSON form never carries it.
func (s *sqlStore) SaveNode(node *models.Node) error {
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}

	_, err = s.db.Exec(s.bind(`
		INSERT INTO nodes (id, name, location, status, removed, credential_hash, last_heartbeat, version, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			location = excluded.location,
			status = excluded.status,
			removed = excluded.removed,
			credential_hash = excluded.credential_hash,
			last_heartbeat = excluded.last_heartbeat,
			version = excluded.version,
			data = excluded.data
		WHERE excluded.version >= nodes.version
	`), node.ID, node.Name, node.Location, string(node.Status), node.Removed, node.CredentialHash,
		node.LastHeartbeat, int64(node.Version), string(data))
	if err != nil {
		return fmt.Errorf("failed to save node %s: %w", node.ID, err)
	}
	return nil
}

// SaveJob upserts a job snapshot; frames are stored separately by AppendFrames
func (s *sqlStore) SaveJob(job *models.Job) error {
	summary := job.Summary()
	data, err := json.Marshal(&summary)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = s.db.Exec(s.bind(`
		INSERT INTO jobs (id, user_id, status, assigned_node_id, created_at, version, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			assigned_node_id = excluded.assigned_node_id,
			version = excluded.version,
			data = excluded.data
		WHERE excluded.version >= jobs.version
	`), job.ID, job.UserID, string(job.Status), job.AssignedNodeID, job.CreatedAt, int64(job.Version), string(data))
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

// AppendFrames inserts frames in one transaction, ignoring indices already stored
func (s *sqlStore) AppendFrames(jobID string, frames []models.DetectionFrame) error {
	if len(frames) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(s.bind(`
		INSERT INTO frames (job_id, frame_index, data) VALUES (?, ?, ?)
		ON CONFLICT (job_id, frame_index) DO NOTHING
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare frame insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range frames {
		data, err := json.Marshal(&f)
		if err != nil {
			return fmt.Errorf("failed to marshal frame %d: %w", f.Index, err)
		}
		if _, err := stmt.Exec(jobID, f.Index, string(data)); err != nil {
			return fmt.Errorf("failed to insert frame %d of job %s: %w", f.Index, jobID, err)
		}
	}
	return tx.Commit()
}

// LoadNodes returns all stored nodes ordered by id
func (s *sqlStore) LoadNodes() ([]models.Node, error) {
	rows, err := s.db.Query(`SELECT credential_hash, data FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []models.Node
	for rows.Next() {
		var hash, data string
		if err := rows.Scan(&hash, &data); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		var n models.Node
		if err := json.Unmarshal([]byte(data), &n); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node: %w", err)
		}
		n.CredentialHash = hash
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// LoadJobs returns all stored jobs in creation order with frames attached
func (s *sqlStore) LoadJobs() ([]models.Job, error) {
	rows, err := s.db.Query(`SELECT data FROM jobs ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	index := make(map[string]int)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		var j models.Job
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		index[j.ID] = len(jobs)
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	frames, err := s.db.Query(`SELECT job_id, data FROM frames ORDER BY job_id, frame_index`)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %w", err)
	}
	defer frames.Close()

	for frames.Next() {
		var jobID, data string
		if err := frames.Scan(&jobID, &data); err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		i, ok := index[jobID]
		if !ok {
			continue
		}
		var f models.DetectionFrame
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			return nil, fmt.Errorf("failed to unmarshal frame: %w", err)
		}
		jobs[i].Frames = append(jobs[i].Frames, f)
	}
	return jobs, frames.Err()
}

// HealthCheck verifies the database connection
func (s *sqlStore) HealthCheck() error {
	return s.db.Ping()
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}
