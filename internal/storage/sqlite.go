package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/acormier/loom/internal/models"
)

// Store is the metadata and code store, backed by sqlite. Node status,
// dependency edges, result location and error live here; the execution
// commit writes them in a single statement so readers never observe a
// partial update.
type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS nodes (
		project_id TEXT NOT NULL REFERENCES projects(id),
		id TEXT NOT NULL,
		kind TEXT NOT NULL,
		code TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'not_executed',
		depends_on TEXT NOT NULL DEFAULT '[]',
		result_format TEXT,
		result_path TEXT,
		error TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		last_executed_at TIMESTAMP,
		PRIMARY KEY (project_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_nodes_project ON nodes(project_id);
	CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes(project_id, status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Projects

func (s *Store) CreateProject(p *models.Project) error {
	_, err := s.db.Exec(
		`INSERT INTO projects (id, name) VALUES (?, ?)`,
		p.ID, p.Name,
	)
	return err
}

func (s *Store) GetProject(id string) (*models.Project, error) {
	row := s.db.QueryRow(
		`SELECT id, name, created_at FROM projects WHERE id = ?`, id,
	)

	var p models.Project
	if err := row.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("project %q not found", id)
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProjects() ([]*models.Project, error) {
	rows, err := s.db.Query(
		`SELECT id, name, created_at FROM projects ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

func (s *Store) DeleteProject(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM nodes WHERE project_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM projects WHERE id = ?`, id); err != nil {
		return err
	}

	return tx.Commit()
}

// Nodes

func (s *Store) CreateNode(projectID, nodeID string, kind models.NodeKind, code string) error {
	_, err := s.db.Exec(
		`INSERT INTO nodes (project_id, id, kind, code, status) VALUES (?, ?, ?, ?, ?)`,
		projectID, nodeID, string(kind), code, string(models.StatusNotExecuted),
	)
	return err
}

func (s *Store) GetNode(projectID, nodeID string) (*models.Node, error) {
	row := s.db.QueryRow(
		`SELECT project_id, id, kind, code, status, depends_on, result_format, result_path, error, created_at, last_executed_at
		 FROM nodes WHERE project_id = ? AND id = ?`,
		projectID, nodeID,
	)
	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("node %q not found in project %q", nodeID, projectID)
	}
	return node, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*models.Node, error) {
	var node models.Node
	var kind, status, dependsOn string
	var resultFormat, resultPath, errMsg sql.NullString
	var lastExecutedAt sql.NullTime

	err := row.Scan(
		&node.ProjectID, &node.ID, &kind, &node.Code, &status, &dependsOn,
		&resultFormat, &resultPath, &errMsg, &node.CreatedAt, &lastExecutedAt,
	)
	if err != nil {
		return nil, err
	}

	if node.Kind, err = models.ParseKind(kind); err != nil {
		return nil, err
	}
	if node.Status, err = models.ParseStatus(status); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(dependsOn), &node.DependsOn); err != nil {
		return nil, fmt.Errorf("corrupt depends_on for node %q: %w", node.ID, err)
	}
	if resultFormat.Valid {
		node.Result = &models.ResultRef{
			Format: models.ResultFormat(resultFormat.String),
		}
		if resultPath.Valid {
			node.Result.Location = resultPath.String
		}
	}
	if errMsg.Valid {
		node.Error = errMsg.String
	}
	if lastExecutedAt.Valid {
		node.LastExecutedAt = &lastExecutedAt.Time
	}

	return &node, nil
}

func (s *Store) ListNodes(projectID string) ([]*models.Node, error) {
	rows, err := s.db.Query(
		`SELECT project_id, id, kind, code, status, depends_on, result_format, result_path, error, created_at, last_executed_at
		 FROM nodes WHERE project_id = ? ORDER BY created_at, id`,
		projectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*models.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// ListNodeIDs returns every node id in the project, for intersecting with
// the analyzer's candidate references.
func (s *Store) ListNodeIDs(projectID string) (map[string]struct{}, error) {
	rows, err := s.db.Query(`SELECT id FROM nodes WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// Code store

func (s *Store) GetCode(projectID, nodeID string) (string, error) {
	row := s.db.QueryRow(
		`SELECT code FROM nodes WHERE project_id = ? AND id = ?`,
		projectID, nodeID,
	)
	var code string
	if err := row.Scan(&code); err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("node %q not found in project %q", nodeID, projectID)
		}
		return "", err
	}
	return code, nil
}

// SetCode replaces a node's source text. Status, dependencies and results
// are left untouched; they change only through execution.
func (s *Store) SetCode(projectID, nodeID, code string) error {
	res, err := s.db.Exec(
		`UPDATE nodes SET code = ? WHERE project_id = ? AND id = ?`,
		code, projectID, nodeID,
	)
	if err != nil {
		return err
	}
	return requireRow(res, projectID, nodeID)
}

// Status transitions. Each guard clause enforces the legal transition set in
// SQL, so an illegal transition surfaces as an error instead of silently
// corrupting state.

// MarkExecuting moves a settled node into executing. The coordinator calls
// it only after the node's dependencies have resolved, immediately before
// the node's own code runs.
func (s *Store) MarkExecuting(projectID, nodeID string) error {
	guard, args := statusGuard(models.StatusExecuting)
	res, err := s.db.Exec(
		`UPDATE nodes SET status = ?
		 WHERE project_id = ? AND id = ? AND `+guard,
		append([]any{string(models.StatusExecuting), projectID, nodeID}, args...)...,
	)
	if err != nil {
		return err
	}
	return requireTransition(res, projectID, nodeID, models.StatusExecuting)
}

// MarkPending records a runtime failure: status becomes pending_validation
// and the error message is persisted verbatim. Code, depends_on and any
// previous result are left as they were.
func (s *Store) MarkPending(projectID, nodeID, errMsg string) error {
	guard, args := statusGuard(models.StatusPendingValidation)
	res, err := s.db.Exec(
		`UPDATE nodes SET status = ?, error = ?
		 WHERE project_id = ? AND id = ? AND `+guard,
		append([]any{string(models.StatusPendingValidation), errMsg, projectID, nodeID}, args...)...,
	)
	if err != nil {
		return err
	}
	return requireTransition(res, projectID, nodeID, models.StatusPendingValidation)
}

// CommitExecution finalizes a fully successful execution in one atomic
// write: status, dependency edges, result location, cleared error and the
// execution timestamp all change together or not at all.
func (s *Store) CommitExecution(projectID, nodeID string, dependsOn []string, result models.ResultRef, at time.Time) error {
	if dependsOn == nil {
		dependsOn = []string{}
	}
	depsJSON, err := json.Marshal(dependsOn)
	if err != nil {
		return err
	}

	var location any
	if result.Location != "" {
		location = result.Location
	}

	guard, guardArgs := statusGuard(models.StatusValidated)
	res, err := s.db.Exec(
		`UPDATE nodes
		 SET status = ?, depends_on = ?, result_format = ?, result_path = ?, error = NULL, last_executed_at = ?
		 WHERE project_id = ? AND id = ? AND `+guard,
		append([]any{string(models.StatusValidated), string(depsJSON), string(result.Format), location, at,
			projectID, nodeID}, guardArgs...)...,
	)
	if err != nil {
		return err
	}
	return requireTransition(res, projectID, nodeID, models.StatusValidated)
}

// statusGuard builds the `status IN (...)` clause for a transition, with
// the legal source states taken from models.NodeStatus.CanTransitionTo so
// the SQL guards and the documented transition rules cannot drift apart.
func statusGuard(to models.NodeStatus) (string, []any) {
	all := []models.NodeStatus{
		models.StatusNotExecuted,
		models.StatusExecuting,
		models.StatusValidated,
		models.StatusPendingValidation,
	}

	var placeholders []string
	var args []any
	for _, from := range all {
		if from.CanTransitionTo(to) {
			placeholders = append(placeholders, "?")
			args = append(args, string(from))
		}
	}
	return "status IN (" + strings.Join(placeholders, ", ") + ")", args
}

func requireRow(res sql.Result, projectID, nodeID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("node %q not found in project %q", nodeID, projectID)
	}
	return nil
}

func requireTransition(res sql.Result, projectID, nodeID string, to models.NodeStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("illegal status transition to %s for node %q in project %q", to, nodeID, projectID)
	}
	return nil
}
