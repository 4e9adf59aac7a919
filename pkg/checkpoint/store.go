// Package checkpoint implements the Checkpoint Store: durable, atomic,
// one-per-operation storage of {type, state, artifacts}. Artifacts are
// staged in a per-operation staging directory and atomically promoted via
// directory rename before the database row is written.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	coreerrors "github.com/ktrdr/core/pkg/errors"
	"github.com/ktrdr/core/pkg/log"
	"github.com/ktrdr/core/pkg/metrics"
	"github.com/ktrdr/core/pkg/types"
)

const manifestFileName = "MANIFEST"

// Store persists checkpoints: the database row plus the artifact set on a
// shared filesystem.
type Store struct {
	db      *sql.DB
	baseDir string
}

// New constructs a Store rooted at baseDir. baseDir must be writable by
// storing workers and readable by the coordinator for inspection endpoints.
func New(db *sql.DB, baseDir string) *Store {
	return &Store{db: db, baseDir: baseDir}
}

// Manifest records the canonical artifact names and their byte sizes
// recorded at save time, written alongside the artifacts in the same
// directory.
type Manifest struct {
	Artifacts map[string]int64 `json:"artifacts"`
}

func (s *Store) canonicalDir(operationID string) string {
	return filepath.Join(s.baseDir, operationID)
}

func (s *Store) stagingDir(operationID string) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("%s.staging.%d", operationID, rand.Int63()))
}

// Save UPSERTs the checkpoint: artifacts (if any) are written to a staging
// directory, the staging directory is atomically promoted to the canonical
// path, and only then is the database row written. On database failure the
// freshly-promoted artifact directory is removed (best effort). On artifact
// write failure the staging directory is removed and the database is never
// touched.
func (s *Store) Save(ctx context.Context, operationID string, checkpointType types.CheckpointType, state json.RawMessage, artifacts map[string][]byte) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CheckpointWriteDuration)

	var artifactHandle *string
	var artifactBytes int64

	if len(artifacts) > 0 {
		handle, size, err := s.stageAndPromote(operationID, artifacts)
		if err != nil {
			metrics.CheckpointWriteFailuresTotal.WithLabelValues("filesystem").Inc()
			return coreerrors.CheckpointWriteFailed("filesystem", err)
		}
		artifactHandle = &handle
		artifactBytes = size
	}

	stateBytes := int64(len(state))

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (operation_id, checkpoint_type, created_at, state, artifact_handle, state_bytes, artifact_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (operation_id) DO UPDATE
		   SET checkpoint_type = EXCLUDED.checkpoint_type,
		       created_at = EXCLUDED.created_at,
		       state = EXCLUDED.state,
		       artifact_handle = EXCLUDED.artifact_handle,
		       state_bytes = EXCLUDED.state_bytes,
		       artifact_bytes = EXCLUDED.artifact_bytes
	`, operationID, string(checkpointType), time.Now().UTC(), []byte(state), artifactHandle, stateBytes, artifactBytes)
	if err != nil {
		if artifactHandle != nil {
			if rmErr := os.RemoveAll(*artifactHandle); rmErr != nil {
				log.WithCheckpoint(operationID, string(checkpointType)).Error().Err(rmErr).Msg("failed to clean up artifact directory after database write failure")
			}
		}
		metrics.CheckpointWriteFailuresTotal.WithLabelValues("database").Inc()
		return coreerrors.CheckpointWriteFailed("database", err)
	}

	metrics.CheckpointsWrittenTotal.WithLabelValues(string(checkpointType)).Inc()
	metrics.CheckpointBytesTotal.WithLabelValues(operationID, "state").Set(float64(stateBytes))
	metrics.CheckpointBytesTotal.WithLabelValues(operationID, "artifacts").Set(float64(artifactBytes))
	log.WithCheckpoint(operationID, string(checkpointType)).Debug().Msg("checkpoint saved")
	return nil
}

// stageAndPromote writes artifacts plus a MANIFEST into a staging directory,
// then atomically swaps it in as the canonical directory. Returns the
// canonical path and total artifact bytes.
func (s *Store) stageAndPromote(operationID string, artifacts map[string][]byte) (string, int64, error) {
	staging := s.stagingDir(operationID)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", 0, fmt.Errorf("create staging directory: %w", err)
	}

	manifest := Manifest{Artifacts: make(map[string]int64, len(artifacts))}
	var total int64
	for name, data := range artifacts {
		path := filepath.Join(staging, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			os.RemoveAll(staging)
			return "", 0, fmt.Errorf("write artifact %s: %w", name, err)
		}
		manifest.Artifacts[name] = int64(len(data))
		total += int64(len(data))
	}

	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		os.RemoveAll(staging)
		return "", 0, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, manifestFileName), manifestBytes, 0o644); err != nil {
		os.RemoveAll(staging)
		return "", 0, fmt.Errorf("write manifest: %w", err)
	}

	canonical := s.canonicalDir(operationID)

	// os.Rename cannot atomically overwrite a non-empty directory, so a
	// pre-existing canonical directory is swapped out of the way first and
	// removed only after the new one is in place.
	var previous string
	if _, err := os.Stat(canonical); err == nil {
		previous = canonical + fmt.Sprintf(".prev.%d", rand.Int63())
		if err := os.Rename(canonical, previous); err != nil {
			os.RemoveAll(staging)
			return "", 0, fmt.Errorf("move aside previous checkpoint: %w", err)
		}
	}

	if err := os.Rename(staging, canonical); err != nil {
		os.RemoveAll(staging)
		if previous != "" {
			_ = os.Rename(previous, canonical)
		}
		return "", 0, fmt.Errorf("promote staging directory: %w", err)
	}

	if previous != "" {
		if err := os.RemoveAll(previous); err != nil {
			log.WithComponent("checkpoint").Warn().Err(err).Str("path", previous).Msg("failed to remove superseded checkpoint directory")
		}
	}

	return canonical, total, nil
}

// Load returns the checkpoint, or nil if none is stored. When loadArtifacts
// is true, the on-disk manifest is verified against the files actually
// present; a mismatch surfaces as CheckpointCorruptedError.
func (s *Store) Load(ctx context.Context, operationID string, loadArtifacts bool) (*types.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT operation_id, checkpoint_type, created_at, state, artifact_handle, state_bytes, artifact_bytes
		  FROM checkpoints WHERE operation_id = $1
	`, operationID)

	var cp types.Checkpoint
	var checkpointType string
	var artifactHandle sql.NullString
	var stateBytes []byte

	if err := row.Scan(&cp.OperationID, &checkpointType, &cp.CreatedAt, &stateBytes, &artifactHandle, &cp.StateBytes, &cp.ArtifactBytes); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	cp.CheckpointType = types.CheckpointType(checkpointType)
	cp.State = stateBytes
	if artifactHandle.Valid {
		h := artifactHandle.String
		cp.ArtifactHandle = &h
	}

	if loadArtifacts && cp.ArtifactHandle != nil {
		if err := s.verifyArtifacts(*cp.ArtifactHandle); err != nil {
			return nil, err
		}
	}

	return &cp, nil
}

func (s *Store) verifyArtifacts(dir string) error {
	manifestBytes, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		return coreerrors.CheckpointCorrupted(filepath.Base(dir), "manifest unreadable: "+err.Error())
	}

	var manifest Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return coreerrors.CheckpointCorrupted(filepath.Base(dir), "manifest unparseable: "+err.Error())
	}

	for name, expectedSize := range manifest.Artifacts {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			return coreerrors.CheckpointCorrupted(filepath.Base(dir), "missing artifact: "+name)
		}
		if info.Size() != expectedSize {
			return coreerrors.CheckpointCorrupted(filepath.Base(dir), "size mismatch for artifact: "+name)
		}
	}
	return nil
}

// ReadArtifacts loads every artifact named in a checkpoint directory's
// manifest into memory, keyed by artifact name. Intended for a worker
// resuming from a checkpoint it just loaded via Load(ctx, id, true).
func (s *Store) ReadArtifacts(dir string) (map[string][]byte, error) {
	manifestBytes, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		return nil, coreerrors.CheckpointCorrupted(filepath.Base(dir), "manifest unreadable: "+err.Error())
	}

	var manifest Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, coreerrors.CheckpointCorrupted(filepath.Base(dir), "manifest unparseable: "+err.Error())
	}

	artifacts := make(map[string][]byte, len(manifest.Artifacts))
	for name := range manifest.Artifacts {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, coreerrors.CheckpointCorrupted(filepath.Base(dir), "unreadable artifact: "+name)
		}
		artifacts[name] = data
	}
	return artifacts, nil
}

// Delete removes both the database row and the artifact directory.
// Idempotent; returns whether anything was removed.
func (s *Store) Delete(ctx context.Context, operationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE operation_id = $1", operationID)
	if err != nil {
		return false, fmt.Errorf("delete checkpoint row: %w", err)
	}
	rows, _ := res.RowsAffected()

	dir := s.canonicalDir(operationID)
	_, statErr := os.Stat(dir)
	dirExisted := statErr == nil
	if dirExisted {
		if err := os.RemoveAll(dir); err != nil {
			log.WithComponent("checkpoint").Error().Err(err).Str("operation_id", operationID).Msg("failed to remove artifact directory")
		}
	}

	return rows > 0 || dirExisted, nil
}

// ListFilter filters the List query.
type ListFilter struct {
	OlderThan     *time.Time
	OperationType types.OperationType
}

// List returns lightweight summaries (sizes and timestamps, no state body).
func (s *Store) List(ctx context.Context, filter ListFilter) ([]types.CheckpointSummary, error) {
	query := "SELECT c.operation_id, c.checkpoint_type, c.created_at, c.state_bytes, c.artifact_bytes FROM checkpoints c"
	var joins []string
	var clauses []string
	var args []interface{}

	if filter.OperationType != "" {
		joins = append(joins, "JOIN operations o ON o.operation_id = c.operation_id")
		args = append(args, string(filter.OperationType))
		clauses = append(clauses, fmt.Sprintf("o.operation_type = $%d", len(args)))
	}
	if filter.OlderThan != nil {
		args = append(args, *filter.OlderThan)
		clauses = append(clauses, fmt.Sprintf("c.created_at < $%d", len(args)))
	}

	for _, j := range joins {
		query += " " + j
	}
	if len(clauses) > 0 {
		query += " WHERE "
		for i, c := range clauses {
			if i > 0 {
				query += " AND "
			}
			query += c
		}
	}
	query += " ORDER BY c.created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []types.CheckpointSummary
	for rows.Next() {
		var summary types.CheckpointSummary
		var checkpointType string
		if err := rows.Scan(&summary.OperationID, &checkpointType, &summary.CreatedAt, &summary.StateBytes, &summary.ArtifactBytes); err != nil {
			return nil, fmt.Errorf("scan checkpoint summary: %w", err)
		}
		summary.CheckpointType = types.CheckpointType(checkpointType)
		out = append(out, summary)
	}
	return out, rows.Err()
}

// SweepStaging removes staging directories older than olderThan, recovering
// from a crash between writing the staging directory and promoting it.
func (s *Store) SweepStaging(olderThan time.Duration) error {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read checkpoint base dir: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if !isStagingOrPrevDir(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.baseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			log.WithComponent("checkpoint").Error().Err(err).Str("path", path).Msg("failed to sweep stale staging directory")
			continue
		}
		removed = append(removed, path)
	}

	sort.Strings(removed)
	if len(removed) > 0 {
		log.WithComponent("checkpoint").Info().Int("count", len(removed)).Msg("swept stale staging directories")
	}
	return nil
}

func isStagingOrPrevDir(name string) bool {
	return strings.Contains(name, ".staging.") || strings.Contains(name, ".prev.")
}
