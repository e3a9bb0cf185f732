package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"stampline/internal/db"
	"stampline/internal/domain"
	"stampline/internal/events"
)

// Mutation edits a loaded set in place and may queue events that are written
// in the same transaction. Returning an error aborts the update.
type Mutation func(s *domain.StampSet, evts *events.Batch) error

// Limits bounds list sizes on a set. Zero means unbounded.
type Limits struct {
	MaxConcepts int
	MaxPhrases  int
	MaxSamples  int
}

// Repo is the Job Store. All writes to a set pass through Update.
type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
	Events  events.Writer
	Limits  Limits
	Now     func() time.Time

	locks *Locks
}

func New(conn *sql.DB, dialect db.Dialect, limits Limits) Repo {
	return Repo{
		DB:      conn,
		Dialect: dialect,
		Events:  events.Writer{Dialect: dialect},
		Limits:  limits,
		locks:   NewLocks(),
	}
}

var ErrNotFound = domain.ErrNotFound

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Repo) ts() string {
	return r.now().UTC().Format(time.RFC3339Nano)
}

func (r Repo) q(query string) string {
	return r.Dialect.Rebind(query)
}

func (r Repo) lockSet(id string) func() {
	l := r.locks
	if l == nil {
		l = defaultLocks
	}
	return l.Lock(id)
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrPersistence, op, err)
}

const setColumns = `id,stage,theme,concepts_json,selected_concept_index,phrases_json,pending_samples_json,pending_full_json,COALESCE(failure_reason,''),COALESCE(sample_grid,''),COALESCE(full_grid,''),version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSet(row rowScanner) (domain.StampSet, error) {
	var (
		s                                     domain.StampSet
		stage                                 string
		concepts, phrases, pendingS, pendingF string
		selected                              sql.NullInt64
	)
	err := row.Scan(&s.ID, &stage, &s.Theme, &concepts, &selected, &phrases, &pendingS, &pendingF, &s.FailureReason, &s.SampleGrid, &s.FullGrid, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Stage = domain.Stage(stage)
	if selected.Valid {
		idx := int(selected.Int64)
		s.SelectedConceptIndex = &idx
	}
	if err := decodeJSON(concepts, &s.Concepts); err != nil {
		return s, err
	}
	if err := decodeJSON(phrases, &s.Phrases); err != nil {
		return s, err
	}
	if err := decodeJSON(pendingS, &s.PendingSamples); err != nil {
		return s, err
	}
	if err := decodeJSON(pendingF, &s.PendingFull); err != nil {
		return s, err
	}
	return s, nil
}

func decodeJSON(raw string, dst any) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decode column: %w", err)
	}
	return nil
}

func encodeJSON[T any](v []T) string {
	if v == nil {
		v = []T{}
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func (r Repo) loadSet(ctx context.Context, q querier, id string) (domain.StampSet, error) {
	s, err := scanSet(q.QueryRowContext(ctx, r.q(`SELECT `+setColumns+` FROM stamp_sets WHERE id=?`), id))
	if err != nil {
		return s, err
	}
	arts, err := r.loadArtifacts(ctx, q, id)
	if err != nil {
		return s, err
	}
	for _, a := range arts {
		switch a.Kind {
		case domain.ArtifactSample:
			s.SampleArtifacts = append(s.SampleArtifacts, a)
		case domain.ArtifactFull:
			s.FullArtifacts = append(s.FullArtifacts, a)
		}
	}
	return s, nil
}

func (r Repo) loadArtifacts(ctx context.Context, q querier, setID string) ([]domain.Artifact, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT id,kind,phrase_index,COALESCE(path,''),status,COALESCE(error,''),created_at FROM artifacts WHERE set_id=? ORDER BY kind, seq`), setID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		if err := rows.Scan(&a.ID, &a.Kind, &a.PhraseIndex, &a.Path, &a.Status, &a.Error, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// Create persists a new set at stage created and queues set.created.
func (r Repo) Create(ctx context.Context, theme string) (domain.StampSet, error) {
	theme = strings.TrimSpace(theme)
	if theme == "" {
		return domain.StampSet{}, fmt.Errorf("%w: theme is required", domain.ErrValidation)
	}
	now := r.ts()
	s := domain.StampSet{
		ID:        uuid.NewString(),
		Stage:     domain.StageCreated,
		Theme:     theme,
		Concepts:  []string{},
		Phrases:   []string{},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StampSet{}, persistErr("begin", err)
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, r.q(`INSERT INTO stamp_sets(id,stage,theme,concepts_json,phrases_json,pending_samples_json,pending_full_json,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`),
		s.ID, s.Stage, s.Theme, "[]", "[]", "[]", "[]", s.Version, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return domain.StampSet{}, persistErr("insert set", err)
	}
	if err := r.Events.Append(ctx, tx, domain.EventSetCreated, s.ID, map[string]any{"theme": s.Theme}); err != nil {
		return domain.StampSet{}, persistErr("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.StampSet{}, persistErr("commit", err)
	}
	return s, nil
}

func (r Repo) Get(ctx context.Context, id string) (domain.StampSet, error) {
	return r.loadSet(ctx, r.DB, id)
}

// Update applies m to the set atomically. Updates to one id are serialized;
// terminal sets reject every mutation with ErrTerminal so results of work that
// raced a cancel are discarded.
func (r Repo) Update(ctx context.Context, id string, m Mutation) (domain.StampSet, error) {
	unlock := r.lockSet(id)
	defer unlock()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StampSet{}, persistErr("begin", err)
	}
	defer tx.Rollback()

	cur, err := r.loadSet(ctx, tx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return domain.StampSet{}, err
		}
		return domain.StampSet{}, persistErr("load set", err)
	}
	if cur.Stage.Terminal() {
		return cur, fmt.Errorf("%w: %s is %s", domain.ErrTerminal, id, cur.Stage)
	}

	next := cloneSet(cur)
	batch := &events.Batch{}
	if err := m(&next, batch); err != nil {
		return cur, err
	}
	if err := r.validate(cur, next); err != nil {
		return cur, err
	}
	if next.Stage != domain.StageFailed {
		next.FailureReason = ""
	}

	now := r.ts()
	next.Version = cur.Version + 1
	next.UpdatedAt = now

	var selected any
	if next.SelectedConceptIndex != nil {
		selected = *next.SelectedConceptIndex
	}
	res, err := tx.ExecContext(ctx, r.q(`UPDATE stamp_sets SET stage=?,concepts_json=?,selected_concept_index=?,phrases_json=?,pending_samples_json=?,pending_full_json=?,failure_reason=?,sample_grid=?,full_grid=?,version=?,updated_at=? WHERE id=? AND version=?`),
		next.Stage, encodeJSON(next.Concepts), selected, encodeJSON(next.Phrases), encodeJSON(next.PendingSamples), encodeJSON(next.PendingFull),
		nullable(next.FailureReason), nullable(next.SampleGrid), nullable(next.FullGrid), next.Version, next.UpdatedAt, id, cur.Version)
	if err != nil {
		return cur, persistErr("update set", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cur, persistErr("update set", fmt.Errorf("version %d of %s no longer current", cur.Version, id))
	}

	if err := r.insertArtifacts(ctx, tx, id, domain.ArtifactSample, len(cur.SampleArtifacts), next.SampleArtifacts, now); err != nil {
		return cur, err
	}
	if err := r.insertArtifacts(ctx, tx, id, domain.ArtifactFull, len(cur.FullArtifacts), next.FullArtifacts, now); err != nil {
		return cur, err
	}
	if cur.Stage != next.Stage {
		note := ""
		if next.Stage == domain.StageFailed {
			note = next.FailureReason
		}
		if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO stage_transitions(set_id,from_stage,to_stage,at,note) VALUES (?,?,?,?,?)`),
			id, cur.Stage, next.Stage, now, nullable(note)); err != nil {
			return cur, persistErr("insert transition", err)
		}
	}
	if err := r.Events.AppendBatch(ctx, tx, id, batch); err != nil {
		return cur, persistErr("append events", err)
	}
	if err := tx.Commit(); err != nil {
		return cur, persistErr("commit", err)
	}
	return next, nil
}

// insertArtifacts writes arts[from:], filling ids and timestamps in place.
func (r Repo) insertArtifacts(ctx context.Context, tx *sql.Tx, setID string, kind domain.ArtifactKind, from int, arts []domain.Artifact, now string) error {
	for i := from; i < len(arts); i++ {
		a := &arts[i]
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if a.CreatedAt == "" {
			a.CreatedAt = now
		}
		a.Kind = kind
		_, err := tx.ExecContext(ctx, r.q(`INSERT INTO artifacts(id,set_id,kind,seq,phrase_index,path,status,error,created_at) VALUES (?,?,?,?,?,?,?,?,?)`),
			a.ID, setID, a.Kind, i, a.PhraseIndex, nullable(a.Path), a.Status, nullable(a.Error), a.CreatedAt)
		if err != nil {
			return persistErr("insert artifact", err)
		}
	}
	return nil
}

func (r Repo) validate(cur, next domain.StampSet) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", domain.ErrValidation, fmt.Sprintf(format, args...))
	}
	if next.ID != cur.ID || next.Theme != cur.Theme || next.CreatedAt != cur.CreatedAt {
		return invalid("id, theme and createdAt are immutable")
	}
	if err := domain.EnsureTransition(cur.Stage, next.Stage); err != nil {
		return invalid("%v", err)
	}
	if len(next.Concepts) > 0 && next.Stage == domain.StageCreated {
		return invalid("concepts require stage %s", domain.StageConceptProposed)
	}
	if r.Limits.MaxConcepts > 0 && len(next.Concepts) > r.Limits.MaxConcepts {
		return invalid("%d concepts exceeds %d", len(next.Concepts), r.Limits.MaxConcepts)
	}
	if cur.SelectedConceptIndex != nil && !equalStrings(cur.Concepts, next.Concepts) {
		return invalid("concepts are fixed once a concept is approved")
	}
	if cur.SelectedConceptIndex != nil {
		if next.SelectedConceptIndex == nil || *next.SelectedConceptIndex != *cur.SelectedConceptIndex {
			return invalid("selected concept is immutable")
		}
	}
	if next.SelectedConceptIndex != nil {
		idx := *next.SelectedConceptIndex
		if idx < 0 || idx >= len(next.Concepts) {
			return invalid("selected concept %d out of range", idx)
		}
		if !next.Stage.AtLeast(domain.StageConceptApproved) && !next.Stage.Terminal() {
			return invalid("concept selection requires stage %s", domain.StageConceptApproved)
		}
	}
	if r.Limits.MaxPhrases > 0 && len(next.Phrases) > r.Limits.MaxPhrases {
		return invalid("%d phrases exceeds %d", len(next.Phrases), r.Limits.MaxPhrases)
	}
	if !appendOnly(cur.SampleArtifacts, next.SampleArtifacts) || !appendOnly(cur.FullArtifacts, next.FullArtifacts) {
		return invalid("artifacts are append-only")
	}
	if r.Limits.MaxSamples > 0 && len(next.CurrentSamples()) > r.Limits.MaxSamples {
		return invalid("more than %d sample phrases", r.Limits.MaxSamples)
	}
	if len(next.FullArtifacts) > len(cur.FullArtifacts) && cur.Stage != domain.StageFullGenerating {
		return invalid("full artifacts require stage %s", domain.StageFullGenerating)
	}
	for _, a := range append(append([]domain.Artifact(nil), next.SampleArtifacts...), next.FullArtifacts...) {
		if a.PhraseIndex < 0 || a.PhraseIndex >= len(next.Phrases) {
			return invalid("artifact phrase index %d out of range", a.PhraseIndex)
		}
		if a.Status != domain.ArtifactReady && a.Status != domain.ArtifactFailed {
			return invalid("artifact status %q", a.Status)
		}
	}
	return nil
}

func appendOnly(prev, next []domain.Artifact) bool {
	if len(next) < len(prev) {
		return false
	}
	for i := range prev {
		if prev[i] != next[i] {
			return false
		}
	}
	return true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func cloneSet(s domain.StampSet) domain.StampSet {
	out := s
	out.Concepts = append([]string(nil), s.Concepts...)
	out.Phrases = append([]string(nil), s.Phrases...)
	out.SampleArtifacts = append([]domain.Artifact(nil), s.SampleArtifacts...)
	out.FullArtifacts = append([]domain.Artifact(nil), s.FullArtifacts...)
	out.PendingSamples = append([]int(nil), s.PendingSamples...)
	out.PendingFull = append([]int(nil), s.PendingFull...)
	if s.SelectedConceptIndex != nil {
		idx := *s.SelectedConceptIndex
		out.SelectedConceptIndex = &idx
	}
	return out
}

type Filter struct {
	Stage  domain.Stage
	Active bool
	Limit  int
}

// List returns sets newest first.
func (r Repo) List(ctx context.Context, f Filter) ([]domain.StampSet, error) {
	query := `SELECT ` + setColumns + ` FROM stamp_sets`
	var (
		where []string
		args  []any
	)
	if f.Stage != "" {
		where = append(where, "stage=?")
		args = append(args, f.Stage)
	}
	if f.Active {
		where = append(where, "stage NOT IN (?,?,?)")
		args = append(args, domain.StageCompleted, domain.StageFailed, domain.StageCancelled)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	var res []domain.StampSet
	for rows.Next() {
		s, err := scanSet(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		arts, err := r.loadArtifacts(ctx, r.DB, res[i].ID)
		if err != nil {
			return nil, err
		}
		for _, a := range arts {
			if a.Kind == domain.ArtifactSample {
				res[i].SampleArtifacts = append(res[i].SampleArtifacts, a)
			} else {
				res[i].FullArtifacts = append(res[i].FullArtifacts, a)
			}
		}
	}
	return res, nil
}

// Delete removes a set with its artifacts and transition history. Events stay.
func (r Repo) Delete(ctx context.Context, id string) error {
	unlock := r.lockSet(id)
	defer unlock()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM artifacts WHERE set_id=?`), id); err != nil {
		return persistErr("delete artifacts", err)
	}
	if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM stage_transitions WHERE set_id=?`), id); err != nil {
		return persistErr("delete transitions", err)
	}
	res, err := tx.ExecContext(ctx, r.q(`DELETE FROM stamp_sets WHERE id=?`), id)
	if err != nil {
		return persistErr("delete set", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return persistErr("commit", err)
	}
	return nil
}

func (r Repo) ListTransitions(ctx context.Context, setID string) ([]domain.Transition, error) {
	var exists int
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT 1 FROM stamp_sets WHERE id=?`), setID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,set_id,from_stage,to_stage,at,COALESCE(note,'') FROM stage_transitions WHERE set_id=? ORDER BY id`), setID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transition
	for rows.Next() {
		var t domain.Transition
		if err := rows.Scan(&t.ID, &t.SetID, &t.From, &t.To, &t.At, &t.Note); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
