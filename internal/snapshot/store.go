package snapshot

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alejandrosuarez/elodin/internal/ecs"
)

// ErrNotFound is returned when no snapshot matches the requested id.
var ErrNotFound = errors.New("snapshot: not found")

// Store reads and writes snapshots in Postgres. Each Save and Load runs in
// a single transaction.
type Store struct {
	db *DB
}

func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// Info summarizes one stored snapshot.
type Info struct {
	ID        int64
	Name      string
	Tick      uint64
	Entities  int64
	Digest    []byte
	CreatedAt time.Time
}

// Save stores the snapshot under the given name and returns the new row id.
func (s *Store) Save(ctx context.Context, name string, snap *Snapshot) (int64, error) {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("snapshot begin: %w", err)
	}
	defer tx.Rollback(ctx)

	digest := snap.Digest()
	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO snapshots (name, tick, entities, digest)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, name, int64(snap.Tick), int64(snap.EntityCount()), digest[:]).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}

	for _, c := range snap.Components {
		shape := make([]int32, 0, len(c.Shape))
		for _, d := range c.Shape {
			shape = append(shape, int32(d))
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO snapshot_components (snapshot_id, comp_id, name, shape, elem)
			VALUES ($1, $2, $3, $4, $5)
		`, id, int64(c.ID), c.Name, shape, c.Elem.String())
		if err != nil {
			return 0, fmt.Errorf("insert component %s: %w", c.Name, err)
		}
	}

	var colRows [][]any
	for ai := range snap.Archetypes {
		a := &snap.Archetypes[ai]
		_, err := tx.Exec(ctx, `
			INSERT INTO snapshot_archetypes (snapshot_id, idx, row_count, entity_ids)
			VALUES ($1, $2, $3, $4)
		`, id, int32(ai), int64(len(a.Entities)), encodeEntityIDs(a.Entities))
		if err != nil {
			return 0, fmt.Errorf("insert archetype %d: %w", ai, err)
		}
		for ci, compID := range a.Components {
			colRows = append(colRows, []any{id, int32(ai), int32(ci), int64(compID), a.Columns[ci]})
		}
	}
	if len(colRows) > 0 {
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"snapshot_columns"},
			[]string{"snapshot_id", "archetype", "col", "comp_id", "data"},
			pgx.CopyFromRows(colRows))
		if err != nil {
			return 0, fmt.Errorf("copy columns: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("snapshot commit: %w", err)
	}
	return id, nil
}

// Load reads one snapshot by id and verifies its content digest against the
// stored one.
func (s *Store) Load(ctx context.Context, id int64) (*Snapshot, error) {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot begin: %w", err)
	}
	defer tx.Rollback(ctx)

	snap := &Snapshot{}
	var tick int64
	var digest []byte
	err = tx.QueryRow(ctx, `
		SELECT tick, digest FROM snapshots WHERE id = $1
	`, id).Scan(&tick, &digest)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	snap.Tick = uint64(tick)

	rows, err := tx.Query(ctx, `
		SELECT comp_id, name, shape, elem
		FROM snapshot_components
		WHERE snapshot_id = $1
		ORDER BY name
	`, id)
	if err != nil {
		return nil, fmt.Errorf("select components: %w", err)
	}
	for rows.Next() {
		var compID int64
		var name, elem string
		var shape []int32
		if err := rows.Scan(&compID, &name, &shape, &elem); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan component: %w", err)
		}
		et, err := ecs.ParseElemType(elem)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("component %s: %w", name, err)
		}
		c := Component{Name: name, ID: ecs.ComponentID(compID), Elem: et}
		for _, d := range shape {
			c.Shape = append(c.Shape, int(d))
		}
		snap.Components = append(snap.Components, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate components: %w", err)
	}

	rows, err = tx.Query(ctx, `
		SELECT idx, row_count, entity_ids
		FROM snapshot_archetypes
		WHERE snapshot_id = $1
		ORDER BY idx
	`, id)
	if err != nil {
		return nil, fmt.Errorf("select archetypes: %w", err)
	}
	for rows.Next() {
		var idx int32
		var rowCount int64
		var blob []byte
		if err := rows.Scan(&idx, &rowCount, &blob); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan archetype: %w", err)
		}
		ents := decodeEntityIDs(blob)
		if int64(len(ents)) != rowCount || int(idx) != len(snap.Archetypes) {
			rows.Close()
			return nil, fmt.Errorf("%w: archetype %d row mismatch", ecs.ErrCorrupt, idx)
		}
		snap.Archetypes = append(snap.Archetypes, Archetype{Entities: ents})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archetypes: %w", err)
	}

	rows, err = tx.Query(ctx, `
		SELECT archetype, col, comp_id, data
		FROM snapshot_columns
		WHERE snapshot_id = $1
		ORDER BY archetype, col
	`, id)
	if err != nil {
		return nil, fmt.Errorf("select columns: %w", err)
	}
	for rows.Next() {
		var ai, ci int32
		var compID int64
		var data []byte
		if err := rows.Scan(&ai, &ci, &compID, &data); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan column: %w", err)
		}
		if int(ai) >= len(snap.Archetypes) {
			rows.Close()
			return nil, fmt.Errorf("%w: column for missing archetype %d", ecs.ErrCorrupt, ai)
		}
		a := &snap.Archetypes[ai]
		if int(ci) != len(a.Components) {
			rows.Close()
			return nil, fmt.Errorf("%w: archetype %d column order", ecs.ErrCorrupt, ai)
		}
		a.Components = append(a.Components, ecs.ComponentID(compID))
		a.Columns = append(a.Columns, data)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("snapshot commit: %w", err)
	}

	got := snap.Digest()
	if !bytes.Equal(got[:], digest) {
		return nil, fmt.Errorf("%w: digest mismatch for snapshot %d", ecs.ErrCorrupt, id)
	}
	return snap, nil
}

// LoadLatest reads the most recently saved snapshot.
func (s *Store) LoadLatest(ctx context.Context) (*Snapshot, error) {
	var id int64
	err := s.db.Pool.QueryRow(ctx, `
		SELECT id FROM snapshots ORDER BY id DESC LIMIT 1
	`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select latest: %w", err)
	}
	return s.Load(ctx, id)
}

// List returns a summary of every stored snapshot, oldest first.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, name, tick, entities, digest, created_at
		FROM snapshots
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("select snapshots: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var in Info
		var tick int64
		if err := rows.Scan(&in.ID, &in.Name, &tick, &in.Entities, &in.Digest, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		in.Tick = uint64(tick)
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

func encodeEntityIDs(ents []ecs.Entity) []byte {
	buf := make([]byte, 0, 8*len(ents))
	for _, e := range ents {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e))
	}
	return buf
}

func decodeEntityIDs(blob []byte) []ecs.Entity {
	out := make([]ecs.Entity, 0, len(blob)/8)
	for off := 0; off+8 <= len(blob); off += 8 {
		out = append(out, ecs.Entity(binary.LittleEndian.Uint64(blob[off:off+8])))
	}
	return out
}
