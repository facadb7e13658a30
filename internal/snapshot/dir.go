package snapshot

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alejandrosuarez/elodin/internal/ecs"
)

// Directory layout: metadata.json describing the snapshot plus one .col
// file per archetype. A .col file is the magic "ELOC", a version byte, the
// row count, the column component IDs, the entity-id column and then each
// component column as raw little-endian bytes.
const (
	metaFile   = "metadata.json"
	colMagic   = "ELOC"
	colVersion = 1
)

type metaJSON struct {
	Version    int        `json:"version"`
	Tick       uint64     `json:"tick"`
	Entities   int        `json:"entities"`
	Components []compJSON `json:"components"`
	Archetypes []archJSON `json:"archetypes"`
	Digest     string     `json:"digest"`
}

type compJSON struct {
	Name  string `json:"name"`
	ID    uint64 `json:"id"`
	Shape []int  `json:"shape,omitempty"`
	Elem  string `json:"elem"`
}

type archJSON struct {
	File       string   `json:"file"`
	Rows       int      `json:"rows"`
	Components []uint64 `json:"components"`
}

// WriteDir stores the snapshot under dir, creating it if needed. Existing
// snapshot files in dir are overwritten.
func WriteDir(s *Snapshot, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	digest := s.Digest()
	meta := metaJSON{
		Version:  colVersion,
		Tick:     s.Tick,
		Entities: s.EntityCount(),
		Digest:   hex.EncodeToString(digest[:]),
	}
	for _, c := range s.Components {
		meta.Components = append(meta.Components, compJSON{
			Name:  c.Name,
			ID:    uint64(c.ID),
			Shape: c.Shape,
			Elem:  c.Elem.String(),
		})
	}
	for i := range s.Archetypes {
		a := &s.Archetypes[i]
		aj := archJSON{
			File: fmt.Sprintf("arch-%04d.col", i),
			Rows: len(a.Entities),
		}
		for _, id := range a.Components {
			aj.Components = append(aj.Components, uint64(id))
		}
		meta.Archetypes = append(meta.Archetypes, aj)
		if err := os.WriteFile(filepath.Join(dir, aj.File), encodeColFile(a), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", aj.File, err)
		}
	}
	blob, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	blob = append(blob, '\n')
	if err := os.WriteFile(filepath.Join(dir, metaFile), blob, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// ReadDir loads a snapshot written by WriteDir and verifies its content
// digest. A digest or layout mismatch yields an error wrapping
// ecs.ErrCorrupt.
func ReadDir(dir string) (*Snapshot, error) {
	blob, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta metaJSON
	if err := json.Unmarshal(blob, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if meta.Version != colVersion {
		return nil, fmt.Errorf("snapshot: unsupported version %d", meta.Version)
	}

	s := &Snapshot{Tick: meta.Tick}
	strides := make(map[ecs.ComponentID]int, len(meta.Components))
	for _, c := range meta.Components {
		et, err := ecs.ParseElemType(c.Elem)
		if err != nil {
			return nil, fmt.Errorf("component %s: %w", c.Name, err)
		}
		comp := Component{Name: c.Name, ID: ecs.ComponentID(c.ID), Shape: c.Shape, Elem: et}
		n := 1
		for _, d := range c.Shape {
			n *= d
		}
		strides[comp.ID] = n * et.Size()
		s.Components = append(s.Components, comp)
	}

	for _, aj := range meta.Archetypes {
		if aj.File != filepath.Base(aj.File) {
			return nil, fmt.Errorf("%w: archetype file name %q", ecs.ErrCorrupt, aj.File)
		}
		blob, err := os.ReadFile(filepath.Join(dir, aj.File))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", aj.File, err)
		}
		a, err := decodeColFile(blob, aj, strides)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", aj.File, err)
		}
		s.Archetypes = append(s.Archetypes, a)
	}

	got := s.Digest()
	if hex.EncodeToString(got[:]) != meta.Digest {
		return nil, fmt.Errorf("%w: digest mismatch", ecs.ErrCorrupt)
	}
	if n := s.EntityCount(); n != meta.Entities {
		return nil, fmt.Errorf("%w: metadata says %d entities, files hold %d", ecs.ErrCorrupt, meta.Entities, n)
	}
	return s, nil
}

func encodeColFile(a *Archetype) []byte {
	size := len(colMagic) + 1 + 8 + 2 + 8*len(a.Components) + 8*len(a.Entities)
	for _, col := range a.Columns {
		size += len(col)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, colMagic...)
	buf = append(buf, colVersion)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(a.Entities)))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(a.Components)))
	for _, id := range a.Components {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(id))
	}
	for _, e := range a.Entities {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e))
	}
	for _, col := range a.Columns {
		buf = append(buf, col...)
	}
	return buf
}

func decodeColFile(blob []byte, aj archJSON, strides map[ecs.ComponentID]int) (Archetype, error) {
	var a Archetype
	off := 0
	take := func(n int) ([]byte, bool) {
		if off+n > len(blob) {
			return nil, false
		}
		b := blob[off : off+n]
		off += n
		return b, true
	}

	head, ok := take(len(colMagic) + 1 + 8 + 2)
	if !ok || string(head[:4]) != colMagic {
		return a, fmt.Errorf("%w: bad column file header", ecs.ErrCorrupt)
	}
	if head[4] != colVersion {
		return a, fmt.Errorf("snapshot: unsupported column version %d", head[4])
	}
	rows := int(binary.LittleEndian.Uint64(head[5:13]))
	ncomps := int(binary.LittleEndian.Uint16(head[13:15]))
	if rows != aj.Rows || ncomps != len(aj.Components) {
		return a, fmt.Errorf("%w: header disagrees with metadata", ecs.ErrCorrupt)
	}

	for i := 0; i < ncomps; i++ {
		b, ok := take(8)
		if !ok {
			return a, fmt.Errorf("%w: truncated component ids", ecs.ErrCorrupt)
		}
		id := ecs.ComponentID(binary.LittleEndian.Uint64(b))
		if uint64(id) != aj.Components[i] {
			return a, fmt.Errorf("%w: component order disagrees with metadata", ecs.ErrCorrupt)
		}
		a.Components = append(a.Components, id)
	}
	for i := 0; i < rows; i++ {
		b, ok := take(8)
		if !ok {
			return a, fmt.Errorf("%w: truncated entity column", ecs.ErrCorrupt)
		}
		a.Entities = append(a.Entities, ecs.Entity(binary.LittleEndian.Uint64(b)))
	}
	for _, id := range a.Components {
		stride, ok := strides[id]
		if !ok {
			return a, fmt.Errorf("%w: id %d", ecs.ErrUnknownComponent, id)
		}
		b, ok := take(rows * stride)
		if !ok {
			return a, fmt.Errorf("%w: truncated column for id %d", ecs.ErrCorrupt, id)
		}
		a.Columns = append(a.Columns, append([]byte(nil), b...))
	}
	if off != len(blob) {
		return a, fmt.Errorf("%w: %d trailing bytes", ecs.ErrCorrupt, len(blob)-off)
	}
	return a, nil
}
