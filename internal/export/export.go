// Package export turns completed sets into training bundles. It only reads;
// exporting never changes a set.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"stampline/internal/domain"
)

type Item struct {
	ArtifactID  string              `json:"artifact_id"`
	Kind        domain.ArtifactKind `json:"kind"`
	PhraseIndex int                 `json:"phrase_index"`
	Phrase      string              `json:"phrase"`
	Path        string              `json:"path"`
}

type Bundle struct {
	SetID      string   `json:"set_id"`
	Theme      string   `json:"theme"`
	Concept    string   `json:"concept"`
	Phrases    []string `json:"phrases"`
	Artifacts  []Item   `json:"artifacts"`
	ExportedAt string   `json:"exported_at,omitempty"`
}

// Build collects the selected concept, every phrase and the ready artifacts
// of a completed set, ordered by phrase index. Failed artifacts are left out.
func Build(s domain.StampSet) (Bundle, error) {
	if s.Stage != domain.StageCompleted {
		return Bundle{}, fmt.Errorf("%w: set %s is %s, only completed sets can be exported", domain.ErrValidation, s.ID, s.Stage)
	}
	b := Bundle{
		SetID:     s.ID,
		Theme:     s.Theme,
		Concept:   s.SelectedConcept(),
		Phrases:   append([]string{}, s.Phrases...),
		Artifacts: []Item{},
	}
	arts := append(s.CurrentSamples(), s.FullArtifacts...)
	for _, a := range arts {
		if a.Status != domain.ArtifactReady {
			continue
		}
		b.Artifacts = append(b.Artifacts, Item{
			ArtifactID:  a.ID,
			Kind:        a.Kind,
			PhraseIndex: a.PhraseIndex,
			Phrase:      s.Phrases[a.PhraseIndex],
			Path:        a.Path,
		})
	}
	sort.SliceStable(b.Artifacts, func(i, j int) bool { return b.Artifacts[i].PhraseIndex < b.Artifacts[j].PhraseIndex })
	return b, nil
}

// Reader loads artifact bytes by key. storage.FileStore implements it.
type Reader interface {
	Read(ctx context.Context, key string) ([]byte, error)
}

type LoRAOptions struct {
	// Caption builds the caption text for an image. Defaults to "concept, phrase".
	Caption func(concept, phrase string) string
	Now     func() time.Time
}

// WriteLoRA lays the bundle out as a kohya-style training directory: one
// NNN.png with a matching NNN.txt caption per artifact, numbered by phrase,
// plus metadata.json. It returns the number of images written.
func WriteLoRA(ctx context.Context, b Bundle, src Reader, dir string, opts LoRAOptions) (int, error) {
	caption := opts.Caption
	if caption == nil {
		caption = func(concept, phrase string) string { return concept + ", " + phrase }
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("%w: create export dir: %w", domain.ErrPersistence, err)
	}
	n := 0
	for _, item := range b.Artifacts {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		data, err := src.Read(ctx, item.Path)
		if err != nil {
			return n, fmt.Errorf("%w: read %s: %w", domain.ErrPersistence, item.Path, err)
		}
		base := fmt.Sprintf("%03d", item.PhraseIndex+1)
		if err := os.WriteFile(filepath.Join(dir, base+".png"), data, 0o644); err != nil {
			return n, fmt.Errorf("%w: write image: %w", domain.ErrPersistence, err)
		}
		if err := os.WriteFile(filepath.Join(dir, base+".txt"), []byte(caption(b.Concept, item.Phrase)), 0o644); err != nil {
			return n, fmt.Errorf("%w: write caption: %w", domain.ErrPersistence, err)
		}
		n++
	}
	b.ExportedAt = now().UTC().Format(time.RFC3339)
	meta, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return n, err
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), meta, 0o644); err != nil {
		return n, fmt.Errorf("%w: write metadata: %w", domain.ErrPersistence, err)
	}
	return n, nil
}
