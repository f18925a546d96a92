// Package voiceid assigns speaker names to diarization clusters by comparing
// voice embeddings against enrolled profiles. Profiles live as JSON files in
// a voices directory; the known channel owner gets a lower similarity
// threshold than enrolled guests.
package voiceid

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"earshot/pkg/types"
	"earshot/pkg/wav"
)

// Store holds the enrolled voice profiles loaded from a directory.
type Store struct {
	dir      string
	profiles map[string]*types.VoiceProfile // keyed by lowercase name
	log      *slog.Logger
}

// LoadProfiles reads every *.json profile in dir. A missing directory yields
// an empty store, not an error: enrollment may happen via bootstrap later.
func LoadProfiles(dir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{dir: dir, profiles: make(map[string]*types.VoiceProfile), log: log}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("voiceid: read voices dir %q: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("voiceid: read profile %q: %w", path, err)
		}
		var p types.VoiceProfile
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("voiceid: parse profile %q: %w", path, err)
		}
		if p.Name == "" || len(p.Centroid) == 0 {
			log.Warn("skipping malformed voice profile", "path", path)
			continue
		}
		s.profiles[strings.ToLower(p.Name)] = &p
		log.Debug("loaded voice profile", "name", p.Name, "dims", len(p.Centroid), "threshold", p.Threshold)
	}
	return s, nil
}

// Profiles returns all loaded profiles.
func (s *Store) Profiles() []*types.VoiceProfile {
	out := make([]*types.VoiceProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	return out
}

// Get returns the profile for name (case-insensitive), or nil.
func (s *Store) Get(name string) *types.VoiceProfile {
	return s.profiles[strings.ToLower(name)]
}

// Canonical resolves a profile through its DuplicateOf chain to the primary
// profile. Backup centroids enroll as duplicates of the canonical name.
func (s *Store) Canonical(p *types.VoiceProfile) *types.VoiceProfile {
	for p != nil && p.DuplicateOf != "" {
		next := s.Get(p.DuplicateOf)
		if next == nil || next == p {
			break
		}
		p = next
	}
	return p
}

// RequireKnown fails when the named profile is not enrolled. The pipeline
// refuses to start ingestion without the known speaker's profile unless
// bootstrap is explicitly allowed; silently degrading every video to GUEST
// would poison the corpus.
func (s *Store) RequireKnown(name string) error {
	if name == "" {
		return nil
	}
	if s.Get(name) == nil {
		return fmt.Errorf("voiceid: profile for known speaker %q not found in %s (enroll it or enable bootstrap)", name, s.dir)
	}
	return nil
}

// Save writes a profile to the voices directory.
func (s *Store) Save(p *types.VoiceProfile) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("voiceid: create voices dir: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("voiceid: marshal profile %q: %w", p.Name, err)
	}
	path := filepath.Join(s.dir, strings.ToLower(p.Name)+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("voiceid: write profile %q: %w", path, err)
	}
	s.profiles[strings.ToLower(p.Name)] = p
	s.log.Info("saved voice profile", "name", p.Name, "path", path)
	return nil
}

// Bootstrap builds a profile for name from seed WAV files and saves it. The
// centroid is the normalised mean of the per-seed embeddings.
func (s *Store) Bootstrap(ctx context.Context, ex Extractor, name string, threshold float64, seedWAVs []string) error {
	if len(seedWAVs) == 0 {
		return fmt.Errorf("voiceid: bootstrap %q: no seed files", name)
	}
	var vecs [][]float32
	for _, path := range seedWAVs {
		if err := ctx.Err(); err != nil {
			return err
		}
		samples, _, err := wav.ReadFile(path)
		if err != nil {
			return fmt.Errorf("voiceid: bootstrap seed %q: %w", path, err)
		}
		vec, err := ex.Embed(ctx, samples)
		if err != nil {
			return fmt.Errorf("voiceid: bootstrap embed %q: %w", path, err)
		}
		vecs = append(vecs, vec)
	}
	centroid := normalize(meanVector(vecs))
	return s.Save(&types.VoiceProfile{
		Name:      name,
		Centroid:  centroid,
		Threshold: threshold,
		Metadata: map[string]string{
			"enrolled_from": fmt.Sprintf("%d seed files", len(seedWAVs)),
		},
	})
}
