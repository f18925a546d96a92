package voiceid

import (
	"context"
	"log/slog"
	"sort"

	"earshot/internal/config"
	"earshot/pkg/types"
	"earshot/pkg/wav"
)

const (
	// overMergedTurnS marks a single diarization turn as suspiciously long:
	// pyannote sometimes glues an entire interview into one cluster.
	overMergedTurnS = 300.0

	windowMaxS  = 3.0
	windowMinS  = 0.5
	windowHopS  = 1.5
	maxWindows  = 10
	embedBatch  = 32
	splitChunkS = 30.0
	// smoothMaxFlipS bounds the duration of a segment the smoothing pass may
	// flip to match its neighbours.
	smoothMaxFlipS = 60.0

	// Over-merge signal thresholds on the per-window similarity spread.
	overMergeVariance = 0.05
	overMergeRange    = 0.30

	shortClusterBoost = 1.02 // clusters ≤ 10 s
	longClusterBoost  = 1.05
)

// Identifier labels diarization clusters with speaker names.
type Identifier struct {
	cfg      config.SpeakerIDConfig
	ex       Extractor
	profiles *Store
	log      *slog.Logger
}

// NewIdentifier constructs an Identifier over the given extractor and profile
// store.
func NewIdentifier(cfg config.SpeakerIDConfig, ex Extractor, profiles *Store, log *slog.Logger) *Identifier {
	if log == nil {
		log = slog.Default()
	}
	return &Identifier{cfg: cfg, ex: ex, profiles: profiles, log: log}
}

// Identify assigns a speaker label to every diarization turn. samples is the
// full 16 kHz mono decode of the audio the turns were produced from. When the
// embedding model is unavailable every turn comes back UNKNOWN; that is a
// degradation, not an error.
func (id *Identifier) Identify(ctx context.Context, samples []float32, turns []types.DiarizationTurn) ([]types.SpeakerSegment, error) {
	if id.cfg.AssumeMonologue && id.cfg.KnownName != "" {
		out := make([]types.SpeakerSegment, 0, len(turns))
		for _, t := range turns {
			out = append(out, types.SpeakerSegment{
				StartS: t.StartS, EndS: t.EndS,
				Label:      types.KnownSpeaker(id.cfg.KnownName),
				Confidence: 1.0,
				ClusterID:  t.ClusterID,
			})
		}
		return out, nil
	}

	clusters := groupByCluster(turns)
	ids := make([]int, 0, len(clusters))
	for cid := range clusters {
		ids = append(ids, cid)
	}
	sort.Ints(ids)

	var out []types.SpeakerSegment
	for _, cid := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, id.identifyCluster(ctx, samples, cid, clusters[cid])...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartS < out[j].StartS })
	return out, nil
}

func (id *Identifier) identifyCluster(ctx context.Context, samples []float32, cid int, turns []types.DiarizationTurn) []types.SpeakerSegment {
	var totalS float64
	for _, t := range turns {
		totalS += t.Duration()
	}
	if totalS < id.cfg.MinClusterDuration {
		return unknownSegments(turns)
	}

	windows := sampleWindows(samples, turns)
	vecs := id.embedWindows(ctx, windows)
	if len(vecs) == 0 {
		id.log.Warn("no usable voice embeddings for cluster; emitting UNKNOWN", "cluster", cid)
		return unknownSegments(turns)
	}

	// Over-merge detection against the known speaker's centroid. High spread
	// in per-window similarity means more than one voice shares the cluster.
	var (
		split    bool
		variance float64
	)
	known := id.knownProfile()
	if known != nil && len(vecs) >= 3 {
		sims := make([]float64, len(vecs))
		for i, v := range vecs {
			sims[i] = cosine(v, known.Centroid)
		}
		var valueRange float64
		variance, valueRange = spread(sims)
		if variance > overMergeVariance || valueRange > overMergeRange {
			split = true
			id.log.Info("over-merged cluster detected; re-identifying per segment",
				"cluster", cid, "variance", variance, "range", valueRange)
		}
	}
	singleOverMerged := len(turns) == 1 && turns[0].Duration() > overMergedTurnS

	if split || singleOverMerged {
		return id.splitCluster(ctx, samples, cid, turns, variance)
	}

	mean := normalize(meanVector(vecs))
	label, conf, margin := id.matchProfiles(mean, totalS)
	out := make([]types.SpeakerSegment, 0, len(turns))
	for _, t := range turns {
		out = append(out, types.SpeakerSegment{
			StartS: t.StartS, EndS: t.EndS,
			Label:      label,
			Confidence: conf,
			Margin:     margin,
			ClusterID:  cid,
			Embedding:  mean,
		})
	}
	return out
}

// matchProfiles scores a cluster embedding against every enrolled profile. A
// duration boost favours longer clusters; acceptance requires the raw
// similarity to clear the profile's threshold and the boosted score to lead
// the next-distinct profile by the attribution margin. Duplicate centroids
// resolve to their canonical name without the margin check.
func (id *Identifier) matchProfiles(vec []float32, durationS float64) (types.SpeakerLabel, float64, float64) {
	profiles := id.profiles.Profiles()
	if len(profiles) == 0 {
		return types.Unknown(), 0, 0
	}

	boost := longClusterBoost
	if durationS <= 10 {
		boost = shortClusterBoost
	}

	type scored struct {
		p       *types.VoiceProfile
		raw     float64
		boosted float64
	}
	scores := make([]scored, 0, len(profiles))
	for _, p := range profiles {
		raw := cosine(vec, p.Centroid)
		scores = append(scores, scored{p: p, raw: raw, boosted: raw * boost})
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].boosted > scores[j].boosted })

	best := scores[0]
	canonical := id.profiles.Canonical(best.p)

	// Margin to the next profile with a distinct canonical identity.
	margin := best.boosted
	for _, s := range scores[1:] {
		if id.profiles.Canonical(s.p).Name != canonical.Name {
			margin = best.boosted - s.boosted
			break
		}
	}

	threshold := id.thresholdFor(best.p)
	if best.p.DuplicateOf != "" {
		// Backup centroid: canonical name, threshold only.
		if best.raw >= threshold {
			return types.KnownSpeaker(canonical.Name), best.raw, margin
		}
		return types.Unknown(), best.raw, margin
	}
	if best.raw >= threshold && margin >= id.cfg.AttributionMargin {
		return types.KnownSpeaker(canonical.Name), best.raw, margin
	}
	return types.Unknown(), best.raw, margin
}

// splitCluster re-identifies an over-merged cluster in 30 s pieces against
// the known centroid only: each piece is either the known speaker or a guest.
func (id *Identifier) splitCluster(ctx context.Context, samples []float32, cid int, turns []types.DiarizationTurn, variance float64) []types.SpeakerSegment {
	known := id.knownProfile()
	if known == nil {
		return unknownSegments(turns)
	}
	threshold := perSegmentThreshold(variance)

	var out []types.SpeakerSegment
	for _, t := range turns {
		for start := t.StartS; start < t.EndS; start += splitChunkS {
			end := start + splitChunkS
			if end > t.EndS {
				end = t.EndS
			}
			piece := wav.Slice(samples, 16000, start, end)
			if len(piece) == 0 {
				continue
			}
			vec, err := id.ex.Embed(ctx, piece)
			if err != nil {
				id.log.Warn("piece embedding failed", "cluster", cid, "start_s", start, "error", err)
				out = append(out, types.SpeakerSegment{StartS: start, EndS: end, Label: types.Unknown(), ClusterID: cid})
				continue
			}
			sim := cosine(vec, known.Centroid)
			label := types.Guest()
			if sim >= threshold {
				label = types.KnownSpeaker(id.profiles.Canonical(known).Name)
			}
			out = append(out, types.SpeakerSegment{
				StartS: start, EndS: end,
				Label:      label,
				Confidence: sim,
				ClusterID:  cid,
				Embedding:  vec,
			})
		}
	}
	id.smooth(out)
	return out
}

// perSegmentThreshold picks the re-identification threshold from the
// over-merge variance: a noisy cluster gets the stricter cut.
func perSegmentThreshold(variance float64) float64 {
	if variance > overMergeVariance {
		return 0.70
	}
	return 0.65
}

// smooth flips short segments whose neighbours agree on a different label.
func (id *Identifier) smooth(segs []types.SpeakerSegment) {
	for i := 1; i < len(segs)-1; i++ {
		prev, cur, next := segs[i-1].Label, segs[i].Label, segs[i+1].Label
		if prev.String() != next.String() || prev.String() == cur.String() {
			continue
		}
		if segs[i].EndS-segs[i].StartS >= smoothMaxFlipS {
			continue
		}
		id.log.Info("smoothed speaker flip",
			"start_s", segs[i].StartS, "end_s", segs[i].EndS,
			"from", cur.String(), "to", prev.String())
		segs[i].Label = prev
	}
}

// embedWindows extracts embeddings in batches, skipping failed windows.
func (id *Identifier) embedWindows(ctx context.Context, windows [][]float32) [][]float32 {
	var vecs [][]float32
	for start := 0; start < len(windows); start += embedBatch {
		end := start + embedBatch
		if end > len(windows) {
			end = len(windows)
		}
		for _, w := range windows[start:end] {
			vec, err := id.ex.Embed(ctx, w)
			if err != nil {
				id.log.Debug("window embedding failed", "error", err)
				continue
			}
			vecs = append(vecs, vec)
		}
	}
	return vecs
}

func (id *Identifier) knownProfile() *types.VoiceProfile {
	if id.cfg.KnownName == "" {
		return nil
	}
	return id.profiles.Get(id.cfg.KnownName)
}

func (id *Identifier) thresholdFor(p *types.VoiceProfile) float64 {
	if p.Threshold > 0 {
		return p.Threshold
	}
	if p.Matches(id.cfg.KnownName) {
		return id.cfg.KnownMinSim
	}
	return id.cfg.GuestMinSim
}

// sampleWindows collects up to maxWindows sub-windows across the cluster's
// turns (≤ 3 s each, 1.5 s hop, ≥ 0.5 s). A single over-merged turn instead
// yields ten windows spread uniformly over its full duration, so the sample
// covers both voices rather than only the opening speaker.
func sampleWindows(samples []float32, turns []types.DiarizationTurn) [][]float32 {
	if len(turns) == 1 && turns[0].Duration() > overMergedTurnS {
		t := turns[0]
		step := (t.Duration() - windowMaxS) / float64(maxWindows-1)
		var out [][]float32
		for i := 0; i < maxWindows; i++ {
			start := t.StartS + step*float64(i)
			w := wav.Slice(samples, 16000, start, start+windowMaxS)
			if float64(len(w))/16000.0 >= windowMinS {
				out = append(out, w)
			}
		}
		return out
	}

	var out [][]float32
	for _, t := range turns {
		for start := t.StartS; start < t.EndS && len(out) < maxWindows; start += windowHopS {
			end := start + windowMaxS
			if end > t.EndS {
				end = t.EndS
			}
			if end-start < windowMinS {
				break
			}
			w := wav.Slice(samples, 16000, start, end)
			if len(w) > 0 {
				out = append(out, w)
			}
		}
		if len(out) >= maxWindows {
			break
		}
	}
	return out
}

func unknownSegments(turns []types.DiarizationTurn) []types.SpeakerSegment {
	out := make([]types.SpeakerSegment, 0, len(turns))
	for _, t := range turns {
		out = append(out, types.SpeakerSegment{
			StartS: t.StartS, EndS: t.EndS,
			Label:     types.Unknown(),
			ClusterID: t.ClusterID,
		})
	}
	return out
}

func groupByCluster(turns []types.DiarizationTurn) map[int][]types.DiarizationTurn {
	m := make(map[int][]types.DiarizationTurn)
	for _, t := range turns {
		m[t.ClusterID] = append(m[t.ClusterID], t)
	}
	for cid := range m {
		ts := m[cid]
		sort.Slice(ts, func(i, j int) bool { return ts[i].StartS < ts[j].StartS })
	}
	return m
}
