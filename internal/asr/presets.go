package asr

import "earshot/internal/config"

// Preset bundles the decoding parameters for one routing class. All presets
// use word-level timestamps.
type Preset struct {
	Name         string
	ModelPath    string
	Beam         int
	Temperatures []float64
	// MaxChunkS bounds the audio window fed to one decode call.
	MaxChunkS int
}

const fastShortMaxMinutes = 20.0

// routePreset picks a preset from (duration, is_interview). Interviews win
// over the duration rule because cross-talk benefits from the tighter chunking
// even on short files.
func routePreset(cfg config.ASRConfig, durationS float64, isInterview bool) Preset {
	base := Preset{
		ModelPath:    cfg.Model,
		Beam:         cfg.Beam,
		Temperatures: cfg.Temperatures,
		MaxChunkS:    cfg.ChunkLength,
	}
	switch {
	case isInterview:
		base.Name = "interview"
		if base.MaxChunkS <= 0 || base.MaxChunkS > 20 {
			base.MaxChunkS = 20
		}
	case durationS <= fastShortMaxMinutes*60:
		base.Name = "fast-short"
		if base.MaxChunkS <= 0 {
			base.MaxChunkS = 30
		}
	default:
		base.Name = "long-monologue"
		if base.MaxChunkS <= 0 {
			base.MaxChunkS = 45
		}
	}
	return base
}

// refinementPreset is the stage-2 configuration: the stronger model (falling
// back to the stage-1 model when none is configured), a wider beam and a
// richer temperature schedule.
func refinementPreset(cfg config.ASRConfig) Preset {
	model := cfg.RefineModel
	if model == "" {
		model = cfg.Model
	}
	beam := cfg.RetryBeam
	if beam <= 0 {
		beam = 8
	}
	temps := cfg.RetryTemperatures
	if len(temps) == 0 {
		temps = []float64{0.0, 0.2, 0.4, 0.6, 0.8}
	}
	return Preset{
		Name:         "refine",
		ModelPath:    model,
		Beam:         beam,
		Temperatures: temps,
		MaxChunkS:    30,
	}
}
