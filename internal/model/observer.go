package model

import "github.com/23skdu/longbow-bolt/internal/logger"

// ActivationSummary condenses one hidden state for checkpoint hooks.
type ActivationSummary struct {
	Min  float32
	Max  float32
	Mean float32
	RMS  float32
}

// Observer receives hidden-state checkpoints during the forward pass at
// the configured layer interval. Implementations must not mutate engine
// state; anything domain-specific (diagnostics, rescaling decisions,
// side-channel logging) lives entirely behind this interface.
type Observer interface {
	OnCheckpoint(layer int, summary ActivationSummary)
}

// NopObserver is the default.
type NopObserver struct{}

func (NopObserver) OnCheckpoint(int, ActivationSummary) {}

// LogObserver writes checkpoint summaries to the structured log.
type LogObserver struct {
	Log *logger.Logger
}

func (o LogObserver) OnCheckpoint(layer int, s ActivationSummary) {
	log := o.Log
	if log == nil {
		log = logger.Log
	}
	log.Debug("layer checkpoint",
		"layer", layer,
		"min", s.Min,
		"max", s.Max,
		"mean", s.Mean,
		"rms", s.RMS,
	)
}
