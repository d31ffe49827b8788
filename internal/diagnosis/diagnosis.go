// Package diagnosis wraps the disease classifier behind one interface so the
// processing state machine does not care which model answers.
package diagnosis

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEngineTimeout = errors.New("diagnosis timed out")
	ErrEngineFailure = errors.New("diagnosis failed")
)

type Diagnosis struct {
	Label      string
	Confidence string
}

type Engine interface {
	Diagnose(ctx context.Context, image []byte, contentType string) (Diagnosis, error)
}

// StubEngine returns a fixed answer after Latency, standing in for a real model.
type StubEngine struct {
	Label      string
	Confidence string
	Latency    time.Duration
}

func NewStubEngine(label, confidence string, latency time.Duration) *StubEngine {
	if label == "" {
		label = "leaf_blight"
	}
	if confidence == "" {
		confidence = "92%"
	}
	return &StubEngine{Label: label, Confidence: confidence, Latency: latency}
}

func (s *StubEngine) Diagnose(ctx context.Context, image []byte, _ string) (Diagnosis, error) {
	if len(image) == 0 {
		return Diagnosis{}, errors.Join(ErrEngineFailure, errors.New("empty image"))
	}
	if s.Latency > 0 {
		timer := time.NewTimer(s.Latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return Diagnosis{}, ctx.Err()
		}
	}
	return Diagnosis{Label: s.Label, Confidence: s.Confidence}, nil
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, image []byte, contentType string) (Diagnosis, error)

func (f EngineFunc) Diagnose(ctx context.Context, image []byte, contentType string) (Diagnosis, error) {
	return f(ctx, image, contentType)
}
