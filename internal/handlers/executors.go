package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/genflow/internal/orchestrator"
)

// Task kinds. They match the quota categories of the routes that submit them.
const (
	KindGeneration = "generation"
	KindRefinement = "refinement"
	KindExport     = "export"
)

// ExportFormats lists the formats accepted by the export executor.
var ExportFormats = map[string]string{
	"svg":  "image/svg+xml",
	"png":  "image/png",
	"jpeg": "image/jpeg",
	"webp": "image/webp",
}

// Deps are shared by every executor.
type Deps struct {
	Backend     *BackendClient
	Checkpoints Checkpoints
	Blobs       Blobs
	// YieldMargin is the time left before the soft deadline at which an
	// executor stops starting new steps.
	YieldMargin time.Duration
	Logger      *slog.Logger
}

// Executors returns the generation, refinement and export executors.
func Executors(d Deps) []orchestrator.Executor {
	return []orchestrator.Executor{NewGeneration(d), NewRefinement(d), NewExport(d)}
}

func newPipeline(d Deps, kind string, artifact func(*orchestrator.Run) string, validate func(*orchestrator.Run) error, steps ...Step) *Pipeline {
	if d.YieldMargin <= 0 {
		d.YieldMargin = 30 * time.Second
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Checkpoints == nil {
		d.Checkpoints = NewMemoryCheckpoints()
	}
	return &Pipeline{
		kind:        kind,
		artifact:    artifact,
		validate:    validate,
		steps:       steps,
		checkpoints: d.Checkpoints,
		blobs:       d.Blobs,
		margin:      d.YieldMargin,
		logger:      d.Logger,
	}
}

func fixedName(name string) func(*orchestrator.Run) string {
	return func(*orchestrator.Run) string { return name }
}

// ── generation ───────────────────────────────────────────────────────────────

type generationPayload struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// NewGeneration renders a draft from a prompt and then upscales it.
func NewGeneration(d Deps) *Pipeline {
	return newPipeline(d, KindGeneration, fixedName("generation.png"),
		func(run *orchestrator.Run) error {
			var p generationPayload
			if err := run.DecodePayload(&p); err != nil {
				return err
			}
			if p.Prompt == "" {
				return errors.New("missing required field 'prompt'")
			}
			if p.Width < 0 || p.Height < 0 {
				return errors.New("width and height must not be negative")
			}
			return nil
		},
		Step{Name: "draft", Run: func(ctx context.Context, run *orchestrator.Run, _ []byte) ([]byte, error) {
			var p generationPayload
			if err := run.DecodePayload(&p); err != nil {
				return nil, err
			}
			return d.Backend.PostJSON(ctx, "/v1/generate", p)
		}},
		Step{Name: "upscale", Run: func(ctx context.Context, _ *orchestrator.Run, draft []byte) ([]byte, error) {
			return d.Backend.Post(ctx, "/v1/upscale", "image/png", draft)
		}},
	)
}

// ── refinement ───────────────────────────────────────────────────────────────

type refinementPayload struct {
	Source      string `json:"source"`
	Instruction string `json:"instruction"`
}

type refineRequest struct {
	Instruction string `json:"instruction"`
	Image       []byte `json:"image"`
}

// NewRefinement applies an instruction to a previously generated artifact.
func NewRefinement(d Deps) *Pipeline {
	return newPipeline(d, KindRefinement, fixedName("refinement.png"),
		func(run *orchestrator.Run) error {
			var p refinementPayload
			if err := run.DecodePayload(&p); err != nil {
				return err
			}
			if p.Source == "" || p.Instruction == "" {
				return errors.New("'source' and 'instruction' are required")
			}
			return nil
		},
		Step{Name: "refine", Run: func(ctx context.Context, run *orchestrator.Run, _ []byte) ([]byte, error) {
			var p refinementPayload
			if err := run.DecodePayload(&p); err != nil {
				return nil, err
			}
			src, err := d.Blobs.Get(ctx, p.Source)
			if err != nil {
				return nil, fmt.Errorf("load source: %w", err)
			}
			return d.Backend.PostJSON(ctx, "/v1/refine", refineRequest{Instruction: p.Instruction, Image: src})
		}},
	)
}

// ── export ───────────────────────────────────────────────────────────────────

type exportPayload struct {
	Source string `json:"source"`
	Format string `json:"format"`
}

// NewExport converts an artifact to one of ExportFormats.
func NewExport(d Deps) *Pipeline {
	return newPipeline(d, KindExport,
		func(run *orchestrator.Run) string {
			var p exportPayload
			_ = run.DecodePayload(&p)
			return "export." + p.Format
		},
		func(run *orchestrator.Run) error {
			var p exportPayload
			if err := run.DecodePayload(&p); err != nil {
				return err
			}
			if p.Source == "" {
				return errors.New("missing required field 'source'")
			}
			if _, ok := ExportFormats[p.Format]; !ok {
				return fmt.Errorf("unsupported export format %q", p.Format)
			}
			return nil
		},
		Step{Name: "export", Run: func(ctx context.Context, run *orchestrator.Run, _ []byte) ([]byte, error) {
			var p exportPayload
			if err := run.DecodePayload(&p); err != nil {
				return nil, err
			}
			src, err := d.Blobs.Get(ctx, p.Source)
			if err != nil {
				return nil, fmt.Errorf("load source: %w", err)
			}
			return d.Backend.Post(ctx, "/v1/export/"+p.Format, "application/octet-stream", src)
		}},
	)
}
