package pipeline

import (
	"context"
	"fmt"
	"log"

	"github.com/cwsl/radio_observer/frontend"
)

// Pipeline feeds one frontend into a waterfall
type Pipeline struct {
	Frontend  frontend.Frontend
	Waterfall *Waterfall
}

// New creates a pipeline
func New(f frontend.Frontend, w *Waterfall) *Pipeline {
	return &Pipeline{Frontend: f, Waterfall: w}
}

// Run blocks until the frontend's input ends or ctx is cancelled. The
// stream is always ended, so every recorder has flushed when Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	log.Printf("[Pipeline] Starting %s", p.Frontend.Name())
	if err := p.Frontend.Run(ctx, p.Waterfall); err != nil {
		return fmt.Errorf("frontend %s: %w", p.Frontend.Name(), err)
	}
	log.Printf("[Pipeline] %s finished", p.Frontend.Name())
	return nil
}
