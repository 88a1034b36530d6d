package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ReplaySource feeds recorded JSONL ticks through the identical pipeline.
// Speed 0 replays as fast as the pipeline accepts; Speed 1 reproduces the
// original inter-tick spacing.
type ReplaySource struct {
	Path  string
	Speed float64
}

func (r *ReplaySource) Name() string { return "replay" }

func (r *ReplaySource) Run(ctx context.Context, out chan<- Tick) error {
	f, err := os.Open(r.Path)
	if err != nil {
		return fmt.Errorf("open replay file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var prev time.Time
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var t Tick
		if err := json.Unmarshal(raw, &t); err != nil {
			return fmt.Errorf("replay line %d: %w", line, err)
		}

		if r.Speed > 0 && !prev.IsZero() && t.TS.After(prev) {
			gap := time.Duration(float64(t.TS.Sub(prev)) / r.Speed)
			select {
			case <-time.After(gap):
			case <-ctx.Done():
				return nil
			}
		}
		prev = t.TS

		select {
		case out <- t:
		case <-ctx.Done():
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read replay file: %w", err)
	}
	return nil
}
