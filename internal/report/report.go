// SPDX-License-Identifier: MIT

// Package report exports a point-in-time summary of the user's day as a
// JSON file, written atomically so a half-finished export can never be
// picked up by whatever tails the file.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/VJDiPaola/ADHD-OS/internal/bus"
	"github.com/VJDiPaola/ADHD-OS/internal/clock"
	"github.com/VJDiPaola/ADHD-OS/internal/log"
	"github.com/VJDiPaola/ADHD-OS/internal/query"
	"github.com/VJDiPaola/ADHD-OS/internal/store"
)

// Estimation-drift thresholds. A learned ratio outside this band is
// worth surfacing to the user.
const (
	underestimateRatio = 1.25
	overestimateRatio  = 0.8
)

const recentEventCount = 50

// Pattern is one detected estimation habit for a task type.
type Pattern struct {
	TaskType string  `json:"task_type"`
	Kind     string  `json:"kind"` // "chronic_underestimate" or "chronic_overestimate"
	Factor   float64 `json:"factor"`
}

// Summary is the exported document.
type Summary struct {
	GeneratedAt time.Time              `json:"generated_at"`
	User        *query.UserStateView   `json:"user,omitempty"`
	Sessions    []query.SessionSummary `json:"sessions"`
	Patterns    []Pattern              `json:"patterns"`
	Events      []bus.Event            `json:"events"`
}

// Exporter assembles and writes summaries.
type Exporter struct {
	query  *query.Service
	store  *store.Store
	bus    *bus.Bus
	clk    clock.Clock
	logger zerolog.Logger
}

func NewExporter(q *query.Service, st *store.Store, b *bus.Bus, clk clock.Clock) *Exporter {
	return &Exporter{
		query:  q,
		store:  st,
		bus:    b,
		clk:    clk,
		logger: log.WithComponent("report"),
	}
}

// Build assembles the summary without writing it. A user with no stored
// state still gets a summary; the user section is just absent.
func (e *Exporter) Build(ctx context.Context, userID string) (*Summary, error) {
	sum := &Summary{
		GeneratedAt: e.clk.Now(),
		Sessions:    []query.SessionSummary{},
		Patterns:    []Pattern{},
		Events:      e.query.RecentEvents(recentEventCount),
	}

	user, err := e.query.UserState(ctx, userID)
	switch {
	case err == nil:
		sum.User = user
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, err
	}

	sessions, err := e.query.Sessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	sum.Sessions = sessions

	patterns, err := e.detectPatterns(ctx)
	if err != nil {
		return nil, err
	}
	sum.Patterns = patterns
	return sum, nil
}

// Export writes the summary for userID to path and announces it on the
// bus. Detected patterns are published individually so the rest of the
// system can react without parsing the file.
func (e *Exporter) Export(ctx context.Context, userID, path string) error {
	sum, err := e.Build(ctx, userID)
	if err != nil {
		return fmt.Errorf("report: build summary: %w", err)
	}

	if err := e.write(path, sum); err != nil {
		return err
	}

	for _, p := range sum.Patterns {
		e.publish(ctx, bus.TopicPatternDetected, map[string]any{
			"task_type": p.TaskType,
			"kind":      p.Kind,
			"factor":    p.Factor,
		})
	}
	e.publish(ctx, bus.TopicSessionSummarized, map[string]any{
		"user_id":  userID,
		"path":     path,
		"sessions": len(sum.Sessions),
		"patterns": len(sum.Patterns),
	})

	e.logger.Info().
		Str(log.FieldUserID, userID).
		Str("path", path).
		Int("patterns", len(sum.Patterns)).
		Msg("summary exported")
	return nil
}

func (e *Exporter) detectPatterns(ctx context.Context) ([]Pattern, error) {
	types, err := e.store.TaskTypes(ctx)
	if err != nil {
		return nil, err
	}
	patterns := []Pattern{}
	for _, taskType := range types {
		factor, learned, err := e.store.TaskTypeMultiplier(ctx, taskType)
		if err != nil {
			return nil, err
		}
		if !learned {
			continue
		}
		switch {
		case factor >= underestimateRatio:
			patterns = append(patterns, Pattern{TaskType: taskType, Kind: "chronic_underestimate", Factor: factor})
		case factor <= overestimateRatio:
			patterns = append(patterns, Pattern{TaskType: taskType, Kind: "chronic_overestimate", Factor: factor})
		}
	}
	return patterns, nil
}

// write lands the file atomically: temp file, fsync, rename.
func (e *Exporter) write(path string, sum *Summary) error {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("report: create pending file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			e.logger.Debug().Err(err).Msg("cleanup pending summary file")
		}
	}()

	enc := json.NewEncoder(pending)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		return fmt.Errorf("report: encode summary: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("report: replace summary file: %w", err)
	}
	return nil
}

func (e *Exporter) publish(ctx context.Context, topic bus.Topic, payload map[string]any) {
	if err := e.bus.Publish(ctx, topic, payload); err != nil {
		e.logger.Warn().Err(err).Str(log.FieldTopic, string(topic)).Msg("publish failed")
	}
}
