// Package visitcontext assembles the prior-visit context handed to the remote
// assistant at session start.
package visitcontext

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/carevoice/internal/memory"
	"github.com/ent0n29/carevoice/internal/observability"
)

const (
	FirstConversationSentinel = "This is our first conversation."
	FallbackPrefix            = "Previously, the patient said: "

	MaxSummaryRunes  = 300
	MaxFallbackRunes = 200
	ellipsis         = "..."

	DefaultTimeout = 3 * time.Second
)

// Payload is built fresh for every session start.
type Payload struct {
	PatientID         string            `json:"patient_id"`
	PreviousSummary   string            `json:"previous_summary"`
	FirstConversation bool              `json:"first_conversation"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Source returns the most recent conversation for a patient, or
// memory.ErrNotFound.
type Source interface {
	LatestConversation(ctx context.Context, patientID string) (memory.ConversationRecord, error)
}

type Builder struct {
	source   Source
	timeout  time.Duration
	metadata map[string]string
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

func NewBuilder(source Source, timeout time.Duration, metadata map[string]string, logger zerolog.Logger, metrics *observability.Metrics) *Builder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return &Builder{source: source, timeout: timeout, metadata: md, logger: logger, metrics: metrics}
}

type lookup struct {
	record memory.ConversationRecord
	err    error
}

var errSourceTimeout = errors.New("context source timed out")

// Build never fails. Any problem reading history yields the first-conversation
// sentinel.
func (b *Builder) Build(ctx context.Context, patientID string) Payload {
	p := Payload{
		PatientID: patientID,
		Metadata:  b.metadataFor(patientID),
	}

	rec, err := b.latest(ctx, patientID)
	outcome := "summary"
	switch {
	case errors.Is(err, memory.ErrNotFound):
		outcome = "first"
	case err != nil:
		outcome = "degraded"
		b.logger.Warn().Err(err).Str("patient_id", patientID).Msg("context retrieval failed, using first-conversation context")
	}

	if err == nil {
		if summary, ok := summarize(rec); ok {
			p.PreviousSummary = summary
			if strings.TrimSpace(rec.Summary) == "" {
				outcome = "fallback"
			}
		} else {
			outcome = "empty"
		}
	}
	if p.PreviousSummary == "" {
		p.PreviousSummary = FirstConversationSentinel
		p.FirstConversation = true
	}

	b.metrics.ObserveContextBuild(outcome)
	b.logger.Debug().Str("patient_id", patientID).Str("outcome", outcome).Msg("visit context built")
	return p
}

// latest runs the lookup on its own goroutine so a source that ignores ctx
// still cannot hold up the caller past the timeout.
func (b *Builder) latest(ctx context.Context, patientID string) (memory.ConversationRecord, error) {
	if b.source == nil {
		return memory.ConversationRecord{}, memory.ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan lookup, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- lookup{err: fmt.Errorf("context source panicked: %v", r)}
			}
		}()
		rec, err := b.source.LatestConversation(ctx, patientID)
		done <- lookup{record: rec, err: err}
	}()

	select {
	case res := <-done:
		return res.record, res.err
	case <-ctx.Done():
		return memory.ConversationRecord{}, fmt.Errorf("%w: %v", errSourceTimeout, ctx.Err())
	}
}

func (b *Builder) metadataFor(patientID string) map[string]string {
	md := make(map[string]string, len(b.metadata)+1)
	for k, v := range b.metadata {
		md[k] = v
	}
	md["patient_id"] = patientID
	return md
}

func summarize(rec memory.ConversationRecord) (string, bool) {
	if s := strings.TrimSpace(rec.Summary); s != "" {
		return truncate(s, MaxSummaryRunes), true
	}

	parts := make([]string, 0, len(rec.Transcript))
	for _, turn := range rec.Transcript {
		if turn.Speaker != memory.SpeakerPatient {
			continue
		}
		if text := strings.TrimSpace(turn.Text); text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return FallbackPrefix + truncate(strings.Join(parts, " "), MaxFallbackRunes), true
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + ellipsis
}
