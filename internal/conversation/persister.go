// Package conversation turns a finished session transcript into a durable
// conversation record.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/carevoice/internal/memory"
	"github.com/ent0n29/carevoice/internal/observability"
	"github.com/ent0n29/carevoice/internal/policy"
	"github.com/ent0n29/carevoice/internal/reliability"
	"github.com/ent0n29/carevoice/internal/transcript"
)

// ErrAnalysisPending tells Enrich the provider has not finished its analysis.
var ErrAnalysisPending = errors.New("analysis not ready")

// Store is the subset of memory.Store the persister writes through.
type Store interface {
	InsertConversation(ctx context.Context, record memory.ConversationRecord) (memory.ConversationRecord, error)
	GetConversation(ctx context.Context, recordID string) (memory.ConversationRecord, error)
	SetConversationSummary(ctx context.Context, recordID, summary string) error
}

type PersistRequest struct {
	PatientID       string
	SessionID       string
	Messages        []transcript.Message
	DurationSeconds int
}

// AnalysisFunc fetches a provider-side summary. An empty summary or
// ErrAnalysisPending means try again later.
type AnalysisFunc func(ctx context.Context) (string, error)

type Options struct {
	Timeout        time.Duration
	RedactPII      bool
	EnrichAttempts int
	Backoff        reliability.Backoff
}

type Persister struct {
	store   Store
	opts    Options
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewPersister(store Store, opts Options, logger zerolog.Logger, metrics *observability.Metrics) *Persister {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.EnrichAttempts <= 0 {
		opts.EnrichAttempts = 5
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = reliability.Backoff{Base: time.Second, Cap: 15 * time.Second}
	}
	return &Persister{store: store, opts: opts, logger: logger, metrics: metrics}
}

// Persist writes exactly one record, including for an empty transcript.
func (p *Persister) Persist(ctx context.Context, req PersistRequest) (memory.ConversationRecord, error) {
	if strings.TrimSpace(req.PatientID) == "" {
		p.metrics.ObservePersist("invalid")
		return memory.ConversationRecord{}, errors.New("persist conversation: patient id is required")
	}

	turns := make([]memory.Turn, 0, len(req.Messages))
	for _, msg := range req.Messages {
		text := msg.Text
		if p.opts.RedactPII {
			text, _ = policy.RedactPII(text)
		}
		turns = append(turns, memory.Turn{Speaker: speakerFor(msg.Role), Text: text, At: msg.Timestamp})
	}
	duration := req.DurationSeconds
	if duration < 0 {
		duration = 0
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	rec, err := p.store.InsertConversation(ctx, memory.ConversationRecord{
		PatientID:       req.PatientID,
		SessionID:       req.SessionID,
		Transcript:      turns,
		DurationSeconds: duration,
	})
	if err != nil {
		p.metrics.ObservePersist("error")
		p.logger.Error().Err(err).
			Str("patient_id", req.PatientID).
			Str("session_id", req.SessionID).
			Int("turns", len(turns)).
			Msg("conversation not persisted")
		return memory.ConversationRecord{}, fmt.Errorf("persist conversation: %w", err)
	}

	p.metrics.ObservePersist("ok")
	p.logger.Info().
		Str("record_id", rec.ID).
		Str("patient_id", rec.PatientID).
		Int("turns", len(turns)).
		Int("duration_seconds", duration).
		Msg("conversation persisted")
	return rec, nil
}

func speakerFor(role transcript.Role) string {
	if role == transcript.RoleUser {
		return memory.SpeakerPatient
	}
	return memory.SpeakerAssistant
}

// Enrich polls analysis until it yields a summary or attempts run out, then
// stores it unless the record already has one.
func (p *Persister) Enrich(ctx context.Context, recordID string, analysis AnalysisFunc) error {
	if analysis == nil {
		return nil
	}
	var lastErr error
	for attempt := 0; attempt < p.opts.EnrichAttempts; attempt++ {
		if attempt > 0 {
			if err := p.opts.Backoff.Wait(ctx, attempt-1); err != nil {
				return err
			}
		}
		summary, err := analysis(ctx)
		summary = strings.TrimSpace(summary)
		if err == nil && summary != "" {
			return p.applySummary(ctx, recordID, summary)
		}
		if err != nil && !errors.Is(err, ErrAnalysisPending) {
			lastErr = err
		}
	}
	p.metrics.ObservePersist("enrich_unavailable")
	if lastErr != nil {
		return fmt.Errorf("enrich conversation %s: %w", recordID, lastErr)
	}
	return fmt.Errorf("enrich conversation %s: %w", recordID, ErrAnalysisPending)
}

func (p *Persister) applySummary(ctx context.Context, recordID, summary string) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	rec, err := p.store.GetConversation(ctx, recordID)
	if err != nil {
		return fmt.Errorf("enrich conversation %s: %w", recordID, err)
	}
	if rec.Summary != "" {
		return nil
	}
	if p.opts.RedactPII {
		summary, _ = policy.RedactPII(summary)
	}
	if err := p.store.SetConversationSummary(ctx, recordID, summary); err != nil {
		return fmt.Errorf("enrich conversation %s: %w", recordID, err)
	}
	p.metrics.ObservePersist("enriched")
	p.logger.Info().Str("record_id", recordID).Msg("conversation summary added")
	return nil
}
