package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ent0n29/carevoice/internal/observability"
	"github.com/ent0n29/carevoice/internal/reliability"
)

var (
	ErrNotifierClosed   = errors.New("notifier closed")
	ErrInvalidSubscribe = errors.New("clinician id and callback are required")
)

// Roster resolves the clinician currently assigned to a patient.
type Roster interface {
	AssignedClinician(ctx context.Context, patientID string) (string, error)
}

// Handle identifies one subscription. The zero Handle is never issued.
type Handle string

type NotifierOptions struct {
	ResolveTimeout time.Duration
	Backoff        reliability.Backoff
}

// Notifier delivers feed events to dashboard subscribers after checking that
// the patient still belongs to the subscribed clinician.
type Notifier struct {
	feed    Feed
	roster  Roster
	logger  zerolog.Logger
	metrics *observability.Metrics
	opts    NotifierOptions

	mu     sync.Mutex
	subs   map[Handle]*subscription
	closed bool
	wg     sync.WaitGroup
}

type subscription struct {
	clinicianID string
	onEvent     func(Event)
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewNotifier(feed Feed, roster Roster, logger zerolog.Logger, metrics *observability.Metrics, opts NotifierOptions) *Notifier {
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = 2 * time.Second
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff.Base = 250 * time.Millisecond
	}
	if opts.Backoff.Cap <= 0 {
		opts.Backoff.Cap = 15 * time.Second
	}
	return &Notifier{
		feed:    feed,
		roster:  roster,
		logger:  logger,
		metrics: metrics,
		opts:    opts,
		subs:    make(map[Handle]*subscription),
	}
}

// Subscribe opens a standing feed for clinicianID. onEvent runs serially on
// the subscription goroutine until Unsubscribe, Close or ctx cancellation.
func (n *Notifier) Subscribe(ctx context.Context, clinicianID string, onEvent func(Event)) (Handle, error) {
	clinicianID = strings.TrimSpace(clinicianID)
	if clinicianID == "" || onEvent == nil {
		return "", ErrInvalidSubscribe
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return "", ErrNotifierClosed
	}
	n.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	filter := Filter{ClinicianID: clinicianID, Kinds: []EventKind{KindCheckIn, KindConversation}}
	ch, stop, err := n.feed.Subscribe(subCtx, filter)
	if err != nil {
		cancel()
		return "", err
	}

	h := Handle(uuid.NewString())
	sub := &subscription{clinicianID: clinicianID, onEvent: onEvent, ctx: subCtx, cancel: cancel}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		stop()
		cancel()
		return "", ErrNotifierClosed
	}
	n.subs[h] = sub
	n.wg.Add(1)
	n.mu.Unlock()

	go n.run(h, sub, filter, ch, stop)

	n.logger.Debug().Str("clinician_id", clinicianID).Str("handle", string(h)).Msg("dashboard subscribed")
	return h, nil
}

// Unsubscribe releases the subscription. Unknown or repeated handles are ignored.
func (n *Notifier) Unsubscribe(h Handle) {
	n.mu.Lock()
	sub, ok := n.subs[h]
	delete(n.subs, h)
	n.mu.Unlock()
	if ok {
		sub.cancel()
	}
}

// Active reports the number of live subscriptions.
func (n *Notifier) Active() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	subs := n.subs
	n.subs = make(map[Handle]*subscription)
	n.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	n.wg.Wait()
	return nil
}

func (n *Notifier) run(h Handle, sub *subscription, filter Filter, ch <-chan RawEvent, stop func()) {
	defer n.wg.Done()
	defer func() {
		n.mu.Lock()
		delete(n.subs, h)
		n.mu.Unlock()
	}()

	log := n.logger.With().Str("clinician_id", sub.clinicianID).Logger()
	for {
		n.consume(sub, ch)
		stop()
		if sub.ctx.Err() != nil {
			return
		}

		log.Warn().Msg("activity feed dropped, resubscribing")
		var ok bool
		ch, stop, ok = n.resubscribe(sub, filter, log)
		if !ok {
			return
		}
		log.Info().Msg("activity feed restored")
	}
}

func (n *Notifier) resubscribe(sub *subscription, filter Filter, log zerolog.Logger) (<-chan RawEvent, func(), bool) {
	for attempt := 0; ; attempt++ {
		if err := n.opts.Backoff.Wait(sub.ctx, attempt); err != nil {
			return nil, nil, false
		}
		ch, stop, err := n.feed.Subscribe(sub.ctx, filter)
		if err == nil {
			return ch, stop, true
		}
		if sub.ctx.Err() != nil {
			return nil, nil, false
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("resubscribe failed")
	}
}

func (n *Notifier) consume(sub *subscription, ch <-chan RawEvent) {
	for {
		select {
		case <-sub.ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			n.deliver(sub, raw)
		}
	}
}

func (n *Notifier) deliver(sub *subscription, raw RawEvent) {
	kind := raw.Kind()
	if kind == "" {
		n.metrics.ObserveNotification("filtered")
		return
	}

	ctx, cancel := context.WithTimeout(sub.ctx, n.opts.ResolveTimeout)
	owner, err := n.roster.AssignedClinician(ctx, raw.PatientID)
	cancel()
	if err != nil {
		n.metrics.ObserveNotification("dropped")
		n.logger.Debug().Err(err).Str("patient_id", raw.PatientID).Msg("ownership lookup failed, dropping event")
		return
	}
	if owner != sub.clinicianID {
		n.metrics.ObserveNotification("filtered")
		return
	}
	if sub.ctx.Err() != nil {
		return
	}

	at := raw.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error().Interface("panic", r).Msg("notification callback panicked")
		}
	}()
	sub.onEvent(Event{PatientID: raw.PatientID, EventKind: kind, OccurredAt: at})
	n.metrics.ObserveNotification("delivered")
}
