package proctor

import (
	"context"
	"errors"
	"time"

	"github.com/stemsi/exstem-agent/internal/metrics"
	"github.com/stemsi/exstem-agent/internal/model"
	"github.com/stemsi/exstem-agent/internal/remote"
	"github.com/stemsi/exstem-agent/internal/retry"
)

// deliver makes the immediate delivery attempts for a new violation. A
// record that still fails stays pending for the sweep.
func (m *Monitor) deliver(ctx context.Context, v model.ViolationRecord) {
	if !m.claim(v.ID) {
		return
	}
	defer m.release(v.ID)

	attempts, err := retry.Do(ctx, m.cfg.Retry, m.clock.Sleep,
		func(err error) bool { return !errors.Is(err, errTransportRefused) && remote.IsRetryable(err) },
		func(ctx context.Context, _ int) error {
			var err error
			v, err = m.attempt(ctx, v)
			return err
		})
	if err != nil && !errors.Is(err, errTransportRefused) {
		m.log.Warn().Err(err).
			Int64("violation_id", v.ID).
			Int("attempts", attempts).
			Msg("Violation delivery failed, left pending")
	}
}

// Sweep makes one delivery attempt for every pending violation in the
// durable queue, in creation order. Records are independent: one failing
// does not stop the others. Records being delivered elsewhere are skipped.
func (m *Monitor) Sweep(ctx context.Context) {
	pending, err := m.queue.List(ctx, m.submissionID)
	if err != nil {
		m.log.Error().Err(err).Msg("Sweep could not read the violation queue")
		return
	}

	delivered := 0
	for _, v := range pending {
		if ctx.Err() != nil {
			return
		}
		if v.DeliveryState == model.DeliveryDelivered || !m.claim(v.ID) {
			continue
		}
		updated, err := m.attempt(ctx, v)
		m.release(v.ID)
		if err == nil && updated.DeliveryState == model.DeliveryDelivered {
			delivered++
		}
	}
	if len(pending) > 0 {
		m.log.Debug().Int("pending", len(pending)).Int("delivered", delivered).Msg("Violation sweep finished")
	}
}

func (m *Monitor) claim(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[id] {
		return false
	}
	m.inFlight[id] = true
	return true
}

func (m *Monitor) release(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, id)
}

// attempt makes one delivery try and persists the outcome.
func (m *Monitor) attempt(ctx context.Context, v model.ViolationRecord) (model.ViolationRecord, error) {
	v = v.Clone()

	if m.cfg.Production && !m.reporter.Secure() {
		if v.Metadata == nil {
			v.Metadata = map[string]string{}
		}
		if v.Metadata[model.MetaTransportRefused] != "true" {
			v.Metadata[model.MetaTransportRefused] = "true"
			m.persist(ctx, v)
			m.log.Warn().Int64("violation_id", v.ID).Msg("Violation kept local: transport is not encrypted")
		}
		metrics.ViolationDeliveries.WithLabelValues("refused").Inc()
		return v, errTransportRefused
	}

	payload := remote.ViolationPayload{ViolationType: v.Type, Metadata: make(map[string]string, len(v.Metadata))}
	for k, val := range v.Metadata {
		if k != model.MetaTransportRefused {
			payload.Metadata[k] = val
		}
	}
	payload.Metadata["timestamp"] = v.Timestamp.UTC().Format(time.RFC3339Nano)

	v.AttemptCount++
	err := m.reporter.ReportViolation(ctx, m.submissionID, payload)
	if err != nil {
		v.LastError = err.Error()
		m.persist(ctx, v)
		metrics.ViolationDeliveries.WithLabelValues("failed").Inc()
		return v, err
	}

	v.DeliveryState = model.DeliveryDelivered
	v.LastError = ""
	// Evict even if ctx was cancelled after the ack.
	if err := m.queue.Delete(context.WithoutCancel(ctx), m.submissionID, v.ID); err != nil {
		m.log.Error().Err(err).Int64("violation_id", v.ID).Msg("Failed to evict delivered violation")
	}
	m.store.UpdateViolation(v)
	metrics.ViolationDeliveries.WithLabelValues("delivered").Inc()
	m.log.Debug().Int64("violation_id", v.ID).Int("attempts", v.AttemptCount).Msg("Violation delivered")
	return v, nil
}

func (m *Monitor) persist(ctx context.Context, v model.ViolationRecord) {
	m.store.UpdateViolation(v)
	if err := m.queue.Save(context.WithoutCancel(ctx), m.submissionID, v); err != nil {
		m.log.Error().Err(err).Int64("violation_id", v.ID).Msg("Failed to persist violation")
	}
}
