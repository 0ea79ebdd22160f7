package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pulseiot/pulse/pkg/archive"
	"github.com/pulseiot/pulse/pkg/observability"
	"github.com/pulseiot/pulse/pkg/store"
)

// QuarantineRecorder applies the storage policy to one rejection: the
// per-minute counter is always bumped; the event row is written only
// when STORE_REJECTS allows it, and carries the raw payload only when
// MIRROR_REJECTS_TO_RAW additionally allows that.
type QuarantineRecorder struct {
	store    *store.QuarantineStore
	settings func() RuntimeSettings
	obs      *observability.Provider
	log      *slog.Logger
}

func NewQuarantineRecorder(st *store.QuarantineStore, settings func() RuntimeSettings, obs *observability.Provider, log *slog.Logger) *QuarantineRecorder {
	return &QuarantineRecorder{store: st, settings: settings, obs: obs, log: log}
}

// Record counts and conditionally persists one rejection. Storage
// failures are logged and swallowed; quarantine must never take the
// ingest worker down.
func (q *QuarantineRecorder) Record(ctx context.Context, r *Reject) {
	q.obs.IncQuarantined(ctx, r.Reason)
	q.log.Debug("message quarantined",
		"reason", r.Reason, "tenant_id", r.TenantID, "device_id", r.DeviceID, "detail", r.Detail)

	if err := q.store.IncrementCounter(ctx, time.Now().UTC(), r.TenantID, r.Reason); err != nil {
		q.log.Warn("quarantine counter update failed", "reason", r.Reason, "error", err)
	}

	settings := q.settings()
	if !settings.StoreRejects {
		return
	}
	event := &store.QuarantineEvent{
		TenantID: r.TenantID,
		DeviceID: r.DeviceID,
		Reason:   r.Reason,
		Topic:    r.Topic,
		Detail:   r.Detail,
	}
	if settings.MirrorRejectsToRaw {
		event.Payload = r.Payload
	}
	if err := q.store.Insert(ctx, event); err != nil {
		q.log.Warn("quarantine event insert failed", "reason", r.Reason, "error", err)
	}
}

// retentionBatch bounds how many event rows one archive object holds.
const retentionBatch = 1000

// RetentionTask ages quarantine_events out of Postgres. With an archive
// backend configured, expired rows are written as JSON lines before
// deletion; without one they are simply deleted.
type RetentionTask struct {
	store     *store.QuarantineStore
	archive   archive.Store
	retention time.Duration
	interval  time.Duration
	log       *slog.Logger
}

func NewRetentionTask(st *store.QuarantineStore, arch archive.Store, retention time.Duration, log *slog.Logger) *RetentionTask {
	return &RetentionTask{
		store:     st,
		archive:   arch,
		retention: retention,
		interval:  time.Hour,
		log:       log,
	}
}

// Run sweeps once per interval until the context ends.
func (t *RetentionTask) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.RunOnce(ctx); err != nil {
				t.log.Warn("quarantine retention sweep failed", "error", err)
			}
		}
	}
}

// RunOnce performs one retention sweep.
func (t *RetentionTask) RunOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-t.retention)

	if t.archive == nil {
		n, err := t.store.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			return err
		}
		if n > 0 {
			t.log.Info("quarantine events pruned", "count", n, "cutoff", cutoff)
		}
		return nil
	}

	var archived int64
	for {
		events, err := t.store.ListOlderThan(ctx, cutoff, retentionBatch)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			break
		}

		key := archiveKey(events[0].CreatedAt)
		data, err := encodeJSONL(events)
		if err != nil {
			return err
		}
		if err := t.archive.Put(ctx, key, data); err != nil {
			return fmt.Errorf("ingest: archive put %s: %w", key, err)
		}

		ids := make([]string, len(events))
		for i, e := range events {
			ids[i] = e.ID
		}
		n, err := t.store.DeleteIDs(ctx, ids)
		if err != nil {
			return err
		}
		archived += n
	}
	if archived > 0 {
		t.log.Info("quarantine events archived", "count", archived, "cutoff", cutoff)
	}
	return nil
}

// archiveKey partitions objects by the UTC date of the oldest event in
// the batch. The random suffix keeps concurrent sweeps from colliding.
func archiveKey(oldest time.Time) string {
	return fmt.Sprintf("quarantine/%s/%s.jsonl", oldest.UTC().Format("2006/01/02"), uuid.NewString())
}

// archivedEvent is the JSONL form of one quarantine row.
type archivedEvent struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	DeviceID  string    `json:"device_id,omitempty"`
	Reason    string    `json:"reason"`
	Topic     string    `json:"topic,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func encodeJSONL(events []store.QuarantineEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range events {
		row := archivedEvent{
			ID:        e.ID,
			TenantID:  e.TenantID,
			DeviceID:  e.DeviceID,
			Reason:    e.Reason,
			Topic:     e.Topic,
			Payload:   e.Payload,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt,
		}
		if err := enc.Encode(row); err != nil {
			return nil, fmt.Errorf("ingest: encode archived event: %w", err)
		}
	}
	return buf.Bytes(), nil
}
