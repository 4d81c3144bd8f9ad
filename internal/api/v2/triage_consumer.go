package api

import (
	"github.com/patrickmn/go-cache"

	"github.com/chestnet/chestnet-go/internal/events"
)

// triageEventConsumer receives completed diagnoses from the event bus,
// streams them to SSE subscribers and drops the cached analytics
// aggregates so dashboards reflect the new result before the cache TTL
// expires. Batch and CLI triage runs never pass through the upload
// handler, this is the only path that surfaces them live.
type triageEventConsumer struct {
	sse            *SSEManager
	analyticsCache *cache.Cache
}

func (t *triageEventConsumer) Name() string { return "api-triage-stream" }

// Error events are handled by the notification workers; this consumer
// only cares about triage completions.
func (t *triageEventConsumer) ProcessEvent(events.ErrorEvent) error   { return nil }
func (t *triageEventConsumer) ProcessBatch([]events.ErrorEvent) error { return nil }
func (t *triageEventConsumer) SupportsBatching() bool                 { return false }

func (t *triageEventConsumer) ProcessTriageEvent(event events.TriageEvent) error {
	t.analyticsCache.Flush()
	t.sse.Broadcast(&SSEEvent{
		Event: "diagnosis",
		Data: map[string]any{
			"imageId":     event.GetXRayID(),
			"label":       event.GetLabel(),
			"confidence":  event.GetConfidence(),
			"riskLevel":   event.GetRiskLevel(),
			"needsReview": event.NeedsReview(),
			"agreement":   event.GetAgreement(),
		},
	})
	return nil
}
