package reconcile

import (
	"strings"

	"github.com/hervehildenbrand/prefixd-sync/pkg/api"
)

// Cache keys of the resources the feed touches.
const (
	KeyMitigations = "mitigations"
	KeyEvents      = "events"

	mitigationPrefix          = "mitigation/"
	filteredMitigationsPrefix = "mitigations?"
	filteredEventsPrefix      = "events?"
)

// MitigationKey is the single-entity key of mitigation id.
func MitigationKey(id string) string { return mitigationPrefix + id }

// MitigationsKey is the list key for q; the unfiltered list is KeyMitigations.
func MitigationsKey(q api.MitigationQuery) string {
	if q.IsZero() {
		return KeyMitigations
	}
	return filteredMitigationsPrefix + q.Values().Encode()
}

// EventsKey is the list key for q; the default feed is KeyEvents.
func EventsKey(q api.EventQuery) string {
	if q.IsZero() {
		return KeyEvents
	}
	return filteredEventsPrefix + q.Values().Encode()
}

// IsMitigationKey reports whether key holds mitigation data.
func IsMitigationKey(key string) bool {
	return key == KeyMitigations ||
		strings.HasPrefix(key, filteredMitigationsPrefix) ||
		strings.HasPrefix(key, mitigationPrefix)
}

// IsEventKey reports whether key holds attack events.
func IsEventKey(key string) bool {
	return key == KeyEvents || strings.HasPrefix(key, filteredEventsPrefix)
}

// IsFeedKey reports whether key is touched by the realtime feed.
func IsFeedKey(key string) bool {
	return IsMitigationKey(key) || IsEventKey(key)
}
