package reconcile

import (
	"github.com/hervehildenbrand/prefixd-sync/pkg/models"
)

// MergeMitigations resolves a poll of a mitigation list that raced with pushed
// updates. Per mitigation the newer copy wins and ties go to the cached (pushed)
// copy. Pushed mitigations the poll did not return are kept at the front.
func MergeMitigations(polled, current interface{}) interface{} {
	p, ok := polled.(models.MitigationList)
	if !ok {
		return polled
	}
	c, ok := current.(models.MitigationList)
	if !ok {
		return polled
	}

	out := p.Clone()
	seen := make(map[string]struct{}, len(out.Mitigations))
	for i, m := range out.Mitigations {
		seen[m.ID] = struct{}{}
		if idx := c.Find(m.ID); idx >= 0 && pushedWins(c.Mitigations[idx], m) {
			out.Mitigations[i] = c.Mitigations[idx]
		}
	}

	var pushed []models.Mitigation
	for _, m := range c.Mitigations {
		if _, ok := seen[m.ID]; !ok {
			pushed = append(pushed, m)
		}
	}
	if len(pushed) > 0 {
		out.Mitigations = append(pushed, out.Mitigations...)
		out.Count += len(pushed)
	}
	return out
}

// MergeMitigation resolves a poll of a single mitigation the same way.
func MergeMitigation(polled, current interface{}) interface{} {
	p, ok := polled.(models.Mitigation)
	if !ok {
		return polled
	}
	c, ok := current.(models.Mitigation)
	if !ok || c.ID != p.ID {
		return polled
	}
	if pushedWins(c, p) {
		return c
	}
	return p
}

// pushedWins compares version markers only. A push that landed while the poll
// was in flight is the later word when the markers cannot tell them apart.
func pushedWins(pushed, polled models.Mitigation) bool {
	return pushed.Version().Compare(polled.Version()) >= 0
}

// MergeEvents resolves a poll of the events list. Events never change once
// ingested, so the only thing to preserve is pushed events the poll missed.
func MergeEvents(polled, current interface{}) interface{} {
	p, ok := polled.(models.EventList)
	if !ok {
		return polled
	}
	c, ok := current.(models.EventList)
	if !ok {
		return polled
	}

	var pushed []models.Event
	for _, e := range c.Events {
		if p.Find(e.ID) < 0 {
			pushed = append(pushed, e)
		}
	}
	if len(pushed) == 0 {
		return p
	}
	out := models.EventList{
		Events: make([]models.Event, 0, len(pushed)+len(p.Events)),
		Count:  p.Count + len(pushed),
	}
	out.Events = append(out.Events, pushed...)
	out.Events = append(out.Events, p.Events...)
	return out
}
