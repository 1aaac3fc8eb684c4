package notify

import (
	"fmt"
	"slices"

	"dotpush/internal/eventbus"
)

var defaultEvents = []string{eventbus.PlannedGenerated, eventbus.DayComplete}

// Format renders a scheduler event as a short chat line. ok is false for
// events that carry nothing worth sending.
func Format(e eventbus.Event) (text string, ok bool) {
	switch d := e.Data.(type) {
	case eventbus.PlannedGeneratedData:
		return fmt.Sprintf("📅 Plan for %s ready: %d item(s)", d.Date, d.Count), true
	case eventbus.DayCompleteData:
		return fmt.Sprintf("✅ All planned items for %s handled", d.Date), true
	case eventbus.TasksUpdatedData:
		if !d.Saved {
			return "", false
		}
		return "📝 Task list saved", true
	}
	return "", false
}

func wants(events []string, typ string) bool {
	if len(events) == 0 {
		events = defaultEvents
	}
	return slices.Contains(events, typ)
}
