package autoreply

import (
	"fmt"
	"time"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/store"
)

// InWindow reports whether now falls inside the rule's time window. Rules
// without a window always match. Both ends are inclusive; a start after the
// end wraps past midnight.
func InWindow(rule *store.AutoReplyRule, now time.Time, defaultLoc *time.Location) (bool, error) {
	if !rule.HasWindow() {
		return true, nil
	}

	start, err := minuteOfDay(rule.WindowStart)
	if err != nil {
		return false, err
	}
	end, err := minuteOfDay(rule.WindowEnd)
	if err != nil {
		return false, err
	}

	loc := defaultLoc
	if rule.Timezone != "" {
		if l, err := time.LoadLocation(rule.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)

	if len(rule.WindowDays) > 0 && !containsDay(rule.WindowDays, int(local.Weekday())) {
		return false, nil
	}

	current := local.Hour()*60 + local.Minute()
	if start <= end {
		return current >= start && current <= end, nil
	}
	return current >= start || current <= end, nil
}

func minuteOfDay(hhmm string) (int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", hhmm, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func containsDay(days []int, day int) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}
