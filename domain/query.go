package domain

import (
	"math"
	"sort"
	"time"
)

// DueSoonDays is how many days after today still count as due soon.
const DueSoonDays = 3

// Statistics summarizes a task collection.
type Statistics struct {
	Total          int `json:"total"`
	Completed      int `json:"completed"`
	Pending        int `json:"pending"`
	Low            int `json:"low"`
	Medium         int `json:"medium"`
	High           int `json:"high"`
	CompletionRate int `json:"completionRate"`
}

// View is everything a board screen renders for one tab.
type View struct {
	Tab     Tab        `json:"tab"`
	Tasks   []Task     `json:"tasks"`
	DueSoon []Task     `json:"dueSoon"`
	Stats   Statistics `json:"stats"`
}

// ComputeStatistics counts tasks by completion and priority over the whole,
// unfiltered collection.
func ComputeStatistics(tasks []Task) Statistics {
	var s Statistics
	s.Total = len(tasks)
	for _, t := range tasks {
		if t.Completed {
			s.Completed++
		} else {
			s.Pending++
		}
		switch t.Priority {
		case PriorityHigh:
			s.High++
		case PriorityMedium:
			s.Medium++
		default:
			s.Low++
		}
	}
	if s.Total > 0 {
		s.CompletionRate = int(math.Round(float64(s.Completed) / float64(s.Total) * 100))
	}
	return s
}

// FilterByTab keeps pending or completed tasks for those tabs and everything
// otherwise. Input order is preserved.
func FilterByTab(tasks []Task, tab Tab) []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		switch tab {
		case TabPending:
			if t.Completed {
				continue
			}
		case TabCompleted:
			if !t.Completed {
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

// SortForDisplay returns a sorted copy: incomplete first, then by priority,
// then dated before undated with earlier dates first, then newest first.
// Due dates compare as local midnight in time.Local; only the calendar order
// matters, so the result does not depend on the zone DueSoon is given.
func SortForDisplay(tasks []Task) []Task {
	out := make([]Task, len(tasks))
	copy(out, tasks)
	sort.SliceStable(out, func(i, j int) bool {
		return displayLess(out[i], out[j])
	})
	return out
}

func displayLess(a, b Task) bool {
	if a.Completed != b.Completed {
		return !a.Completed
	}
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	da, okA := ParseDueDate(a.Date, time.Local)
	db, okB := ParseDueDate(b.Date, time.Local)
	switch {
	case okA && okB:
		if !da.Equal(db) {
			return da.Before(db)
		}
	case okA:
		return true
	case okB:
		return false
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// DueSoon returns incomplete tasks whose due date falls between the start of
// now's day and the end of the third day after it, in source order.
func DueSoon(tasks []Task, now time.Time) []Task {
	loc := now.Location()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, DueSoonDays+1).Add(-time.Nanosecond)

	out := make([]Task, 0)
	for _, t := range tasks {
		if t.Completed || t.Date == "" {
			continue
		}
		due, ok := ParseDueDate(t.Date, loc)
		if !ok {
			continue
		}
		if !due.Before(start) && !due.After(end) {
			out = append(out, t)
		}
	}
	return out
}

// BuildView assembles the list, due soon panel and statistics for a tab. The
// due soon panel is left empty on the completed tab.
func BuildView(tasks []Task, tab Tab, now time.Time) View {
	if tab == "" {
		tab = TabDashboard
	}
	v := View{
		Tab:     tab,
		Tasks:   SortForDisplay(FilterByTab(tasks, tab)),
		DueSoon: []Task{},
		Stats:   ComputeStatistics(tasks),
	}
	if tab != TabCompleted {
		v.DueSoon = DueSoon(tasks, now)
	}
	return v
}
