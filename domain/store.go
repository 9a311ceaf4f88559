package domain

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FieldErrors holds the messages shown next to the draft form fields.
type FieldErrors struct {
	Title string `json:"title,omitempty"`
	Date  string `json:"date,omitempty"`
}

// Store owns the task collection of one board. New tasks go to the front.
type Store struct {
	mu     sync.Mutex
	tasks  []Task
	errs   FieldErrors
	last   time.Time
	now    func() time.Time
	nextID func() string
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithClock replaces time.Now as the source of creation timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator replaces the uuid based id generator.
func WithIDGenerator(next func() string) StoreOption {
	return func(s *Store) { s.nextID = next }
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		tasks:  []Task{},
		now:    time.Now,
		nextID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddTask validates the draft and inserts a new task. The title is checked
// before the date and the first failure is returned as a *ValidationError.
func (s *Store) AddTask(d Draft) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(d.Title) == "" {
		s.errs.Title = ErrMissingTitle.Error()
		return Task{}, &ValidationError{Kind: MissingTitle, Field: FieldTitle}
	}
	if d.Date != "" && !IsValidDate(d.Date) {
		s.errs.Date = ErrInvalidDate.Error()
		return Task{}, &ValidationError{Kind: InvalidDate, Field: FieldDate}
	}

	task := Task{
		ID:          s.nextID(),
		Title:       d.Title,
		Description: d.Description,
		Date:        d.Date,
		Priority:    d.Priority,
		Completed:   false,
		CreatedAt:   s.nextCreatedAt(),
	}
	if !task.Priority.Valid() {
		task.Priority = PriorityLow
	}

	s.tasks = append([]Task{task}, s.tasks...)
	s.errs = FieldErrors{}
	return task, nil
}

// nextCreatedAt keeps creation times strictly increasing so the final sort
// key never ties.
func (s *Store) nextCreatedAt() time.Time {
	now := s.now()
	if !now.After(s.last) {
		now = s.last.Add(time.Nanosecond)
	}
	s.last = now
	return now
}

// ToggleCompletion flips the completed flag. Unknown ids are ignored.
func (s *Store) ToggleCompletion(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.tasks {
		if s.tasks[i].ID == id {
			s.tasks[i].Completed = !s.tasks[i].Completed
			return
		}
	}
}

// DeleteTask removes the task. Unknown ids are ignored.
func (s *Store) DeleteTask(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.tasks {
		if s.tasks[i].ID == id {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return
		}
	}
}

// Tasks returns a copy of the collection in storage order.
func (s *Store) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// Len returns the number of tasks on the board.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// FieldErrors returns the messages recorded by the last rejected drafts.
func (s *Store) FieldErrors() FieldErrors {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs
}

// TitleInput clears the title error once the user types a non blank title.
func (s *Store) TitleInput(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	s.mu.Lock()
	s.errs.Title = ""
	s.mu.Unlock()
}

// DateInput masks raw due date input and clears the date error when the
// result is empty or a valid date.
func (s *Store) DateInput(raw string) string {
	formatted := FormatDateInput(raw)
	if formatted == "" || IsValidDate(formatted) {
		s.mu.Lock()
		s.errs.Date = ""
		s.mu.Unlock()
	}
	return formatted
}

// Snapshot builds the view of the current collection for a tab.
func (s *Store) Snapshot(tab Tab, now time.Time) View {
	return BuildView(s.Tasks(), tab, now)
}
