package domain

// ValidationKind identifies which draft check failed.
type ValidationKind string

const (
	MissingTitle ValidationKind = "MissingTitle"
	InvalidDate  ValidationKind = "InvalidDate"
)

const (
	FieldTitle = "title"
	FieldDate  = "date"
)

var (
	ErrMissingTitle = &ValidationError{Kind: MissingTitle, Field: FieldTitle}
	ErrInvalidDate  = &ValidationError{Kind: InvalidDate, Field: FieldDate}
)

// ValidationError is returned by AddTask when a draft is rejected. The store
// is left unchanged and the user may correct the field and retry.
type ValidationError struct {
	Kind  ValidationKind
	Field string
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case MissingTitle:
		return "Title is required."
	case InvalidDate:
		return "Please enter a valid date in MM/DD/YYYY format."
	}
	return "invalid task"
}

// Is matches any ValidationError of the same kind.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && t.Kind == e.Kind
}
