package student

import (
	"context"
	"strings"
)

// Record is a read-only snapshot of a student resolved from the directory.
type Record struct {
	ID     string
	Name   string
	Email  string
	Phone  string
	TaxID  string
	Plan   string
	Status string
}

// FirstName returns the first word of the student's name.
func (r *Record) FirstName() string {
	if r == nil {
		return ""
	}
	fields := strings.Fields(r.Name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Directory looks students up in the school's directory. A nil record with a
// nil error means no match, which callers treat as an expected outcome.
type Directory interface {
	FindByPhone(ctx context.Context, phone string) (*Record, error)
	FindByEmail(ctx context.Context, email string) (*Record, error)
}

// NormalizePhone strips everything but digits so lookups are consistent
// regardless of how the channel formats the number.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
