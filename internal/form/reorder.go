package form

import (
	"errors"
	"fmt"
)

var ErrIndexOutOfRange = errors.New("reorder index out of range")

// Reorder moves the question at from to position to and renumbers the
// result. Equal indices return qs itself so callers can skip the write.
func Reorder(qs []Question, from, to int) ([]Question, error) {
	if from < 0 || from >= len(qs) || to < 0 || to >= len(qs) {
		return qs, fmt.Errorf("%w: move %d -> %d in list of %d", ErrIndexOutOfRange, from, to, len(qs))
	}
	if from == to {
		return qs, nil
	}

	moved := make([]Question, 0, len(qs))
	for i, q := range qs {
		if i != from {
			moved = append(moved, q.Clone())
		}
	}
	moved = append(moved[:to], append([]Question{qs[from].Clone()}, moved[to:]...)...)
	return renumberInPlace(moved), nil
}

// Renumber returns a copy of qs with order = position + 1.
func Renumber(qs []Question) []Question {
	out := make([]Question, len(qs))
	for i, q := range qs {
		out[i] = q.Clone()
	}
	return renumberInPlace(out)
}

func renumberInPlace(qs []Question) []Question {
	for i := range qs {
		qs[i].Order = i + 1
	}
	return qs
}

// CheckOrder reports whether qs has unique ids and orders 1..n.
func CheckOrder(qs []Question) error {
	seen := make(map[string]struct{}, len(qs))
	for i, q := range qs {
		if q.Order != i+1 {
			return fmt.Errorf("question %s at position %d has order %d", q.ID, i, q.Order)
		}
		if _, dup := seen[q.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateQuestionID, q.ID)
		}
		seen[q.ID] = struct{}{}
	}
	return nil
}

func uniqueIDs(qs []Question) error {
	seen := make(map[string]struct{}, len(qs))
	for _, q := range qs {
		if q.ID == "" {
			return fmt.Errorf("%w: empty id", ErrDuplicateQuestionID)
		}
		if _, dup := seen[q.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateQuestionID, q.ID)
		}
		seen[q.ID] = struct{}{}
	}
	return nil
}

// IndexOf returns the position of the question with id, or -1.
func IndexOf(qs []Question, id string) int {
	for i, q := range qs {
		if q.ID == id {
			return i
		}
	}
	return -1
}
