package form

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"testing"
)

func questionsWithIDs(ids ...string) []Question {
	qs := make([]Question, len(ids))
	for i, id := range ids {
		qs[i] = Question{ID: id, Type: TypeText, Title: "Q " + id, Order: i + 1}
	}
	return qs
}

func ids(qs []Question) []string {
	out := make([]string, len(qs))
	for i, q := range qs {
		out[i] = q.ID
	}
	return out
}

func TestReorderMoveFirstToEnd(t *testing.T) {
	qs := questionsWithIDs("a", "b", "c")

	got, err := Reorder(qs, 0, 2)
	if err != nil {
		t.Fatalf("Reorder() error = %v", err)
	}
	want := []Question{
		{ID: "b", Type: TypeText, Title: "Q b", Order: 1},
		{ID: "c", Type: TypeText, Title: "Q c", Order: 2},
		{ID: "a", Type: TypeText, Title: "Q a", Order: 3},
	}
	for i := range want {
		if got[i].ID != want[i].ID || got[i].Order != want[i].Order || got[i].Title != want[i].Title {
			t.Fatalf("position %d: got %+v want %+v", i, got[i], want[i])
		}
	}
	if qs[0].ID != "a" || qs[0].Order != 1 {
		t.Fatal("Reorder must not mutate its input")
	}
}

func TestReorderEqualIndicesReturnsInput(t *testing.T) {
	qs := questionsWithIDs("a", "b", "c")
	got, err := Reorder(qs, 1, 1)
	if err != nil {
		t.Fatalf("Reorder() error = %v", err)
	}
	if &got[0] != &qs[0] {
		t.Fatal("expected the same backing slice for a no-op move")
	}
}

func TestReorderOutOfRange(t *testing.T) {
	qs := questionsWithIDs("a", "b")
	for _, move := range [][2]int{{-1, 0}, {0, 2}, {2, 0}, {0, -5}} {
		if _, err := Reorder(qs, move[0], move[1]); !errors.Is(err, ErrIndexOutOfRange) {
			t.Fatalf("move %v: expected ErrIndexOutOfRange, got %v", move, err)
		}
	}
	if _, err := Reorder(nil, 0, 0); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("empty list: expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestReorderIsStableForAllMoves(t *testing.T) {
	base := questionsWithIDs("a", "b", "c", "d", "e")
	for from := range base {
		for to := range base {
			if from == to {
				continue
			}
			t.Run(fmt.Sprintf("%d_to_%d", from, to), func(t *testing.T) {
				got, err := Reorder(base, from, to)
				if err != nil {
					t.Fatalf("Reorder() error = %v", err)
				}
				if err := CheckOrder(got); err != nil {
					t.Fatalf("order invariant: %v", err)
				}
				if got[to].ID != base[from].ID {
					t.Fatalf("expected %s at %d, got %s", base[from].ID, to, got[to].ID)
				}

				rest := slices.DeleteFunc(ids(got), func(id string) bool { return id == base[from].ID })
				expected := slices.DeleteFunc(ids(base), func(id string) bool { return id == base[from].ID })
				if !slices.Equal(rest, expected) {
					t.Fatalf("untouched elements changed relative order: %v vs %v", rest, expected)
				}
			})
		}
	}
}

// Random add/delete/duplicate/reorder sequences keep orders contiguous and
// ids unique.
func TestOrderInvariantUnderRandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var qs []Question
	next := 0
	newID := func() string {
		next++
		return fmt.Sprintf("q%d", next)
	}

	for step := 0; step < 500; step++ {
		switch op := rng.Intn(4); {
		case op == 0 || len(qs) == 0:
			q, err := NewQuestion(newID(), len(qs)+1, Draft{})
			if err != nil {
				t.Fatalf("NewQuestion() error = %v", err)
			}
			qs = append(slices.Clone(qs), q)
		case op == 1:
			i := rng.Intn(len(qs))
			qs = Renumber(slices.Delete(slices.Clone(qs), i, i+1))
		case op == 2:
			i := rng.Intn(len(qs))
			qs = Renumber(append(slices.Clone(qs), Duplicate(qs[i], newID())))
		default:
			moved, err := Reorder(qs, rng.Intn(len(qs)), rng.Intn(len(qs)))
			if err != nil {
				t.Fatalf("Reorder() error = %v", err)
			}
			qs = moved
		}
		if err := CheckOrder(qs); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
	}
}

func TestCheckOrderDetectsProblems(t *testing.T) {
	gap := questionsWithIDs("a", "b")
	gap[1].Order = 3
	if err := CheckOrder(gap); err == nil {
		t.Fatal("expected gap to be reported")
	}

	dup := questionsWithIDs("a", "a")
	if err := CheckOrder(dup); !errors.Is(err, ErrDuplicateQuestionID) {
		t.Fatalf("expected ErrDuplicateQuestionID, got %v", err)
	}
}
