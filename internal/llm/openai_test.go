package llm

import (
	"errors"
	"strings"
	"testing"
)

func TestParseSubtasks(t *testing.T) {
	t.Parallel()

	plain := `[
		{"title":"draft outline","description":"rough structure","context":"report"},
		{"title":"write body","description":"fill sections","context":"report"},
		{"title":"proofread","description":"","context":""}
	]`
	fenced := "Sure, here you go:\n```json\n" + plain + "\n```\nLet me know!"

	cases := []struct {
		name     string
		raw      string
		min, max int
		want     int
		wantErr  bool
	}{
		{"plain array", plain, 3, 5, 3, false},
		{"fenced with prose", fenced, 3, 5, 3, false},
		{"too few", plain, 4, 5, 0, true},
		{"too many", plain, 1, 2, 0, true},
		{"no json at all", "I could not split this task.", 3, 5, 0, true},
		{"object not array", `{"title":"x"}`, 3, 5, 0, true},
		{"missing title", `[{"description":"x"},{"title":"y"},{"title":"z"}]`, 3, 5, 0, true},
		{"broken json", `[{"title":"a"},`, 3, 5, 0, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			subs, err := ParseSubtasks(tc.raw, tc.min, tc.max)
			if tc.wantErr {
				var pe *ParseError
				if !errors.As(err, &pe) {
					t.Fatalf("error = %v, want *ParseError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSubtasks: %v", err)
			}
			if len(subs) != tc.want {
				t.Fatalf("got %d subtasks, want %d", len(subs), tc.want)
			}
			for _, s := range subs {
				if strings.TrimSpace(s.Title) == "" {
					t.Fatalf("subtask with empty title: %+v", s)
				}
			}
		})
	}
}

func TestParseSubtasksOrderAndPriority(t *testing.T) {
	t.Parallel()

	raw := `[
		{"title":"ship","description":"release","relative_order":3,"suggested_priority":1},
		{"title":"plan","description":"scope it","relative_order":1,"suggested_priority":7},
		{"title":"build","description":"implement","relative_order":2,"suggested_priority":4}
	]`
	subs, err := ParseSubtasks(raw, 3, 5)
	if err != nil {
		t.Fatalf("ParseSubtasks: %v", err)
	}

	wantTitles := []string{"plan", "build", "ship"}
	wantPriorities := []int{7, 4, 1}
	for i, s := range subs {
		if s.Title != wantTitles[i] {
			t.Fatalf("subtask %d = %q, want %q by relative_order", i, s.Title, wantTitles[i])
		}
		if s.RelativeOrder != i+1 {
			t.Fatalf("subtask %q relative_order = %d, want %d", s.Title, s.RelativeOrder, i+1)
		}
		if s.SuggestedPriority != wantPriorities[i] {
			t.Fatalf("subtask %q suggested_priority = %d, want %d", s.Title, s.SuggestedPriority, wantPriorities[i])
		}
	}

	// Without explicit orders the array position stands.
	plain := `[{"title":"a"},{"title":"b"},{"title":"c"}]`
	subs, err = ParseSubtasks(plain, 3, 5)
	if err != nil {
		t.Fatalf("ParseSubtasks: %v", err)
	}
	if subs[0].Title != "a" || subs[1].Title != "b" || subs[2].Title != "c" {
		t.Fatalf("array order not preserved without relative_order: %+v", subs)
	}
}

func TestOpenAIConfigValidate(t *testing.T) {
	t.Parallel()

	if err := (OpenAIConfig{Model: "gpt-4o-mini"}).Validate(); err == nil {
		t.Fatal("expected error for missing api key")
	}
	if err := (OpenAIConfig{APIKey: "sk-test"}).Validate(); err == nil {
		t.Fatal("expected error for missing model")
	}
	if err := (OpenAIConfig{APIKey: "sk-test", Model: "gpt-4o-mini"}).Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}
