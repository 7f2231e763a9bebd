package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestSmartReplies(t *testing.T) {
	t.Parallel()

	lines := make([]Line, 0, 8)
	for i := 0; i < 8; i++ {
		sender := "me"
		if i%2 == 1 {
			sender = "other"
		}
		lines = append(lines, Line{Sender: sender, Text: fmt.Sprintf("line %d", i)})
	}

	p := &fakeProvider{replies: []string{`Sure: ["Sí", "Claro", "Sí", "", "Vale", "Luego"]`}}
	s := newTestService(p)

	got := s.SmartReplies(context.Background(), lines, "es")
	want := []string{"Sí", "Claro", "Vale"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("got=%q want=%q", got, want)
	}

	prompt := p.calls[0].System
	if strings.Contains(prompt, "line 2") || !strings.Contains(prompt, "line 3") || !strings.Contains(prompt, "line 7") {
		t.Fatalf("prompt should contain only the last %d lines:\n%s", SmartReplyWindow, prompt)
	}
	if !strings.Contains(prompt, "Spanish") {
		t.Fatalf("prompt should name the user's language")
	}
}

func TestSmartReplies_FailureIsEmpty(t *testing.T) {
	t.Parallel()

	for name, p := range map[string]*fakeProvider{
		"provider error": {errs: []error{errors.New("down")}},
		"not an array":   {replies: []string{"I suggest saying hi"}},
		"bad json":       {replies: []string{"[1, 2"}},
	} {
		p := p
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got := newTestService(p).SmartReplies(context.Background(), []Line{{Sender: "other", Text: "hi"}}, "en")
			if got == nil || len(got) != 0 {
				t.Fatalf("got=%#v want empty non-nil", got)
			}
		})
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{replies: []string{"- a\n- b\n- c\n"}}
	s := newTestService(p)

	out, err := s.Summarize(context.Background(), []Line{{Sender: "me", Text: "x"}}, "fr")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if out != "- a\n- b\n- c" {
		t.Fatalf("out=%q", out)
	}
	if !strings.Contains(p.calls[0].System, "French") {
		t.Fatalf("prompt should name French")
	}

	if _, err := s.Summarize(context.Background(), nil, "fr"); err == nil {
		t.Fatalf("expected error for empty history")
	}
}

func TestRewrite_FallsBackToInput(t *testing.T) {
	t.Parallel()

	s := newTestService(&fakeProvider{replies: []string{"Would you kindly send it?"}})
	if got := s.Rewrite(context.Background(), "send it", "polite", "en"); got != "Would you kindly send it?" {
		t.Fatalf("got=%q", got)
	}

	s = newTestService(&fakeProvider{errs: []error{errors.New("down")}})
	if got := s.Rewrite(context.Background(), "send it", "polite", "en"); got != "send it" {
		t.Fatalf("got=%q want input", got)
	}
}
