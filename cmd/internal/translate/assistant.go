package translate

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// History windows for the assistant helpers.
const (
	SmartReplyWindow = 5
	SummaryWindow    = 50
	maxSmartReplies  = 3
)

// Line is one conversation line as seen by the requesting user.
type Line struct {
	Sender string // "me" or "other"
	Text   string
}

func formatHistory(lines []Line, window int) string {
	if len(lines) > window {
		lines = lines[len(lines)-window:]
	}
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.Sender)
		b.WriteString(": ")
		b.WriteString(strings.ReplaceAll(l.Text, "\n", " "))
		b.WriteByte('\n')
	}
	return b.String()
}

// SmartReplies proposes up to three short replies in lang. It never fails:
// any provider or parse error yields an empty, non-nil slice.
func (s *Service) SmartReplies(ctx context.Context, lines []Line, lang string) []string {
	out := []string{}
	if !s.Enabled() || len(lines) == 0 {
		return out
	}

	raw, err := s.complete(ctx, "smart_replies", smartRepliesPrompt(formatHistory(lines, SmartReplyWindow), LanguageName(lang)))
	if err != nil {
		s.log.Warn("translate.smart_replies.fail", "err", err)
		return out
	}

	body, ok := extractJSON(raw, '[', ']')
	if !ok {
		s.log.Warn("translate.smart_replies.malformed")
		return out
	}
	var replies []string
	if err := json.Unmarshal([]byte(body), &replies); err != nil {
		s.log.Warn("translate.smart_replies.malformed", "err", err)
		return out
	}

	seen := make(map[string]struct{}, len(replies))
	for _, r := range replies {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
		if len(out) == maxSmartReplies {
			break
		}
	}
	return out
}

// Summarize returns a 3-5 bullet summary of the conversation in lang.
func (s *Service) Summarize(ctx context.Context, lines []Line, lang string) (string, error) {
	if !s.Enabled() {
		return "", ErrUnavailable
	}
	if len(lines) == 0 {
		return "", errors.New("translate: nothing to summarize")
	}
	out, err := s.complete(ctx, "summary", summaryPrompt(formatHistory(lines, SummaryWindow), LanguageName(lang)))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Rewrite restates text in the given tone and language, falling back to text on any failure.
func (s *Service) Rewrite(ctx context.Context, text, tone, lang string) string {
	if !s.Enabled() || strings.TrimSpace(text) == "" {
		return text
	}
	out, err := s.complete(ctx, "rewrite", rewritePrompt(text, tone, LanguageName(lang)))
	if err != nil || strings.TrimSpace(out) == "" {
		s.log.Warn("translate.rewrite.fail", "err", err)
		return text
	}
	return strings.TrimSpace(out)
}
