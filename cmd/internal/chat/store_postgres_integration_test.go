package chat

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"parla/cmd/internal/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when PARLA_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_FindOrCreateChat_ConcurrentSinglePair(t *testing.T) {
	t.Parallel()

	store, pool, schema := mustPostgresFixture(t)
	mustInsertUsers(t, pool, schema, "it-a", "it-b")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	const workers = 8
	got := make([]string, workers)
	created := make([]bool, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "it-a", "it-b"
			if i%2 == 0 {
				a, b = b, a
			}
			c, ok, err := store.FindOrCreateChat(ctx, a, b, time.Now().UTC())
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			got[i], created[i] = c.ID, ok
		}(i)
	}
	wg.Wait()

	nCreated := 0
	for i := 0; i < workers; i++ {
		if got[i] != got[0] {
			t.Fatalf("worker %d chat=%q want=%q", i, got[i], got[0])
		}
		if created[i] {
			nCreated++
		}
	}
	if nCreated != 1 {
		t.Fatalf("created=%d want=1", nCreated)
	}
}

func TestPostgresStore_Append_FetchBefore_Reactions(t *testing.T) {
	t.Parallel()

	store, pool, schema := mustPostgresFixture(t)
	mustInsertUsers(t, pool, schema, "it-a", "it-b")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	base := time.Now().UTC().Truncate(time.Second)
	c, _, err := store.FindOrCreateChat(ctx, "it-a", "it-b", base)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	var last Message
	for i := 0; i < 5; i++ {
		last, err = store.AppendMessage(ctx, AppendMessageInput{
			ChatID:       c.ID,
			SenderID:     "it-a",
			ReceiverID:   "it-b",
			ClientMsgID:  fmt.Sprintf("cmsg-%d", i),
			OriginalText: fmt.Sprintf("m%d", i),
			LanguageFrom: "en",
			LanguageTo:   "es",
			Now:          base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	gotChat, err := store.GetChat(ctx, c.ID)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if gotChat.LastMessageID != last.ID {
		t.Fatalf("last message=%q want=%q", gotChat.LastMessageID, last.ID)
	}

	page1, err := store.FetchBefore(ctx, FetchBeforeInput{ChatID: c.ID, Limit: 2})
	if err != nil {
		t.Fatalf("page1: %v", err)
	}
	assertTexts(t, page1.Messages, "m3", "m4")
	if !page1.HasMore {
		t.Fatalf("page1: expected HasMore=true")
	}

	oldest := page1.Messages[0]
	page2, err := store.FetchBefore(ctx, FetchBeforeInput{ChatID: c.ID, Before: oldest.CreatedAt, BeforeID: oldest.ID, Limit: 10})
	if err != nil {
		t.Fatalf("page2: %v", err)
	}
	assertTexts(t, page2.Messages, "m0", "m1", "m2")
	if page2.HasMore {
		t.Fatalf("page2: expected HasMore=false")
	}

	res, err := store.ToggleReaction(ctx, ToggleReactionInput{MessageID: last.ID, UserID: "it-b", Emoji: "👍"})
	if err != nil || !res.Added || len(res.Reactions) != 1 {
		t.Fatalf("toggle add: res=%+v err=%v", res, err)
	}
	res, err = store.ToggleReaction(ctx, ToggleReactionInput{MessageID: last.ID, UserID: "it-b", Emoji: "👍"})
	if err != nil || res.Added || len(res.Reactions) != 0 {
		t.Fatalf("toggle remove: res=%+v err=%v", res, err)
	}

	if err := store.DeleteMessage(ctx, last.ID); err != nil {
		t.Fatalf("delete message: %v", err)
	}
	gotChat, _ = store.GetChat(ctx, c.ID)
	if gotChat.LastMessageID == last.ID || gotChat.LastMessageID == "" {
		t.Fatalf("last message not repointed: %q", gotChat.LastMessageID)
	}

	if err := store.DeleteChat(ctx, c.ID); err != nil {
		t.Fatalf("delete chat: %v", err)
	}
	if n := mustCountMessages(t, pool, schema, c.ID); n != 0 {
		t.Fatalf("expected cascade delete, got %d messages", n)
	}
}

func TestPostgresStore_GetUser_NotFound(t *testing.T) {
	t.Parallel()

	store, _, _ := mustPostgresFixture(t)

	_, err := store.GetUser(context.Background(), "nobody")
	if !IsNotFound(err) {
		t.Fatalf("err=%v want not found", err)
	}
}

func TestWithSchema_RejectsInvalidIdentifiers(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "  ", "1abc", "a-b", `x";drop`} {
		st := &PostgresStore{}
		if err := WithSchema(s)(st); err == nil {
			t.Fatalf("schema %q: expected error", s)
		}
	}
	if _, err := SchemaSQL("bad-name"); err == nil {
		t.Fatalf("SchemaSQL: expected error for invalid schema")
	}
}

func mustPostgresFixture(t *testing.T) (*PostgresStore, *pgxpool.Pool, string) {
	t.Helper()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := "parla_it_" + strings.ToLower(ids.MustNewULID(time.Now()))

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	if err := ApplySchema(ctx, pool, schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	return st, pool, schema
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("PARLA_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: PARLA_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse PARLA_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	return pool
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustInsertUsers(t *testing.T, pool *pgxpool.Pool, schema string, userIDs ...string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, id := range userIDs {
		if _, err := pool.Exec(ctx,
			`INSERT INTO `+pgIdent(schema, "users")+` (id, name, email, preferred_language, active)
			 VALUES ($1, $1, $1 || '@example.test', 'en', TRUE)`,
			id,
		); err != nil {
			t.Fatalf("insert user %s: %v", id, err)
		}
	}
}

func mustCountMessages(t *testing.T, pool *pgxpool.Pool, schema string, chatID string) int {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var cnt int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgIdent(schema, "messages")+` WHERE chat_id = $1`,
		chatID,
	).Scan(&cnt); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return cnt
}
