package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"parla/cmd/internal/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "parla").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "parla",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) table(name string) string { return pgIdent(s.schema, name) }

// GetUser returns a user by id.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (User, error) {
	if s == nil || s.pool == nil {
		return User{}, errNilStore
	}
	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, email, avatar, preferred_language, active, role
		   FROM `+s.table("users")+`
		  WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Name, &u.Email, &u.Avatar, &u.PreferredLanguage, &u.Active, &u.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, notFound("chat.GetUser", "user", id)
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// FindOrCreateChat returns the chat for the unordered pair (a, b), creating it on first use.
//
// The upsert touches no column on conflict, so concurrent callers for the same
// pair all observe the single winning row.
func (s *PostgresStore) FindOrCreateChat(ctx context.Context, a, b string, now time.Time) (Chat, bool, error) {
	const op = "chat.FindOrCreateChat"
	if s == nil || s.pool == nil {
		return Chat{}, false, errNilStore
	}
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return Chat{}, false, invalid(op, "missing participant")
	}
	if a == b {
		return Chat{}, false, invalid(op, "participants must differ")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Chat{}, false, err
	}
	pair := Pair(a, b)

	var (
		c       Chat
		lastMsg *string
		created bool
	)
	err = s.pool.QueryRow(ctx,
		`INSERT INTO `+s.table("chats")+` AS c (id, participant_lo, participant_hi, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (participant_lo, participant_hi)
		 DO UPDATE SET participant_lo = c.participant_lo
		 RETURNING c.id, c.participant_lo, c.participant_hi, c.last_message_id, c.created_at, c.updated_at, (xmax = 0)`,
		id, pair[0], pair[1], now,
	).Scan(&c.ID, &c.Participants[0], &c.Participants[1], &lastMsg, &c.CreatedAt, &c.UpdatedAt, &created)
	if err != nil {
		return Chat{}, false, fmt.Errorf("upsert chat: %w", err)
	}
	if lastMsg != nil {
		c.LastMessageID = *lastMsg
	}
	return c, created, nil
}

// GetChat returns a chat by id.
func (s *PostgresStore) GetChat(ctx context.Context, id string) (Chat, error) {
	if s == nil || s.pool == nil {
		return Chat{}, errNilStore
	}
	c, err := scanChat(s.pool.QueryRow(ctx,
		`SELECT id, participant_lo, participant_hi, last_message_id, created_at, updated_at
		   FROM `+s.table("chats")+`
		  WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, notFound("chat.GetChat", "chat", id)
	}
	return c, err
}

// ListChats returns the user's chats, most recently active first.
func (s *PostgresStore) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	if s == nil || s.pool == nil {
		return nil, errNilStore
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, participant_lo, participant_hi, last_message_id, created_at, updated_at
		   FROM `+s.table("chats")+`
		  WHERE participant_lo = $1 OR participant_hi = $1
		  ORDER BY updated_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Chat, 0, 16)
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteChat removes a chat; messages and reactions go with it via ON DELETE CASCADE.
func (s *PostgresStore) DeleteChat(ctx context.Context, id string) error {
	if s == nil || s.pool == nil {
		return errNilStore
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table("chats")+` WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("chat.DeleteChat", "chat", id)
	}
	return nil
}

// AppendMessage inserts a message and bumps the parent chat in one transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	const op = "chat.AppendMessage"
	if s == nil || s.pool == nil {
		return Message{}, errNilStore
	}
	if err := in.validate(op); err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	// Postgres stores microseconds; truncate so the returned value equals a later read.
	now = now.Truncate(time.Microsecond)

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE `+s.table("chats")+`
		    SET last_message_id = $2,
		        updated_at = GREATEST(updated_at, $3)
		  WHERE id = $1`,
		in.ChatID, id, now,
	)
	if err != nil {
		return Message{}, fmt.Errorf("touch chat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Message{}, notFound(op, "chat", in.ChatID)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("messages")+` (
		     id, chat_id, sender_id, receiver_id, client_msg_id,
		     original_text, translated_text, phonetic_text, language_from, language_to,
		     voice_url, translated_voice_url, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		id, in.ChatID, in.SenderID, in.ReceiverID, in.ClientMsgID,
		in.OriginalText, in.TranslatedText, in.PhoneticText, in.LanguageFrom, in.LanguageTo,
		in.VoiceURL, in.TranslatedVoiceURL, now,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}

	return Message{
		ID:                 id,
		ChatID:             in.ChatID,
		SenderID:           in.SenderID,
		ReceiverID:         in.ReceiverID,
		ClientMsgID:        in.ClientMsgID,
		OriginalText:       in.OriginalText,
		TranslatedText:     in.TranslatedText,
		PhoneticText:       in.PhoneticText,
		LanguageFrom:       in.LanguageFrom,
		LanguageTo:         in.LanguageTo,
		VoiceURL:           in.VoiceURL,
		TranslatedVoiceURL: in.TranslatedVoiceURL,
		CreatedAt:          now,
	}, nil
}

const messageColumns = `id, chat_id, sender_id, receiver_id, client_msg_id,
       original_text, translated_text, phonetic_text, language_from, language_to,
       voice_url, translated_voice_url, created_at`

// GetMessage returns a message (with reactions) by id.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errNilStore
	}
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+s.table("messages")+` WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, notFound("chat.GetMessage", "message", id)
	}
	if err != nil {
		return Message{}, err
	}

	reactions, err := s.loadReactions(ctx, s.pool, []string{m.ID})
	if err != nil {
		return Message{}, err
	}
	m.Reactions = reactions[m.ID]
	return m, nil
}

// FetchBefore returns the newest page of messages strictly older than the cursor, ASC.
func (s *PostgresStore) FetchBefore(ctx context.Context, in FetchBeforeInput) (FetchResult, error) {
	if s == nil || s.pool == nil {
		return FetchResult{}, errNilStore
	}
	if in.ChatID == "" {
		return FetchResult{}, invalid("chat.FetchBefore", "missing chat_id")
	}
	if err := ctx.Err(); err != nil {
		return FetchResult{}, err
	}

	limit := clampLimit(in.Limit)
	fetch := limit + 1
	messages := s.table("messages")

	var (
		rows pgx.Rows
		err  error
	)
	switch {
	case in.Before.IsZero():
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+` FROM `+messages+`
			  WHERE chat_id = $1
			  ORDER BY created_at DESC, id DESC
			  LIMIT $2`,
			in.ChatID, fetch,
		)
	case in.BeforeID == "":
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+` FROM `+messages+`
			  WHERE chat_id = $1 AND created_at < $2
			  ORDER BY created_at DESC, id DESC
			  LIMIT $3`,
			in.ChatID, in.Before, fetch,
		)
	default:
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+` FROM `+messages+`
			  WHERE chat_id = $1 AND (created_at, id) < ($2, $3)
			  ORDER BY created_at DESC, id DESC
			  LIMIT $4`,
			in.ChatID, in.Before, in.BeforeID, fetch,
		)
	}
	if err != nil {
		return FetchResult{}, err
	}
	defer rows.Close()

	desc := make([]Message, 0, fetch)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return FetchResult{}, err
		}
		desc = append(desc, m)
	}
	if err := rows.Err(); err != nil {
		return FetchResult{}, err
	}

	hasMore := len(desc) > limit
	if hasMore {
		desc = desc[:limit]
	}

	out := make([]Message, len(desc))
	idList := make([]string, len(desc))
	for i, m := range desc {
		out[len(desc)-1-i] = m
		idList[i] = m.ID
	}

	reactions, err := s.loadReactions(ctx, s.pool, idList)
	if err != nil {
		return FetchResult{}, err
	}
	for i := range out {
		out[i].Reactions = reactions[out[i].ID]
	}
	return FetchResult{Messages: out, HasMore: hasMore}, nil
}

// DeleteMessage removes a message and repoints the chat's last message if needed.
func (s *PostgresStore) DeleteMessage(ctx context.Context, id string) error {
	if s == nil || s.pool == nil {
		return errNilStore
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var chatID string
	err = tx.QueryRow(ctx,
		`DELETE FROM `+s.table("messages")+` WHERE id = $1 RETURNING chat_id`, id,
	).Scan(&chatID)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound("chat.DeleteMessage", "message", id)
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+s.table("chats")+` c
		    SET last_message_id = (
		          SELECT m.id FROM `+s.table("messages")+` m
		           WHERE m.chat_id = c.id
		           ORDER BY m.created_at DESC, m.id DESC
		           LIMIT 1)
		  WHERE c.id = $1 AND c.last_message_id = $2`,
		chatID, id,
	); err != nil {
		return fmt.Errorf("repoint last message: %w", err)
	}
	return tx.Commit(ctx)
}

// ToggleReaction adds (emoji, user) to the message or removes it when already present.
func (s *PostgresStore) ToggleReaction(ctx context.Context, in ToggleReactionInput) (ToggleReactionResult, error) {
	const op = "chat.ToggleReaction"
	if s == nil || s.pool == nil {
		return ToggleReactionResult{}, errNilStore
	}
	if in.MessageID == "" || in.UserID == "" {
		return ToggleReactionResult{}, invalid(op, "missing message_id or user_id")
	}
	if strings.TrimSpace(in.Emoji) == "" {
		return ToggleReactionResult{}, invalid(op, "emoji is required")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return ToggleReactionResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Row lock on the message serializes toggles for the same message.
	var chatID string
	err = tx.QueryRow(ctx,
		`SELECT chat_id FROM `+s.table("messages")+` WHERE id = $1 FOR UPDATE`, in.MessageID,
	).Scan(&chatID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ToggleReactionResult{}, notFound(op, "message", in.MessageID)
	}
	if err != nil {
		return ToggleReactionResult{}, err
	}

	reactions := s.table("message_reactions")
	tag, err := tx.Exec(ctx,
		`DELETE FROM `+reactions+` WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		in.MessageID, in.UserID, in.Emoji,
	)
	if err != nil {
		return ToggleReactionResult{}, err
	}
	added := tag.RowsAffected() == 0
	if added {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+reactions+` (message_id, user_id, emoji, created_at) VALUES ($1, $2, $3, $4)`,
			in.MessageID, in.UserID, in.Emoji, now,
		); err != nil {
			return ToggleReactionResult{}, fmt.Errorf("insert reaction: %w", err)
		}
	}

	set, err := s.loadReactions(ctx, tx, []string{in.MessageID})
	if err != nil {
		return ToggleReactionResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ToggleReactionResult{}, err
	}
	return ToggleReactionResult{ChatID: chatID, Added: added, Reactions: set[in.MessageID]}, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) loadReactions(ctx context.Context, q querier, messageIDs []string) (map[string][]Reaction, error) {
	out := make(map[string][]Reaction, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	rows, err := q.Query(ctx,
		`SELECT message_id, emoji, user_id
		   FROM `+s.table("message_reactions")+`
		  WHERE message_id = ANY($1)
		  ORDER BY created_at ASC`,
		messageIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msgID string
			r     Reaction
		)
		if err := rows.Scan(&msgID, &r.Emoji, &r.UserID); err != nil {
			return nil, err
		}
		out[msgID] = append(out[msgID], r)
	}
	return out, rows.Err()
}

func scanChat(row pgx.Row) (Chat, error) {
	var (
		c       Chat
		lastMsg *string
	)
	if err := row.Scan(&c.ID, &c.Participants[0], &c.Participants[1], &lastMsg, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Chat{}, err
	}
	if lastMsg != nil {
		c.LastMessageID = *lastMsg
	}
	return c, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(
		&m.ID,
		&m.ChatID,
		&m.SenderID,
		&m.ReceiverID,
		&m.ClientMsgID,
		&m.OriginalText,
		&m.TranslatedText,
		&m.PhoneticText,
		&m.LanguageFrom,
		&m.LanguageTo,
		&m.VoiceURL,
		&m.TranslatedVoiceURL,
		&m.CreatedAt,
	)
	return m, err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

var _ Store = (*PostgresStore)(nil)
