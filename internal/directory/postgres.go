package directory

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chat-relay/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// historyLimit caps the messages returned with a chat.
const historyLimit = 100

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL DEFAULT '',
		picture_hash TEXT NOT NULL DEFAULT '',
		picture      TEXT NOT NULL DEFAULT '',
		disabled     BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS contacts (
		user_id    TEXT NOT NULL REFERENCES users(id),
		contact_id TEXT NOT NULL REFERENCES users(id),
		PRIMARY KEY (user_id, contact_id)
	)`,
	`CREATE TABLE IF NOT EXISTS blocks (
		user_id    TEXT NOT NULL REFERENCES users(id),
		blocked_id TEXT NOT NULL REFERENCES users(id),
		PRIMARY KEY (user_id, blocked_id)
	)`,
	`CREATE TABLE IF NOT EXISTS chats (
		id         TEXT PRIMARY KEY,
		is_group   BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS chat_participants (
		chat_id      TEXT NOT NULL REFERENCES chats(id),
		user_id      TEXT NOT NULL REFERENCES users(id),
		active       BOOLEAN NOT NULL DEFAULT TRUE,
		last_seen_at TIMESTAMPTZ,
		PRIMARY KEY (chat_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id         BIGSERIAL PRIMARY KEY,
		chat_id    TEXT NOT NULL REFERENCES chats(id),
		user_id    TEXT NOT NULL REFERENCES users(id),
		body       TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS messages_chat_created_idx ON messages (chat_id, created_at)`,
}

// Postgres is a Directory kept in the relay's own database, for deployments
// without the web backend.
type Postgres struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func NewPostgres(pool *pgxpool.Pool, log *zap.Logger) *Postgres {
	return &Postgres{pool: pool, log: log.Named("directory")}
}

// Migrate creates the tables when missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// storedMessage is how history entries are handed to clients.
type storedMessage struct {
	UserKey  string `json:"UserKey"`
	Message  string `json:"Message"`
	DateTime string `json:"DateTime"`
}

func (p *Postgres) ContactList(ctx context.Context, cred models.Credentials) (*models.ContactList, error) {
	var list models.ContactList
	err := p.pool.QueryRow(ctx,
		`SELECT id, name, picture_hash, disabled FROM users WHERE id = $1`, cred.UserKey,
	).Scan(&list.Me.UserID, &list.Me.Name, &list.Me.PictureHash, &list.Me.Disabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, failure(MethodContacts, "unknown user %s", cred.UserKey)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", MethodContacts, err)
	}

	list.Me.Blocked, err = p.stringColumn(ctx,
		`SELECT blocked_id FROM blocks WHERE user_id = $1 ORDER BY blocked_id`, cred.UserKey)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", MethodContacts, err)
	}

	list.Contacts, err = p.users(ctx, `
		SELECT u.id, u.name, u.picture_hash, u.disabled
		FROM contacts c
		JOIN users u ON u.id = c.contact_id
		WHERE c.user_id = $1
		ORDER BY u.name, u.id`, cred.UserKey)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", MethodContacts, err)
	}
	return &list, nil
}

// PendingChatIDs returns the chats holding messages from others the user
// has not seen yet.
func (p *Postgres) PendingChatIDs(ctx context.Context, cred models.Credentials) ([]string, error) {
	ids, err := p.stringColumn(ctx, `
		SELECT DISTINCT m.chat_id
		FROM messages m
		JOIN chat_participants cp ON cp.chat_id = m.chat_id
		WHERE cp.user_id = $1
		  AND cp.active
		  AND m.user_id <> $1
		  AND (cp.last_seen_at IS NULL OR m.created_at > cp.last_seen_at)
		ORDER BY m.chat_id`, cred.UserKey)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", MethodPending, err)
	}
	return ids, nil
}

func (p *Postgres) LatestPreviews(ctx context.Context, cred models.Credentials) ([]models.ChatPreview, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT cp.chat_id, lm.user_id, lm.body, lm.created_at,
		       lm.user_id <> $1 AND (cp.last_seen_at IS NULL OR lm.created_at > cp.last_seen_at)
		FROM chat_participants cp
		JOIN LATERAL (
			SELECT user_id, body, created_at
			FROM messages
			WHERE chat_id = cp.chat_id
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) lm ON TRUE
		WHERE cp.user_id = $1 AND cp.active
		ORDER BY lm.created_at DESC`, cred.UserKey)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", MethodPreviews, err)
	}

	var previews []models.ChatPreview
	for rows.Next() {
		var (
			preview models.ChatPreview
			last    storedMessage
			at      time.Time
		)
		if err := rows.Scan(&preview.ChatKey, &last.UserKey, &last.Message, &at, &preview.IsUnread); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%s: %w", MethodPreviews, err)
		}
		last.DateTime = at.Format(DateTimeLayout)
		if preview.Message, err = json.Marshal(last); err != nil {
			rows.Close()
			return nil, err
		}
		previews = append(previews, preview)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", MethodPreviews, err)
	}

	for i := range previews {
		active, inactive, err := p.participants(ctx, previews[i].ChatKey)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", MethodPreviews, err)
		}
		previews[i].Participants = active
		previews[i].InactiveParticipants = inactive
	}
	return previews, nil
}

// ChatInfo resolves the chat the request selects, creating a direct chat or
// a new group chat when asked to, and returns it with its history.
func (p *Postgres) ChatInfo(ctx context.Context, req models.ChatInfoRequest) (*models.ChatInfo, error) {
	var (
		chatID string
		err    error
	)
	switch {
	case req.TargetUserKey == "":
		chatID = req.ChatKey
		var member bool
		err = p.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM chat_participants WHERE chat_id = $1 AND user_id = $2)`,
			chatID, req.UserKey).Scan(&member)
		if err == nil && !member {
			return nil, failure(MethodChatInfo, "%s is not part of chat %s", req.UserKey, chatID)
		}
	case req.StartGroupChat:
		chatID, err = p.startGroupChat(ctx, req.ChatKey, req.UserKey, req.TargetUserKey)
	default:
		chatID, err = p.directChat(ctx, req.UserKey, req.TargetUserKey)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", MethodChatInfo, err)
	}

	info := &models.ChatInfo{ChatKey: chatID}
	if info.Participants, info.InactiveParticipants, err = p.participants(ctx, chatID); err != nil {
		return nil, fmt.Errorf("%s: %w", MethodChatInfo, err)
	}
	if info.Messages, err = p.history(ctx, chatID); err != nil {
		return nil, fmt.Errorf("%s: %w", MethodChatInfo, err)
	}
	return info, nil
}

func (p *Postgres) AllUsers(ctx context.Context) ([]models.DirectoryUser, error) {
	users, err := p.users(ctx, `SELECT id, name, picture_hash, disabled FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", MethodUsers, err)
	}
	return users, nil
}

func (p *Postgres) NewMessage(ctx context.Context, cred models.Credentials, chatKey, text string, at time.Time) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO messages (chat_id, user_id, body, created_at) VALUES ($1, $2, $3, $4)`,
		chatKey, cred.UserKey, text, at)
	if err != nil {
		return fmt.Errorf("%s: %w", MethodMsgNew, err)
	}
	return nil
}

func (p *Postgres) MarkSeen(ctx context.Context, cred models.Credentials, chatKey string, at time.Time) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE chat_participants SET last_seen_at = $3 WHERE chat_id = $1 AND user_id = $2`,
		chatKey, cred.UserKey, at)
	if err != nil {
		return fmt.Errorf("%s: %w", MethodMsgSeen, err)
	}
	return nil
}

func (p *Postgres) SetBlocked(ctx context.Context, cred models.Credentials, targetUserKey string, blocked bool) error {
	query := `DELETE FROM blocks WHERE user_id = $1 AND blocked_id = $2`
	if blocked {
		query = `INSERT INTO blocks (user_id, blocked_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	}
	if _, err := p.pool.Exec(ctx, query, cred.UserKey, targetUserKey); err != nil {
		return fmt.Errorf("%s: %w", MethodBlock, err)
	}
	return nil
}

func (p *Postgres) SetDisabled(ctx context.Context, cred models.Credentials, disabled bool) error {
	tag, err := p.pool.Exec(ctx, `UPDATE users SET disabled = $2 WHERE id = $1`, cred.UserKey, disabled)
	if err != nil {
		return fmt.Errorf("%s: %w", MethodDisable, err)
	}
	if tag.RowsAffected() == 0 {
		return failure(MethodDisable, "unknown user %s", cred.UserKey)
	}
	return nil
}

func (p *Postgres) Leave(ctx context.Context, cred models.Credentials, chatKey string, at time.Time) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE chat_participants SET active = FALSE, last_seen_at = $3 WHERE chat_id = $1 AND user_id = $2`,
		chatKey, cred.UserKey, at)
	if err != nil {
		return fmt.Errorf("%s: %w", MethodLeave, err)
	}
	return nil
}

func (p *Postgres) Join(ctx context.Context, cred models.Credentials, chatKey, targetUserKey string, at time.Time) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO chat_participants (chat_id, user_id, active, last_seen_at)
		VALUES ($1, $2, TRUE, $3)
		ON CONFLICT (chat_id, user_id) DO UPDATE SET active = TRUE`,
		chatKey, targetUserKey, at)
	if err != nil {
		return fmt.Errorf("%s: %w", MethodJoin, err)
	}
	return nil
}

// SetPicture stores the uploaded picture and derives its hash from the
// content.
func (p *Postgres) SetPicture(ctx context.Context, cred models.Credentials, postData map[string]string) (string, error) {
	picture := postData[models.FieldPicture]
	if picture == "" {
		return "", failure(MethodPicture, "no picture uploaded")
	}
	hash := PictureHash([]byte(picture))

	tag, err := p.pool.Exec(ctx,
		`UPDATE users SET picture = $2, picture_hash = $3 WHERE id = $1`,
		cred.UserKey, picture, hash)
	if err != nil {
		return "", fmt.Errorf("%s: %w", MethodPicture, err)
	}
	if tag.RowsAffected() == 0 {
		return "", failure(MethodPicture, "unknown user %s", cred.UserKey)
	}
	return hash, nil
}

func (p *Postgres) UploadFile(context.Context, models.Credentials, map[string]string) (string, error) {
	return "", fmt.Errorf("%s: %w", MethodFile, ErrUnsupported)
}

// PictureHash is the hex blake2b-256 digest of a picture.
func PictureHash(picture []byte) string {
	sum := blake2b.Sum256(picture)
	return hex.EncodeToString(sum[:])
}

func (p *Postgres) directChat(ctx context.Context, userID, targetID string) (string, error) {
	if userID == targetID {
		return "", failure(MethodChatInfo, "%s cannot start a chat with themselves", userID)
	}
	var chatID string
	err := p.pool.QueryRow(ctx, `
		SELECT c.id
		FROM chats c
		JOIN chat_participants p1 ON c.id = p1.chat_id
		JOIN chat_participants p2 ON c.id = p2.chat_id
		WHERE NOT c.is_group
		  AND p1.user_id = $1
		  AND p2.user_id = $2
		LIMIT 1`, userID, targetID).Scan(&chatID)
	if err == nil {
		// reopening a direct chat brings a member who left back in
		_, err = p.pool.Exec(ctx,
			`UPDATE chat_participants SET active = TRUE WHERE chat_id = $1 AND user_id = $2`, chatID, userID)
		return chatID, err
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}

	chatID = uuid.New().String()
	err = p.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO chats (id, is_group) VALUES ($1, FALSE)`, chatID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO chat_participants (chat_id, user_id) VALUES ($1, $2), ($1, $3)`,
			chatID, userID, targetID)
		return err
	})
	if err != nil {
		return "", err
	}
	p.log.Info("direct chat created", zap.String("chat", chatID))
	return chatID, nil
}

// startGroupChat creates a group chat with the active members of chatID
// plus targetID.
func (p *Postgres) startGroupChat(ctx context.Context, chatID, userID, targetID string) (string, error) {
	members, _, err := p.participants(ctx, chatID)
	if err != nil {
		return "", err
	}
	members = appendMissing(members, userID, targetID)

	groupID := uuid.New().String()
	err = p.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO chats (id, is_group) VALUES ($1, TRUE)`, groupID); err != nil {
			return err
		}
		for _, member := range members {
			if _, err := tx.Exec(ctx,
				`INSERT INTO chat_participants (chat_id, user_id) VALUES ($1, $2)`, groupID, member); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	p.log.Info("group chat created", zap.String("chat", groupID), zap.String("from", chatID))
	return groupID, nil
}

func (p *Postgres) participants(ctx context.Context, chatID string) (active, inactive []string, err error) {
	rows, err := p.pool.Query(ctx,
		`SELECT user_id, active FROM chat_participants WHERE chat_id = $1 ORDER BY user_id`, chatID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	active, inactive = []string{}, []string{}
	for rows.Next() {
		var (
			id       string
			isActive bool
		)
		if err := rows.Scan(&id, &isActive); err != nil {
			return nil, nil, err
		}
		if isActive {
			active = append(active, id)
		} else {
			inactive = append(inactive, id)
		}
	}
	return active, inactive, rows.Err()
}

func (p *Postgres) history(ctx context.Context, chatID string) (json.RawMessage, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT user_id, body, created_at FROM (
			SELECT id, user_id, body, created_at FROM messages
			WHERE chat_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent ORDER BY created_at, id`, chatID, historyLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []storedMessage{}
	for rows.Next() {
		var (
			m  storedMessage
			at time.Time
		)
		if err := rows.Scan(&m.UserKey, &m.Message, &at); err != nil {
			return nil, err
		}
		m.DateTime = at.Format(DateTimeLayout)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return json.Marshal(messages)
}

func (p *Postgres) users(ctx context.Context, query string, args ...any) ([]models.DirectoryUser, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []models.DirectoryUser{}
	for rows.Next() {
		var u models.DirectoryUser
		if err := rows.Scan(&u.UserID, &u.Name, &u.PictureHash, &u.Disabled); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (p *Postgres) stringColumn(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func appendMissing(ids []string, more ...string) []string {
	for _, m := range more {
		found := false
		for _, id := range ids {
			if id == m {
				found = true
				break
			}
		}
		if !found {
			ids = append(ids, m)
		}
	}
	return ids
}
