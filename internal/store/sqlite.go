package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps the same contract as PostgresStore on a single file.
// Id lists are stored as JSON arrays and matched with json_each.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; sqlite serializes anyway and this avoids SQLITE_BUSY on tx upgrade.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'member',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS invites (
			code TEXT PRIMARY KEY,
			role TEXT NOT NULL DEFAULT 'member',
			email TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			used_by TEXT NOT NULL DEFAULT '',
			used_at TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS refresh_sessions (
			token_hash TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			expires_at TIMESTAMP NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS revoked_access_tokens (
			jti TEXT PRIMARY KEY,
			expires_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS articles (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			create_time INTEGER NOT NULL,
			update_time INTEGER NOT NULL,
			favorite INTEGER NOT NULL DEFAULT 0,
			parent_chain TEXT NOT NULL DEFAULT '[]',
			related_ids TEXT NOT NULL DEFAULT '[]',
			tag_ids TEXT NOT NULL DEFAULT '[]'
		);

		CREATE TABLE IF NOT EXISTS tag_groups (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tags (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL UNIQUE,
			color TEXT NOT NULL DEFAULT '',
			group_id TEXT NOT NULL DEFAULT 'default',
			created_at TIMESTAMP NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

const sqliteArticleColumns = `id, title, content, create_time, update_time, favorite, parent_chain, related_ids, tag_ids`

func encodeIDs(ids []string) string {
	data, _ := json.Marshal(nonNil(ids))
	return string(data)
}

func (s *SQLiteStore) queryArticles(ctx context.Context, query string, args ...any) ([]Article, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	articles := make([]Article, 0)
	for rows.Next() {
		article, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		articles = append(articles, article)
	}
	return articles, rows.Err()
}

func (s *SQLiteStore) GetArticle(ctx context.Context, id string) (Article, error) {
	article, err := scanArticle(s.db.QueryRowContext(ctx, `SELECT `+sqliteArticleColumns+` FROM articles WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Article{}, ErrNotFound
	}
	if err != nil {
		return Article{}, fmt.Errorf("get article: %w", err)
	}
	return article, nil
}

func (s *SQLiteStore) FindRootArticle(ctx context.Context) (Article, error) {
	article, err := scanArticle(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteArticleColumns+` FROM articles
		WHERE json_array_length(parent_chain) = 0
		ORDER BY create_time ASC
		LIMIT 1
	`))
	if errors.Is(err, sql.ErrNoRows) {
		return Article{}, ErrNotFound
	}
	if err != nil {
		return Article{}, fmt.Errorf("find root article: %w", err)
	}
	return article, nil
}

func (s *SQLiteStore) FindDescendants(ctx context.Context, ancestorID string) ([]Article, error) {
	articles, err := s.queryArticles(ctx, `
		SELECT `+sqliteArticleColumns+` FROM articles
		WHERE EXISTS (SELECT 1 FROM json_each(articles.parent_chain) WHERE json_each.value = ?)
		ORDER BY create_time ASC
	`, ancestorID)
	if err != nil {
		return nil, fmt.Errorf("find descendants: %w", err)
	}
	return articles, nil
}

func (s *SQLiteStore) InsertArticle(ctx context.Context, article Article) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO articles (`+sqliteArticleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		article.ID,
		article.Title,
		article.Content,
		article.CreateTime,
		article.UpdateTime,
		article.Favorite,
		encodeIDs(article.ParentChain),
		encodeIDs(article.RelatedIDs),
		encodeIDs(article.TagIDs),
	)
	if err != nil {
		return fmt.Errorf("insert article: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateArticle(ctx context.Context, id string, patch ArticlePatch) error {
	sets := []string{"update_time=?"}
	args := []any{patch.UpdateTime}
	if patch.Title != nil {
		sets, args = append(sets, "title=?"), append(args, *patch.Title)
	}
	if patch.Content != nil {
		sets, args = append(sets, "content=?"), append(args, *patch.Content)
	}
	if patch.Favorite != nil {
		sets, args = append(sets, "favorite=?"), append(args, *patch.Favorite)
	}
	if patch.TagIDs != nil {
		sets, args = append(sets, "tag_ids=?"), append(args, encodeIDs(*patch.TagIDs))
	}
	if patch.RelatedIDs != nil {
		sets, args = append(sets, "related_ids=?"), append(args, encodeIDs(*patch.RelatedIDs))
	}
	if patch.ParentChain != nil {
		sets, args = append(sets, "parent_chain=?"), append(args, encodeIDs(*patch.ParentChain))
	}
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, `UPDATE articles SET `+strings.Join(sets, ", ")+` WHERE id=?`, args...)
	if err != nil {
		return fmt.Errorf("update article: %w", err)
	}
	return requireAffected(result)
}

func (s *SQLiteStore) SetParentChains(ctx context.Context, chains map[string][]string, updateTime int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chain tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for id, chain := range chains {
		result, err := tx.ExecContext(ctx,
			`UPDATE articles SET parent_chain=?, update_time=? WHERE id=?`,
			encodeIDs(chain), updateTime, id,
		)
		if err != nil {
			return fmt.Errorf("rewrite chain %s: %w", id, err)
		}
		if err := requireAffected(result); err != nil {
			return fmt.Errorf("rewrite chain %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chain tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteArticles(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM articles WHERE id IN (SELECT value FROM json_each(?))`, encodeIDs(ids))
	if err != nil {
		return fmt.Errorf("delete articles: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListFavoriteArticles(ctx context.Context) ([]Article, error) {
	articles, err := s.queryArticles(ctx, `
		SELECT `+sqliteArticleColumns+` FROM articles
		WHERE favorite = 1
		ORDER BY update_time DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list favorites: %w", err)
	}
	return articles, nil
}

func (s *SQLiteStore) ListArticlesByIDs(ctx context.Context, ids []string) ([]Article, error) {
	if len(ids) == 0 {
		return []Article{}, nil
	}
	found, err := s.queryArticles(ctx, `
		SELECT `+sqliteArticleColumns+` FROM articles
		WHERE id IN (SELECT value FROM json_each(?))
	`, encodeIDs(ids))
	if err != nil {
		return nil, fmt.Errorf("list articles by id: %w", err)
	}

	byID := make(map[string]Article, len(found))
	for _, article := range found {
		byID[article.ID] = article
	}
	ordered := make([]Article, 0, len(found))
	for _, id := range ids {
		if article, ok := byID[id]; ok {
			ordered = append(ordered, article)
			delete(byID, id)
		}
	}
	return ordered, nil
}

func (s *SQLiteStore) ListAllArticles(ctx context.Context) ([]Article, error) {
	articles, err := s.queryArticles(ctx, `SELECT `+sqliteArticleColumns+` FROM articles ORDER BY create_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	return articles, nil
}

func (s *SQLiteStore) SearchArticles(ctx context.Context, query string, limit int) ([]Article, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(query) + "%"
	articles, err := s.queryArticles(ctx, `
		SELECT `+sqliteArticleColumns+` FROM articles
		WHERE title LIKE ? ESCAPE '\' OR content LIKE ? ESCAPE '\'
		ORDER BY update_time DESC
		LIMIT ?
	`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search articles: %w", err)
	}
	return articles, nil
}

func (s *SQLiteStore) ListTags(ctx context.Context) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, color, group_id, created_at FROM tags ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	tags := make([]Tag, 0)
	for rows.Next() {
		var tag Tag
		if err := rows.Scan(&tag.ID, &tag.Title, &tag.Color, &tag.GroupID, &tag.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (s *SQLiteStore) GetTag(ctx context.Context, id string) (Tag, error) {
	var tag Tag
	err := s.db.QueryRowContext(ctx, `SELECT id, title, color, group_id, created_at FROM tags WHERE id=?`, id).
		Scan(&tag.ID, &tag.Title, &tag.Color, &tag.GroupID, &tag.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Tag{}, ErrNotFound
	}
	if err != nil {
		return Tag{}, fmt.Errorf("get tag: %w", err)
	}
	return tag, nil
}

func (s *SQLiteStore) CreateTag(ctx context.Context, tag Tag) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tags (id, title, color, group_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		tag.ID, tag.Title, tag.Color, tag.GroupID, tag.CreatedAt.UTC(),
	)
	if isSQLiteUnique(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateTag(ctx context.Context, tag Tag) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tags SET title=?, color=?, group_id=? WHERE id=?`,
		tag.Title, tag.Color, tag.GroupID, tag.ID,
	)
	if isSQLiteUnique(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("update tag: %w", err)
	}
	return requireAffected(result)
}

func (s *SQLiteStore) DeleteTag(ctx context.Context, id string, updateTime int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tag tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete tag: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT id, tag_ids FROM articles
		WHERE EXISTS (SELECT 1 FROM json_each(articles.tag_ids) WHERE json_each.value = ?)
	`, id)
	if err != nil {
		return fmt.Errorf("find tagged articles: %w", err)
	}
	retagged := map[string][]string{}
	for rows.Next() {
		var articleID, raw string
		if err := rows.Scan(&articleID, &raw); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan tagged article: %w", err)
		}
		tagIDs, err := decodeIDs(raw)
		if err != nil {
			_ = rows.Close()
			return fmt.Errorf("decode tag ids: %w", err)
		}
		kept := make([]string, 0, len(tagIDs))
		for _, tagID := range tagIDs {
			if tagID != id {
				kept = append(kept, tagID)
			}
		}
		retagged[articleID] = kept
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterate tagged articles: %w", err)
	}
	_ = rows.Close()
	for articleID, kept := range retagged {
		if _, err := tx.ExecContext(ctx,
			`UPDATE articles SET tag_ids=?, update_time=? WHERE id=?`, encodeIDs(kept), updateTime, articleID); err != nil {
			return fmt.Errorf("untag article %s: %w", articleID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListTagGroups(ctx context.Context) ([]TagGroup, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, created_at FROM tag_groups ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tag groups: %w", err)
	}
	defer rows.Close()

	groups := make([]TagGroup, 0)
	for rows.Next() {
		var group TagGroup
		if err := rows.Scan(&group.ID, &group.Title, &group.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tag group: %w", err)
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

func (s *SQLiteStore) CreateTagGroup(ctx context.Context, group TagGroup) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tag_groups (id, title, created_at) VALUES (?, ?, ?)`,
		group.ID, group.Title, group.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create tag group: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateTagGroup(ctx context.Context, group TagGroup) error {
	result, err := s.db.ExecContext(ctx, `UPDATE tag_groups SET title=? WHERE id=?`, group.Title, group.ID)
	if err != nil {
		return fmt.Errorf("update tag group: %w", err)
	}
	return requireAffected(result)
}

func (s *SQLiteStore) DeleteTagGroup(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tag group tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM tag_groups WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete tag group: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tags SET group_id=? WHERE group_id=?`, DefaultTagGroup, id); err != nil {
		return fmt.Errorf("regroup tags: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) CreateUser(ctx context.Context, user User) error {
	return insertSQLiteUser(ctx, s.db, user)
}

type sqliteExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSQLiteUser(ctx context.Context, db sqliteExecer, user User) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, user.ID, user.Username, user.PasswordHash, user.Role, user.CreatedAt.UTC(), user.CreatedAt.UTC())
	if isSQLiteUnique(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=?`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user by username: %w", err)
	}
	return user, nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash=?, updated_at=? WHERE id=?`, hash, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return requireAffected(result)
}

func (s *SQLiteStore) DeleteUser(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return requireAffected(result)
}

func (s *SQLiteStore) CreateInvite(ctx context.Context, invite Invite) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invites (code, role, email, created_by, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, invite.Code, invite.Role, invite.Email, invite.CreatedBy, invite.CreatedAt.UTC(), invite.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("create invite: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetInvite(ctx context.Context, code string) (Invite, error) {
	return getSQLiteInvite(ctx, s.db, code)
}

type sqliteQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSQLiteInvite(ctx context.Context, db sqliteQueryer, code string) (Invite, error) {
	invite, err := scanInvite(db.QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM invites WHERE code=?`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return Invite{}, ErrNotFound
	}
	if err != nil {
		return Invite{}, fmt.Errorf("get invite: %w", err)
	}
	return invite, nil
}

func (s *SQLiteStore) ListInvites(ctx context.Context) ([]Invite, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+inviteColumns+` FROM invites ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	defer rows.Close()

	invites := make([]Invite, 0)
	for rows.Next() {
		invite, err := scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invite: %w", err)
		}
		invites = append(invites, invite)
	}
	return invites, rows.Err()
}

func (s *SQLiteStore) DeleteInvite(ctx context.Context, code string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM invites WHERE code=?`, code)
	if err != nil {
		return fmt.Errorf("delete invite: %w", err)
	}
	return requireAffected(result)
}

func (s *SQLiteStore) RedeemInvite(ctx context.Context, code string, user User, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin invite tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	invite, err := getSQLiteInvite(ctx, tx, code)
	if err != nil {
		return err
	}
	if invite.UsedAt != nil || !now.Before(invite.ExpiresAt) {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE invites SET used_by=?, used_at=? WHERE code=?`, user.ID, now.UTC(), code); err != nil {
		return fmt.Errorf("claim invite: %w", err)
	}
	if err := insertSQLiteUser(ctx, tx, user); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at, revoked)
		VALUES (?, ?, ?, 0)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=excluded.user_id, expires_at=excluded.expires_at, revoked=0
	`, tokenHash, userID, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked=1 WHERE token_hash=?`, tokenHash); err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var (
		userID    string
		expiresAt time.Time
		revoked   bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, expires_at, revoked FROM refresh_sessions WHERE token_hash=?`, tokenHash).
		Scan(&userID, &expiresAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup refresh session: %w", err)
	}
	if revoked || !time.Now().Before(expiresAt) {
		return User{}, ErrNotFound
	}
	return s.GetUserByID(ctx, userID)
}

func (s *SQLiteStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO revoked_access_tokens (jti, expires_at) VALUES (?, ?) ON CONFLICT (jti) DO NOTHING`,
		jti, exp.UTC())
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=?)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func isSQLiteUnique(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
