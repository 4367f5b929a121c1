package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Arrays travel as JSON text so they scan through database/sql without a
// driver-specific array type.
const pgArticleColumns = `
	id, title, content, create_time, update_time, favorite,
	to_json(parent_chain)::text, to_json(related_ids)::text, to_json(tag_ids)::text
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArticle(row rowScanner) (Article, error) {
	var (
		article                   Article
		chainJSON, relJSON, tagJS string
	)
	if err := row.Scan(
		&article.ID,
		&article.Title,
		&article.Content,
		&article.CreateTime,
		&article.UpdateTime,
		&article.Favorite,
		&chainJSON,
		&relJSON,
		&tagJS,
	); err != nil {
		return Article{}, err
	}
	var err error
	if article.ParentChain, err = decodeIDs(chainJSON); err != nil {
		return Article{}, fmt.Errorf("decode parent chain: %w", err)
	}
	if article.RelatedIDs, err = decodeIDs(relJSON); err != nil {
		return Article{}, fmt.Errorf("decode related ids: %w", err)
	}
	if article.TagIDs, err = decodeIDs(tagJS); err != nil {
		return Article{}, fmt.Errorf("decode tag ids: %w", err)
	}
	return article, nil
}

func decodeIDs(raw string) ([]string, error) {
	ids := []string{}
	if raw == "" || raw == "null" {
		return ids, nil
	}
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func (s *PostgresStore) queryArticles(ctx context.Context, query string, args ...any) ([]Article, error) {
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

func (s *PostgresStore) GetArticle(ctx context.Context, id string) (Article, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pgArticleColumns+` FROM articles WHERE id=$1`, id)
	article, err := scanArticle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Article{}, ErrNotFound
	}
	if err != nil {
		return Article{}, fmt.Errorf("get article: %w", err)
	}
	return article, nil
}

func (s *PostgresStore) FindRootArticle(ctx context.Context) (Article, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pgArticleColumns+` FROM articles
		WHERE cardinality(parent_chain) = 0
		ORDER BY create_time ASC
		LIMIT 1
	`)
	article, err := scanArticle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Article{}, ErrNotFound
	}
	if err != nil {
		return Article{}, fmt.Errorf("find root article: %w", err)
	}
	return article, nil
}

func (s *PostgresStore) FindDescendants(ctx context.Context, ancestorID string) ([]Article, error) {
	articles, err := s.queryArticles(ctx, `
		SELECT `+pgArticleColumns+` FROM articles
		WHERE parent_chain @> ARRAY[$1]::text[]
		ORDER BY create_time ASC
	`, ancestorID)
	if err != nil {
		return nil, fmt.Errorf("find descendants: %w", err)
	}
	return articles, nil
}

func (s *PostgresStore) InsertArticle(ctx context.Context, article Article) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO articles (id, title, content, create_time, update_time, favorite, parent_chain, related_ids, tag_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7::text[], $8::text[], $9::text[])
	`,
		article.ID,
		article.Title,
		article.Content,
		article.CreateTime,
		article.UpdateTime,
		article.Favorite,
		nonNil(article.ParentChain),
		nonNil(article.RelatedIDs),
		nonNil(article.TagIDs),
	)
	if err != nil {
		return fmt.Errorf("insert article: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateArticle(ctx context.Context, id string, patch ArticlePatch) error {
	sets := []string{"update_time=$1"}
	args := []any{patch.UpdateTime}
	add := func(column string, value any, cast string) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d%s", column, len(args), cast))
	}
	if patch.Title != nil {
		add("title", *patch.Title, "")
	}
	if patch.Content != nil {
		add("content", *patch.Content, "")
	}
	if patch.Favorite != nil {
		add("favorite", *patch.Favorite, "")
	}
	if patch.TagIDs != nil {
		add("tag_ids", nonNil(*patch.TagIDs), "::text[]")
	}
	if patch.RelatedIDs != nil {
		add("related_ids", nonNil(*patch.RelatedIDs), "::text[]")
	}
	if patch.ParentChain != nil {
		add("parent_chain", nonNil(*patch.ParentChain), "::text[]")
	}
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE articles SET %s WHERE id=$%d`, strings.Join(sets, ", "), len(args))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update article: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) SetParentChains(ctx context.Context, chains map[string][]string, updateTime int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chain tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for id, chain := range chains {
		result, err := tx.ExecContext(ctx,
			`UPDATE articles SET parent_chain=$1::text[], update_time=$2 WHERE id=$3`,
			nonNil(chain), updateTime, id,
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

func (s *PostgresStore) DeleteArticles(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM articles WHERE id = ANY($1::text[])`, ids); err != nil {
		return fmt.Errorf("delete articles: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFavoriteArticles(ctx context.Context) ([]Article, error) {
	articles, err := s.queryArticles(ctx, `
		SELECT `+pgArticleColumns+` FROM articles
		WHERE favorite
		ORDER BY update_time DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list favorites: %w", err)
	}
	return articles, nil
}

func (s *PostgresStore) ListArticlesByIDs(ctx context.Context, ids []string) ([]Article, error) {
	if len(ids) == 0 {
		return []Article{}, nil
	}
	articles, err := s.queryArticles(ctx, `
		SELECT `+pgArticleColumns+` FROM articles
		WHERE id = ANY($1::text[])
		ORDER BY array_position($1::text[], id)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("list articles by id: %w", err)
	}
	return articles, nil
}

func (s *PostgresStore) ListAllArticles(ctx context.Context) ([]Article, error) {
	articles, err := s.queryArticles(ctx, `SELECT `+pgArticleColumns+` FROM articles ORDER BY create_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	return articles, nil
}

func (s *PostgresStore) SearchArticles(ctx context.Context, query string, limit int) ([]Article, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(query) + "%"
	articles, err := s.queryArticles(ctx, `
		SELECT `+pgArticleColumns+` FROM articles
		WHERE title ILIKE $1 OR content ILIKE $1
		ORDER BY update_time DESC
		LIMIT $2
	`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search articles: %w", err)
	}
	return articles, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func (s *PostgresStore) ListTags(ctx context.Context) ([]Tag, error) {
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

func (s *PostgresStore) GetTag(ctx context.Context, id string) (Tag, error) {
	var tag Tag
	err := s.db.QueryRowContext(ctx, `SELECT id, title, color, group_id, created_at FROM tags WHERE id=$1`, id).
		Scan(&tag.ID, &tag.Title, &tag.Color, &tag.GroupID, &tag.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Tag{}, ErrNotFound
	}
	if err != nil {
		return Tag{}, fmt.Errorf("get tag: %w", err)
	}
	return tag, nil
}

func (s *PostgresStore) CreateTag(ctx context.Context, tag Tag) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tags (id, title, color, group_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, tag.ID, tag.Title, tag.Color, tag.GroupID, tag.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateTag(ctx context.Context, tag Tag) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tags SET title=$1, color=$2, group_id=$3 WHERE id=$4`,
		tag.Title, tag.Color, tag.GroupID, tag.ID,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("update tag: %w", err)
	}
	return requireAffected(result)
}

// DeleteTag removes the tag and strips it from every article that carries it.
func (s *PostgresStore) DeleteTag(ctx context.Context, id string, updateTime int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tag tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete tag: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE articles SET tag_ids = array_remove(tag_ids, $1::text), update_time=$2
		WHERE tag_ids @> ARRAY[$1]::text[]
	`, id, updateTime); err != nil {
		return fmt.Errorf("untag articles: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) ListTagGroups(ctx context.Context) ([]TagGroup, error) {
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

func (s *PostgresStore) CreateTagGroup(ctx context.Context, group TagGroup) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tag_groups (id, title, created_at) VALUES ($1, $2, $3)`,
		group.ID, group.Title, group.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create tag group: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateTagGroup(ctx context.Context, group TagGroup) error {
	result, err := s.db.ExecContext(ctx, `UPDATE tag_groups SET title=$1 WHERE id=$2`, group.Title, group.ID)
	if err != nil {
		return fmt.Errorf("update tag group: %w", err)
	}
	return requireAffected(result)
}

// DeleteTagGroup removes the group and moves its tags to the default group.
func (s *PostgresStore) DeleteTagGroup(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tag group tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM tag_groups WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete tag group: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tags SET group_id=$1 WHERE group_id=$2`, DefaultTagGroup, id); err != nil {
		return fmt.Errorf("regroup tags: %w", err)
	}
	return tx.Commit()
}

const userColumns = `id, username, password_hash, role, created_at, updated_at`

func scanUser(row rowScanner) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, user.ID, user.Username, user.PasswordHash, user.Role, user.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=$1`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user by username: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
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

func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash=$1, updated_at=NOW() WHERE id=$2`, hash, userID)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) DeleteUser(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return requireAffected(result)
}

const inviteColumns = `code, role, email, created_by, created_at, expires_at, used_by, used_at`

func scanInvite(row rowScanner) (Invite, error) {
	var (
		invite Invite
		usedAt sql.NullTime
	)
	if err := row.Scan(
		&invite.Code,
		&invite.Role,
		&invite.Email,
		&invite.CreatedBy,
		&invite.CreatedAt,
		&invite.ExpiresAt,
		&invite.UsedBy,
		&usedAt,
	); err != nil {
		return Invite{}, err
	}
	if usedAt.Valid {
		t := usedAt.Time
		invite.UsedAt = &t
	}
	return invite, nil
}

func (s *PostgresStore) CreateInvite(ctx context.Context, invite Invite) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invites (code, role, email, created_by, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, invite.Code, invite.Role, invite.Email, invite.CreatedBy, invite.CreatedAt, invite.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create invite: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInvite(ctx context.Context, code string) (Invite, error) {
	invite, err := scanInvite(s.db.QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM invites WHERE code=$1`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return Invite{}, ErrNotFound
	}
	if err != nil {
		return Invite{}, fmt.Errorf("get invite: %w", err)
	}
	return invite, nil
}

func (s *PostgresStore) ListInvites(ctx context.Context) ([]Invite, error) {
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

func (s *PostgresStore) DeleteInvite(ctx context.Context, code string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM invites WHERE code=$1`, code)
	if err != nil {
		return fmt.Errorf("delete invite: %w", err)
	}
	return requireAffected(result)
}

// RedeemInvite creates the user and marks the invite used in one transaction.
// ErrNotFound is returned when the invite is missing, used or expired.
func (s *PostgresStore) RedeemInvite(ctx context.Context, code string, user User, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin invite tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE invites SET used_by=$1, used_at=$2
		WHERE code=$3 AND used_at IS NULL AND expires_at > $2
	`, user.ID, now, code)
	if err != nil {
		return fmt.Errorf("claim invite: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, user.ID, user.Username, user.PasswordHash, user.Role, user.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create invited user: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `
		SELECT u.id, u.username, u.password_hash, u.role, u.created_at, u.updated_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup refresh session: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
