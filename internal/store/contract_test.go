package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// contractStore is the method set both backends share; the same checks run
// against SQLite always and against Postgres when a DSN is provided.
type contractStore interface {
	GetArticle(context.Context, string) (Article, error)
	FindRootArticle(context.Context) (Article, error)
	FindDescendants(context.Context, string) ([]Article, error)
	InsertArticle(context.Context, Article) error
	UpdateArticle(context.Context, string, ArticlePatch) error
	SetParentChains(context.Context, map[string][]string, int64) error
	DeleteArticles(context.Context, []string) error
	ListFavoriteArticles(context.Context) ([]Article, error)
	ListArticlesByIDs(context.Context, []string) ([]Article, error)
	SearchArticles(context.Context, string, int) ([]Article, error)
	CreateTag(context.Context, Tag) error
	ListTags(context.Context) ([]Tag, error)
	DeleteTag(context.Context, string, int64) error
	CreateTagGroup(context.Context, TagGroup) error
	DeleteTagGroup(context.Context, string) error
	CreateUser(context.Context, User) error
	GetUserByUsername(context.Context, string) (User, error)
	CreateInvite(context.Context, Invite) error
	GetInvite(context.Context, string) (Invite, error)
	RedeemInvite(context.Context, string, User, time.Time) error
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (User, error)
	RevokeRefreshSession(context.Context, string) error
}

func seedHierarchy(t *testing.T, ctx context.Context, st contractStore) {
	t.Helper()
	articles := []Article{
		{ID: "root", Title: "Root", CreateTime: 1, UpdateTime: 1},
		{ID: "a", Title: "Alpha", ParentChain: []string{"root"}, CreateTime: 2, UpdateTime: 2},
		{ID: "b", Title: "Beta", ParentChain: []string{"root", "a"}, CreateTime: 3, UpdateTime: 3, TagIDs: []string{"t1", "t2", "t1"}},
		{ID: "c", Title: "Gamma", ParentChain: []string{"root", "a", "b"}, CreateTime: 4, UpdateTime: 4},
		{ID: "d", Title: "Delta", ParentChain: []string{"root"}, CreateTime: 5, UpdateTime: 5, Content: "50% done"},
	}
	for _, article := range articles {
		require.NoError(t, st.InsertArticle(ctx, article))
	}
}

func ids(articles []Article) []string {
	out := make([]string, 0, len(articles))
	for _, article := range articles {
		out = append(out, article.ID)
	}
	return out
}

func runArticleContract(t *testing.T, st contractStore) {
	ctx := context.Background()
	seedHierarchy(t, ctx, st)

	root, err := st.FindRootArticle(ctx)
	require.NoError(t, err)
	assert.Equal(t, "root", root.ID)
	assert.Empty(t, root.ParentChain)

	b, err := st.GetArticle(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "a"}, b.ParentChain)
	assert.Equal(t, []string{"t1", "t2", "t1"}, b.TagIDs, "tag order and duplicates preserved")
	assert.Equal(t, []string{}, b.RelatedIDs)

	_, err = st.GetArticle(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	descendants, err := st.FindDescendants(ctx, "a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, ids(descendants))

	all, err := st.FindDescendants(ctx, "root")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	title := "Beta 2"
	favorite := true
	related := []string{"d"}
	require.NoError(t, st.UpdateArticle(ctx, "b", ArticlePatch{Title: &title, Favorite: &favorite, RelatedIDs: &related, UpdateTime: 10}))
	b, err = st.GetArticle(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "Beta 2", b.Title)
	assert.True(t, b.Favorite)
	assert.Equal(t, []string{"d"}, b.RelatedIDs)
	assert.EqualValues(t, 10, b.UpdateTime)
	assert.True(t, errors.Is(st.UpdateArticle(ctx, "missing", ArticlePatch{UpdateTime: 11}), ErrNotFound))

	favorites, err := st.ListFavoriteArticles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(favorites))

	byIDs, err := st.ListArticlesByIDs(ctx, []string{"d", "missing", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "a"}, ids(byIDs))

	found, err := st.SearchArticles(ctx, "50%", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, ids(found))

	require.NoError(t, st.SetParentChains(ctx, map[string][]string{
		"b": {"root", "d"},
		"c": {"root", "d", "b"},
	}, 20))
	moved, err := st.FindDescendants(ctx, "d")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, ids(moved))
	err = st.SetParentChains(ctx, map[string][]string{"ghost": {"root"}}, 21)
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, st.DeleteArticles(ctx, []string{"d", "b", "c"}))
	_, err = st.GetArticle(ctx, "c")
	assert.True(t, errors.Is(err, ErrNotFound))
	left, err := st.FindDescendants(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(left))
}

func runTagContract(t *testing.T, st contractStore) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, st.CreateTagGroup(ctx, TagGroup{ID: "g1", Title: "Work", CreatedAt: now}))
	require.NoError(t, st.CreateTag(ctx, Tag{ID: "t1", Title: "urgent", GroupID: "g1", CreatedAt: now}))
	require.NoError(t, st.CreateTag(ctx, Tag{ID: "t2", Title: "later", GroupID: DefaultTagGroup, CreatedAt: now}))
	assert.True(t, errors.Is(st.CreateTag(ctx, Tag{ID: "t3", Title: "urgent", CreatedAt: now}), ErrConflict))

	require.NoError(t, st.InsertArticle(ctx, Article{ID: "n1", ParentChain: []string{"root"}, TagIDs: []string{"t1", "t2", "t1"}, CreateTime: 1, UpdateTime: 1}))

	require.NoError(t, st.DeleteTagGroup(ctx, "g1"))
	tags, err := st.ListTags(ctx)
	require.NoError(t, err)
	for _, tag := range tags {
		assert.Equal(t, DefaultTagGroup, tag.GroupID)
	}

	require.NoError(t, st.DeleteTag(ctx, "t1", 5))
	article, err := st.GetArticle(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, article.TagIDs)
	assert.True(t, errors.Is(st.DeleteTag(ctx, "t1", 6), ErrNotFound))
}

func runAccountContract(t *testing.T, st contractStore) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	admin := User{ID: "u1", Username: "admin", PasswordHash: "x", Role: "admin", CreatedAt: now}
	require.NoError(t, st.CreateUser(ctx, admin))
	assert.True(t, errors.Is(st.CreateUser(ctx, User{ID: "u9", Username: "admin", PasswordHash: "x", Role: "member", CreatedAt: now}), ErrConflict))

	require.NoError(t, st.CreateInvite(ctx, Invite{Code: "live", Role: "member", CreatedBy: "u1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, st.CreateInvite(ctx, Invite{Code: "stale", Role: "member", CreatedBy: "u1", CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}))

	member := User{ID: "u2", Username: "reader", PasswordHash: "y", Role: "member", CreatedAt: now}
	require.NoError(t, st.RedeemInvite(ctx, "live", member, now))
	invite, err := st.GetInvite(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, "u2", invite.UsedBy)
	require.NotNil(t, invite.UsedAt)

	again := User{ID: "u3", Username: "second", PasswordHash: "z", Role: "member", CreatedAt: now}
	assert.True(t, errors.Is(st.RedeemInvite(ctx, "live", again, now), ErrNotFound), "invites are single use")
	assert.True(t, errors.Is(st.RedeemInvite(ctx, "stale", again, now), ErrNotFound), "expired invites are rejected")
	_, err = st.GetUserByUsername(ctx, "second")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, st.SaveRefreshSession(ctx, "hash", "u2", time.Now().Add(time.Hour)))
	user, err := st.LookupRefreshSession(ctx, "hash")
	require.NoError(t, err)
	assert.Equal(t, "reader", user.Username)
	require.NoError(t, st.RevokeRefreshSession(ctx, "hash"))
	_, err = st.LookupRefreshSession(ctx, "hash")
	assert.True(t, errors.Is(err, ErrNotFound))
}
