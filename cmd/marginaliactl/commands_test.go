package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"marginalia/api/internal/app"
	"marginalia/api/internal/config"
	"marginalia/api/internal/security"
	"marginalia/api/internal/session"
)

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf("storeDriver: sqlite\nsqlitePath: %s\nhistoryDir: %s\nrootTitle: Desk\n%s",
		filepath.Join(dir, "marginalia.db"), filepath.Join(dir, "history"), extra)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBootstrapAndTree(t *testing.T) {
	cfgPath := writeConfig(t, "")

	out, err := execute(t, "--config", cfgPath, "bootstrap")
	require.NoError(t, err)
	assert.Contains(t, out, "root article ")

	// Add a small hierarchy through the service against the same database.
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	st, closeStore, err := app.OpenStore(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	svc := app.New(cfg, app.Deps{Store: st})
	root, err := svc.RootArticle(context.Background())
	require.NoError(t, err)
	writer := app.Session{UserID: "u", Username: "tester"}
	projects, err := svc.CreateArticle(context.Background(), writer, app.CreateArticleInput{ParentID: root.ID, Title: "Projects"})
	require.NoError(t, err)
	_, err = svc.CreateArticle(context.Background(), writer, app.CreateArticleInput{ParentID: projects.ID, Title: "Garden"})
	require.NoError(t, err)
	closeStore()

	out, err = execute(t, "--config", cfgPath, "tree")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "Desk  "))
	assert.True(t, strings.HasPrefix(lines[1], "  Projects  "))
	assert.True(t, strings.HasPrefix(lines[2], "    Garden  "))

	out, err = execute(t, "--config", cfgPath, "tree", projects.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Projects  "))
	assert.Contains(t, out, "  Garden  ")
}

func TestTreeUnknownArticle(t *testing.T) {
	cfgPath := writeConfig(t, "")
	_, err := execute(t, "--config", cfgPath, "bootstrap")
	require.NoError(t, err)

	_, err = execute(t, "--config", cfgPath, "tree", "art_missing")
	assert.Error(t, err)
}

func TestInviteCreate(t *testing.T) {
	cfgPath := writeConfig(t, "")

	out, err := execute(t, "--config", cfgPath, "invite", "create", "--role", "admin")
	require.NoError(t, err)
	fields := strings.Split(strings.TrimSpace(out), "\t")
	require.Len(t, fields, 3)
	assert.NotEmpty(t, fields[0])
	assert.Equal(t, "admin", fields[1])

	_, err = execute(t, "--config", cfgPath, "invite", "create", "--role", "owner")
	assert.Error(t, err)
}

func TestMigrateRequiresPostgres(t *testing.T) {
	cfgPath := writeConfig(t, "")
	_, err := execute(t, "--config", cfgPath, "migrate", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")
}

func TestLockoutNeedsRedis(t *testing.T) {
	cfgPath := writeConfig(t, "")
	_, err := execute(t, "--config", cfgPath, "lockout", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redisUrl")
}

func TestLockoutStatusAndUnlock(t *testing.T) {
	mr := miniredis.RunT(t)
	cfgPath := writeConfig(t, "redisUrl: redis://"+mr.Addr()+"\n")

	records, err := session.NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = records.Close() })
	require.NoError(t, records.SaveLockout(context.Background(), security.Record{
		State: security.StateDeadLocked,
	}))

	out, err := execute(t, "--config", cfgPath, "lockout", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "state: dead_locked")

	out, err = execute(t, "--config", cfgPath, "lockout", "unlock")
	require.NoError(t, err)
	assert.Contains(t, out, "sign-in unlocked")

	record, err := records.LoadLockout(context.Background())
	require.NoError(t, err)
	assert.Equal(t, security.StateOpen, record.State)

	out, err = execute(t, "--config", cfgPath, "lockout", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "state: open")
	assert.Contains(t, out, "failures today: 0")
}

func TestReindexRequiresMeili(t *testing.T) {
	cfgPath := writeConfig(t, "")
	_, err := execute(t, "--config", cfgPath, "reindex")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "meiliUrl")
}
