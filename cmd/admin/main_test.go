package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildindex/backend/internal/config"
	"github.com/guildindex/backend/internal/models"
	"github.com/guildindex/backend/internal/storage"
)

// nopClose keeps the shared memory store alive across commands.
type nopClose struct {
	*storage.MemoryStore
}

func (nopClose) Close(context.Context) error { return nil }

func newTestApp(t *testing.T) (*storage.MemoryStore, *bytes.Buffer, func(args ...string) error) {
	t.Helper()
	store := storage.NewMemoryStore()
	out := &bytes.Buffer{}
	app := newApp(&config.Config{}, func(context.Context) (storage.Store, error) {
		return nopClose{store}, nil
	}, out)
	run := func(args ...string) error {
		out.Reset()
		return app.Run(append([]string{"guildindex-admin"}, args...))
	}
	return store, out, run
}

func TestAdminCLI_Users(t *testing.T) {
	store, out, run := newTestApp(t)
	_, _, err := store.CreateUserIfAbsent(context.Background(), &models.User{DiscordID: "42", Role: models.RoleUser})
	require.NoError(t, err)

	require.NoError(t, run("users", "promote", "--discord-id", "42"))
	var u models.User
	require.NoError(t, json.Unmarshal(out.Bytes(), &u))
	assert.Equal(t, models.RoleAdmin, u.Role)

	require.NoError(t, run("users", "demote", "--discord-id", "42"))
	require.NoError(t, json.Unmarshal(out.Bytes(), &u))
	assert.Equal(t, models.RoleUser, u.Role)

	assert.Error(t, run("users", "promote", "--discord-id", "404"))
	assert.Error(t, run("users", "promote"))
}

func TestAdminCLI_Servers(t *testing.T) {
	store, out, run := newTestApp(t)
	srv := &models.Server{OwnerID: "o", Name: "Guild", Tags: []string{"Gaming"}, CreatedAt: time.Now()}
	require.NoError(t, store.CreateServer(context.Background(), srv, 5))

	require.NoError(t, run("servers", "pending"))
	var list []models.Server
	require.NoError(t, json.Unmarshal(out.Bytes(), &list))
	require.Len(t, list, 1)

	require.NoError(t, run("servers", "approve", "--id", srv.ID))
	require.NoError(t, run("servers", "verify", "--id", srv.ID))
	got, err := store.GetServer(context.Background(), srv.ID)
	require.NoError(t, err)
	assert.True(t, got.IsApproved)
	assert.True(t, got.IsVerified)

	require.NoError(t, run("servers", "verify", "--id", srv.ID, "--revoke"))
	require.NoError(t, run("servers", "unapprove", "--id", srv.ID))
	got, err = store.GetServer(context.Background(), srv.ID)
	require.NoError(t, err)
	assert.False(t, got.IsApproved)
	assert.False(t, got.IsVerified)

	assert.Error(t, run("servers", "approve", "--id", "missing"))
}

func TestAdminCLI_Reports(t *testing.T) {
	store, out, run := newTestApp(t)
	ctx := context.Background()
	srv := &models.Server{OwnerID: "o", Name: "Guild", CreatedAt: time.Now()}
	require.NoError(t, store.CreateServer(ctx, srv, 5))
	report := &models.Report{ServerID: srv.ID, ReporterID: "u", Reason: "spam spam spam", Status: models.ReportPending, CreatedAt: time.Now()}
	require.NoError(t, store.CreateReport(ctx, report))

	require.NoError(t, run("reports", "list"))
	assert.Contains(t, out.String(), report.ID)

	require.NoError(t, run("reports", "dismiss", "--id", report.ID))
	assert.Contains(t, out.String(), `"status": "dismissed"`)

	require.NoError(t, run("reports", "list"))
	assert.NotContains(t, out.String(), report.ID)

	assert.Error(t, run("reports", "list", "--status", "bogus"))
}

func TestAdminCLI_MigrateRequiresURL(t *testing.T) {
	_, _, run := newTestApp(t)
	assert.ErrorContains(t, run("migrate", "up"), "DATABASE_URL")
	assert.ErrorContains(t, run("migrate", "status"), "DATABASE_URL")
}
