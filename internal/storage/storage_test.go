package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "smsbot/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		require.Nil(t, st)
	}
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	require.Error(t, err)
}

func TestFileStoreAuditAndAnnouncement(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)

	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Event: "order.placed", OrderID: "o1", UserID: "u1", Status: 1}))
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Event: "order.fulfilled", OrderID: "o1", UserID: "u1", Status: 3}))

	_, ok, err := st.GetAnnouncement(ctx, "-100")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, st.PutAnnouncement(ctx, AnnouncementRef{ChannelID: "-100", MessageID: "42"}))
	require.Error(t, st.PutAnnouncement(ctx, AnnouncementRef{ChannelID: "-100"}))
	require.NoError(t, st.Close())

	f, err := os.Open(filepath.Join(dir, "state.audit.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	var events []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		require.False(t, e.At.IsZero())
		events = append(events, e.Event)
	}
	require.Equal(t, []string{"order.placed", "order.fulfilled"}, events)

	// The announcement handle survives a reopen.
	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	ref, ok, err := st.GetAnnouncement(ctx, "-100")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "42", ref.MessageID)
}

func TestFileStoreCorruptIndexStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.announce.json"), []byte("{nope"), 0o600))

	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "state.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	_, ok, err := st.GetAnnouncement(context.Background(), "-100")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.sqlite")
	ctx := context.Background()

	st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)

	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Event: "order.placed", OrderID: "o1", UserID: "u1", RequestID: "r1", Status: 1}))
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Event: "order.rejected", UserID: "u2", Detail: "no stock"}))
	n, err := st.(*sqliteStore).auditCount(ctx, "order.placed")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, st.PutAnnouncement(ctx, AnnouncementRef{ChannelID: "-100", MessageID: "7"}))
	require.NoError(t, st.PutAnnouncement(ctx, AnnouncementRef{ChannelID: "-100", MessageID: "8"}))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	ref, ok, err := st.GetAnnouncement(ctx, "-100")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "8", ref.MessageID)
	require.False(t, ref.UpdatedAt.IsZero())

	_, ok, err = st.GetAnnouncement(ctx, "-200")
	require.NoError(t, err)
	require.False(t, ok)
}
