package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"programista_hub/internal/auth"
	"programista_hub/internal/domain"
)

func TestWriteTable_AlignsWideCharacters(t *testing.T) {
	var buf bytes.Buffer
	err := writeTable(&buf, []string{"LABEL", "N"}, [][]string{
		{"Łódź studio", "1"},
		{"東京", "22"},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "LABEL        N", lines[0])
	assert.Equal(t, "Łódź studio  1", lines[1])
	assert.Equal(t, "東京         22", lines[2])
}

func TestKeyHash(t *testing.T) {
	key := "some-raw-key"
	hash := auth.HashKey(key)

	assert.Equal(t, hash, keyHash(key))
	assert.Equal(t, hash, keyHash(hash))
}

func TestKeyRows(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	revokedAt := created.Add(time.Hour)
	keys := []domain.APIKey{
		{Hash: strings.Repeat("a", 64), Label: "active", CreatedAt: created},
		{Hash: strings.Repeat("b", 64), Label: "gone", CreatedAt: created, RevokedAt: &revokedAt},
	}

	rows := keyRows(keys, false)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"aaaaaaaaaaaa", "active", "2024-05-01 12:00:00", "-"}, rows[0])

	rows = keyRows(keys, true)
	require.Len(t, rows, 2)
	assert.Equal(t, "2024-05-01 13:00:00", rows[1][3])
}

func TestRunRows(t *testing.T) {
	run := domain.NewSyncRun(domain.TriggerWebhook, 2)
	run.IndexVersion = 9
	run.Added = 4
	run.Finish(domain.OutcomePartial, nil)

	active := domain.NewSyncRun(domain.TriggerManual, 1)
	active.Phase = domain.PhaseFetching

	rows := runRows([]domain.SyncRun{*run, *active})
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"webhook", "2", "partial", "9", "4", "0", "0"}, rows[0][1:8])
	assert.Equal(t, "fetching", rows[1][3])
	assert.Equal(t, "-", rows[1][8])
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range RootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"create-key", "revoke-key", "list-keys", "runs", "migrate"} {
		assert.True(t, names[want], want)
	}
}
