package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/groupbuy/internal/domain"
	"github.com/alanyoungcy/groupbuy/internal/store/memory"
)

type captureWriter struct {
	path        string
	contentType string
	body        []byte
	multipart   bool
	err         error
}

func (w *captureWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if w.err != nil {
		return w.err
	}
	w.path, w.contentType = path, contentType
	w.body, _ = io.ReadAll(data)
	return nil
}

func (w *captureWriter) PutMultipart(_ context.Context, path string, data io.Reader, _ int64) error {
	w.multipart = true
	w.path = path
	w.body, _ = io.ReadAll(data)
	return w.err
}

func seedEnded(t *testing.T, store *memory.Store, endsAt time.Time, keys ...string) {
	t.Helper()
	ctx := context.Background()
	_, err := store.InsertCampaign(ctx, domain.Campaign{
		ID: "c-" + keys[0], ProductID: "p1", TargetQuantity: 10, Status: domain.CampaignStatusActive, EndsAt: endsAt,
	})
	require.NoError(t, err)
	for _, k := range keys {
		_, err := store.InsertParticipation(ctx, domain.Participation{
			ID: k, CampaignID: "c-" + keys[0], UserID: "u", Quantity: 1, IdempotencyKey: k, JoinedAt: endsAt.Add(-time.Hour),
		})
		require.NoError(t, err)
	}
}

func TestArchiveParticipations(t *testing.T) {
	store := memory.New()
	cutoff := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	seedEnded(t, store, cutoff.Add(-72*time.Hour), "a1", "a2")
	seedEnded(t, store, cutoff.Add(72*time.Hour), "b1")

	w := &captureWriter{}
	n, err := NewArchiver(w, store, store).ArchiveParticipations(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, "archive/participations/2026-02.jsonl", w.path)
	assert.Equal(t, "application/x-ndjson", w.contentType)
	assert.False(t, w.multipart)

	var lines int
	sc := bufio.NewScanner(bytes.NewReader(w.body))
	for sc.Scan() {
		var p domain.Participation
		require.NoError(t, json.Unmarshal(sc.Bytes(), &p))
		assert.Equal(t, "c-a1", p.CampaignID)
		lines++
	}
	assert.Equal(t, 2, lines)

	entries, err := store.List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "archive.participations", entries[0].Event)
}

func TestArchiveParticipations_NothingToArchive(t *testing.T) {
	store := memory.New()
	w := &captureWriter{}
	n, err := NewArchiver(w, store, store).ArchiveParticipations(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, w.path)
}

func TestArchiveParticipations_UploadError(t *testing.T) {
	store := memory.New()
	cutoff := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	seedEnded(t, store, cutoff.Add(-time.Hour), "a1")

	w := &captureWriter{err: errors.New("access denied")}
	_, err := NewArchiver(w, store, store).ArchiveParticipations(context.Background(), cutoff)
	require.Error(t, err)

	entries, _ := store.List(context.Background(), domain.ListOpts{})
	assert.Empty(t, entries, "failed uploads are not audited")
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("s3.example.com", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "http://already.set", normaliseEndpoint("http://already.set", true))
}
