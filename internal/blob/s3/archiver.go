package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

// multipartThreshold is the payload size above which archives are uploaded
// with the multipart manager instead of a single PutObject.
const multipartThreshold = 16 * 1024 * 1024

// ParticipationArchiver implements domain.Archiver. It exports participations
// of campaigns that ended before a cutoff as JSONL to
// archive/participations/YYYY-MM.jsonl. Rows are never deleted from the
// primary store.
type ParticipationArchiver struct {
	writer domain.BlobWriter
	store  domain.ParticipationArchiveStore
	audit  domain.AuditStore
}

// NewArchiver creates a ParticipationArchiver.
func NewArchiver(writer domain.BlobWriter, store domain.ParticipationArchiveStore, audit domain.AuditStore) *ParticipationArchiver {
	return &ParticipationArchiver{writer: writer, store: store, audit: audit}
}

// ArchiveParticipations uploads the export and records it in the audit log.
// It returns the number of archived participations.
func (a *ParticipationArchiver) ArchiveParticipations(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.store.ListEndedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive participations query: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive participations marshal: %w", err)
	}

	path := archivePath("participations", before)
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), 0)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive participations upload: %w", err)
	}

	count := int64(len(rows))
	if err := a.audit.Log(ctx, "archive.participations", map[string]any{
		"path":   path,
		"count":  count,
		"bytes":  len(buf),
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive participations audit log: %w", err)
	}
	return count, nil
}

// archivePath partitions archives by the cutoff's year and month, e.g.
// archive/participations/2026-01.jsonl.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01"))
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*ParticipationArchiver)(nil)
