package recall

import (
	"context"
	"crypto/md5"
	"fmt"
	"log/slog"
	"time"
)

// Worker keeps pgvector embeddings in sync with the messages table.
// It polls for un-embedded or stale messages and processes them in
// batches.
type Worker struct {
	store     *Store
	tei       *TEIClient
	interval  time.Duration
	batchSize int
}

// NewWorker creates a background sync worker.
func NewWorker(store *Store, tei *TEIClient, interval time.Duration, batchSize int) *Worker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	return &Worker{
		store:     store,
		tei:       tei,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run starts the sync loop. Blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("recall sync worker started",
		"interval", w.interval,
		"batch_size", w.batchSize,
	)

	// Initial sync on startup (backfill)
	if embedded, err := w.SyncOnce(ctx); err != nil {
		slog.Warn("initial recall sync failed", "error", err)
	} else if embedded > 0 {
		slog.Info("initial recall sync complete", "embedded", embedded)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("recall sync worker stopping")
			return
		case <-ticker.C:
			if embedded, err := w.SyncOnce(ctx); err != nil {
				slog.Warn("recall sync cycle failed", "error", err)
			} else if embedded > 0 {
				slog.Info("recall sync cycle", "embedded", embedded)
			}
		}
	}
}

// SyncOnce runs a single sync cycle: diff persisted messages against
// embedded rows by content hash, then batch-embed and upsert whatever
// is new or stale.
func (w *Worker) SyncOnce(ctx context.Context) (int, error) {
	refs, err := w.store.Refs(ctx)
	if err != nil {
		return 0, fmt.Errorf("get message refs: %w", err)
	}

	embedded, err := w.store.Embedded(ctx)
	if err != nil {
		return 0, fmt.Errorf("get embedded: %w", err)
	}

	var toEmbed []MessageRef
	for _, ref := range refs {
		existingHash, exists := embedded[ref.ID]
		if !exists || existingHash != ContentHash(ref.Text) {
			toEmbed = append(toEmbed, ref)
		}
	}

	if len(toEmbed) == 0 {
		return 0, nil
	}

	slog.Info("messages need embedding",
		"total", len(refs),
		"already_embedded", len(embedded),
		"to_embed", len(toEmbed),
	)

	totalEmbedded := 0
	for i := 0; i < len(toEmbed); i += w.batchSize {
		end := i + w.batchSize
		if end > len(toEmbed) {
			end = len(toEmbed)
		}
		batch := toEmbed[i:end]

		texts := make([]string, len(batch))
		ids := make([]int64, len(batch))
		hashes := make([]string, len(batch))
		for j, ref := range batch {
			texts[j] = ref.Text
			ids[j] = ref.ID
			hashes[j] = ContentHash(ref.Text)
		}

		embeddings, err := w.tei.EmbedDocuments(ctx, texts)
		if err != nil {
			slog.Warn("embed batch failed", "error", err, "batch_start", i, "batch_size", len(texts))
			continue
		}

		if err := w.store.UpsertBatch(ctx, ids, embeddings, hashes); err != nil {
			slog.Warn("store batch failed", "error", err, "batch_start", i)
			continue
		}

		totalEmbedded += len(embeddings)
		slog.Debug("batch embedded",
			"batch", i/w.batchSize+1,
			"count", len(embeddings),
			"total_so_far", totalEmbedded,
		)
	}

	return totalEmbedded, nil
}

// ContentHash computes an MD5 hash of message text for staleness
// detection.
func ContentHash(text string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(text)))
}
