package recall

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

const (
	// rrfK is the smoothing constant for Reciprocal Rank Fusion.
	// Standard value from Cormack et al. (2009).
	rrfK = 60
	// overFetchMultiplier fetches more results from each leg for better fusion.
	overFetchMultiplier = 3
)

type fusedResult struct {
	messageID int64
	score     float64 // RRF score (higher = more relevant)
}

// HybridSearch combines vector similarity with Postgres full-text
// search using Reciprocal Rank Fusion (RRF, k=60).
//
// Flow:
//  1. Embed query via TEI
//  2. Vector search in pgvector (parallel)
//  3. Keyword search via websearch_to_tsquery (parallel)
//  4. Fuse results with RRF
//  5. Fetch full messages, ordered by RRF score
//
// Degrades gracefully: if one leg fails, the other's results are
// returned alone.
func HybridSearch(ctx context.Context, query string, store *Store, tei *TEIClient, limit int) ([]Snippet, error) {
	queryEmbedding, err := tei.EmbedQuery(ctx, query)
	if err != nil {
		slog.Warn("query embed failed, falling back to keyword-only", "error", err)
		return store.KeywordSearch(ctx, query, limit)
	}

	fetchLimit := limit * overFetchMultiplier

	var vectorResults []Match
	var keywordResults []Snippet
	var vectorErr, keywordErr error
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		vectorResults, vectorErr = store.Search(ctx, queryEmbedding, fetchLimit)
	}()

	go func() {
		defer wg.Done()
		keywordResults, keywordErr = store.KeywordSearch(ctx, query, fetchLimit)
	}()

	wg.Wait()

	if vectorErr != nil && keywordErr != nil {
		return nil, vectorErr
	}

	if vectorErr != nil {
		slog.Warn("vector search failed, using keyword-only", "error", vectorErr)
		if len(keywordResults) > limit {
			keywordResults = keywordResults[:limit]
		}
		return keywordResults, nil
	}

	if keywordErr != nil {
		slog.Warn("keyword search failed, using vector-only", "error", keywordErr)
		ids := make([]int64, len(vectorResults))
		for i, m := range vectorResults {
			ids[i] = m.MessageID
		}
		if len(ids) > limit {
			ids = ids[:limit]
		}
		return store.SnippetsByIDs(ctx, ids)
	}

	vectorRanked := make([]int64, len(vectorResults))
	for i, m := range vectorResults {
		vectorRanked[i] = m.MessageID
	}
	keywordRanked := make([]int64, len(keywordResults))
	for i, sn := range keywordResults {
		keywordRanked[i] = sn.MessageID
	}

	fused := reciprocalRankFusion([][]int64{vectorRanked, keywordRanked}, rrfK)
	if len(fused) > limit {
		fused = fused[:limit]
	}

	ids := make([]int64, len(fused))
	for i, r := range fused {
		ids[i] = r.messageID
	}
	snippets, err := store.SnippetsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]Snippet, len(snippets))
	for _, sn := range snippets {
		byID[sn.MessageID] = sn
	}
	ordered := make([]Snippet, 0, len(fused))
	for _, r := range fused {
		if sn, ok := byID[r.messageID]; ok {
			ordered = append(ordered, sn)
		}
	}
	return ordered, nil
}

// reciprocalRankFusion merges ranked ID lists using RRF.
// Formula: RRF_score(d) = Σ 1/(k + rank_i(d))
func reciprocalRankFusion(lists [][]int64, k int) []fusedResult {
	scores := make(map[int64]float64)

	for _, list := range lists {
		for rank, id := range list {
			// rank is 0-indexed, RRF uses 1-indexed
			scores[id] += 1.0 / (float64(k) + float64(rank+1))
		}
	}

	fused := make([]fusedResult, 0, len(scores))
	for id, score := range scores {
		fused = append(fused, fusedResult{messageID: id, score: score})
	}

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].score != fused[j].score {
			return fused[i].score > fused[j].score
		}
		return fused[i].messageID < fused[j].messageID
	})

	return fused
}
