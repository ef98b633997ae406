package retrieval

import (
	"sort"

	"github.com/developer-mesh/rag-core/pkg/models"
)

// rrfRankConstant dampens the contribution of lower ranks in reciprocal rank
// fusion. 60 is the standard value from the RRF literature.
const rrfRankConstant = 60

// subQueryWeights returns the fusion weight per sub-query. A lone sub-query
// carries full weight; in a decomposed set, earlier sub-queries address the
// question's primary aspect and weigh more.
func subQueryWeights(n int) []float64 {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{1.0}
	}
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1.0 / float64(i+2)
	}
	return weights
}

// fuseResults merges per-sub-query result sets with weighted reciprocal rank
// fusion: each occurrence of a chunk adds weight/(rank+60) to its fused
// score, so chunks ranked well by several sub-queries rise to the top. Fused
// scores are re-normalized to [0,1] by the maximum. Input results are not
// mutated.
func fuseResults(sets [][]*models.SearchResult, weights []float64) []*models.SearchResult {
	fused := make(map[string]*models.SearchResult)

	for i, set := range sets {
		weight := 1.0
		if i < len(weights) {
			weight = weights[i]
		}
		for rank, result := range set {
			if result == nil || result.ChunkID == "" {
				continue
			}
			score := weight / float64(rank+rrfRankConstant)
			if existing, ok := fused[result.ChunkID]; ok {
				existing.Score += score
				continue
			}
			merged := *result
			merged.Score = score
			fused[result.ChunkID] = &merged
		}
	}

	results := make([]*models.SearchResult, 0, len(fused))
	for _, result := range fused {
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})

	normalizeScores(results)
	return results
}

// normalizeScores rescales raw fusion scores to [0,1] by the maximum, so the
// retriever's threshold means the same thing regardless of how many
// sub-queries contributed.
func normalizeScores(results []*models.SearchResult) {
	if len(results) == 0 {
		return
	}
	max := results[0].Score
	if max <= 0 {
		return
	}
	for _, result := range results {
		result.Score /= max
	}
}

// filterByScore drops results below minScore. A non-positive minScore keeps
// everything.
func filterByScore(results []*models.SearchResult, minScore float64) []*models.SearchResult {
	if minScore <= 0 {
		return results
	}
	filtered := make([]*models.SearchResult, 0, len(results))
	for _, result := range results {
		if result.Score >= minScore {
			filtered = append(filtered, result)
		}
	}
	return filtered
}
