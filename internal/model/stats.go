package model

type Stats struct {
	TotalChunks       int64   `json:"total_chunks"`
	TombstonedChunks  int64   `json:"tombstoned_chunks"`
	IndexVectors      int     `json:"index_vectors"`
	TotalTranscripts  int64   `json:"total_transcripts"`
	TotalCompanies    int64   `json:"total_companies"`
	CacheEntries      int64   `json:"cache_entries"`
	CacheHits         int64   `json:"cache_hits"`
	CacheMisses       int64   `json:"cache_misses"`
	CacheHitRate      float64 `json:"cache_hit_rate"`
	EmbeddingTokens   int64   `json:"embedding_tokens"`
	EmbeddingCost     float64 `json:"embedding_cost"`
	EmbeddingModel    string  `json:"embedding_model"`
	IndexMetric       string  `json:"index_metric"`
	LastEmbeddingDate string  `json:"last_embedding_date,omitempty"`
}
