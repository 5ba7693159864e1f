package model

type EmbeddingCache struct {
	ModelName   string    `json:"model_name"`
	ContentHash string    `json:"content_hash"`
	Dimension   int       `json:"dimension"`
	Embedding   []float32 `json:"embedding"`
	Tokens      int       `json:"tokens"`
	Ctime       int64     `json:"ctime"`
}
