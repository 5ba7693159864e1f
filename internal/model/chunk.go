package model

// Chunk is one window of a transcript as produced by the chunker.
type Chunk struct {
	TranscriptID int64  `json:"transcript_id"`
	Ordinal      int    `json:"ordinal"`
	Text         string `json:"text"`
	Fingerprint  string `json:"fingerprint"`
}

// ChunkRecord links a vector index position to its chunk and provenance.
type ChunkRecord struct {
	Position     int64  `json:"position" db:"position"`
	TranscriptID int64  `json:"transcript_id" db:"transcript_id"`
	Ordinal      int    `json:"ordinal" db:"ordinal"`
	Company      string `json:"company" db:"company"`
	CompanyKey   string `json:"-" db:"company_key"`
	Quarter      string `json:"quarter" db:"quarter"`
	FiscalYear   string `json:"fiscal_year" db:"fiscal_year"`
	Text         string `json:"text" db:"chunk_text"`
	Fingerprint  string `json:"fingerprint" db:"fingerprint"`
	Tombstoned   bool   `json:"tombstoned" db:"tombstoned"`
	Ctime        int64  `json:"ctime" db:"ctime"`
}

// RetrievedChunk is a registry record ranked against a query.
type RetrievedChunk struct {
	ChunkRecord
	Distance float32 `json:"distance"`
}
