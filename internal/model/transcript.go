package model

const (
	TranscriptFormatText     = "text"
	TranscriptFormatMarkdown = "markdown"
)

// Transcript is immutable once stored; the retrieval core only reads it.
type Transcript struct {
	ID             int64  `json:"id" db:"id"`
	Company        string `json:"company" db:"company"`
	Quarter        string `json:"quarter" db:"quarter"`
	FiscalYear     string `json:"fiscal_year" db:"fiscal_year"`
	TranscriptDate string `json:"transcript_date" db:"transcript_date"`
	SourceURL      string `json:"source_url" db:"source_url"`
	Format         string `json:"format" db:"format"`
	RawText        string `json:"raw_text,omitempty" db:"raw_text"`
	WordCount      int    `json:"word_count" db:"word_count"`
	Ctime          int64  `json:"ctime" db:"ctime"`
}

type CompanySummary struct {
	Company         string   `json:"company"`
	TranscriptCount int      `json:"transcript_count"`
	TotalWords      int      `json:"total_words"`
	Quarters        []string `json:"quarters"`
}
