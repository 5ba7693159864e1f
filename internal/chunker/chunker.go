package chunker

import (
	"context"
	"fmt"
	"unicode"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/earnrag/internal/model"
	appErr "github.com/xxxsen/earnrag/internal/pkg/errors"
)

const (
	DefaultMaxLength = 1000
	DefaultOverlap   = 200
)

type Config struct {
	MaxLength    int  `json:"max_length" yaml:"max_length"`
	Overlap      int  `json:"overlap" yaml:"overlap"`
	WordBoundary bool `json:"word_boundary" yaml:"word_boundary"`
}

func (c Config) Validate() error {
	if c.MaxLength <= 0 {
		return fmt.Errorf("%w: max_length must be > 0", appErr.ErrInvalid)
	}
	if c.Overlap < 0 || c.Overlap >= c.MaxLength {
		return fmt.Errorf("%w: overlap must be >= 0 and < max_length", appErr.ErrInvalid)
	}
	return nil
}

// Window is a half-open [Start, End) range of runes within the source text.
type Window struct {
	Start int
	End   int
	Text  string
}

type Chunker struct {
	cfg Config
}

func New(cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{cfg: cfg}, nil
}

func (c *Chunker) Config() Config {
	return c.cfg
}

// Split cuts text into windows of at most maxLength characters where every
// window after the first starts overlap characters before the previous end.
func Split(text string, maxLength, overlap int) ([]string, error) {
	windows, err := splitWindows(text, Config{MaxLength: maxLength, Overlap: overlap})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(windows))
	for _, w := range windows {
		out = append(out, w.Text)
	}
	return out, nil
}

func (c *Chunker) Windows(text string) []Window {
	windows, _ := splitWindows(text, c.cfg)
	return windows
}

// Chunk turns a transcript into ordered chunks with fingerprints.
func (c *Chunker) Chunk(ctx context.Context, t *model.Transcript) []model.Chunk {
	text := t.RawText
	if t.Format == model.TranscriptFormatMarkdown {
		text = PlainText(text)
	}
	windows := c.Windows(text)
	chunks := make([]model.Chunk, 0, len(windows))
	for i, w := range windows {
		chunks = append(chunks, model.Chunk{
			TranscriptID: t.ID,
			Ordinal:      i,
			Text:         w.Text,
			Fingerprint:  Fingerprint(w.Text),
		})
	}
	logutil.GetLogger(ctx).Debug("transcript chunked",
		zap.Int64("transcript_id", t.ID),
		zap.Int("chars", len([]rune(text))),
		zap.Int("chunks", len(chunks)),
	)
	return chunks
}

func splitWindows(text string, cfg Config) ([]Window, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil, nil
	}
	windows := make([]Window, 0, n/(cfg.MaxLength-cfg.Overlap)+1)
	start := 0
	for {
		end := start + cfg.MaxLength
		if end > n {
			end = n
		}
		if cfg.WordBoundary && end < n {
			end = snapToSpace(runes, start+cfg.Overlap+1, end)
		}
		windows = append(windows, Window{Start: start, End: end, Text: string(runes[start:end])})
		if end == n {
			break
		}
		start = end - cfg.Overlap
	}
	return windows, nil
}

// snapToSpace moves end back to just after the last space in (lo, end].
// The window is left untouched when no space exists in that range.
func snapToSpace(runes []rune, lo, end int) int {
	for i := end - 1; i >= lo; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return end
}

// Join reverses Split: it drops the leading overlap of every chunk after the
// first and concatenates the rest.
func Join(chunks []string, overlap int) string {
	var out []rune
	for i, c := range chunks {
		r := []rune(c)
		if i > 0 {
			if overlap > len(r) {
				r = nil
			} else {
				r = r[overlap:]
			}
		}
		out = append(out, r...)
	}
	return string(out)
}
