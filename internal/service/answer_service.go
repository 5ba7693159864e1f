package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/earnrag/internal/ai"
	"github.com/xxxsen/earnrag/internal/embedcache"
	appErr "github.com/xxxsen/earnrag/internal/pkg/errors"
)

const (
	analystPrompt = "You are analyzing earnings call transcripts from major cloud/SaaS companies. " +
		"Answer based only on the provided context. When relevant, mention which company you're referring to. " +
		"Be specific with numbers, quotes, and strategic insights."
	noContextAnswer = "No relevant transcript passages were found for this question."
	maxSources      = 3
)

type Source struct {
	Company    string `json:"company"`
	Quarter    string `json:"quarter"`
	FiscalYear string `json:"fiscal_year"`
}

type AnswerMetadata struct {
	ChunksUsed         int              `json:"chunks_used"`
	TotalContextLength int              `json:"total_context_length"`
	Model              string           `json:"model"`
	Usage              embedcache.Usage `json:"usage"`
}

type Answer struct {
	Question string         `json:"question"`
	Answer   string         `json:"answer"`
	Sources  []Source       `json:"sources"`
	Metadata AnswerMetadata `json:"metadata"`
}

type AnswerOptions struct {
	Model       string
	Temperature float32
	MaxTokens   int
	DefaultK    int
}

type AnswerService struct {
	rag       *RAGService
	generator ai.IGenerator
	opts      AnswerOptions
}

func NewAnswerService(rag *RAGService, generator ai.IGenerator, opts AnswerOptions) *AnswerService {
	if opts.DefaultK <= 0 {
		opts.DefaultK = 6
	}
	return &AnswerService{rag: rag, generator: generator, opts: opts}
}

func (s *AnswerService) DefaultK() int {
	return s.opts.DefaultK
}

// Ask retrieves context for question and has the generator answer from it.
func (s *AnswerService) Ask(ctx context.Context, question string, k int, company string) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("%w: empty question", appErr.ErrInvalid)
	}
	if k == 0 {
		k = s.opts.DefaultK
	}
	res, err := s.rag.Retrieve(ctx, question, k, company)
	if err != nil {
		return nil, err
	}
	out := &Answer{
		Question: question,
		Sources:  []Source{},
		Metadata: AnswerMetadata{Model: s.opts.Model, Usage: res.Usage},
	}
	if len(res.Chunks) == 0 {
		out.Answer = noContextAnswer
		return out, nil
	}
	texts := make([]string, 0, len(res.Chunks))
	seen := make(map[string]struct{}, len(res.Chunks))
	for _, c := range res.Chunks {
		texts = append(texts, c.Text)
		key := c.CompanyKey + "_" + c.Quarter + "_" + c.FiscalYear
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if len(out.Sources) < maxSources {
			out.Sources = append(out.Sources, Source{Company: c.Company, Quarter: c.Quarter, FiscalYear: c.FiscalYear})
		}
	}
	joined := strings.Join(texts, "\n\n")
	out.Metadata.ChunksUsed = len(texts)
	out.Metadata.TotalContextLength = len([]rune(joined))

	if s.generator == nil {
		return nil, ai.ErrUnavailable
	}
	answer, err := s.generator.Generate(ctx, &ai.GenerateRequest{
		System:      analystPrompt,
		Prompt:      "Context:\n" + joined + "\n\nQuestion: " + question,
		Temperature: s.opts.Temperature,
		MaxTokens:   s.opts.MaxTokens,
	})
	if err != nil {
		logutil.GetLogger(ctx).Error("generate answer failed", zap.Error(err))
		return nil, err
	}
	out.Answer = strings.TrimSpace(answer)
	return out, nil
}
