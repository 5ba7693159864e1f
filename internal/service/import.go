package service

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/xxxsen/earnrag/internal/model"
	appErr "github.com/xxxsen/earnrag/internal/pkg/errors"
)

type ImportResult struct {
	Files    int      `json:"files"`
	Imported int      `json:"imported"`
	Skipped  []string `json:"skipped,omitempty"`
}

var titleCaser = cases.Title(language.English)

// ParseTranscriptName reads company, quarter and fiscal year from names such
// as "salesforce_q2_fy26.txt". Markdown files (.md) keep their format.
func ParseTranscriptName(name string) (*model.Transcript, error) {
	base := filepath.Base(name)
	ext := strings.ToLower(filepath.Ext(base))
	stem := strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
	parts := strings.Split(stem, "_")
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, fmt.Errorf("%w: cannot parse transcript name %q", appErr.ErrInvalid, base)
	}
	t := &model.Transcript{
		Company:    titleCaser.String(parts[0]),
		Quarter:    strings.ToUpper(parts[1]),
		FiscalYear: strings.ToUpper(parts[2]),
		SourceURL:  "file://" + filepath.ToSlash(name),
		Format:     model.TranscriptFormatText,
	}
	if ext == ".md" || ext == ".markdown" {
		t.Format = model.TranscriptFormatMarkdown
	}
	return t, nil
}

// ImportFiles stores every transcript file found under paths. Directories are
// walked recursively. Files are only stored; call Sync to index them.
func (s *RAGService) ImportFiles(ctx context.Context, paths []string) (*ImportResult, error) {
	logger := logutil.GetLogger(ctx)
	res := &ImportResult{}
	var files []string
	for _, p := range paths {
		err := filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			switch strings.ToLower(filepath.Ext(path)) {
			case ".txt", ".md", ".markdown":
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", p, err)
		}
	}
	res.Files = len(files)
	for _, file := range files {
		t, err := ParseTranscriptName(file)
		if err != nil {
			logger.Warn("skip transcript file", zap.String("file", file), zap.Error(err))
			res.Skipped = append(res.Skipped, file)
			continue
		}
		raw, err := os.ReadFile(file)
		if err != nil {
			return res, fmt.Errorf("read %s: %w", file, err)
		}
		t.RawText = string(raw)
		if err := s.transcripts.Upsert(ctx, t); err != nil {
			return res, fmt.Errorf("store %s: %w", file, err)
		}
		res.Imported++
		logger.Info("transcript imported",
			zap.String("company", t.Company),
			zap.String("quarter", t.Quarter),
			zap.String("fiscal_year", t.FiscalYear),
			zap.Int64("id", t.ID),
		)
	}
	return res, nil
}
