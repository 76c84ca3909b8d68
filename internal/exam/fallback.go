package exam

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/clinicus/clinicus-backend/internal/model"
	"gopkg.in/yaml.v3"
)

//go:embed fallback.yaml
var fallbackYAML []byte

type fallbackFile struct {
	Title string            `yaml:"title"`
	Pages []model.CaseChunk `yaml:"pages"`
}

// fallback is parsed once at init; a broken embedded file is a build defect.
var fallback = mustParseFallback(fallbackYAML)

func mustParseFallback(raw []byte) fallbackFile {
	f, err := parseFallback(raw)
	if err != nil {
		panic(err)
	}
	return f
}

func parseFallback(raw []byte) (fallbackFile, error) {
	var f fallbackFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return fallbackFile{}, fmt.Errorf("decode fallback questions: %w", err)
	}
	if len(f.Pages) == 0 {
		return fallbackFile{}, fmt.Errorf("fallback questions: no pages")
	}
	for _, p := range f.Pages {
		for _, q := range p.Questions {
			if !q.Kind.Valid() {
				return fallbackFile{}, fmt.Errorf("fallback question %d: unknown kind %q", q.ID, q.Kind)
			}
		}
	}
	if f.Title == "" {
		f.Title = model.DefaultExamTitle
	}
	return f, nil
}

// FallbackPageCount is the number of built-in pages.
func FallbackPageCount() int {
	return len(fallback.Pages)
}

// FallbackQuestions returns the built-in questions for a page.
// Page 1 gets the first set; any other page number gets the last one.
func FallbackQuestions(page int) []model.Question {
	return cloneQuestions(fallbackChunk(page).Questions)
}

// FallbackPage returns a complete built-in page, used when the test record itself is unavailable.
func FallbackPage(testID, page int) *model.Page {
	chunk := fallbackChunk(page)
	return &model.Page{
		TestID:     testID,
		Number:     page,
		TotalPages: FallbackPageCount(),
		ExamTitle:  fallback.Title,
		CaseInfo:   chunk.Content,
		Questions:  cloneQuestions(chunk.Questions),
		Fallback:   true,
	}
}

// FallbackCatalog returns every built-in question keyed by id. The scorer uses it
// when the question bank cannot be read.
func FallbackCatalog() map[int]model.Question {
	out := make(map[int]model.Question)
	for _, p := range fallback.Pages {
		for _, q := range p.Questions {
			q.ChunkID = p.ChunkID
			out[q.ID] = q
		}
	}
	return out
}

func fallbackChunk(page int) model.CaseChunk {
	if page == 1 {
		return fallback.Pages[0]
	}
	return fallback.Pages[len(fallback.Pages)-1]
}

func cloneQuestions(qs []model.Question) []model.Question {
	out := make([]model.Question, len(qs))
	for i, q := range qs {
		if q.TableHeaders != nil {
			q.TableHeaders = append([]string(nil), q.TableHeaders...)
		}
		if q.Options != nil {
			q.Options = append([]string(nil), q.Options...)
		}
		out[i] = q
	}
	return out
}

// LoadTest decodes an exam file laid out like the built-in set into a test.
func LoadTest(raw []byte, testID int) (*model.Test, error) {
	f, err := parseFallback(raw)
	if err != nil {
		return nil, err
	}
	return f.toTest(testID), nil
}

// FallbackTest returns the built-in set as a test, for seeding an empty question bank.
func FallbackTest(testID int) *model.Test {
	return fallback.toTest(testID)
}

func (f fallbackFile) toTest(testID int) *model.Test {
	t := &model.Test{ID: testID, Name: f.Title, CaseInfo: make([]model.CaseChunk, len(f.Pages))}
	for i, p := range f.Pages {
		qs := cloneQuestions(p.Questions)
		for j := range qs {
			qs[j].TestID = testID
			qs[j].ChunkID = p.ChunkID
		}
		t.CaseInfo[i] = model.CaseChunk{ChunkID: p.ChunkID, Content: p.Content, Questions: qs}
	}
	return t
}
