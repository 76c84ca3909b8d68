package model

// DefaultExamTitle is shown when the test record cannot be loaded.
const DefaultExamTitle = "Medical Exam"

// CaseChunk is one portion of the case narrative. Page n shows the chunk whose ChunkID is n.
type CaseChunk struct {
	ChunkID   int        `json:"chunk_id" yaml:"chunk_id"`
	Content   string     `json:"content" yaml:"content"`
	Questions []Question `json:"questions,omitempty" yaml:"questions"`
}

// Test is a case-based exam: a title and an ordered list of case chunks.
type Test struct {
	ID          int         `json:"test_id"`
	Name        string      `json:"test_name"`
	Description string      `json:"test_description,omitempty"`
	CaseInfo    []CaseChunk `json:"case_info"`
}

// Chunk returns the chunk for a page, if any.
func (t *Test) Chunk(page int) (CaseChunk, bool) {
	for _, c := range t.CaseInfo {
		if c.ChunkID == page {
			return c, true
		}
	}
	return CaseChunk{}, false
}

// Page is everything the student sees on one exam screen.
type Page struct {
	TestID     int        `json:"test_id"`
	Number     int        `json:"page"`
	TotalPages int        `json:"total_pages"`
	ExamTitle  string     `json:"exam_title"`
	CaseInfo   string     `json:"case_info"`
	Questions  []Question `json:"questions"`
	// Fallback is true when the questions come from the built-in set.
	Fallback bool `json:"fallback"`
	// LoadFailed is true when the remote source errored, not merely returned nothing.
	LoadFailed bool `json:"load_failed"`
}

// IsLast reports whether advancing from this page submits the exam.
func (p *Page) IsLast() bool {
	return p.Number >= p.TotalPages
}

// QuestionIndex returns the position of question id on the page, or -1.
func (p *Page) QuestionIndex(id int) int {
	for i, q := range p.Questions {
		if q.ID == id {
			return i
		}
	}
	return -1
}
