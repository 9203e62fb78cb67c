// Package extraction maps structured items produced by document analysis
// onto answered questions the propagation pipeline understands.
package extraction

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/markymo/compass-sub003/internal/model"
)

// ItemType classifies an extracted item.
type ItemType string

const (
	TypeAnswer   ItemType = "ANSWER"
	TypeFact     ItemType = "FACT"
	TypeQuestion ItemType = "QUESTION"
	TypeNote     ItemType = "NOTE"
)

// carriesAnswer reports whether items of type t hold a candidate value.
func (t ItemType) carriesAnswer() bool {
	switch ItemType(strings.ToUpper(string(t))) {
	case TypeAnswer, TypeFact:
		return true
	}
	return false
}

// Item is one structured result from document analysis.
type Item struct {
	ID           string   `json:"id,omitempty"`
	Type         ItemType `json:"type"`
	OriginalText string   `json:"originalText"`
	NeutralText  string   `json:"neutralText,omitempty"`
	MasterKey    string   `json:"masterKey,omitempty"`
	Confidence   *float64 `json:"confidence,omitempty"`
}

// Text returns the neutral rewording when present, else the original text.
func (it Item) Text() string {
	if s := strings.TrimSpace(it.NeutralText); s != "" {
		return s
	}
	return strings.TrimSpace(it.OriginalText)
}

// Options controls how items become answered questions.
type Options struct {
	// Source stamped on every question. Default: SYSTEM.
	Source model.Source
	// EvidenceID links every question to the analysed document.
	EvidenceID string
	// AnsweredAt is the extraction time. Default: unset, so apply time is used.
	AnsweredAt *time.Time
	// IDPrefix names questions for items without an ID. Default: "extraction".
	IDPrefix string
}

// ToAnsweredQuestions converts answer-bearing items into questions. The
// master key resolves as a field number, then a field name, then a group id;
// anything else leaves the question unmapped for triage. Unknown field
// numbers are kept so propagation reports them.
func ToAnsweredQuestions(reg *model.FieldRegistry, items []Item, opts Options) []model.AnsweredQuestion {
	if opts.Source == "" {
		opts.Source = model.SourceSystem
	}
	if opts.IDPrefix == "" {
		opts.IDPrefix = "extraction"
	}

	var out []model.AnsweredQuestion
	dropped := 0
	for i, it := range items {
		if !it.Type.carriesAnswer() || it.Text() == "" {
			dropped++
			continue
		}

		q := model.AnsweredQuestion{
			QuestionID: it.ID,
			Answer:     it.Text(),
			Source:     opts.Source,
			EvidenceID: opts.EvidenceID,
			Confidence: it.Confidence,
			AnsweredAt: opts.AnsweredAt,
		}
		if q.QuestionID == "" {
			q.QuestionID = fmt.Sprintf("%s-%d", opts.IDPrefix, i+1)
		}
		resolveKey(reg, strings.TrimSpace(it.MasterKey), &q)
		out = append(out, q)
	}

	zap.L().Debug("extraction items converted",
		zap.Int("items", len(items)),
		zap.Int("questions", len(out)),
		zap.Int("dropped", dropped),
	)
	return out
}

func resolveKey(reg *model.FieldRegistry, key string, q *model.AnsweredQuestion) {
	if key == "" {
		return
	}
	if n, err := strconv.Atoi(key); err == nil {
		q.MasterFieldNo = &n
		return
	}
	if def, ok := reg.ByName(key); ok {
		no := def.FieldNo
		q.MasterFieldNo = &no
		return
	}
	if g, ok := reg.Group(key); ok {
		q.MasterQuestionGroupID = g.ID
	}
}
