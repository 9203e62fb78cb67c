package intake

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/markymo/compass-sub003/internal/model"
)

// XLSXOptions selects the answer sheet.
type XLSXOptions struct {
	SheetIndex int    // default 0
	SheetName  string // if set, overrides SheetIndex
}

const partPrefix = "part:"

// Answer sheet columns. Header names are matched case-insensitively.
const (
	colQuestionID = "question_id"
	colFieldNo    = "field_no"
	colGroupID    = "group_id"
	colAnswer     = "answer"
	colSource     = "source"
	colVerified   = "verified"
	colEvidenceID = "evidence_id"
	colConfidence = "confidence"
)

// LoadAnswersXLSX reads an answer sheet. The first row is the header; it must
// name question_id and answer, and may add field_no, group_id, source,
// verified, evidence_id, confidence and part:<fieldNo> columns. Blank rows
// are skipped.
func LoadAnswersXLSX(path string, opts XLSXOptions) ([]model.AnsweredQuestion, error) {
	rows, err := readXLSX(path, opts)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	cols, parts, err := parseHeader(rows[0])
	if err != nil {
		return nil, err
	}

	var out []model.AnsweredQuestion
	for i, row := range rows[1:] {
		if blank(row) {
			continue
		}
		q, err := parseRow(row, cols, parts)
		if err != nil {
			return nil, eris.Wrapf(err, "intake: %s row %d", path, i+2)
		}
		out = append(out, q)
	}
	return out, nil
}

func parseHeader(header []string) (map[string]int, map[int]int, error) {
	cols := make(map[string]int)
	parts := make(map[int]int)
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		if rest, ok := strings.CutPrefix(name, partPrefix); ok {
			no, err := strconv.Atoi(strings.TrimSpace(rest))
			if err != nil {
				return nil, nil, eris.Errorf("intake: bad part column %q", h)
			}
			parts[no] = i
			continue
		}
		cols[name] = i
	}
	for _, required := range []string{colQuestionID, colAnswer} {
		if _, ok := cols[required]; !ok {
			return nil, nil, eris.Errorf("intake: answer sheet has no %s column", required)
		}
	}
	return cols, parts, nil
}

func parseRow(row []string, cols map[string]int, parts map[int]int) (model.AnsweredQuestion, error) {
	cell := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	q := model.AnsweredQuestion{
		QuestionID:            cell(colQuestionID),
		MasterQuestionGroupID: cell(colGroupID),
		Answer:                cell(colAnswer),
		EvidenceID:            cell(colEvidenceID),
	}
	if q.QuestionID == "" {
		return q, eris.New("missing question_id")
	}

	if s := cell(colFieldNo); s != "" {
		no, err := strconv.Atoi(s)
		if err != nil {
			return q, eris.Errorf("bad field_no %q", s)
		}
		q.MasterFieldNo = &no
	}
	if s := cell(colSource); s != "" {
		src, err := model.ParseSource(s)
		if err != nil {
			return q, err
		}
		q.Source = src
	}
	if s := cell(colVerified); s != "" {
		v, err := parseBool(s)
		if err != nil {
			return q, err
		}
		q.Verified = v
	}
	if s := cell(colConfidence); s != "" {
		c, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return q, eris.Errorf("bad confidence %q", s)
		}
		q.Confidence = &c
	}

	for no, i := range parts {
		if i >= len(row) {
			continue
		}
		if v := strings.TrimSpace(row[i]); v != "" {
			if q.Parts == nil {
				q.Parts = make(map[int]string)
			}
			q.Parts[no] = v
		}
	}
	return q, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "yes", "y", "1":
		return true, nil
	case "false", "no", "n", "0":
		return false, nil
	}
	return false, eris.Errorf("bad verified flag %q", s)
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// readXLSX returns every row of the selected sheet as strings.
func readXLSX(path string, opts XLSXOptions) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}

	sheet, err := getSheet(f, opts)
	if err != nil {
		return nil, err
	}

	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		rows = append(rows, rowToStrings(row))
	}
	return rows, nil
}

func getSheet(f *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}

	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("xlsx: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}
	return f.Sheets[opts.SheetIndex], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
