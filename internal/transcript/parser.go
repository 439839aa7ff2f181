// Package transcript parses conversation transcripts exported as delimited
// text and rebuilds their message forest.
package transcript

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/araddon/dateparse"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/xiaot623/surveychat/internal/domain"
)

// Column names after normalization.
const (
	colTurnID    = "turnid"
	colModelID   = "modelid"
	colRole      = "role"
	colContent   = "content"
	colTimestamp = "timestamp"
	colMessageID = "messageid"
	colParentID  = "parentid"
)

var requiredColumns = []string{colTurnID, colModelID, colRole, colContent, colTimestamp, colMessageID, colParentID}

// Row is one parsed transcript message.
type Row struct {
	Line      int
	TurnRef   string
	ModelRef  string
	Role      domain.Role
	Content   string
	Timestamp *int64
	MessageID string
	ParentID  string
}

// ContentHash fingerprints the raw upload.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Parse decodes a transcript. It fails on missing headers, an empty message
// id or a repeated message id.
func Parse(data []byte) ([]Row, error) {
	decoded, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), data)
	if err != nil {
		return nil, domain.Validation(domain.CodeMalformedTranscript, fmt.Sprintf("decode transcript: %v", err))
	}

	r := csv.NewReader(bytes.NewReader(decoded))
	r.Comma = detectDelimiter(decoded)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, domain.Validation(domain.CodeMissingHeaders, "transcript is empty")
	}
	if err != nil {
		return nil, domain.Validation(domain.CodeMalformedTranscript, fmt.Sprintf("read header: %v", err))
	}
	cols, err := mapColumns(header)
	if err != nil {
		return nil, err
	}

	var rows []Row
	seen := make(map[string]int)
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, domain.Validation(domain.CodeMalformedTranscript, err.Error())
		}
		line, _ := r.FieldPos(0)
		if blank(rec) {
			continue
		}
		field := func(name string) string {
			i := cols[name]
			if i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}

		row := Row{
			Line:      line,
			TurnRef:   field(colTurnID),
			ModelRef:  field(colModelID),
			Role:      domain.NormalizeRole(strings.ToLower(field(colRole))),
			Content:   rawField(rec, cols[colContent]),
			Timestamp: parseTimestamp(field(colTimestamp)),
			MessageID: field(colMessageID),
			ParentID:  field(colParentID),
		}
		if row.MessageID == "" {
			return nil, domain.Integrity(domain.CodeEmptyMessageID, fmt.Sprintf("line %d: empty message id", line))
		}
		if prev, dup := seen[row.MessageID]; dup {
			return nil, domain.Integrity(domain.CodeDuplicateMessageID,
				fmt.Sprintf("message id %q on line %d repeats line %d", row.MessageID, line, prev))
		}
		seen[row.MessageID] = line
		rows = append(rows, row)
	}
	return rows, nil
}

// detectDelimiter picks whichever of comma, semicolon or tab occurs most in
// the header line. Ties prefer that order.
func detectDelimiter(data []byte) rune {
	header := data
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		header = data[:i]
	}
	best, bestCount := ',', -1
	for _, d := range []rune{',', ';', '\t'} {
		if n := bytes.Count(header, []byte(string(d))); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

// NormalizeHeader lowercases a column name and drops spaces, underscores and
// any byte order mark.
func NormalizeHeader(h string) string {
	h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	h = strings.ToLower(h)
	return strings.NewReplacer(" ", "", "_", "", "\ufeff", "").Replace(h)
}

func mapColumns(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		name := NormalizeHeader(h)
		if _, dup := cols[name]; !dup {
			cols[name] = i
		}
	}
	var missing []string
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, domain.Validation(domain.CodeMissingHeaders, "missing headers: "+strings.Join(missing, ", "))
	}
	return cols, nil
}

func rawField(rec []string, i int) string {
	if i >= len(rec) {
		return ""
	}
	return rec[i]
}

func blank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// parseTimestamp accepts unix seconds, unix milliseconds or free-text dates.
// Unparseable values yield nil.
func parseTimestamp(raw string) *int64 {
	if raw == "" {
		return nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > 1e12 {
			n /= 1000
		}
		return &n
	}
	t, err := dateparse.ParseAny(raw)
	if err != nil {
		return nil
	}
	ts := t.Unix()
	return &ts
}
