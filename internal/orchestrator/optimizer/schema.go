package optimizer

import (
	"encoding/json"
	"fmt"
	"strings"
)

// draftPayload is the schema requested from the draft stage.
type draftPayload struct {
	Optimizations        []string   `json:"optimizations"`
	Edits                []editJSON `json:"edits"`
	TotalEstimatedSaving string     `json:"totalEstimatedSaving"`
}

type editJSON struct {
	Action    string `json:"action"`
	LineStart int    `json:"lineStart"`
	LineEnd   int    `json:"lineEnd"`
	Before    string `json:"before"`
	After     string `json:"after"`
	Rationale string `json:"rationale"`
}

var validEditActions = map[string]bool{"replace": true, "insert": true, "delete": true}

// validateDraft enumerates every schema violation in payload; the full
// list is fed back to the model on a repair round.
func validateDraft(p draftPayload) []string {
	var errs []string
	if p.Optimizations == nil {
		errs = append(errs, "optimizations: must be an array")
	}
	if p.Edits == nil {
		errs = append(errs, "edits: must be an array")
	}
	for i, e := range p.Edits {
		if !validEditActions[e.Action] {
			errs = append(errs, fmt.Sprintf("edits[%d].action: must be one of replace, insert, delete", i))
		}
		if e.LineStart < 0 {
			errs = append(errs, fmt.Sprintf("edits[%d].lineStart: must be non-negative", i))
		}
		if e.LineEnd < e.LineStart {
			errs = append(errs, fmt.Sprintf("edits[%d].lineEnd: must be >= lineStart", i))
		}
	}
	return errs
}

// parseDraft parses and validates raw model output against the draft
// schema, with best-effort sanitation first.
func parseDraft(raw string) (draftPayload, []string) {
	cleaned := sanitizeModelJSON(raw)
	if cleaned == "" {
		return draftPayload{}, []string{"response: no JSON object found"}
	}

	var p draftPayload
	if err := json.Unmarshal([]byte(cleaned), &p); err != nil {
		return draftPayload{}, []string{fmt.Sprintf("response: invalid JSON: %s", err)}
	}

	if errs := validateDraft(p); len(errs) > 0 {
		return p, errs
	}
	return p, nil
}

// verifyPayload is the verifier stage's requested schema.
type verifyPayload struct {
	Approved  bool     `json:"approved"`
	Summary   string   `json:"summary"`
	RiskFlags []string `json:"riskFlags"`
}

func parseVerify(raw string) (verifyPayload, error) {
	cleaned := sanitizeModelJSON(raw)
	if cleaned == "" {
		return verifyPayload{}, fmt.Errorf("no JSON object in verifier response")
	}
	var v verifyPayload
	if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
		return verifyPayload{}, fmt.Errorf("parse verifier response: %w", err)
	}
	return v, nil
}

// sanitizeModelJSON recovers the JSON object from raw model output:
// markdown code fences are stripped, the text is sliced from the first
// '{' to the last '}', trailing commas are removed, and stray control
// characters are dropped. Returns "" when no object region exists.
func sanitizeModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if _, rest, found := strings.Cut(s, "\n"); found {
			s = rest
		} else {
			s = strings.TrimLeft(s, "`")
			s = strings.TrimPrefix(s, "json")
		}
		if fence := strings.LastIndex(s, "```"); fence >= 0 {
			s = s[:fence]
		}
	}

	open := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if open == -1 || end <= open {
		return ""
	}
	return dropTrailingCommas(dropControlChars(s[open : end+1]))
}

// dropControlChars removes control characters the model sometimes
// leaks into its output. Ordinary whitespace stays, since it is legal
// between JSON tokens.
func dropControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// dropTrailingCommas removes a comma whose next token is a closing
// bracket, e.g. `{"a": 1,}` or `[1, 2,]`. Commas inside string values
// are left alone.
func dropTrailingCommas(s string) string {
	var out strings.Builder
	out.Grow(len(s))

	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]

		if inString {
			out.WriteByte(c)
			if c == '\\' && i+1 < len(s) {
				i++
				out.WriteByte(s[i])
			} else if c == '"' {
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case ',':
			next := i + 1
			for next < len(s) && isJSONSpace(s[next]) {
				next++
			}
			if next < len(s) && (s[next] == '}' || s[next] == ']') {
				continue
			}
		}
		out.WriteByte(c)
	}
	return out.String()
}

func isJSONSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t'
}
