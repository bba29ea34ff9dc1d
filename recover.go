package logextract

import (
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// RecoveryStep names the pipeline stage that produced a value.
type RecoveryStep string

const (
	StepDirect             RecoveryStep = "direct"
	StepBalanced           RecoveryStep = "balanced"
	StepNormalizedDirect   RecoveryStep = "normalized-direct"
	StepNormalizedBalanced RecoveryStep = "normalized-balanced"
)

// Recovered is a structured value recovered from generated text. Value is
// always a JSON object or array.
type Recovered struct {
	Value any
	Raw   json.RawMessage
	Step  RecoveryStep
}

var (
	errNotStructured = errors.New("value is not a JSON object or array")
	errNoCandidate   = errors.New("no balanced object or array found")

	doubleEscapedUnicode = regexp.MustCompile(`\\\\(u[0-9a-fA-F]{4})`)
)

// Recover coerces backend output into a single valid JSON object or array.
// Stages run in order and stop at the first success: fence stripping, direct
// parse, balanced-bracket scan, then unicode normalization followed by the
// two parses again. On total failure it returns a *RecoveryError carrying the
// original text and the last parse error.
func Recover(text string) (Recovered, error) {
	return RecoverWith(slog.Default(), text)
}

// RecoverWith is Recover logging to log instead of the default logger.
func RecoverWith(log *slog.Logger, text string) (Recovered, error) {
	if log == nil {
		log = slog.Default()
	}
	log.Debug("Starting recovery", "input_length", len(text), "input_preview", text[:min(100, len(text))])

	s := StripCodeFence(text)
	rec, err := recoverPlain(log, s, StepDirect, StepBalanced)
	if err == nil {
		return rec, nil
	}

	norm, changed := normalizeUnicode(s)
	if !changed {
		log.Debug("Recovery failed", "error", err)
		return Recovered{}, &RecoveryError{Raw: text, Err: err}
	}
	log.Debug("Retrying after unicode normalization", "length", len(norm))
	rec, err = recoverPlain(log, StripCodeFence(norm), StepNormalizedDirect, StepNormalizedBalanced)
	if err != nil {
		log.Debug("Recovery failed", "error", err)
		return Recovered{}, &RecoveryError{Raw: text, Err: err}
	}
	return rec, nil
}

func recoverPlain(log *slog.Logger, s string, direct, balanced RecoveryStep) (Recovered, error) {
	v, err := parseStructured(s)
	if err == nil {
		log.Debug("Recovered by direct parse", "step", direct)
		return Recovered{Value: v, Raw: json.RawMessage(s), Step: direct}, nil
	}
	v, raw, scanErr := scanBalanced(s)
	if scanErr == nil {
		log.Debug("Recovered by balanced scan", "step", balanced, "length", len(raw))
		return Recovered{Value: v, Raw: json.RawMessage(raw), Step: balanced}, nil
	}
	if errors.Is(scanErr, errNoCandidate) {
		return Recovered{}, err
	}
	return Recovered{}, scanErr
}

// StripCodeFence removes a markdown code fence enclosing the text, including
// an optional language tag on the opening line.
func StripCodeFence(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && isFenceTag(s[:nl]) {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "json")
			s = strings.TrimPrefix(s, "JSON")
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func isFenceTag(line string) bool {
	line = strings.TrimSpace(line)
	for _, r := range line {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}

func parseStructured(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	switch v.(type) {
	case map[string]any, []any:
		return v, nil
	default:
		return nil, errNotStructured
	}
}

// scanBalanced tries every '{' or '[' as the start of an outermost value.
// From a start it walks forward tracking string literals and a delimiter
// stack; a balanced span is consumed as a whole so inner fragments are never
// returned. The first object, or array holding an object or array, wins.
// Bracketed prose such as "[1]" or "[]" is only returned when nothing richer
// parses.
func scanBalanced(s string) (any, string, error) {
	lastErr := errNoCandidate
	var (
		fallback    any
		fallbackRaw string
		found       bool
	)
	for start := 0; start < len(s); start++ {
		if s[start] != '{' && s[start] != '[' {
			continue
		}
		end, ok := matchBalanced(s, start)
		if !ok {
			continue
		}
		candidate := s[start : end+1]
		start = end
		v, err := parseStructured(candidate)
		if err != nil {
			lastErr = err
			continue
		}
		if holdsRecord(v) {
			return v, candidate, nil
		}
		if !found {
			fallback, fallbackRaw, found = v, candidate, true
		}
	}
	if found {
		return fallback, fallbackRaw, nil
	}
	return nil, "", lastErr
}

// holdsRecord reports whether v is an object or an array with at least one
// object or array element.
func holdsRecord(v any) bool {
	switch v := v.(type) {
	case map[string]any:
		return true
	case []any:
		for _, e := range v {
			if isStructured(e) {
				return true
			}
		}
	}
	return false
}

func isStructured(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

// matchBalanced returns the index of the delimiter closing the one at start.
// Delimiters inside double-quoted strings are ignored.
func matchBalanced(s string, start int) (int, bool) {
	stack := make([]byte, 0, 16)
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return -1, false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i, true
			}
		}
	}
	return -1, false
}

// normalizeUnicode undoes double-encoding artifacts. It can corrupt correct
// UTF-8, so it only runs once the plain parses failed.
func normalizeUnicode(s string) (string, bool) {
	out := strings.TrimSpace(s)

	// a JSON document delivered as a JSON string
	if strings.HasPrefix(out, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(out), &inner); err == nil {
			out = strings.TrimSpace(inner)
		}
	}

	// escaped JSON without the surrounding quotes: {\"a\": 1}
	if strings.Contains(out, `\"`) {
		quoted := strings.NewReplacer("\n", `\n`, "\r", `\r`).Replace(out)
		if unq, err := strconv.Unquote(`"` + quoted + `"`); err == nil {
			out = unq
		}
	}

	out = doubleEscapedUnicode.ReplaceAllString(out, `\$1`)

	if fixed, ok := repairLatin1(out); ok {
		out = fixed
	}
	return out, out != strings.TrimSpace(s)
}

// repairLatin1 reverses UTF-8 bytes that were decoded as Latin-1 ("Â°" → "°").
func repairLatin1(s string) (string, bool) {
	buf := make([]byte, 0, len(s))
	high := false
	for _, r := range s {
		if r > 0xFF {
			return s, false
		}
		if r >= 0x80 {
			high = true
		}
		buf = append(buf, byte(r))
	}
	if !high || !utf8.Valid(buf) {
		return s, false
	}
	return string(buf), true
}
