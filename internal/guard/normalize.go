package guard

import (
	"encoding/base64"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

var (
	base64Re     = regexp.MustCompile(`[A-Za-z0-9+/]{20,}={0,2}`)
	multiSpaceRe = regexp.MustCompile(`\s+`)
)

// homoglyphs maps common unicode lookalikes onto their ASCII targets.
// Attackers use these to slip pattern-matched phrases past naive filters.
var homoglyphs = map[rune]rune{
	'а': 'a', 'е': 'e', 'о': 'o', 'р': 'p', 'с': 'c', 'х': 'x', // Cyrillic
	'і': 'i', 'ѕ': 's', 'ԁ': 'd', 'ɡ': 'g',
	'０': '0', '１': '1', 'Ｏ': 'O', 'Ａ': 'A', // fullwidth
}

// normalize is layer 1: strip markup and control characters, decode common
// obfuscations, and collapse whitespace. Returns the cleaned text (with any
// decoded base64 payloads appended so later layers inspect them too) and a
// list of anomaly warnings.
func normalize(text string) (string, []string) {
	var warnings []string

	decoded := decodeBase64Spans(text)
	if len(decoded) > 0 {
		warnings = append(warnings, "base64_decoded_segments")
	}
	if controlCharRatio(text) > 0.05 {
		warnings = append(warnings, "control_char_density")
	}

	cleaned := stripMarkup(text)
	cleaned = foldHomoglyphs(cleaned)
	cleaned = stripControlChars(cleaned)
	cleaned = multiSpaceRe.ReplaceAllString(cleaned, " ")
	cleaned = strings.TrimSpace(cleaned)

	if len(decoded) > 0 {
		cleaned = cleaned + " " + strings.Join(decoded, " ")
	}
	return cleaned, warnings
}

// stripMarkup removes tags, scripts, and styles, keeping visible text only.
func stripMarkup(text string) string {
	if !strings.ContainsAny(text, "<>") {
		return text
	}
	doc, err := html.Parse(strings.NewReader(text))
	if err != nil {
		return text
	}

	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "iframe":
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				buf.WriteString(t)
				buf.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return buf.String()
}

// decodeBase64Spans finds base64-looking spans that decode to printable text.
func decodeBase64Spans(text string) []string {
	var found []string
	for _, span := range base64Re.FindAllString(text, -1) {
		raw, err := base64.StdEncoding.DecodeString(span)
		if err != nil {
			continue
		}
		decoded := string(raw)
		if len(decoded) > 5 && isPrintable(decoded) {
			found = append(found, decoded)
		}
	}
	return found
}

func isPrintable(s string) bool {
	for _, r := range s {
		if !unicode.IsPrint(r) && r != '\n' && r != '\t' {
			return false
		}
	}
	return true
}

func foldHomoglyphs(text string) string {
	return strings.Map(func(r rune) rune {
		if target, ok := homoglyphs[r]; ok {
			return target
		}
		return r
	}, text)
}

func stripControlChars(text string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		if unicode.In(r, unicode.Cf) {
			return -1
		}
		return r
	}, text)
}

// controlCharRatio reports the fraction of control/format runes in text.
func controlCharRatio(text string) float64 {
	if text == "" {
		return 0
	}
	total, suspicious := 0, 0
	for _, r := range text {
		total++
		if r == '\n' || r == '\t' || r == ' ' {
			continue
		}
		if unicode.IsControl(r) || unicode.In(r, unicode.Cf, unicode.Co) {
			suspicious++
		}
	}
	return float64(suspicious) / float64(total)
}
