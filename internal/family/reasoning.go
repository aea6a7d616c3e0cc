package family

import "strings"

// Split is model output separated into reasoning and visible answer.
type Split struct {
	Reasoning string
	Answer    string
}

// Extract separates the reasoning segment from text using the family's
// delimiter pairs, tried in order; the first pair present wins. Every
// delimited block of that pair is reasoning. An Open without a Close
// makes the rest of the text reasoning. With ClosingOnly, text before a
// Close that has no Open is reasoning. Text without delimiters is all
// answer.
func (f *Family) Extract(text string) Split {
	for _, d := range f.Reasoning {
		if d.Open == "" || d.Close == "" {
			continue
		}
		if strings.Contains(text, d.Open) {
			return extractPairs(text, d)
		}
		if f.ClosingOnly {
			if i := strings.Index(text, d.Close); i >= 0 {
				return Split{
					Reasoning: strings.TrimSpace(text[:i]),
					Answer:    strings.TrimSpace(text[i+len(d.Close):]),
				}
			}
		}
	}
	return Split{Answer: text}
}

func extractPairs(text string, d Delimiter) Split {
	var reasoning []string
	var answer strings.Builder
	rest := text
	for {
		i := strings.Index(rest, d.Open)
		if i < 0 {
			answer.WriteString(rest)
			break
		}
		answer.WriteString(rest[:i])
		rest = rest[i+len(d.Open):]

		j := strings.Index(rest, d.Close)
		if j < 0 {
			reasoning = append(reasoning, strings.TrimSpace(rest))
			break
		}
		reasoning = append(reasoning, strings.TrimSpace(rest[:j]))
		rest = rest[j+len(d.Close):]
	}
	return Split{
		Reasoning: strings.Join(reasoning, "\n\n"),
		Answer:    strings.TrimSpace(answer.String()),
	}
}
