package inference

import "strings"

// stopMatcher scans streamed text for stop sequences. It holds back the
// longest tail that could still begin a stop sequence, so emitted text
// never contains part of one.
type stopMatcher struct {
	stops   []string
	pending string
}

func newStopMatcher(stops []string) *stopMatcher {
	m := &stopMatcher{}
	for _, s := range stops {
		if s != "" {
			m.stops = append(m.stops, s)
		}
	}
	return m
}

// push adds a token and returns the text that is now safe to emit, and
// whether a stop sequence was found. After a hit the rest is discarded.
func (m *stopMatcher) push(token string) (string, bool) {
	buf := m.pending + token
	if len(m.stops) == 0 {
		m.pending = ""
		return buf, false
	}

	hit := -1
	for _, s := range m.stops {
		if i := strings.Index(buf, s); i >= 0 && (hit < 0 || i < hit) {
			hit = i
		}
	}
	if hit >= 0 {
		m.pending = ""
		return buf[:hit], true
	}

	hold := 0
	for _, s := range m.stops {
		for l := min(len(s)-1, len(buf)); l > hold; l-- {
			if strings.HasSuffix(buf, s[:l]) {
				hold = l
				break
			}
		}
	}
	m.pending = buf[len(buf)-hold:]
	return buf[:len(buf)-hold], false
}

// flush releases held-back text at end of stream.
func (m *stopMatcher) flush() string {
	out := m.pending
	m.pending = ""
	return out
}
