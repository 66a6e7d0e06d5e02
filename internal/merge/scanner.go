package merge

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/p-blackswan/buildmode/internal/artifact"
)

// Item is an artifact object found by the Scanner. Partial items hold the
// members read so far; the final item for the same Index supersedes them.
type Item struct {
	Kind    artifact.Kind
	Index   int
	Raw     json.RawMessage
	Partial bool
}

type frame struct {
	open    byte
	key     string
	pending string
	kind    artifact.Kind
	tracked bool
	count   int
	item    bool
	index   int
	start   int
}

// Scanner extracts artifact objects from streamed model text as it arrives.
// Arrays are attributed to a kind by their enclosing key ("features": [...])
// or, at top level, to the default kind.
type Scanner struct {
	defaultKind artifact.Kind
	buf         []byte
	pos         int
	stack       []frame
	itemDepth   int
	inString    bool
	escaped     bool
	strStart    int
}

// NewScanner returns a scanner; defaultKind may be empty.
func NewScanner(defaultKind artifact.Kind) *Scanner {
	return &Scanner{defaultKind: defaultKind, itemDepth: -1}
}

// Feed consumes the next chunk and returns the items it completed or advanced.
func (s *Scanner) Feed(chunk string) []Item {
	s.buf = append(s.buf, chunk...)
	var out []Item

	for ; s.pos < len(s.buf); s.pos++ {
		c := s.buf[s.pos]
		if s.inString {
			switch {
			case s.escaped:
				s.escaped = false
			case c == '\\':
				s.escaped = true
			case c == '"':
				s.inString = false
				s.endString()
			}
			continue
		}

		switch c {
		case '"':
			if len(s.stack) > 0 {
				s.inString = true
				s.strStart = s.pos
			}
		case ':':
			if top := s.top(); top != nil && top.open == '{' {
				top.key = top.pending
			}
		case '{':
			s.openObject()
		case '[':
			s.openArray()
		case ',':
			if s.itemDepth >= 0 && s.itemDepth == len(s.stack)-1 {
				if it, ok := s.partial(); ok {
					out = append(out, it)
				}
			}
		case '}', ']':
			if it, ok := s.close(c); ok {
				out = append(out, it)
			}
		}
	}

	if len(s.stack) == 0 && !s.inString {
		s.buf = s.buf[:0]
		s.pos = 0
	}
	return out
}

func (s *Scanner) top() *frame {
	if len(s.stack) == 0 {
		return nil
	}
	return &s.stack[len(s.stack)-1]
}

func (s *Scanner) endString() {
	top := s.top()
	if top == nil || top.open != '{' || s.itemDepth >= 0 {
		return
	}
	var key string
	if err := json.Unmarshal(s.buf[s.strStart:s.pos+1], &key); err == nil {
		top.pending = key
	}
}

func (s *Scanner) openObject() {
	f := frame{open: '{'}
	if parent := s.top(); parent != nil && parent.tracked && s.itemDepth < 0 {
		f.item = true
		f.index = parent.count
		f.start = s.pos
		parent.count++
		s.itemDepth = len(s.stack)
	}
	s.stack = append(s.stack, f)
}

func (s *Scanner) openArray() {
	f := frame{open: '['}
	if s.itemDepth < 0 {
		parent := s.top()
		switch {
		case parent == nil:
			f.kind, f.tracked = s.defaultKind, s.defaultKind != ""
		case parent.open == '{':
			f.kind, f.tracked = artifact.ParseKind(parent.key)
		}
	}
	s.stack = append(s.stack, f)
}

func (s *Scanner) close(c byte) (Item, bool) {
	top := s.top()
	if top == nil {
		return Item{}, false
	}
	if (top.open == '{') != (c == '}') {
		// Unbalanced text; start over rather than misattribute items.
		s.stack = s.stack[:0]
		s.itemDepth = -1
		return Item{}, false
	}
	closed := *top
	s.stack = s.stack[:len(s.stack)-1]
	if !closed.item {
		return Item{}, false
	}
	s.itemDepth = -1

	raw := append([]byte(nil), s.buf[closed.start:s.pos+1]...)
	if !json.Valid(raw) {
		return Item{}, false
	}
	parent := s.top()
	return Item{Kind: parent.kind, Index: closed.index, Raw: raw}, true
}

func (s *Scanner) partial() (Item, bool) {
	f := s.stack[s.itemDepth]
	raw := append(append([]byte(nil), s.buf[f.start:s.pos]...), '}')
	if !json.Valid(raw) {
		return Item{}, false
	}
	parent := s.stack[s.itemDepth-1]
	return Item{Kind: parent.kind, Index: f.index, Raw: raw, Partial: true}, true
}

// ParsePartial extracts the finished items of kind from output that may
// have been cut off mid-stream. Items still open at the end are discarded.
func ParsePartial(text string, kind artifact.Kind) Parsed {
	if p := ParseResponse(text); p.OK && len(extractItems(p.Value, kind)) > 0 {
		return p
	}

	finals := make(map[int]json.RawMessage)
	for _, it := range NewScanner(kind).Feed(text) {
		if it.Kind == kind && !it.Partial {
			finals[it.Index] = it.Raw
		}
	}
	if len(finals) == 0 {
		return Parsed{Raw: text}
	}
	indexes := make([]int, 0, len(finals))
	for i := range finals {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var buf bytes.Buffer
	buf.WriteByte('[')
	for n, i := range indexes {
		if n > 0 {
			buf.WriteByte(',')
		}
		buf.Write(finals[i])
	}
	buf.WriteByte(']')
	return Parsed{Value: buf.Bytes(), Raw: text, OK: true}
}
