package tagger

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Options configures a Transform.
type Options struct {
	// Prefix is prepended to every generated id ("<prefix>-<8hex>").
	Prefix string
	// Exclude lists path fragments to skip in addition to node_modules.
	Exclude []string
}

// Transform tags native JSX elements with stable ids and source locations,
// recording every id into the shared SourceMap.
type Transform struct {
	prefix  string
	exclude []string
	sm      *SourceMap
}

// New creates a Transform writing into sm.
func New(sm *SourceMap, opts Options) *Transform {
	return &Transform{prefix: opts.Prefix, exclude: opts.Exclude, sm: sm}
}

// Eligible reports whether path should be transformed: .jsx/.tsx files
// outside node_modules and outside the exclude list.
func (t *Transform) Eligible(path string) bool {
	ext := filepath.Ext(path)
	if ext != ".jsx" && ext != ".tsx" {
		return false
	}
	norm := filepath.ToSlash(path)
	if strings.Contains(norm, "node_modules") {
		return false
	}
	for _, ex := range t.exclude {
		if ex != "" && strings.Contains(norm, ex) {
			return false
		}
	}
	return true
}

// Apply tags src and records the file's entries in the source map.
// Ineligible paths and sources the bundler would reject pass through
// untouched; the transform never breaks a build it cannot improve.
func (t *Transform) Apply(path string, src []byte) []byte {
	if !t.Eligible(path) {
		return src
	}
	out, entries := tagSource(path, src, t.prefix)
	if len(entries) == 0 {
		return src
	}
	if !syntaxOK(path, out) {
		return src
	}
	t.sm.ReplaceFile(path, entries)
	return out
}

// edit is a pending insertion into the original byte stream.
type edit struct {
	pos  int
	text string
}

// loopCtx tracks one enclosing .map/.forEach/... call while walking its
// argument list. indexName is the identifier a tagged element should suffix
// its id with; empty means the callback's second parameter could not be
// used (destructured) and ids stay static.
type loopCtx struct {
	depth     int // parenDepth of the call's opening paren
	indexName string
	pending   []edit // parameter-list rewrite, applied on first tagged element
	committed bool
}

var loopMethods = map[string]bool{
	"map": true, "forEach": true, "filter": true, "find": true,
	"findIndex": true, "some": true, "every": true, "flatMap": true,
}

const indexIdent = "__jsx_idx__"

// walker is a single pass over a JSX/TSX source: it tracks line/column,
// skips strings, comments and template literals, follows the code/JSX-text
// mode boundary, and collects attribute insertions plus map entries.
type walker struct {
	src  []byte
	path string
	pre  string

	i    int
	line int // 1-based
	col  int // 0-based, byte columns

	parenDepth int
	braceDepth int
	loops      []*loopCtx

	// jsx holds the open element stack; exprMarks records, for each open
	// {...} child expression, the brace depth to pop at and the jsx stack
	// length when it opened. Text mode is "inside an element pushed after
	// the innermost expression mark".
	jsx       []string
	exprMarks []exprMark

	// loopAt maps an opening-paren position to the callback analysis done
	// when the ".method(" pattern was spotted.
	loopAt map[int]callbackInfo

	edits   []edit
	entries []Entry
}

type exprMark struct {
	braceTarget int
	jsxLen      int
}

type callbackInfo struct {
	indexName string
	edits     []edit
}

// tagSource walks src once and returns the tagged output plus the recorded
// entries. It is deterministic and idempotent: already-tagged elements and
// already-rewritten callbacks are left alone.
func tagSource(path string, src []byte, prefix string) ([]byte, []Entry) {
	w := &walker{src: src, path: path, pre: prefix, line: 1, loopAt: make(map[int]callbackInfo)}
	w.walk()
	if len(w.edits) == 0 {
		return src, w.entries
	}
	return applyEdits(src, w.edits), w.entries
}

func (w *walker) inText() bool {
	if len(w.jsx) == 0 {
		return false
	}
	if len(w.exprMarks) == 0 {
		return true
	}
	return len(w.jsx) > w.exprMarks[len(w.exprMarks)-1].jsxLen
}

// advanceTo moves the cursor to n, updating line and column.
func (w *walker) advanceTo(n int) {
	for ; w.i < n && w.i < len(w.src); w.i++ {
		if w.src[w.i] == '\n' {
			w.line++
			w.col = 0
		} else {
			w.col++
		}
	}
}

func (w *walker) walk() {
	for w.i < len(w.src) {
		if w.inText() {
			w.stepText()
		} else {
			w.stepCode()
		}
	}
}

// stepText handles JSX children: only '<' and '{' matter, everything else
// is literal text (quotes included).
func (w *walker) stepText() {
	c := w.src[w.i]
	switch {
	case c == '<' && w.peek(1) == '/':
		end := w.seek('>', w.i)
		if len(w.jsx) > 0 {
			w.jsx = w.jsx[:len(w.jsx)-1]
		}
		w.advanceTo(end + 1)
	case c == '<':
		w.handleTag()
	case c == '{':
		w.exprMarks = append(w.exprMarks, exprMark{braceTarget: w.braceDepth, jsxLen: len(w.jsx)})
		w.braceDepth++
		w.advanceTo(w.i + 1)
	default:
		w.advanceTo(w.i + 1)
	}
}

// stepCode handles ordinary code between JSX regions.
func (w *walker) stepCode() {
	c := w.src[w.i]
	switch {
	case c == '/' && w.peek(1) == '/':
		w.advanceTo(w.seek('\n', w.i))
	case c == '/' && w.peek(1) == '*':
		end := bytes.Index(w.src[w.i+2:], []byte("*/"))
		if end < 0 {
			w.advanceTo(len(w.src))
			return
		}
		w.advanceTo(w.i + 2 + end + 2)
	case c == '\'' || c == '"':
		w.advanceTo(w.skipString(w.i))
	case c == '`':
		w.advanceTo(w.skipTemplate(w.i))
	case c == '(':
		w.parenDepth++
		if info, ok := w.loopAt[w.i]; ok {
			w.loops = append(w.loops, &loopCtx{depth: w.parenDepth, indexName: info.indexName, pending: info.edits})
		}
		w.advanceTo(w.i + 1)
	case c == ')':
		w.parenDepth--
		for len(w.loops) > 0 && w.loops[len(w.loops)-1].depth > w.parenDepth {
			w.loops = w.loops[:len(w.loops)-1]
		}
		w.advanceTo(w.i + 1)
	case c == '{':
		w.braceDepth++
		w.advanceTo(w.i + 1)
	case c == '}':
		w.braceDepth--
		if n := len(w.exprMarks); n > 0 && w.braceDepth == w.exprMarks[n-1].braceTarget {
			w.exprMarks = w.exprMarks[:n-1]
		}
		w.advanceTo(w.i + 1)
	case c == '.':
		w.tryLoopMethod()
		w.advanceTo(w.i + 1)
	case c == '<' && w.tagCanStartHere():
		w.handleTag()
	default:
		w.advanceTo(w.i + 1)
	}
}

func (w *walker) peek(off int) byte {
	if w.i+off >= len(w.src) {
		return 0
	}
	return w.src[w.i+off]
}

// seek returns the index of the next occurrence of b at or after pos, or
// len(src) when absent.
func (w *walker) seek(b byte, pos int) int {
	for j := pos; j < len(w.src); j++ {
		if w.src[j] == b {
			return j
		}
	}
	return len(w.src)
}

// skipString returns the index one past the closing quote.
func (w *walker) skipString(pos int) int {
	q := w.src[pos]
	for j := pos + 1; j < len(w.src); j++ {
		switch w.src[j] {
		case '\\':
			j++
		case q, '\n':
			return j + 1
		}
	}
	return len(w.src)
}

// skipTemplate returns the index one past the closing backtick, skipping
// ${...} interpolations (shallow brace matching, nested strings honoured).
func (w *walker) skipTemplate(pos int) int {
	for j := pos + 1; j < len(w.src); j++ {
		switch w.src[j] {
		case '\\':
			j++
		case '`':
			return j + 1
		case '$':
			if j+1 < len(w.src) && w.src[j+1] == '{' {
				j = skipBraces(w.src, j+1) - 1
			}
		}
	}
	return len(w.src)
}

// skipBraces returns the index one past the brace matching src[pos].
func skipBraces(src []byte, pos int) int {
	depth := 0
	for j := pos; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case '\'', '"':
			q := src[j]
			for j++; j < len(src) && src[j] != q && src[j] != '\n'; j++ {
				if src[j] == '\\' {
					j++
				}
			}
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return j + 1
			}
		}
	}
	return len(src)
}

// tagCanStartHere decides whether '<' at the cursor opens a JSX element
// rather than a comparison. JSX can only appear where an expression is
// expected: after an opener, separator, operator, or a keyword like return.
func (w *walker) tagCanStartHere() bool {
	next := w.peek(1)
	if !isTagStart(next) && next != '>' {
		return false
	}
	j := w.i - 1
	for j >= 0 && (w.src[j] == ' ' || w.src[j] == '\t' || w.src[j] == '\n' || w.src[j] == '\r') {
		j--
	}
	if j < 0 {
		return true
	}
	switch w.src[j] {
	case '(', ',', '{', '[', '=', ';', ':', '?', '&', '|', '!', '>':
		return true
	}
	if isIdentChar(w.src[j]) {
		k := j
		for k >= 0 && isIdentChar(w.src[k]) {
			k--
		}
		switch string(w.src[k+1 : j+1]) {
		case "return", "default", "case", "do", "else", "yield", "await":
			return true
		}
	}
	return false
}

func isTagStart(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || b == '_' || b == '$'
}

func isIdentChar(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '_' || b == '$'
}

// handleTag scans the opening tag at the cursor, tags it when it is a
// native element, and advances past it.
func (w *walker) handleTag() {
	tag, ok := scanOpeningTag(w.src, w.i)
	if !ok {
		w.advanceTo(w.i + 1)
		return
	}
	if isNativeTag(tag.name) && !tag.hasJSXID {
		w.tagElement(tag)
	}
	if !tag.selfClosing {
		w.jsx = append(w.jsx, tag.name)
	}
	w.advanceTo(tag.end + 1)
}

// tagElement emits the four data-jsx-* attributes for the element at the
// cursor and records its map entry. Inside a loop callback the id becomes
// a dynamic expression suffixed with the iteration index.
func (w *walker) tagElement(tag openTag) {
	id := GenerateStableID(w.path, w.line, w.col, w.pre)

	idx := ""
	if n := len(w.loops); n > 0 {
		ctx := w.loops[n-1]
		idx = ctx.indexName
		if idx != "" && !ctx.committed {
			w.edits = append(w.edits, ctx.pending...)
			ctx.committed = true
		}
	}

	var attr string
	if idx != "" {
		attr = fmt.Sprintf(" data-jsx-id={%q + %s}", id+"-", idx)
	} else {
		attr = fmt.Sprintf(" data-jsx-id=%q", id)
	}
	attr += fmt.Sprintf(" data-jsx-file=%q data-jsx-line=%q data-jsx-col=%q",
		w.path, strconv.Itoa(w.line), strconv.Itoa(w.col))

	w.edits = append(w.edits, edit{pos: tag.nameEnd, text: attr})
	w.entries = append(w.entries, Entry{
		ID:          id,
		File:        w.path,
		Line:        w.line,
		Column:      w.col,
		ElementName: tag.name,
	})
}

// isNativeTag reports whether name is a lowercase HTML/custom element
// rather than a component, member expression, or fragment.
func isNativeTag(name string) bool {
	if name == "" {
		return false
	}
	if name[0] < 'a' || name[0] > 'z' {
		return false
	}
	return !strings.ContainsAny(name, ".:")
}

// openTag is the shallow parse of one opening element.
type openTag struct {
	name        string
	nameEnd     int // insertion point for attributes
	end         int // index of the closing '>'
	selfClosing bool
	hasJSXID    bool
}

// scanOpeningTag parses the element starting at src[start] == '<'. It
// tolerates attribute expressions (braces, quotes) and rejects anything
// that cannot be JSX, such as TSX generic parameter lists.
func scanOpeningTag(src []byte, start int) (openTag, bool) {
	j := start + 1
	if j < len(src) && src[j] == '>' { // fragment
		return openTag{name: "", nameEnd: j, end: j}, true
	}
	nameStart := j
	for j < len(src) && (isIdentChar(src[j]) || src[j] == '.' || src[j] == '-' || src[j] == ':') {
		j++
	}
	if j == nameStart {
		return openTag{}, false
	}
	tag := openTag{name: string(src[nameStart:j]), nameEnd: j}

	attrStart := j
	for j < len(src) {
		switch src[j] {
		case '"', '\'':
			q := src[j]
			for j++; j < len(src) && src[j] != q; j++ {
			}
			j++
		case '{':
			j = skipBraces(src, j)
		case ',':
			// JSX attributes never carry top-level commas; this is a
			// generic parameter list or a comparison expression.
			return openTag{}, false
		case '<', ';':
			return openTag{}, false
		case '/':
			if j+1 < len(src) && src[j+1] == '>' {
				tag.selfClosing = true
				tag.end = j + 1
				tag.hasJSXID = hasJSXIDAttr(src[attrStart:j])
				return tag, true
			}
			j++
		case '>':
			// "<T extends X>" is a TSX generic parameter list, not JSX.
			if bytes.Contains(src[attrStart:j], []byte(" extends ")) {
				return openTag{}, false
			}
			tag.end = j
			tag.hasJSXID = hasJSXIDAttr(src[attrStart:j])
			return tag, true
		default:
			j++
		}
	}
	return openTag{}, false
}

// hasJSXIDAttr reports whether the attribute region already carries a
// data-jsx-id attribute.
func hasJSXIDAttr(attrs []byte) bool {
	s := string(attrs)
	for off := 0; ; {
		k := strings.Index(s[off:], "data-jsx-id")
		if k < 0 {
			return false
		}
		k += off
		after := k + len("data-jsx-id")
		beforeOK := k == 0 || s[k-1] == ' ' || s[k-1] == '\t' || s[k-1] == '\n'
		afterOK := after >= len(s) || s[after] == '=' || s[after] == ' ' || s[after] == '\t' || s[after] == '\n'
		if beforeOK && afterOK {
			return true
		}
		off = after
	}
}

// tryLoopMethod checks for ".method(" at the cursor and, when method is an
// iteration method, analyses the callback so the matching '(' can open a
// loop context.
func (w *walker) tryLoopMethod() {
	j := w.i + 1
	nameStart := j
	for j < len(w.src) && isIdentChar(w.src[j]) {
		j++
	}
	if !loopMethods[string(w.src[nameStart:j])] {
		return
	}
	for j < len(w.src) && (w.src[j] == ' ' || w.src[j] == '\t' || w.src[j] == '\n' || w.src[j] == '\r') {
		j++
	}
	if j >= len(w.src) || w.src[j] != '(' {
		return
	}
	name, edits := analyzeCallback(w.src, j+1)
	w.loopAt[j] = callbackInfo{indexName: name, edits: edits}
}

// analyzeCallback inspects the callback literal starting at src[j] (just
// past the call's open paren) and decides the iteration-index identifier,
// inserting a second parameter when the callback lacks one. A destructured
// second parameter yields no identifier and ids stay static.
func analyzeCallback(src []byte, j int) (string, []edit) {
	j = skipWS(src, j)
	if j >= len(src) {
		return "", nil
	}

	// "async" and "function" prefixes sit in front of the parameter list.
	if isTagStart(src[j]) {
		idStart := j
		for j < len(src) && isIdentChar(src[j]) {
			j++
		}
		word := string(src[idStart:j])
		switch word {
		case "async":
			return analyzeCallback(src, j)
		case "function":
			j = skipWS(src, j)
			for j < len(src) && isIdentChar(src[j]) { // optional name
				j++
			}
			j = skipWS(src, j)
			if j >= len(src) || src[j] != '(' {
				return "", nil
			}
			return analyzeParams(src, j)
		default:
			// Bare-identifier arrow: x => ...
			k := skipWS(src, j)
			if k+1 < len(src) && src[k] == '=' && src[k+1] == '>' {
				return indexIdent, []edit{
					{pos: idStart, text: "("},
					{pos: j, text: ", " + indexIdent + ")"},
				}
			}
			return "", nil
		}
	}
	if src[j] == '(' {
		return analyzeParams(src, j)
	}
	return "", nil
}

// analyzeParams handles a parenthesised parameter list at src[j] == '('.
func analyzeParams(src []byte, j int) (string, []edit) {
	depth := 0
	var commas []int
	close := -1
scan:
	for k := j; k < len(src); k++ {
		switch src[k] {
		case '(', '[', '{':
			depth++
		case ']', '}':
			depth--
		case ')':
			depth--
			if depth == 0 {
				close = k
				break scan
			}
		case ',':
			if depth == 1 {
				commas = append(commas, k)
			}
		case '\'', '"', '`':
			q := src[k]
			for k++; k < len(src) && src[k] != q; k++ {
				if src[k] == '\\' {
					k++
				}
			}
		}
	}
	if close < 0 {
		return "", nil
	}

	inner := strings.TrimSpace(string(src[j+1 : close]))
	switch {
	case inner == "":
		return indexIdent, []edit{{pos: close, text: "_, " + indexIdent}}
	case len(commas) == 0:
		return indexIdent, []edit{{pos: close, text: ", " + indexIdent}}
	default:
		secondEnd := close
		if len(commas) > 1 {
			secondEnd = commas[1]
		}
		second := strings.TrimSpace(string(src[commas[0]+1 : secondEnd]))
		if isPlainIdent(second) {
			return second, nil
		}
		return "", nil
	}
}

func isPlainIdent(s string) bool {
	if s == "" || !isTagStart(s[0]) {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isIdentChar(s[i]) {
			return false
		}
	}
	return true
}

func skipWS(src []byte, j int) int {
	for j < len(src) && (src[j] == ' ' || src[j] == '\t' || src[j] == '\n' || src[j] == '\r') {
		j++
	}
	return j
}

// applyEdits splices the insertions into src, highest position first so
// earlier positions stay valid.
func applyEdits(src []byte, edits []edit) []byte {
	sorted := make([]edit, len(edits))
	copy(sorted, edits)
	sort.SliceStable(sorted, func(a, b int) bool { return sorted[a].pos > sorted[b].pos })

	out := make([]byte, len(src))
	copy(out, src)
	for _, e := range sorted {
		out = append(out[:e.pos], append([]byte(e.text), out[e.pos:]...)...)
	}
	return out
}
