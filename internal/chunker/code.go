package chunker

import (
	"strings"

	"github.com/ragmesh/ragmesh/pkg/models"
)

// CodeChunker splits source files at statement boundaries so no chunk
// ends inside a string literal or on an open bracket. Content within a
// chunk is preserved bit-exactly.
type CodeChunker struct {
	Size int
}

// NewCodeChunker applies the default token budget for non-positive size.
func NewCodeChunker(size int) *CodeChunker {
	if size <= 0 {
		size = 1200
	}
	return &CodeChunker{Size: size}
}

// indentLanguages close statements by dedent/blank line rather than
// semicolons and braces.
var indentLanguages = map[string]struct{}{
	"python": {}, "yaml": {}, "ruby": {},
}

// Chunk validates, decodes, and splits one source file.
func (c *CodeChunker) Chunk(fileName string, data []byte) ([]Piece, error) {
	language, err := DetectLanguage(fileName)
	if err != nil {
		return nil, err
	}
	if err := checkBinary(data); err != nil {
		return nil, err
	}
	text := normalizeEncoding(data)
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	w := &codeWalker{
		chunker:  c,
		language: language,
		indent:   isIndentLanguage(language),
		scope:    scopeRef{},
	}
	return w.walk(strings.Split(text, "\n")), nil
}

func isIndentLanguage(language string) bool {
	_, ok := indentLanguages[language]
	return ok
}

// scopeRef is the nearest enclosing named scope at a point in the file.
type scopeRef struct {
	name      string
	scopeType models.ScopeType
}

type codeWalker struct {
	chunker  *CodeChunker
	language string
	indent   bool

	str stringState

	// current chunk accumulator
	lines      []string
	lineTokens []int
	tokens     int
	startLine  int // 1-based line of lines[0]
	chunkScope scopeRef

	// split candidates, indexes into lines
	lastBoundary   int
	lastTerminator int

	scope  scopeRef // scope in effect for the next chunk
	pieces []Piece
}

func (w *codeWalker) walk(raw []string) []Piece {
	w.reset(1)

	inImports := false
	for i, line := range raw {
		lineNo := i + 1
		tokens := CountTokens(line)

		// A single line over budget is hard-cut on its own.
		if tokens > w.chunker.Size && len(w.lines) == 0 {
			w.hardCutLine(line, lineNo)
			w.reset(lineNo + 1)
			continue
		}

		// Never split while inside a multi-line string: keep
		// accumulating past the budget until it closes.
		if w.tokens+tokens > w.chunker.Size && len(w.lines) > 0 && !w.str.active() {
			w.split()
		}

		wasInString := w.str.active()
		w.str.scanLine(line, w.language)

		w.lines = append(w.lines, line)
		w.lineTokens = append(w.lineTokens, tokens)
		w.tokens += tokens

		if !wasInString && !w.str.active() {
			if s, ok := detectScope(line); ok {
				w.scope = s
			}
		}
		if len(w.lines) == 1 {
			w.chunkScope = w.scope
		}

		if !w.str.active() {
			if !wasInString {
				isImport := isImportLine(line, w.language)
				if inImports && !isImport && strings.TrimSpace(line) != "" {
					// import block just ended on the previous line
					if len(w.lines) >= 2 {
						w.markBoundary(len(w.lines) - 2)
					}
				}
				inImports = isImport || (inImports && strings.TrimSpace(line) == "")
			}

			if w.isStatementBoundary(line) {
				w.markBoundary(len(w.lines) - 1)
			}
			if endsWithTerminator(line) {
				w.lastTerminator = len(w.lines) - 1
			}
		}
	}
	w.flush(len(w.lines) - 1)
	return w.pieces
}

func (w *codeWalker) reset(startLine int) {
	w.lines = nil
	w.lineTokens = nil
	w.tokens = 0
	w.startLine = startLine
	w.lastBoundary = -1
	w.lastTerminator = -1
}

// markBoundary records a legal cut point after lines[idx], unless the
// chunk's last non-blank line would end on an open bracket.
func (w *codeWalker) markBoundary(idx int) {
	if idx < 0 || idx >= len(w.lines) {
		return
	}
	for j := idx; j >= 0; j-- {
		trimmed := strings.TrimRight(w.lines[j], " \t")
		if trimmed == "" {
			continue
		}
		switch trimmed[len(trimmed)-1] {
		case '(', '[', '{':
			return
		}
		break
	}
	w.lastBoundary = idx
}

// split closes the current chunk at the best cut point and carries the
// remainder into a fresh accumulator.
func (w *codeWalker) split() {
	cut := w.lastBoundary
	if cut < 0 {
		cut = w.lastTerminator
	}
	if cut < 0 {
		cut = len(w.lines) - 1
	}
	w.flush(cut)

	carryLines := append([]string(nil), w.lines[cut+1:]...)
	carryTokens := append([]int(nil), w.lineTokens[cut+1:]...)
	carryStart := w.startLine + cut + 1

	w.reset(carryStart)
	w.lines = carryLines
	w.lineTokens = carryTokens
	for _, t := range carryTokens {
		w.tokens += t
	}
	if len(carryLines) > 0 {
		w.chunkScope = w.scope
	}
}

// flush emits lines[0..idx] as one piece.
func (w *codeWalker) flush(idx int) {
	if idx < 0 || len(w.lines) == 0 {
		return
	}
	content := strings.Join(w.lines[:idx+1], "\n")
	if strings.TrimSpace(content) == "" {
		return
	}
	tokens := 0
	for _, t := range w.lineTokens[:idx+1] {
		tokens += t
	}

	meta := &models.CodeMetadata{
		Language:  w.language,
		StartLine: w.startLine,
		EndLine:   w.startLine + idx,
	}
	switch {
	case allImports(w.lines[:idx+1], w.language):
		meta.ScopeType = models.ScopeTypeImport
	case w.chunkScope.name != "":
		meta.ContainingScope = w.chunkScope.name
		meta.ScopeType = w.chunkScope.scopeType
	default:
		meta.ScopeType = models.ScopeTypeFile
	}

	w.pieces = append(w.pieces, Piece{
		Content:    content,
		TokenCount: tokens,
		Code:       meta,
	})
}

// hardCutLine splits one oversized line into token-budget slices.
func (w *codeWalker) hardCutLine(line string, lineNo int) {
	tokens := tokenize(line)
	for start := 0; start < len(tokens); start += w.chunker.Size {
		end := start + w.chunker.Size
		if end > len(tokens) {
			end = len(tokens)
		}
		meta := &models.CodeMetadata{
			Language:  w.language,
			StartLine: lineNo,
			EndLine:   lineNo,
			ScopeType: models.ScopeTypeOther,
		}
		w.pieces = append(w.pieces, Piece{
			Content:    line[tokens[start].start:tokens[end-1].end],
			TokenCount: end - start,
			Code:       meta,
		})
	}
}

// isStatementBoundary reports whether a chunk may close after this line.
func (w *codeWalker) isStatementBoundary(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return true
	}
	if w.indent {
		// Indent-based languages close on blank lines only.
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case ';', '}':
		return true
	}
	return false
}

func endsWithTerminator(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case ';', '}':
		return true
	}
	return false
}

// importPrefixes per language family.
var importPrefixes = []string{
	"import ", "import\t", "from ", "#include", "using ", "use ", "require ",
	"require(", "package ",
}

func isImportLine(line, language string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if language == "go" && (trimmed == "import (" || trimmed == ")") {
		return true
	}
	for _, p := range importPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	// lines inside a Go import block look like quoted paths
	if language == "go" && strings.HasPrefix(trimmed, `"`) && strings.HasSuffix(trimmed, `"`) {
		return true
	}
	return false
}

func allImports(lines []string, language string) bool {
	sawImport := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !isImportLine(line, language) {
			return false
		}
		sawImport = true
	}
	return sawImport
}

// detectScope recognizes function and class declarations well enough to
// label chunks; it is a heuristic, not a parser.
func detectScope(line string) (scopeRef, bool) {
	trimmed := strings.TrimSpace(line)
	fields := strings.Fields(trimmed)
	if len(fields) < 2 {
		return scopeRef{}, false
	}

	nameOf := func(raw string) string {
		for i, r := range raw {
			if r == '(' || r == ':' || r == '{' || r == '<' {
				return raw[:i]
			}
		}
		return raw
	}

	for i, f := range fields[:len(fields)-1] {
		switch f {
		case "class", "interface", "trait":
			return scopeRef{name: nameOf(fields[i+1]), scopeType: models.ScopeTypeClass}, true
		case "def", "func", "function", "fn", "sub":
			next := fields[i+1]
			if strings.HasPrefix(next, "(") {
				// go method: func (r *Recv) Name(args)
				if close := strings.Index(trimmed, ") "); close >= 0 {
					after := strings.Fields(trimmed[close+2:])
					if len(after) > 0 {
						next = after[0]
					}
				}
			}
			name := nameOf(next)
			if name == "" {
				return scopeRef{}, false
			}
			return scopeRef{name: name, scopeType: models.ScopeTypeFunction}, true
		}
	}
	return scopeRef{}, false
}

// stringState tracks multi-line string literals and block comments so
// boundaries are never placed inside them.
type stringState struct {
	delim string // "'''", `"""`, "`", "/*" or "" when inactive
}

func (s *stringState) active() bool {
	return s.delim != ""
}

// scanLine advances the state across one line.
func (s *stringState) scanLine(line, language string) {
	i := 0
	for i < len(line) {
		if s.delim != "" {
			closer := s.delim
			if closer == "/*" {
				closer = "*/"
			}
			idx := strings.Index(line[i:], closer)
			if idx < 0 {
				return
			}
			i += idx + len(closer)
			s.delim = ""
			continue
		}

		rest := line[i:]
		switch {
		case strings.HasPrefix(rest, "'''") || strings.HasPrefix(rest, `"""`):
			s.delim = rest[:3]
			i += 3
		case rest[0] == '`' && language != "shell":
			s.delim = "`"
			i++
		case strings.HasPrefix(rest, "/*") && !isHashCommentLanguage(language):
			s.delim = "/*"
			i += 2
		case strings.HasPrefix(rest, "//") && !isHashCommentLanguage(language):
			return // line comment
		case rest[0] == '#' && isHashCommentLanguage(language):
			return
		case rest[0] == '\'' || rest[0] == '"':
			// single-line string; skip to its close, honoring escapes
			quote := rest[0]
			j := i + 1
			for j < len(line) {
				if line[j] == '\\' {
					j += 2
					continue
				}
				if line[j] == quote {
					break
				}
				j++
			}
			if j >= len(line) {
				// unterminated single-line string; do not carry state
				return
			}
			i = j + 1
		default:
			i++
		}
	}
}

func isHashCommentLanguage(language string) bool {
	switch language {
	case "python", "ruby", "shell", "yaml", "perl", "r":
		return true
	}
	return false
}
