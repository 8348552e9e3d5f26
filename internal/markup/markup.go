// Package markup extracts diagram blocks from Confluence-style storage markup
// and rebuilds the markup from the latest edited diagram source. The outer
// grammar is treated as opaque text; only the known macro and attribute names
// are matched.
package markup

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Block is one embedded diagram extracted from canonical markup.
type Block struct {
	ID           string
	SourceCode   string
	OriginMarkup string
	Kind         string
	Label        string
}

var (
	macroRe    = regexp.MustCompile(`(?s)<ac:structured-macro\b[^>]*\bac:name="([^"]+)"[^>]*>.*?</ac:structured-macro>`)
	bodyRe     = regexp.MustCompile(`(?s)<ac:plain-text-body>(.*?)</ac:plain-text-body>`)
	paramRe    = regexp.MustCompile(`(?s)<ac:parameter\b[^>]*\bac:name="code"[^>]*>(.*?)</ac:parameter>`)
	titleRe    = regexp.MustCompile(`(?s)<ac:parameter\b[^>]*\bac:name="title"[^>]*>(.*?)</ac:parameter>`)
	cdataRe    = regexp.MustCompile(`(?s)^\s*<!\[CDATA\[(.*)\]\]>\s*$`)
	imageRe    = regexp.MustCompile(`<img\b[^>]*\bdata-diagram-id="([^"]+)"[^>]*/?>`)
	srcAttrRe  = regexp.MustCompile(`\bsrc="[^"]*"`)
	xmlEscaper = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'", "&amp;", "&")
)

// diagramMacros are the macro names recognized as diagram blocks.
var diagramMacros = map[string]bool{
	"mermaid":          true,
	"markdown-diagram": true,
	"diagram":          true,
}

// knownKinds is the fixed keyword set used to classify diagram source.
var knownKinds = []string{
	"graph",
	"flowchart",
	"sequenceDiagram",
	"classDiagram",
	"stateDiagram",
	"erDiagram",
	"journey",
	"gantt",
	"pie",
	"gitGraph",
	"mindmap",
	"timeline",
}

var ErrInvalidDocument = errors.New("document markup failed validation")

// BlockID returns the positional id assigned at extraction time.
func BlockID(index int) string {
	return fmt.Sprintf("diagram-block-%d", index)
}

// KindOf classifies diagram source by the first token of its first non-blank
// line. Unrecognized source defaults to "graph".
func KindOf(source string) string {
	if kind, ok := matchKind(source); ok {
		return kind
	}
	return "graph"
}

// HasDiagramKeyword reports whether the first non-blank line starts with a
// recognized diagram keyword. Unlike KindOf there is no default.
func HasDiagramKeyword(source string) bool {
	_, ok := matchKind(source)
	return ok
}

func matchKind(source string) (string, bool) {
	for _, line := range strings.Split(source, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		token := strings.ToLower(fields[0])
		for _, kind := range knownKinds {
			lower := strings.ToLower(kind)
			if token == lower || strings.HasPrefix(token, lower+"-") {
				return kind, true
			}
		}
		return "", false
	}
	return "", false
}

// Extract scans canonical markup and returns the embedded diagram blocks in
// document order. Blocks with an empty or undecodable code body are skipped;
// extraction never fails on a single bad block. The pass is pure: calling it
// again on the same markup yields the same blocks.
func Extract(markup string) []Block {
	blocks := make([]Block, 0)
	index := 0
	for _, loc := range macroRe.FindAllStringSubmatchIndex(markup, -1) {
		frag := markup[loc[0]:loc[1]]
		name := markup[loc[2]:loc[3]]
		if !diagramMacros[name] {
			continue
		}
		source, ok := decodeMacroBody(frag)
		if !ok {
			continue
		}
		kind := KindOf(source)
		blocks = append(blocks, Block{
			ID:           BlockID(index),
			SourceCode:   source,
			OriginMarkup: frag,
			Kind:         kind,
			Label:        macroLabel(frag, kind, index),
		})
		index++
	}
	return blocks
}

func decodeMacroBody(frag string) (string, bool) {
	var inner string
	if m := bodyRe.FindStringSubmatch(frag); m != nil {
		inner = m[1]
	} else if m := paramRe.FindStringSubmatch(frag); m != nil {
		inner = m[1]
	} else {
		return "", false
	}

	var source string
	if c := cdataRe.FindStringSubmatch(inner); c != nil {
		source = unescapeCDATA(c[1])
	} else {
		source = xmlEscaper.Replace(inner)
	}
	source = strings.Trim(source, "\r\n")
	if strings.TrimSpace(source) == "" {
		return "", false
	}
	return source, true
}

func macroLabel(frag, kind string, index int) string {
	if m := titleRe.FindStringSubmatch(frag); m != nil {
		if label := strings.TrimSpace(m[1]); label != "" {
			return label
		}
	}
	return fmt.Sprintf("%s %d", kind, index+1)
}

// BuildMacro renders canonical diagram-block markup for source. Called
// whenever sourceCode changes so originMarkup is never stale.
func BuildMacro(source string) string {
	return `<ac:structured-macro ac:name="mermaid"><ac:plain-text-body><![CDATA[` +
		escapeCDATA(source) +
		`]]></ac:plain-text-body></ac:structured-macro>`
}

// escapeCDATA splits the CDATA terminator so arbitrary diagram source
// survives the wrapping.
func escapeCDATA(s string) string {
	return strings.ReplaceAll(s, "]]>", "]]]]><![CDATA[>")
}

func unescapeCDATA(s string) string {
	return strings.ReplaceAll(s, "]]]]><![CDATA[>", "]]>")
}

// ImageNode renders the embedded image element the edit surface displays in
// place of a diagram block. The data-diagram-id attribute is the stable tag
// used to locate the node again.
func ImageNode(id, ref, kind string) string {
	return fmt.Sprintf(`<img data-diagram-id=%q src=%q alt=%q>`, id, ref, kind)
}

// EmbedImages replaces every diagram macro with an image node tagged with the
// block's id. refFor supplies the asset reference for each block.
func EmbedImages(markup string, refFor func(Block) string) string {
	var sb strings.Builder
	last := 0
	index := 0
	for _, loc := range macroRe.FindAllStringSubmatchIndex(markup, -1) {
		frag := markup[loc[0]:loc[1]]
		name := markup[loc[2]:loc[3]]
		if !diagramMacros[name] {
			continue
		}
		source, ok := decodeMacroBody(frag)
		if !ok {
			continue
		}
		kind := KindOf(source)
		block := Block{
			ID:           BlockID(index),
			SourceCode:   source,
			OriginMarkup: frag,
			Kind:         kind,
			Label:        macroLabel(frag, kind, index),
		}
		sb.WriteString(markup[last:loc[0]])
		sb.WriteString(ImageNode(block.ID, refFor(block), block.Kind))
		last = loc[1]
		index++
	}
	sb.WriteString(markup[last:])
	return sb.String()
}

// SubstituteMarkup replaces every tagged image node with the diagram-block
// markup recorded for its id, restoring publishable canonical markup. Nodes
// with no mapping entry are left untouched.
func SubstituteMarkup(edited string, origin map[string]string) string {
	return imageRe.ReplaceAllStringFunc(edited, func(node string) string {
		m := imageRe.FindStringSubmatch(node)
		if m == nil {
			return node
		}
		if frag, ok := origin[m[1]]; ok {
			return frag
		}
		return node
	})
}

// UpdateImageRef retargets the src of exactly the image node tagged with id.
// No other markup is touched. Returns false when no node carries the id.
func UpdateImageRef(markup, id, ref string) (string, bool) {
	changed := false
	updated := imageRe.ReplaceAllStringFunc(markup, func(node string) string {
		m := imageRe.FindStringSubmatch(node)
		if m == nil || m[1] != id || changed {
			return node
		}
		changed = true
		if srcAttrRe.MatchString(node) {
			return srcAttrRe.ReplaceAllLiteralString(node, `src="`+ref+`"`)
		}
		return strings.TrimSuffix(node, ">") + fmt.Sprintf(` src=%q>`, ref)
	})
	return updated, changed
}

// ValidateDocument checks content about to be committed: non-empty and
// carrying the expected top-level element structure.
func ValidateDocument(markup string) error {
	trimmed := strings.TrimSpace(markup)
	if trimmed == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidDocument)
	}
	if !strings.HasPrefix(trimmed, "<") || !strings.Contains(trimmed, ">") {
		return fmt.Errorf("%w: missing top-level structure", ErrInvalidDocument)
	}
	return nil
}
