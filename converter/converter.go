// Package converter turns fetched HTML into Markdown suitable for LLM
// consumption. It is a pure transform: no I/O, no shared state, safe to run
// inside an isolated worker. Noise removal tries Mozilla's readability
// algorithm first and falls back to DOM pruning when the page yields too
// little article content.
package converter

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"

	"github.com/j0hanz/fetch-url-mcp-sub001/weberr"
)

// readabilityMinChars is the minimum extracted text length below which the
// readability result is considered an empty shell and the DOM fallback runs.
const readabilityMinChars = 200

// Pre-compiled regexes to avoid ReDoS with runtime compilation.
var (
	scriptRe         = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe          = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	excessiveLinesRe = regexp.MustCompile(`\n{4,}`)
)

// Options controls a single transform.
type Options struct {
	// IncludeMetadata adds page metadata (description, open graph tags,
	// canonical URL, language) to the result.
	IncludeMetadata bool

	// SkipNoiseRemoval converts the page without readability extraction
	// or DOM pruning.
	SkipNoiseRemoval bool

	// InputTruncated records that the fetch layer already cut the input
	// short; it propagates to the result untouched.
	InputTruncated bool
}

// Result is the output of one HTML to Markdown transform.
type Result struct {
	Markdown  string            `json:"markdown"`
	Title     string            `json:"title,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Truncated bool              `json:"truncated"`
}

// Converter converts HTML to markdown. Instances are not safe for
// concurrent use; each worker owns its own.
type Converter struct {
	converter *md.Converter
}

// New creates a Converter with GitHub-flavored markdown output.
func New() *Converter {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &Converter{converter: converter}
}

// Convert transforms HTML content to markdown.
func (c *Converter) Convert(content []byte, pageURL string, opts Options) (*Result, error) {
	title := extractHTMLTitle(content)

	var cleaned string
	if opts.SkipNoiseRemoval {
		cleaned = basicHTMLCleanup(string(content))
	} else {
		readable, readableTitle := extractReadable(content, pageURL)
		if readable != "" {
			cleaned = readable
			if title == "" {
				title = readableTitle
			}
		} else {
			cleaned = extractMainContent(content)
		}
	}

	markdown, err := c.converter.ConvertString(cleaned)
	if err != nil {
		return nil, weberr.New(weberr.CodeTransformFailed, pageURL, "convert to markdown: %v", err)
	}
	markdown = cleanMarkdown(markdown)

	if title == "" {
		title = extractMarkdownTitle(markdown)
	}

	result := &Result{
		Markdown:  markdown,
		Title:     title,
		Truncated: opts.InputTruncated,
	}
	if opts.IncludeMetadata {
		result.Metadata = extractMetadata(content)
	}
	return result, nil
}

// extractReadable runs the readability algorithm and returns the cleaned
// article HTML, or "" when the page yields too little to trust.
func extractReadable(content []byte, pageURL string) (string, string) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		parsed = nil
	}
	article, err := readability.FromReader(bytes.NewReader(content), parsed)
	if err != nil {
		return "", ""
	}
	if len(strings.TrimSpace(article.TextContent)) < readabilityMinChars {
		return "", ""
	}
	return article.Content, article.Title
}

// extractHTMLTitle extracts the <title> text from HTML.
func extractHTMLTitle(content []byte) string {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return ""
	}

	var title string
	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if title != "" {
				return
			}
			extract(c)
		}
	}
	extract(doc)

	return title
}

// extractMainContent extracts the main content area from HTML, used when
// readability declines the page.
func extractMainContent(content []byte) string {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return basicHTMLCleanup(string(content))
	}

	// Main content areas in priority order
	for _, selector := range []string{"main", "article", "[role=main]"} {
		if node := findElement(doc, selector); node != nil {
			return renderNode(node)
		}
	}

	removeElements(doc, []string{
		"nav", "header", "footer", "aside", "script", "style", "noscript",
		"iframe", "object", "embed", "form", "input", "button",
	})
	removeByClass(doc, []string{
		"nav", "navbar", "navigation", "sidebar", "menu", "toc",
		"table-of-contents", "footer", "header", "ad", "advertisement",
		"social", "share", "comments", "related", "breadcrumb", "cookie-banner",
	})

	if body := findElement(doc, "body"); body != nil {
		return renderNode(body)
	}

	return string(content)
}

// findElement finds the first element matching a simple selector.
func findElement(n *html.Node, selector string) *html.Node {
	var result *html.Node
	var find func(*html.Node)
	find = func(node *html.Node) {
		if result != nil {
			return
		}
		if node.Type == html.ElementNode && matchesSelector(node, selector) {
			result = node
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			find(c)
		}
	}
	find(n)
	return result
}

// matchesSelector checks if a node matches a tag-name or [attr=value]
// selector.
func matchesSelector(n *html.Node, selector string) bool {
	if strings.HasPrefix(selector, "[") && strings.HasSuffix(selector, "]") {
		attr := strings.TrimSuffix(strings.TrimPrefix(selector, "["), "]")
		parts := strings.SplitN(attr, "=", 2)
		if len(parts) == 2 {
			for _, a := range n.Attr {
				if a.Key == parts[0] && a.Val == parts[1] {
					return true
				}
			}
		}
		return false
	}
	return n.Data == selector
}

// removeElements removes all elements with the given tag names.
func removeElements(n *html.Node, tags []string) {
	tagSet := make(map[string]bool)
	for _, tag := range tags {
		tagSet[tag] = true
	}

	var toRemove []*html.Node
	var collect func(*html.Node)
	collect = func(node *html.Node) {
		if node.Type == html.ElementNode && tagSet[node.Data] {
			toRemove = append(toRemove, node)
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)

	for _, node := range toRemove {
		if node.Parent != nil {
			node.Parent.RemoveChild(node)
		}
	}
}

// removeByClass removes elements that carry any of the given class names.
func removeByClass(n *html.Node, classes []string) {
	classSet := make(map[string]bool)
	for _, class := range classes {
		classSet[strings.ToLower(class)] = true
	}

	var toRemove []*html.Node
	var collect func(*html.Node)
	collect = func(node *html.Node) {
		if node.Type == html.ElementNode {
			for _, a := range node.Attr {
				if a.Key == "class" {
					for _, c := range strings.Fields(strings.ToLower(a.Val)) {
						if classSet[c] {
							toRemove = append(toRemove, node)
							return
						}
					}
				}
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)

	for _, node := range toRemove {
		if node.Parent != nil {
			node.Parent.RemoveChild(node)
		}
	}
}

// renderNode renders a node and its children back to an HTML string.
func renderNode(n *html.Node) string {
	var sb strings.Builder
	_ = html.Render(&sb, n)
	return sb.String()
}

// basicHTMLCleanup strips script and style blocks when full parsing is
// skipped or fails.
func basicHTMLCleanup(content string) string {
	content = scriptRe.ReplaceAllString(content, "")
	content = styleRe.ReplaceAllString(content, "")
	return content
}

// cleanMarkdown normalizes converted markdown.
func cleanMarkdown(content string) string {
	content = excessiveLinesRe.ReplaceAllString(content, "\n\n\n")

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// extractMarkdownTitle extracts the first H1 heading from markdown.
func extractMarkdownTitle(content string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}

// extractMetadata collects description, open graph, canonical, and language
// metadata from the page head.
func extractMetadata(content []byte) map[string]string {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return nil
	}

	meta := make(map[string]string)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "html":
				if lang := attrValue(n, "lang"); lang != "" {
					meta["language"] = lang
				}
			case "meta":
				name := attrValue(n, "name")
				if name == "" {
					name = attrValue(n, "property")
				}
				value := attrValue(n, "content")
				if value == "" {
					break
				}
				switch name {
				case "description", "author":
					meta[name] = value
				case "og:title", "og:description", "og:site_name", "og:image", "og:type":
					meta[name] = value
				}
			case "link":
				if attrValue(n, "rel") == "canonical" {
					if href := attrValue(n, "href"); href != "" {
						meta["canonical"] = href
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if len(meta) == 0 {
		return nil
	}
	return meta
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}
