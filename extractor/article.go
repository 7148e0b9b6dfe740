package extractor

import (
	"fmt"
	nurl "net/url"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	readability "github.com/go-shiori/go-readability"
)

// minContentLength is the shortest readable text accepted as an article.
const minContentLength = 50

// Article extracts the main content of a detail view as Markdown, for
// detail pages that are documents rather than dashboards.
type Article struct {
	conv *converter.Converter
}

// NewArticle creates an Article extractor.
func NewArticle() *Article {
	return &Article{conv: newMarkdownConverter()}
}

// Extract runs readability on rawHTML and converts the result to Markdown.
func (a *Article) Extract(pageURL, rawHTML string) (map[string]any, error) {
	parsed, err := nurl.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("extractor: invalid page url: %w", err)
	}

	article, err := readability.FromReader(strings.NewReader(rawHTML), parsed)
	if err != nil {
		return nil, fmt.Errorf("extractor: readability: %w", err)
	}
	text := strings.TrimSpace(article.TextContent)
	if len(text) < minContentLength {
		return nil, fmt.Errorf("%w: article content (%d chars)", ErrFieldMissing, len(text))
	}

	content, err := a.conv.ConvertString(article.Content, converter.WithDomain(pageURL))
	if err != nil {
		return nil, fmt.Errorf("extractor: markdown conversion: %w", err)
	}

	return map[string]any{
		"title":    article.Title,
		"byline":   article.Byline,
		"excerpt":  article.Excerpt,
		"siteName": article.SiteName,
		"language": article.Language,
		"content":  strings.TrimSpace(content),
		"length":   len(text),
	}, nil
}
