package parser

import (
	"fmt"
	"regexp"
	"strings"
)

// Inline image URLs hosted by the sender's mail provider do not resolve
// outside the original client; they are rewritten to an explicit notice
// instead of surviving as dead links.
var providerImagePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\[https://attachment\.outlook\.live\.net/[^\]]+\]`),
	regexp.MustCompile(`\[https://[^/\]]*\.outlook\.com/[^\]]+\]`),
	regexp.MustCompile(`\[https://[^\]]*?\.office\.com/[^\]]+\]`),
	regexp.MustCompile(`\[https://[^\]]*outlook[^\]]*?/service\.svc/[^\]]+\]`),
}

const inlineImageUnavailable = "[Inline image not available - please attach images as files instead]"

// Quoted reply history starts at the first "On ... wrote:" marker; the
// ticket body keeps only what precedes it.
var quotedHistoryPattern = regexp.MustCompile(`\r?\n?On .+wrote:`)

// sanitizeBody applies the full body cleanup chain: CID placeholder
// rewriting, provider-hosted image scrubbing, and quoted-history
// stripping.
func (p *Parser) sanitizeBody(body string, cids map[string]string) string {
	if body == "" {
		return ""
	}
	body = rewriteInlineImages(body, cids)
	for _, pattern := range providerImagePatterns {
		body = pattern.ReplaceAllString(body, inlineImageUnavailable)
	}
	if loc := quotedHistoryPattern.FindStringIndex(body); loc != nil {
		body = body[:loc[0]]
	}
	return strings.TrimSpace(body)
}

// rewriteInlineImages replaces [cid:ID] placeholders with a readable
// marker naming the stored file.
func rewriteInlineImages(body string, cids map[string]string) string {
	for contentID, stored := range cids {
		pattern := regexp.MustCompile(`\[cid:` + regexp.QuoteMeta(contentID) + `\]`)
		body = pattern.ReplaceAllString(body, fmt.Sprintf("[Inline image: %s]", stored))
	}
	return body
}
