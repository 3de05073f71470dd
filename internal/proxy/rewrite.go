package proxy

import (
	"regexp"
	"strings"
)

// Path-mode HTML rewriting. Dev servers emit root-relative URLs that would
// resolve against the public origin instead of the /preview/<id>/ prefix,
// so matching attribute values are prefixed and a <base> element injected.
// JS module import specifiers cannot be rewritten this way; path mode is
// best-effort and subdomain mode is preferred.

var (
	urlAttrRe = regexp.MustCompile(`(?i)\b(src|href|action|data|poster)\s*=\s*(["'])([^"']*)(["'])`)
	srcsetRe  = regexp.MustCompile(`(?i)\bsrcset\s*=\s*(["'])([^"']*)(["'])`)
	headRe    = regexp.MustCompile(`(?i)<head[^>]*>`)
	baseRe    = regexp.MustCompile(`(?i)<base\b`)
)

// RewriteHTML prefixes root-relative URLs in an HTML document so they
// resolve under the session's path prefix. prefix is "/preview/<id>".
func RewriteHTML(body []byte, prefix string) []byte {
	html := string(body)

	html = urlAttrRe.ReplaceAllStringFunc(html, func(match string) string {
		parts := urlAttrRe.FindStringSubmatch(match)
		attr, quote, url := parts[1], parts[2], parts[3]
		return attr + "=" + quote + rewriteURL(url, prefix) + quote
	})

	html = srcsetRe.ReplaceAllStringFunc(html, func(match string) string {
		parts := srcsetRe.FindStringSubmatch(match)
		quote, value := parts[1], parts[2]
		return "srcset=" + quote + rewriteSrcset(value, prefix) + quote
	})

	html = injectBase(html, prefix)
	return []byte(html)
}

// rewriteURL prefixes a single root-relative URL. Protocol-relative,
// absolute, data, fragment, and already-prefixed URLs pass through.
func rewriteURL(url, prefix string) string {
	if url == "" || !strings.HasPrefix(url, "/") {
		return url
	}
	if strings.HasPrefix(url, "//") {
		return url
	}
	if strings.HasPrefix(url, prefix+"/") || url == prefix {
		return url
	}
	return prefix + url
}

// rewriteSrcset applies the URL rewrite to every candidate in a srcset
// value ("url descriptor, url descriptor, ...").
func rewriteSrcset(value, prefix string) string {
	candidates := strings.Split(value, ",")
	for i, candidate := range candidates {
		fields := strings.Fields(strings.TrimSpace(candidate))
		if len(fields) == 0 {
			continue
		}
		fields[0] = rewriteURL(fields[0], prefix)
		candidates[i] = strings.Join(fields, " ")
	}
	return strings.Join(candidates, ", ")
}

// injectBase adds <base href="<prefix>/"> right after <head> as a fallback
// for URLs built at runtime. Documents that already carry a <base> element
// are left alone.
func injectBase(html, prefix string) string {
	if baseRe.MatchString(html) {
		return html
	}
	loc := headRe.FindStringIndex(html)
	if loc == nil {
		return html
	}
	return html[:loc[1]] + `<base href="` + prefix + `/">` + html[loc[1]:]
}
