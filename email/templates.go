package email

import (
	"fmt"
	"net/url"
	"strings"

	"freegames-notifier/pkg/promo"
)

const baseStyle = "body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n"

func writeHead(b *strings.Builder, extra string) {
	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString(baseStyle)
	b.WriteString(extra)
	b.WriteString("a { color: #2e86de; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".detail, .timestamp, .footer { color: #a0a0a0; }\n")
	b.WriteString("a { color: #54a0ff; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")
}

func (s *Sender) unsubscribeURL(sub *promo.Subscriber) string {
	return fmt.Sprintf("%s/unsubscribe?token=%s", s.baseURL, url.QueryEscape(sub.Token))
}

func (s *Sender) formatDigestBody(sub *promo.Subscriber, events []promo.Event) string {
	var b strings.Builder
	writeHead(&b, ".event { margin-bottom: 24px; padding-bottom: 24px; border-bottom: 2px solid #2e86de; overflow: hidden; }\n"+
		".event:last-of-type { border-bottom: none; }\n"+
		".event img { float: left; width: 120px; margin: 0 16px 8px 0; }\n"+
		".title { font-weight: 600; font-size: 1.2em; }\n"+
		".kind { font-size: 0.8em; text-transform: uppercase; letter-spacing: 0.05em; color: #fff; background: #2e86de; padding: 2px 6px; border-radius: 3px; margin-right: 6px; }\n"+
		".kind.deadline { background: #e67e22; }\n"+
		".detail { color: #555; }\n"+
		".timestamp { color: #7f8c8d; font-size: 0.9em; }\n"+
		".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }\n")

	for _, e := range events {
		b.WriteString("<div class=\"event\">\n")
		if e.ImageURL != "" && isSafeURL(e.ImageURL) && !strings.HasPrefix(e.ImageURL, "/") {
			b.WriteString(fmt.Sprintf("<img src=\"%s\" alt=\"%s\">\n", escapeHTML(e.ImageURL), escapeHTML(e.Title)))
		}
		label := "New"
		if e.Kind == promo.EventDeadline {
			label = "Ending soon"
		}
		b.WriteString(fmt.Sprintf("<div><span class=\"kind %s\">%s</span><span class=\"title\">%s</span></div>\n",
			escapeHTML(string(e.Kind)), label, escapeHTML(e.Title)))
		b.WriteString(fmt.Sprintf("<div class=\"detail\">%s</div>\n", escapeHTML(e.Detail)))
		b.WriteString(fmt.Sprintf("<div class=\"timestamp\">%s UTC</div>\n", e.At.UTC().Format("Jan 2, 2006 at 3:04 PM")))
		b.WriteString("</div>\n")
	}

	b.WriteString("<div class=\"footer\">\n")
	if s.baseURL != "" {
		b.WriteString(fmt.Sprintf("<a href=\"%s/\">All current free games</a> &bull; \n", escapeHTML(s.baseURL)))
	}
	b.WriteString(fmt.Sprintf("<a href=\"%s\">Unsubscribe</a>\n", escapeHTML(s.unsubscribeURL(sub))))
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")
	return b.String()
}

func (s *Sender) formatWelcomeBody(sub *promo.Subscriber, ip, userAgent string) string {
	var b strings.Builder
	writeHead(&b, ".header { border-bottom: 2px solid #2e86de; padding-bottom: 10px; margin-bottom: 20px; }\n"+
		".info { color: #7f8c8d; font-size: 0.9em; margin: 15px 0; }\n"+
		".footer { margin-top: 20px; padding-top: 10px; border-top: 2px solid #ecf0f1; color: #7f8c8d; font-size: 0.9em; }\n")

	b.WriteString("<div class=\"header\">\n<h2>Free Game Alerts Confirmed</h2>\n</div>\n")
	b.WriteString(fmt.Sprintf("<p>%s will get an email when a game becomes free and again as its promotion is about to end.</p>\n", escapeHTML(sub.Email)))

	b.WriteString("<div class=\"info\">\n")
	b.WriteString("<p><strong>Subscription Details:</strong></p>\n<ul>\n")
	b.WriteString(fmt.Sprintf("<li>IP Address: %s</li>\n", escapeHTML(ip)))
	b.WriteString(fmt.Sprintf("<li>Browser: %s</li>\n", escapeHTML(userAgent)))
	b.WriteString("</ul>\n</div>\n")

	b.WriteString("<div class=\"footer\">\n")
	b.WriteString(fmt.Sprintf("<a href=\"%s\">Unsubscribe</a>\n", escapeHTML(s.unsubscribeURL(sub))))
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")
	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// isSafeURL allows http, https, and relative URLs. It blocks javascript:,
// data:, and other schemes that have no place in an email.
func isSafeURL(urlStr string) bool {
	urlStr = strings.TrimSpace(strings.ToLower(urlStr))
	for _, protocol := range []string{"javascript:", "data:", "vbscript:", "file:", "about:"} {
		if strings.HasPrefix(urlStr, protocol) {
			return false
		}
	}
	return strings.HasPrefix(urlStr, "http://") ||
		strings.HasPrefix(urlStr, "https://") ||
		strings.HasPrefix(urlStr, "/") ||
		(!strings.Contains(urlStr, ":") && urlStr != "")
}
