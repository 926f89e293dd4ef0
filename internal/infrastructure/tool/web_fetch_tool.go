package tool

import (
	"context"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	domaintool "github.com/kestrelrun/kestrel/internal/domain/tool"
	"go.uber.org/zap"
)

const (
	webFetchTimeout  = 30 * time.Second
	webFetchMaxBytes = 512 * 1024
	webFetchMaxChars = 20000
)

// WebFetchTool fetches a URL with the process's own HTTP client and
// reduces HTML to readable text — no curl/python subprocess chain.
type WebFetchTool struct {
	client *http.Client
	logger *zap.Logger
}

func NewWebFetchTool(logger *zap.Logger) *WebFetchTool {
	return &WebFetchTool{
		client: &http.Client{Timeout: webFetchTimeout},
		logger: logger,
	}
}

func (t *WebFetchTool) Name() string         { return "web_fetch" }
func (t *WebFetchTool) Kind() domaintool.Kind { return domaintool.KindFetch }
func (t *WebFetchTool) Description() string {
	return "Fetch a URL and return its text content. Useful for reading documentation, articles, or APIs."
}

func (t *WebFetchTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "The http(s) URL to fetch",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	url, _ := args["url"].(string)
	if url == "" {
		return failure("url is required"), nil
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return failure("only http(s) URLs are supported"), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return failure("bad url: %v", err), nil
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; kestrel)")

	resp, err := t.client.Do(req)
	if err != nil {
		return failure("fetch failed: %v", err), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, webFetchMaxBytes))
	if err != nil {
		return failure("read body: %v", err), nil
	}

	text := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		text = htmlToText(text)
	}
	if len(text) > webFetchMaxChars {
		text = text[:webFetchMaxChars] + "\n... [truncated]"
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return failure("no content could be extracted from %s", url), nil
	}

	t.logger.Debug("web_fetch", zap.String("url", url), zap.Int("status", resp.StatusCode), zap.Int("chars", len(text)))

	return &Result{
		Output:  text,
		Success: resp.StatusCode < 400,
		Metadata: map[string]interface{}{
			"url":    url,
			"status": resp.StatusCode,
			"chars":  len(text),
		},
	}, nil
}

var (
	scriptStyleRe = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	tagRe         = regexp.MustCompile(`(?s)<[^>]*>`)
	blankRunRe    = regexp.MustCompile(`\n{3,}`)
)

// htmlToText strips markup well enough for an LLM to read an article;
// it is not an HTML parser and does not try to be.
func htmlToText(html string) string {
	out := scriptStyleRe.ReplaceAllString(html, " ")
	out = tagRe.ReplaceAllString(out, "\n")
	out = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'", "&nbsp;", " ").Replace(out)
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			lines = append(lines, s)
		}
	}
	joined := strings.Join(lines, "\n")
	return blankRunRe.ReplaceAllString(joined, "\n\n")
}
