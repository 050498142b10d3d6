package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/html"

	"github.com/wopa-project/wopa/config"
	"github.com/wopa-project/wopa/httpx"
	"github.com/wopa-project/wopa/wire"
)

// Link worker step weights. Content analysis is further split across the
// page HTML and its scripts, see splitContentWeight.
const (
	accessibilityWeight  = 0.2
	contentWeight        = 0.3
	suspiciousnessWeight = 0.5
)

// maxPageBytes caps how much of the landing page body is read.
const maxPageBytes = 2 << 20

// pageScript is one script artifact extracted from the fetched page.
type pageScript struct {
	origin string // page URL for inline scripts, script URL for linked ones
	body   string
}

// linkAnalysis carries the fetched page across the link worker's steps. The
// accessibility step populates it; the content step reads it.
type linkAnalysis struct {
	provider *ProviderClient
	cfg      config.WorkerConfig
	rawURL   string
	fetch    *http.Client

	mu      sync.Mutex
	fetched bool
	page    string
	scripts []pageScript
}

// linkSteps composes the link worker: page fetch, per-artifact content
// analysis, and an overall URL suspiciousness judgment.
func linkSteps(provider *ProviderClient, cfg config.WorkerConfig, payload map[string]string) ([]Step, error) {
	rawURL := payload["url"]
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, errors.Errorf("link worker: invalid url %q", rawURL)
	}

	la := &linkAnalysis{
		provider: provider,
		cfg:      cfg,
		rawURL:   rawURL,
		fetch: &http.Client{
			Timeout: time.Duration(cfg.FetchTimeoutSeconds) * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return errors.New("too many redirects")
				}
				return nil
			},
		},
	}

	accessibility := StaticStep("Page_Accessibility", cfg.AccessibilityCritical, CheckSpec{
		ID:     "page_accessibility",
		Agent:  "http_fetch",
		Weight: accessibilityWeight,
		Run:    la.runAccessibility,
	})
	content := Step{
		Name:  "Content_Analysis",
		Build: la.buildContentChecks,
	}
	suspiciousness := StaticStep("LLM_Link_Suspiciousness", false, CheckSpec{
		ID:     "link_suspiciousness",
		Agent:  "llm_chat",
		Weight: suspiciousnessWeight,
		Run:    la.runSuspiciousness,
	})
	return []Step{accessibility, content, suspiciousness}, nil
}

func (la *linkAnalysis) runAccessibility(ctx context.Context) (*Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, la.rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build fetch request")
	}
	resp, err := la.fetch.Do(req)
	if err != nil {
		return nil, errors.Wrapf(httpx.ErrTransport, "fetch page: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Errorf("fetch page: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read page body")
	}

	page := string(body)
	scripts := la.extractScripts(ctx, page, resp.Request.URL)

	la.mu.Lock()
	la.fetched = true
	la.page = page
	la.scripts = scripts
	la.mu.Unlock()

	return &Outcome{
		RiskLevel:   wire.RiskLow,
		Confidence:  0.8,
		Explanation: fmt.Sprintf("page reachable, %d bytes, %d scripts extracted", len(body), len(scripts)),
	}, nil
}

// extractScripts walks the parsed page and collects inline script bodies
// and same-fetch linked scripts, bounded by the configured caps.
func (la *linkAnalysis) extractScripts(ctx context.Context, page string, base *url.URL) []pageScript {
	root, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil
	}

	var scripts []pageScript
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(scripts) >= la.cfg.MaxScripts {
			return
		}
		if n.Type == html.ElementNode && n.Data == "script" {
			if s := la.scriptFromNode(ctx, n, base); s != nil {
				scripts = append(scripts, *s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return scripts
}

func (la *linkAnalysis) scriptFromNode(ctx context.Context, n *html.Node, base *url.URL) *pageScript {
	for _, attr := range n.Attr {
		if attr.Key != "src" || attr.Val == "" {
			continue
		}
		ref, err := url.Parse(attr.Val)
		if err != nil {
			return nil
		}
		target := base.ResolveReference(ref)
		body, err := la.fetchScript(ctx, target.String())
		if err != nil {
			return nil // an unreachable script is skipped, not a failure
		}
		return &pageScript{origin: target.String(), body: body}
	}

	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	}
	body := strings.TrimSpace(sb.String())
	if body == "" {
		return nil
	}
	if len(body) > la.cfg.MaxScriptBytes {
		body = body[:la.cfg.MaxScriptBytes]
	}
	return &pageScript{origin: la.rawURL, body: body}
}

func (la *linkAnalysis) fetchScript(ctx context.Context, scriptURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scriptURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := la.fetch.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errors.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(la.cfg.MaxScriptBytes)))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// buildContentChecks is only meaningful once the accessibility step has
// fetched the page; with no page there is nothing to analyze.
func (la *linkAnalysis) buildContentChecks(ctx context.Context) ([]CheckSpec, error) {
	la.mu.Lock()
	fetched, page, scripts := la.fetched, la.page, la.scripts
	la.mu.Unlock()
	if !fetched {
		return nil, errors.New("page was not fetched")
	}

	htmlWeight, scriptWeight := splitContentWeight(contentWeight, la.cfg.HTMLShare, len(scripts))

	truncated := page
	if len(truncated) > la.cfg.MaxScriptBytes {
		truncated = truncated[:la.cfg.MaxScriptBytes]
	}
	checks := []CheckSpec{{
		ID:     "html_analysis",
		Agent:  "llm_chat",
		Weight: htmlWeight,
		Run: func(ctx context.Context) (*Outcome, error) {
			raw, err := la.provider.ChatComplete(ctx, fmt.Sprintf(htmlAnalysisPrompt, la.rawURL, truncated))
			if err != nil {
				return nil, err
			}
			return parseFinding(raw)
		},
	}}
	for i, s := range scripts {
		s := s
		checks = append(checks, CheckSpec{
			ID:     fmt.Sprintf("script_analysis_%d", i+1),
			Agent:  "llm_chat",
			Weight: scriptWeight,
			Run: func(ctx context.Context) (*Outcome, error) {
				raw, err := la.provider.ChatComplete(ctx, fmt.Sprintf(scriptAnalysisPrompt, s.origin, s.body))
				if err != nil {
					return nil, err
				}
				return parseFinding(raw)
			},
		})
	}
	return checks, nil
}

func (la *linkAnalysis) runSuspiciousness(ctx context.Context) (*Outcome, error) {
	raw, err := la.provider.ChatComplete(ctx, fmt.Sprintf(linkSuspiciousnessPrompt, la.rawURL))
	if err != nil {
		return nil, err
	}
	return parseFinding(raw)
}
