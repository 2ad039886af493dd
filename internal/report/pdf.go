package report

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const DefaultRenderTimeout = 30 * time.Second

const styleCSS = `body{font-family:-apple-system,"Segoe UI",Helvetica,Arial,sans-serif;color:#1c1917;line-height:1.45;font-size:0.9rem;}
h1{font-size:1.5rem;border-bottom:2px solid #0f766e;padding-bottom:0.3rem;}
h2{font-size:1.15rem;color:#0f766e;margin-top:1.4rem;}
h3{font-size:1rem;margin-top:1.1rem;}
table{width:100%;border-collapse:collapse;font-size:0.8rem;}
th,td{border:1px solid #a8a29e;padding:0.35rem 0.45rem;text-align:left;vertical-align:top;}
thead th{background:#f1f5f9;font-weight:700;}
a{color:#1d4ed8;}
h3[data-page-break-before="true"]{break-before:page;page-break-before:always;}
@media print{@page{size:auto;margin:12mm;}}`

// HTML converts a markdown report into a standalone HTML document.
func HTML(title, markdown string) (string, error) {
	var content strings.Builder
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := md.Convert([]byte(markdown), &content); err != nil {
		return "", fmt.Errorf("markdown convert: %w", err)
	}
	return "<!doctype html><html><head><meta charset='utf-8'><title>" + html.EscapeString(title) + "</title>" +
		"<style>" + styleCSS + "\n" +
		"html,body,*{-webkit-print-color-adjust:exact !important;print-color-adjust:exact !important;}" +
		"</style></head><body><div class='report-html'>" +
		applyPrintLayoutHooks(content.String()) +
		"</div></body></html>", nil
}

var reMatchHeading = regexp.MustCompile(`<h3>\s*([0-9]+)\.\s`)

// applyPrintLayoutHooks starts every match section after the first on a new
// page.
func applyPrintLayoutHooks(contentHTML string) string {
	return reMatchHeading.ReplaceAllStringFunc(contentHTML, func(h string) string {
		n := reMatchHeading.FindStringSubmatch(h)[1]
		if n == "1" {
			return h
		}
		return strings.Replace(h, "<h3>", `<h3 data-page-break-before="true">`, 1)
	})
}

// PDFRenderer prints HTML reports through headless Chromium.
type PDFRenderer struct {
	chromePath string
	timeout    time.Duration
}

// NewPDFRenderer uses chromePath when set, otherwise the first Chromium
// found on the usual paths, otherwise chromedp's own lookup.
func NewPDFRenderer(chromePath string) *PDFRenderer {
	if strings.TrimSpace(chromePath) == "" {
		chromePath = detectChromePath()
	}
	return &PDFRenderer{chromePath: chromePath, timeout: DefaultRenderTimeout}
}

func (r *PDFRenderer) Render(ctx context.Context, title, markdown string) ([]byte, error) {
	htmlDoc, err := HTML(title, markdown)
	if err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	}
	if r.chromePath != "" {
		opts = append(opts, chromedp.ExecPath(r.chromePath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(timeoutCtx, append(chromedp.DefaultExecAllocatorOptions[:], opts...)...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	var pdf []byte
	dataURL := "data:text/html;base64," + base64.StdEncoding.EncodeToString([]byte(htmlDoc))
	if err := chromedp.Run(taskCtx,
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			footer := `<div style="width:100%;text-align:center;font-size:9px;color:#666;">` +
				`Page <span class="pageNumber"></span> of <span class="totalPages"></span></div>`
			out, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithDisplayHeaderFooter(true).
				WithHeaderTemplate(`<div></div>`).
				WithFooterTemplate(footer).
				WithPaperWidth(8.27).
				WithPaperHeight(11.69).
				WithMarginTop(0.5).
				WithMarginBottom(0.75).
				WithMarginLeft(0.45).
				WithMarginRight(0.45).
				Do(ctx)
			if err != nil {
				return err
			}
			pdf = out
			return nil
		}),
	); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return pdf, nil
}

func detectChromePath() string {
	candidates := []string{
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/usr/bin/google-chrome",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
