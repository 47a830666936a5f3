package surface

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/playwright-community/playwright-go"

	"github.com/ashureev/webchat-proxy/internal/config"
	"github.com/ashureev/webchat-proxy/internal/domain"
)

const (
	inputWaitMs     = 3000.0
	navigateTimeout = 60000.0
	settleDelay     = 300 * time.Millisecond
)

// Browser drives the real chat page through Playwright.
type Browser struct {
	bctx    playwright.BrowserContext
	page    playwright.Page
	sel     config.Selectors
	chatURL string
	closeFn func() error
	logger  *slog.Logger

	// baseline is the number of reply containers present before the last
	// submission; a new reply exists once the count exceeds it.
	baseline int
}

// NewBrowser wraps an already navigated page.
func NewBrowser(bctx playwright.BrowserContext, page playwright.Page, sel config.Selectors, chatURL string, closeFn func() error, logger *slog.Logger) *Browser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Browser{
		bctx:    bctx,
		page:    page,
		sel:     sel,
		chatURL: chatURL,
		closeFn: closeFn,
		logger:  logger,
	}
}

// Submit implements Surface.
func (b *Browser) Submit(ctx context.Context, conversation []domain.Message) error {
	prompt := RenderPrompt(conversation)
	if prompt == "" {
		return fmt.Errorf("%w: empty prompt", domain.ErrDispatch)
	}

	input, selector := b.firstVisible(b.sel.Input, inputWaitMs)
	if input == nil {
		b.logger.Warn("Input not found, reloading chat page")
		if err := b.navigate(); err != nil {
			return fmt.Errorf("%w: reload chat page: %v", domain.ErrDispatch, err)
		}
		input, selector = b.firstVisible(b.sel.Input, inputWaitMs)
	}
	if input == nil {
		return fmt.Errorf("%w: chat input not found; the login may have expired", domain.ErrDispatch)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDispatch, err)
	}

	b.baseline = b.replyCount()

	if err := input.Click(); err != nil {
		return fmt.Errorf("%w: focus input: %v", domain.ErrDispatch, err)
	}
	if err := pause(ctx, settleDelay); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDispatch, err)
	}

	if err := b.fillEditor(selector, prompt); err != nil {
		b.logger.Debug("Editor injection failed, typing instead", "error", err)
		if err := b.page.Keyboard().InsertText(prompt); err != nil {
			return fmt.Errorf("%w: type prompt: %v", domain.ErrDispatch, err)
		}
	}
	if err := pause(ctx, settleDelay); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDispatch, err)
	}

	if btn, _ := b.firstVisible(b.sel.SendButton, 0); btn != nil {
		if err := btn.Click(); err == nil {
			return nil
		}
	}
	if err := b.page.Keyboard().Press("Enter"); err != nil {
		return fmt.Errorf("%w: send: %v", domain.ErrDispatch, err)
	}
	return nil
}

// pause waits for d or until ctx is done.
func pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsGenerating implements Surface. A reply that has not started yet counts
// as generating.
func (b *Browser) IsGenerating(ctx context.Context) (bool, error) {
	if err := b.Ping(ctx); err != nil {
		return false, err
	}
	if btn, _ := b.firstVisible(b.sel.StopButton, 0); btn != nil {
		return true, nil
	}
	return b.replyCount() <= b.baseline, nil
}

// LatestReply implements Surface.
func (b *Browser) LatestReply(ctx context.Context) (string, error) {
	reply, err := b.latestReply()
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}

// LatestMedia implements Surface.
func (b *Browser) LatestMedia(ctx context.Context) ([]MediaHandle, error) {
	reply, err := b.latestReply()
	if err != nil {
		return nil, err
	}
	sources, err := ImageSources(reply.HTML, b.sel.ReplyImages)
	if err != nil {
		return nil, err
	}

	handles := make([]MediaHandle, 0, len(sources))
	for _, src := range sources {
		handles = append(handles, &browserImage{b: b, src: src})
	}
	return handles, nil
}

// Reset implements Surface.
func (b *Browser) Reset(ctx context.Context) error {
	if btn, _ := b.firstVisible(b.sel.StopButton, 0); btn != nil {
		if err := btn.Click(); err != nil {
			b.logger.Debug("Stop button click failed", "error", err)
		}
	}
	if err := b.navigate(); err != nil {
		return fmt.Errorf("open new conversation: %w", err)
	}
	if input, _ := b.firstVisible(b.sel.Input, inputWaitMs); input == nil {
		return errors.New("chat input not visible after reset")
	}
	b.baseline = b.replyCount()
	return nil
}

// Ping implements Surface.
func (b *Browser) Ping(ctx context.Context) error {
	if b.page.IsClosed() {
		return errors.New("page closed")
	}
	if _, err := b.page.Title(); err != nil {
		return fmt.Errorf("page unresponsive: %w", err)
	}
	return nil
}

// Close implements Surface.
func (b *Browser) Close() error {
	if b.closeFn == nil {
		return nil
	}
	return b.closeFn()
}

func (b *Browser) navigate() error {
	waitUntil := playwright.WaitUntilState("domcontentloaded")
	_, err := b.page.Goto(b.chatURL, playwright.PageGotoOptions{
		WaitUntil: &waitUntil,
		Timeout:   playwright.Float(navigateTimeout),
	})
	return err
}

// firstVisible returns the first visible element among selectors. With
// waitMs > 0 each selector is awaited for that long.
func (b *Browser) firstVisible(selectors []string, waitMs float64) (playwright.ElementHandle, string) {
	for _, sel := range selectors {
		var (
			el  playwright.ElementHandle
			err error
		)
		if waitMs > 0 {
			el, err = b.page.WaitForSelector(sel, playwright.PageWaitForSelectorOptions{
				Timeout: playwright.Float(waitMs),
			})
		} else {
			el, err = b.page.QuerySelector(sel)
		}
		if err != nil || el == nil {
			continue
		}
		if visible, err := el.IsVisible(); err == nil && visible {
			return el, sel
		}
	}
	return nil, ""
}

const fillEditorJS = `({selector, text}) => {
	const editor = document.querySelector(selector);
	if (!editor) return false;
	editor.innerHTML = '';
	for (const line of text.split('\n')) {
		const p = document.createElement('p');
		if (line) { p.textContent = line; } else { p.appendChild(document.createElement('br')); }
		editor.appendChild(p);
	}
	editor.dispatchEvent(new Event('input', { bubbles: true }));
	editor.dispatchEvent(new Event('change', { bubbles: true }));
	return true;
}`

func (b *Browser) fillEditor(selector, text string) error {
	res, err := b.page.Evaluate(fillEditorJS, map[string]interface{}{
		"selector": selector,
		"text":     text,
	})
	if err != nil {
		return err
	}
	if ok, _ := res.(bool); !ok {
		return errors.New("editor not found")
	}
	return nil
}

const replyCountJS = `(selectors) => {
	for (const sel of selectors) {
		const n = document.querySelectorAll(sel).length;
		if (n > 0) return n;
	}
	return 0;
}`

func (b *Browser) replyCount() int {
	res, err := b.page.Evaluate(replyCountJS, b.sel.Reply)
	if err != nil {
		return 0
	}
	switch n := res.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// latestReplyJS returns the text of the newest reply and the HTML of its
// enclosing turn, which is where generated images are attached.
const latestReplyJS = `(selectors) => {
	for (const sel of selectors) {
		const els = document.querySelectorAll(sel);
		if (els.length === 0) continue;
		const last = els[els.length - 1];
		const turn = last.closest('model-response') || last;
		return { text: last.innerText.trim(), html: turn.outerHTML };
	}
	return { text: '', html: '' };
}`

type replySnapshot struct {
	Text string
	HTML string
}

func (b *Browser) latestReply() (replySnapshot, error) {
	res, err := b.page.Evaluate(latestReplyJS, b.sel.Reply)
	if err != nil {
		return replySnapshot{}, fmt.Errorf("read latest reply: %w", err)
	}
	m, ok := res.(map[string]interface{})
	if !ok {
		return replySnapshot{}, fmt.Errorf("read latest reply: unexpected result %T", res)
	}
	text, _ := m["text"].(string)
	html, _ := m["html"].(string)
	return replySnapshot{Text: text, HTML: html}, nil
}

// ImageSources extracts image sources from reply HTML in document order,
// using the first selector that matches anything. Duplicates and icon-sized
// inline images are skipped.
func ImageSources(html string, selectors []string) ([]string, error) {
	if strings.TrimSpace(html) == "" {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse reply html: %w", err)
	}

	for _, sel := range selectors {
		var sources []string
		seen := make(map[string]bool)
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			src, ok := s.Attr("src")
			if !ok || src == "" || seen[src] || !isContentImage(s, src) {
				return
			}
			seen[src] = true
			sources = append(sources, src)
		})
		if len(sources) > 0 {
			return sources, nil
		}
	}
	return nil, nil
}

func isContentImage(s *goquery.Selection, src string) bool {
	switch {
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"), strings.HasPrefix(src, "blob:"):
	case strings.HasPrefix(src, "data:image/"):
	default:
		return false
	}
	if w, ok := s.Attr("width"); ok && (w == "16" || w == "20" || w == "24" || w == "32") {
		return false
	}
	return s.ParentsFiltered("button").Length() == 0
}

// browserImage reads an image referenced by the page, using the browser
// context's cookies for remote URLs.
type browserImage struct {
	b           *Browser
	src         string
	contentType string
}

const blobToBase64JS = `async (src) => {
	const resp = await fetch(src);
	const blob = await resp.blob();
	const buf = new Uint8Array(await blob.arrayBuffer());
	let bin = '';
	for (let i = 0; i < buf.length; i++) bin += String.fromCharCode(buf[i]);
	return { type: blob.type, data: btoa(bin) };
}`

func (h *browserImage) Read(ctx context.Context) ([]byte, error) {
	switch {
	case strings.HasPrefix(h.src, "data:"):
		meta, payload, ok := strings.Cut(strings.TrimPrefix(h.src, "data:"), ",")
		if !ok || !strings.HasSuffix(meta, ";base64") {
			return nil, errors.New("unsupported data url")
		}
		h.contentType = strings.TrimSuffix(meta, ";base64")
		return base64.StdEncoding.DecodeString(payload)

	case strings.HasPrefix(h.src, "blob:"):
		res, err := h.b.page.Evaluate(blobToBase64JS, h.src)
		if err != nil {
			return nil, fmt.Errorf("fetch blob: %w", err)
		}
		m, _ := res.(map[string]interface{})
		data, _ := m["data"].(string)
		h.contentType, _ = m["type"].(string)
		return base64.StdEncoding.DecodeString(data)

	default:
		resp, err := h.b.bctx.Request().Get(h.src)
		if err != nil {
			return nil, fmt.Errorf("download image: %w", err)
		}
		if !resp.Ok() {
			return nil, fmt.Errorf("download image: status %d", resp.Status())
		}
		h.contentType = resp.Headers()["content-type"]
		return resp.Body()
	}
}

func (h *browserImage) ContentType() string { return h.contentType }

func (h *browserImage) Source() string {
	if len(h.src) > 80 {
		return h.src[:80] + "..."
	}
	return h.src
}
