package surface

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/ashureev/webchat-proxy/internal/config"
	"github.com/ashureev/webchat-proxy/internal/domain"
)

const (
	userAgent      = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	viewportWidth  = 1280
	viewportHeight = 800
	pageLoadSettle = 5 * time.Second
)

// PlaywrightLauncher starts a persistent Chromium context over the profile
// directory produced by the external login flow.
type PlaywrightLauncher struct {
	cfg    config.BrowserConfig
	sel    config.Selectors
	logger *slog.Logger
}

// NewPlaywrightLauncher creates a launcher for the given browser settings.
func NewPlaywrightLauncher(cfg config.BrowserConfig, sel config.Selectors, logger *slog.Logger) *PlaywrightLauncher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlaywrightLauncher{cfg: cfg, sel: sel, logger: logger}
}

// Launch starts the browser, opens the chat page and verifies the login is
// still valid. A sign-in page yields domain.ErrSessionUnavailable.
func (l *PlaywrightLauncher) Launch(ctx context.Context) (Surface, error) {
	runOpts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		l.logger.Info("Playwright driver not ready, installing", "error", err)
		if err := playwright.Install(runOpts); err != nil {
			return nil, fmt.Errorf("install playwright: %w", err)
		}
		if pw, err = playwright.Run(runOpts); err != nil {
			return nil, fmt.Errorf("start playwright: %w", err)
		}
	}

	opts := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(l.cfg.Headless),
		Args: []string{
			"--no-sandbox",
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--disable-gpu",
			"--disable-software-rasterizer",
		},
		IgnoreDefaultArgs: []string{"--enable-automation"},
		Viewport:          &playwright.Size{Width: viewportWidth, Height: viewportHeight},
		Locale:            playwright.String("zh-CN"),
		UserAgent:         playwright.String(userAgent),
	}
	if l.cfg.UpstreamProxy != "" {
		opts.Proxy = &playwright.Proxy{Server: l.cfg.UpstreamProxy}
	}

	bctx, err := pw.Chromium.LaunchPersistentContext(l.cfg.ProfileDir, opts)
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch persistent context: %w", err)
	}

	closeFn := func() error {
		var errs []error
		if err := bctx.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := pw.Stop(); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	var page playwright.Page
	if pages := bctx.Pages(); len(pages) > 0 {
		page = pages[0]
	} else if page, err = bctx.NewPage(); err != nil {
		_ = closeFn()
		return nil, fmt.Errorf("open page: %w", err)
	}

	b := NewBrowser(bctx, page, l.sel, l.cfg.ChatURL, closeFn, l.logger)

	l.logger.Info("Loading chat page", "url", l.cfg.ChatURL)
	if err := b.navigate(); err != nil {
		_ = closeFn()
		return nil, fmt.Errorf("load chat page: %w", err)
	}

	select {
	case <-ctx.Done():
		_ = closeFn()
		return nil, ctx.Err()
	case <-time.After(pageLoadSettle):
	}

	title, _ := page.Title()
	pageURL := page.URL()
	l.logger.Info("Chat page loaded", "title", title, "url", pageURL)

	if l.loginRequired(title, pageURL) {
		_ = closeFn()
		return nil, fmt.Errorf("%w: remote login has expired; re-run the login flow to refresh %s",
			domain.ErrSessionUnavailable, l.cfg.ProfileDir)
	}

	if input, _ := b.firstVisible(l.sel.Input, 15000); input == nil {
		l.logger.Warn("Chat input not detected; requests may fail until the login is refreshed")
	}

	return b, nil
}

func (l *PlaywrightLauncher) loginRequired(title, pageURL string) bool {
	title = strings.ToLower(title)
	for _, marker := range l.sel.LoginMarkers {
		marker = strings.ToLower(marker)
		if strings.Contains(title, marker) || strings.Contains(strings.ToLower(pageURL), marker) {
			return true
		}
	}
	return false
}
