// Package render prints HTML reports to PDF with headless Chrome.
package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

const defaultTimeout = 2 * time.Minute

// PDF starts a fresh headless browser for every render.
type PDF struct {
	execPath string
	timeout  time.Duration
	logger   zerolog.Logger
}

type Config struct {
	// ExecPath overrides Chrome discovery.
	ExecPath string
	Timeout  time.Duration
	Logger   zerolog.Logger
}

func NewPDF(cfg Config) *PDF {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &PDF{
		execPath: cfg.ExecPath,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger.With().Str("component", "render").Logger(),
	}
}

// newContext starts a headless browser. The caller must call cancel.
func (p *PDF) newContext(parent context.Context) (context.Context, context.CancelFunc) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Headless,
		chromedp.DisableGPU,
		chromedp.NoSandbox,
	)
	if p.execPath != "" {
		opts = append(opts, chromedp.ExecPath(p.execPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	return taskCtx, func() {
		taskCancel()
		allocCancel()
	}
}

// RenderPDF loads html into a blank page and prints it on A4 with
// backgrounds.
func (p *PDF) RenderPDF(ctx context.Context, html []byte) ([]byte, error) {
	if len(html) == 0 {
		return nil, errors.New("render: empty document")
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	taskCtx, closeBrowser := p.newContext(ctx)
	defer closeBrowser()

	start := time.Now()
	var pdf []byte
	err := chromedp.Run(taskCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return fmt.Errorf("get frame tree: %w", err)
			}
			return page.SetDocumentContent(tree.Frame.ID, string(html)).Do(ctx)
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			data, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.27).
				WithPaperHeight(11.69).
				Do(ctx)
			if err != nil {
				return fmt.Errorf("print to pdf: %w", err)
			}
			pdf = data
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	p.logger.Debug().Dur("elapsed", time.Since(start)).Int("bytes", len(pdf)).Msg("report rendered")
	return pdf, nil
}
