package capture

import (
	"context"
	"fmt"
	"strings"
	"time"

	"estrader/internal/trace"

	"github.com/chromedp/chromedp"
	"go.opentelemetry.io/otel/attribute"
)

// BrowserCapturer 用无头 Chrome 打开图表页面并截图。
type BrowserCapturer struct {
	URL      string
	Selector string
	Width    int
	Height   int
	Wait     time.Duration
	Timeout  time.Duration
	nowFn    func() time.Time
}

func NewBrowserCapturer(url, selector string, width, height int, wait time.Duration) *BrowserCapturer {
	if width <= 0 {
		width = 1600
	}
	if height <= 0 {
		height = 900
	}
	return &BrowserCapturer{
		URL:      url,
		Selector: strings.TrimSpace(selector),
		Width:    width,
		Height:   height,
		Wait:     wait,
		Timeout:  45 * time.Second,
		nowFn:    time.Now,
	}
}

func (b *BrowserCapturer) Capture(ctx context.Context) (snap Snapshot, err error) {
	ctx, span := trace.StartSpan(ctx, "capture.browser", attribute.String("url", b.URL))
	defer func() { trace.End(span, err) }()

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.WindowSize(b.Width, b.Height),
	)...)
	defer cancelAlloc()
	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()
	runCtx, cancelTimeout := context.WithTimeout(browserCtx, b.Timeout)
	defer cancelTimeout()

	var shot []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(b.Width), int64(b.Height)),
		chromedp.Navigate(b.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if b.Wait > 0 {
		tasks = append(tasks, chromedp.Sleep(b.Wait))
	}
	if b.Selector != "" {
		tasks = append(tasks,
			chromedp.WaitVisible(b.Selector, chromedp.ByQuery),
			chromedp.Screenshot(b.Selector, &shot, chromedp.NodeVisible, chromedp.ByQuery),
		)
	} else {
		tasks = append(tasks, chromedp.FullScreenshot(&shot, 90))
	}
	if err := chromedp.Run(runCtx, tasks...); err != nil {
		return Snapshot{}, fmt.Errorf("capture %s: %w", b.URL, err)
	}
	mime := "image/png"
	if b.Selector == "" {
		mime = "image/jpeg"
	}
	return Snapshot{Image: shot, MIME: mime, Source: b.URL, TakenAt: b.nowFn()}, nil
}
