package browserhost

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/xscopehub/toolhost/internal/resources"
)

// driver is what the tools need from a browser. Every call runs in its own tab.
type driver interface {
	Navigate(ctx context.Context, url, waitSelector string, timeout time.Duration) (page, error)
	ExtractText(ctx context.Context, url, selector string, timeout time.Duration) (string, error)
	Screenshot(ctx context.Context, url string, fullPage bool, quality int, timeout time.Duration) (image, error)
	Evaluate(ctx context.Context, url, expression string, timeout time.Duration) ([]byte, error)
	Version(ctx context.Context) (version, error)
	Audit(ctx context.Context, url string, tags []string, timeout time.Duration) ([]violation, error)
}

type page struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

type image struct {
	Data     []byte
	MIMEType string
}

// Base64 is the encoded image as carried in a resource part.
func (i image) Base64() string { return base64.StdEncoding.EncodeToString(i.Data) }

type version struct {
	Remote    bool   `json:"remote"`
	Endpoint  string `json:"endpoint"`
	Product   string `json:"product"`
	Protocol  string `json:"protocol_version"`
	UserAgent string `json:"user_agent"`
	JSVersion string `json:"js_version"`
}

type browser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	remote      bool
	endpoint    string
	axeURL      string
	closeOnce   sync.Once
}

var _ driver = (*browser)(nil)

func newBrowser(ctx context.Context, cfg *resources.Config) (any, error) {
	key, value := cfg.RequireOne("BROWSER_WS_URL", "CHROME_PATH")
	if err := cfg.Err(); err != nil {
		return nil, err
	}

	b := &browser{endpoint: value, axeURL: cfg.Optional("AXE_SCRIPT_URL", defaultAxeURL)}
	var allocCtx context.Context
	if key == "BROWSER_WS_URL" {
		b.remote = true
		allocCtx, b.allocCancel = chromedp.NewRemoteAllocator(context.Background(), value)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.ExecPath(value))
		allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}
	b.ctx, b.cancel = chromedp.NewContext(allocCtx)

	// The browser outlives the acquiring call; only its startup follows ctx.
	stop := context.AfterFunc(ctx, b.Close)
	err := chromedp.Run(b.ctx)
	if !stop() {
		return nil, fmt.Errorf("start browser: %w", ctx.Err())
	}
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("start browser via %s: %w", key, err)
	}
	return b, nil
}

func (b *browser) Close() {
	b.closeOnce.Do(func() {
		b.cancel()
		b.allocCancel()
	})
}

// tab opens a new target that closes when the call ends, times out or ctx is cancelled.
func (b *browser) tab(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	tabCtx, closeTab := chromedp.NewContext(b.ctx)
	stop := context.AfterFunc(ctx, closeTab)
	runCtx, cancelTimeout := context.WithCancel(tabCtx)
	if timeout > 0 {
		runCtx, cancelTimeout = context.WithTimeout(tabCtx, timeout)
	}
	return runCtx, func() {
		stop()
		cancelTimeout()
		closeTab()
	}
}

func (b *browser) Navigate(ctx context.Context, url, waitSelector string, timeout time.Duration) (page, error) {
	tabCtx, done := b.tab(ctx, timeout)
	defer done()

	var p page
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady(waitSelector, chromedp.ByQuery),
		chromedp.Title(&p.Title),
		chromedp.Location(&p.URL),
	)
	return p, err
}

func (b *browser) ExtractText(ctx context.Context, url, selector string, timeout time.Duration) (string, error) {
	tabCtx, done := b.tab(ctx, timeout)
	defer done()

	var text string
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.Text(selector, &text, chromedp.ByQuery),
	)
	return text, err
}

func (b *browser) Screenshot(ctx context.Context, url string, fullPage bool, quality int, timeout time.Duration) (image, error) {
	tabCtx, done := b.tab(ctx, timeout)
	defer done()

	img := image{MIMEType: "image/png"}
	capture := chromedp.CaptureScreenshot(&img.Data)
	if fullPage {
		capture = chromedp.FullScreenshot(&img.Data, quality)
		if quality < 100 {
			img.MIMEType = "image/jpeg"
		}
	}
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		capture,
	)
	return img, err
}

func (b *browser) Evaluate(ctx context.Context, url, expression string, timeout time.Duration) ([]byte, error) {
	tabCtx, done := b.tab(ctx, timeout)
	defer done()

	var raw []byte
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(expression, &raw, awaitPromise),
	)
	return raw, err
}

func awaitPromise(p *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

func (b *browser) Audit(ctx context.Context, url string, tags []string, timeout time.Duration) ([]violation, error) {
	script, err := auditScript(b.axeURL, tags)
	if err != nil {
		return nil, err
	}
	raw, err := b.Evaluate(ctx, url, script, timeout)
	if err != nil {
		return nil, err
	}
	var found []violation
	if err := json.Unmarshal(raw, &found); err != nil {
		return nil, fmt.Errorf("decode axe results: %w", err)
	}
	return found, nil
}

func (b *browser) Version(ctx context.Context) (version, error) {
	tabCtx, done := b.tab(ctx, 10*time.Second)
	defer done()

	v := version{Remote: b.remote, Endpoint: b.endpoint}
	err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		protocolVersion, product, _, userAgent, jsVersion, err := cdpbrowser.GetVersion().Do(ctx)
		if err != nil {
			return err
		}
		v.Protocol, v.Product, v.UserAgent, v.JSVersion = protocolVersion, product, userAgent, jsVersion
		return nil
	}))
	return v, err
}
