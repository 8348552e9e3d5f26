package render

import (
	"context"
	"errors"
	"fmt"
	"html"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
)

// Renderer produces a PNG image from diagram source.
type Renderer interface {
	Render(ctx context.Context, source string) ([]byte, error)
}

var ErrRenderDependencyMissing = errors.New("render dependency missing")

// ChromeRenderer renders diagram source via mermaid inside headless Chrome.
// Each call spins up a fresh browser context so a wedged page cannot poison
// later renders.
type ChromeRenderer struct {
	Timeout time.Duration
}

func NewChromeRenderer(timeout time.Duration) (*ChromeRenderer, error) {
	if _, err := exec.LookPath("chromium-browser"); err != nil {
		if _, fallbackErr := exec.LookPath("chromium"); fallbackErr != nil {
			return nil, fmt.Errorf("%w: chromium not installed", ErrRenderDependencyMissing)
		}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ChromeRenderer{Timeout: timeout}, nil
}

// percentEncodeForDataURL encodes a string for use in a data URL.
// Unlike url.QueryEscape, this properly encodes spaces as %20 for data URLs.
func percentEncodeForDataURL(s string) string {
	var result strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '~':
			result.WriteRune(r)
		case r == ' ':
			result.WriteString("%20")
		default:
			for _, b := range string(r) {
				result.WriteString(fmt.Sprintf("%%%02X", b))
			}
		}
	}
	return result.String()
}

// renderPage wraps diagram source in a minimal mermaid page. The #done marker
// only appears after mermaid.run resolves, so WaitVisible on it observes both
// parse failures (promise rejects, marker never shows) and success.
func renderPage(source string) string {
	return `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<script src="https://cdn.jsdelivr.net/npm/mermaid@10/dist/mermaid.min.js"></script>
<style>body { margin: 0; background: white; }</style>
</head>
<body>
<pre id="diagram" class="mermaid">` + html.EscapeString(source) + `</pre>
<script>
mermaid.initialize({ startOnLoad: false, securityLevel: "strict" });
mermaid.run({ nodes: [document.getElementById("diagram")] }).then(function () {
  var marker = document.createElement("div");
  marker.id = "done";
  document.body.appendChild(marker);
});
</script>
</body>
</html>`
}

func (r *ChromeRenderer) Render(ctx context.Context, source string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
	)

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()

	taskCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	dataURL := "data:text/html;charset=utf-8," + percentEncodeForDataURL(renderPage(source))

	var png []byte
	err := chromedp.Run(taskCtx,
		// Render at 2x scale so node labels stay sharp in the exported image.
		emulation.SetDeviceMetricsOverride(1400, 900, 2, false),
		chromedp.Navigate(dataURL),
		chromedp.WaitVisible("#done", chromedp.ByID),
		chromedp.Screenshot("#diagram", &png, chromedp.NodeVisible, chromedp.ByID),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome diagram render failed: %w", err)
	}
	return png, nil
}
