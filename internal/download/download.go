// Package download fetches sample binaries once and caches them on disk.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"go.uber.org/zap"
	"golang.org/x/net/http/httpproxy"

	glog "github.com/zboralski/tarsier/internal/log"
)

// ErrChecksum means the downloaded bytes do not match the expected digest.
var ErrChecksum = errors.New("checksum mismatch")

// StatusError is a non-2xx response.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.Status, http.StatusText(e.Status))
}

type options struct {
	client   *http.Client
	proxy    string
	progress io.Writer
	sha256   string
}

// Option configures Retrieve.
type Option func(*options)

// WithClient replaces the HTTP client. Proxy settings are then the client's.
func WithClient(c *http.Client) Option { return func(o *options) { o.client = c } }

// WithProxy forces a proxy URL instead of HTTP_PROXY/HTTPS_PROXY/NO_PROXY.
func WithProxy(u string) Option { return func(o *options) { o.proxy = u } }

// WithProgress draws a progress bar on w when the size is known.
func WithProgress(w io.Writer) Option { return func(o *options) { o.progress = w } }

// WithSHA256 verifies the download against a hex digest.
func WithSHA256(sum string) Option { return func(o *options) { o.sha256 = sum } }

// ProxyFunc returns the proxy selector for a transport: the explicit URL
// when set, otherwise the environment.
func ProxyFunc(proxy string) (func(*http.Request) (*url.URL, error), error) {
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("bad proxy url: %w", err)
		}
		glog.L.Debug("proxy set", zap.Stringer("proxy", u))
		return http.ProxyURL(u), nil
	}
	conf := httpproxy.FromEnvironment()
	if conf.HTTPProxy != "" || conf.HTTPSProxy != "" {
		glog.L.Debug("proxy from environment",
			zap.String("http_proxy", conf.HTTPProxy),
			zap.String("https_proxy", conf.HTTPSProxy),
			zap.String("no_proxy", conf.NoProxy))
	}
	fn := conf.ProxyFunc()
	return func(r *http.Request) (*url.URL, error) { return fn(r.URL) }, nil
}

// Retrieve downloads rawURL to dest unless dest already exists. Parent
// directories are created. The body is written to a temporary file in the
// same directory and renamed into place, so dest is never partial.
func Retrieve(ctx context.Context, rawURL, dest string, opts ...Option) error {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if _, err := os.Stat(dest); err == nil {
		glog.L.Debug("already downloaded", zap.String("path", dest))
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	client := o.client
	if client == nil {
		proxy, err := ProxyFunc(o.proxy)
		if err != nil {
			return err
		}
		client = &http.Client{Transport: &http.Transport{Proxy: proxy, ForceAttemptHTTP2: true}}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{URL: rawURL, Status: resp.StatusCode}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.download")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	var body io.Reader = resp.Body
	var (
		p   *mpb.Progress
		bar *mpb.Bar
	)
	if o.progress != nil && resp.ContentLength > 0 {
		p = mpb.New(
			mpb.WithOutput(o.progress),
			mpb.WithWidth(60),
			mpb.WithRefreshRate(180*time.Millisecond),
		)
		bar = p.New(resp.ContentLength,
			mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("|"),
			mpb.PrependDecorators(
				decor.Name(filepath.Base(dest)+" "),
				decor.CountersKibiByte("% .2f / % .2f"),
			),
			mpb.AppendDecorators(
				decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO), "done"),
				decor.Name(" ] "),
				decor.AverageSpeed(decor.SizeB1024(0), "% .2f", decor.WCSyncWidth),
			),
		)
		proxy := bar.ProxyReader(resp.Body)
		defer proxy.Close()
		body = proxy
	}

	h := sha256.New()
	n, err := io.Copy(tmp, io.TeeReader(body, h))
	if p != nil {
		if err != nil {
			bar.Abort(false)
		}
		p.Wait()
	}
	if err != nil {
		return fmt.Errorf("download %s: %w", rawURL, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if o.sha256 != "" {
		if got := hex.EncodeToString(h.Sum(nil)); got != o.sha256 {
			return fmt.Errorf("%s: %w: got %s", dest, ErrChecksum, got)
		}
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return err
	}
	glog.L.Info("downloaded",
		zap.String("path", dest),
		zap.String("size", humanize.IBytes(uint64(n))))
	return nil
}
