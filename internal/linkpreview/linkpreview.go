// Package linkpreview extracts OpenGraph metadata for URLs posted in chat.
package linkpreview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/html"

	"parley/server/internal/protocol"
)

const (
	// DefaultTimeout bounds one preview fetch.
	DefaultTimeout = 4 * time.Second
	// maxBody is how much of a page is read; only <head> matters.
	maxBody = 256 * 1024
	// maxRedirects stops redirect chains early.
	maxRedirects = 3
)

// ErrBlockedAddress is returned when a URL resolves to a loopback, private or
// link-local address and private targets are not allowed.
var ErrBlockedAddress = errors.New("address not allowed for link previews")

var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// FirstURL returns the first http(s) URL in text, or "".
func FirstURL(text string) string {
	return urlPattern.FindString(text)
}

// Options configures a Fetcher.
type Options struct {
	Timeout time.Duration
	// AllowPrivate permits fetching from loopback and private networks.
	AllowPrivate bool
	UserAgent    string
}

// Fetcher retrieves and parses pages.
type Fetcher struct {
	client    *http.Client
	userAgent string
}

// New builds a Fetcher.
func New(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "parley-linkpreview/1.0"
	}
	dialer := &net.Dialer{Timeout: opts.Timeout}
	if !opts.AllowPrivate {
		dialer.Control = rejectPrivate
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: opts.Timeout,
		MaxIdleConns:        16,
		IdleConnTimeout:     30 * time.Second,
	}
	return &Fetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		userAgent: opts.UserAgent,
	}
}

func rejectPrivate(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}
	return nil
}

// Fetch downloads rawURL and extracts its preview. Non-HTML and non-2xx
// responses yield a preview carrying only the URL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (protocol.LinkPreview, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return protocol.LinkPreview{}, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := f.client.Do(req)
	if err != nil {
		return protocol.LinkPreview{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return protocol.LinkPreview{URL: rawURL}, nil
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/html") && !strings.Contains(ct, "application/xhtml") {
		return protocol.LinkPreview{URL: rawURL}, nil
	}
	return Parse(rawURL, io.LimitReader(resp.Body, maxBody))
}

// Empty reports whether the preview carries nothing worth showing.
func Empty(lp protocol.LinkPreview) bool {
	return lp.Title == "" && lp.Desc == "" && lp.Image == ""
}

// Parse reads HTML from r and extracts OpenGraph tags, falling back to
// <title> and <meta name="description">. Parsing stops at <body>. A relative
// og:image is resolved against pageURL.
func Parse(pageURL string, r io.Reader) (protocol.LinkPreview, error) {
	lp := protocol.LinkPreview{URL: pageURL}
	z := html.NewTokenizer(r)
	var (
		inTitle   bool
		titleText strings.Builder
		metaDesc  string
	)

	finish := func() (protocol.LinkPreview, error) {
		if lp.Title == "" {
			lp.Title = strings.TrimSpace(titleText.String())
		}
		if lp.Desc == "" {
			lp.Desc = metaDesc
		}
		lp.Image = resolve(pageURL, lp.Image)
		return lp, nil
	}

	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != nil && !errors.Is(err, io.EOF) {
				return protocol.LinkPreview{}, err
			}
			return finish()

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "title":
				inTitle = true
			case "body":
				return finish()
			case "meta":
				if hasAttr {
					readMeta(z, &lp, &metaDesc)
				}
			}

		case html.TextToken:
			if inTitle {
				titleText.Write(z.Text())
			}

		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "title" {
				inTitle = false
			}
		}
	}
}

func readMeta(z *html.Tokenizer, lp *protocol.LinkPreview, metaDesc *string) {
	var property, name, content string
	for more := true; more; {
		var key, val []byte
		key, val, more = z.TagAttr()
		switch string(key) {
		case "property":
			property = string(val)
		case "name":
			name = string(val)
		case "content":
			content = strings.TrimSpace(string(val))
		}
	}
	if content == "" {
		return
	}
	switch property {
	case "og:title":
		lp.Title = content
	case "og:description":
		lp.Desc = content
	case "og:image":
		lp.Image = content
	case "og:site_name":
		lp.SiteName = content
	}
	if name == "description" {
		*metaDesc = content
	}
}

func resolve(base, ref string) string {
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
