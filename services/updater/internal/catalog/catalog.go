package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"fpupdate/services/updater/internal/fault"
)

// DefaultURL is the build listing for the supported device.
const DefaultURL = "https://download.lineageos.org/FP3"

const (
	dateLayout   = "2006-01-02"
	maxPageBytes = 8 << 20
)

// Build describes the newest build published in the catalog.
type Build struct {
	Date                time.Time `json:"date"`
	RecoveryImageURL    string    `json:"recovery_image_url"`
	RecoveryChecksumURL string    `json:"recovery_checksum_url"`
}

// NewerThan reports whether the build is strictly newer than current.
func (b Build) NewerThan(current time.Time) bool {
	return b.Date.After(current)
}

// HTMLCatalog reads the latest build from the first row of the download page table.
type HTMLCatalog struct {
	PageURL    string
	HTTPClient *http.Client
}

// NewHTMLCatalog returns a catalog for pageURL. An empty pageURL selects DefaultURL.
func NewHTMLCatalog(pageURL string, client *http.Client) *HTMLCatalog {
	if pageURL == "" {
		pageURL = DefaultURL
	}
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	return &HTMLCatalog{PageURL: pageURL, HTTPClient: client}
}

// LatestBuild fetches the download page and extracts the newest build.
func (c *HTMLCatalog) LatestBuild(ctx context.Context) (Build, error) {
	base, err := url.Parse(c.PageURL)
	if err != nil {
		return Build{}, fmt.Errorf("parse catalog url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.PageURL, nil)
	if err != nil {
		return Build{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Build{}, ctxErr
		}
		return Build{}, fault.Network("catalog", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Build{}, fault.Networkf("catalog", "unexpected status %d from %s", resp.StatusCode, c.PageURL)
	}

	return ParsePage(io.LimitReader(resp.Body, maxPageBytes), base)
}

// ParsePage extracts the newest build from a download page. Relative links
// are resolved against base.
func ParsePage(r io.Reader, base *url.URL) (Build, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return Build{}, fault.Parsef("catalog", "parse html: %v", err)
	}

	tbody := find(doc, atom.Tbody)
	if tbody == nil {
		return Build{}, fault.Parsef("catalog", "no build table on page")
	}
	row := find(tbody, atom.Tr)
	if row == nil {
		return Build{}, fault.Parsef("catalog", "build table is empty")
	}

	cells := children(row, atom.Td)
	if len(cells) == 0 {
		return Build{}, fault.Parsef("catalog", "first build row has no cells")
	}
	dateText := strings.TrimSpace(text(cells[len(cells)-1]))
	date, err := time.Parse(dateLayout, dateText)
	if err != nil {
		return Build{}, fault.Parsef("catalog", "build date %q: %v", dateText, err)
	}

	var hrefs []string
	walk(row, func(n *html.Node) {
		if n.DataAtom == atom.A {
			if href := attr(n, "href"); href != "" {
				hrefs = append(hrefs, href)
			}
		}
	})

	image := -1
	for i, href := range hrefs {
		p := strings.ToLower(linkPath(href))
		if strings.HasSuffix(p, ".img") && strings.Contains(path.Base(p), "recovery") {
			image = i
			break
		}
	}
	if image < 0 {
		return Build{}, fault.Parsef("catalog", "no recovery image link in first build row")
	}
	checksum := -1
	for i := image + 1; i < len(hrefs); i++ {
		p := strings.ToLower(linkPath(hrefs[i]))
		if strings.HasSuffix(p, ".sha256sum") || strings.HasSuffix(p, ".sha256") {
			checksum = i
			break
		}
	}
	if checksum < 0 {
		return Build{}, fault.Parsef("catalog", "no checksum link after recovery image")
	}

	imageURL, err := resolve(base, hrefs[image])
	if err != nil {
		return Build{}, err
	}
	checksumURL, err := resolve(base, hrefs[checksum])
	if err != nil {
		return Build{}, err
	}
	return Build{Date: date, RecoveryImageURL: imageURL, RecoveryChecksumURL: checksumURL}, nil
}

func resolve(base *url.URL, href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fault.Parsef("catalog", "link %q: %v", href, err)
	}
	if base == nil {
		if !ref.IsAbs() {
			return "", errors.New("relative link without base url")
		}
		return ref.String(), nil
	}
	return base.ResolveReference(ref).String(), nil
}

func linkPath(href string) string {
	if u, err := url.Parse(strings.TrimSpace(href)); err == nil {
		return u.Path
	}
	return href
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func find(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, a); found != nil {
			return found
		}
	}
	return nil
}

func children(n *html.Node, a atom.Atom) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == a {
			out = append(out, c)
		}
	}
	return out
}

func text(n *html.Node) string {
	var sb strings.Builder
	walk(n, func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
	})
	return sb.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
