package fetcher

import (
	"io"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	util_http "github.com/ValerySidorin/yoink/pkg/util/http"
)

// ErrPDFNotFound is returned when the redirect chain for an item does
// not terminate at a PDF document.
var ErrPDFNotFound = errors.New("pdf url not found")

type ResolverConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	RetryMax int           `yaml:"retry_max"`
}

// Resolver turns an item identifier into the final PDF URL by following
// the vendor's search redirect.
type Resolver struct {
	httpClient *retryablehttp.Client
}

func NewResolver(cfg ResolverConfig) *Resolver {
	c := retryablehttp.NewClient()
	c.RetryMax = cfg.RetryMax
	c.HTTPClient.Timeout = cfg.Timeout
	c.Logger = nil

	return &Resolver{
		httpClient: c,
	}
}

// Resolve requests baseURL + url-escaped item and returns the URL the
// redirect chain settled on, requiring it to point at a PDF.
func (r *Resolver) Resolve(baseURL string, item string) (string, error) {
	resp, err := r.httpClient.Get(baseURL + url.QueryEscape(item))
	if err != nil {
		return "", errors.Wrap(err, "resolve pdf url")
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if err := util_http.EnsureSuccessStatusCode(resp); err != nil {
		return "", errors.Wrap(err, "resolve pdf url")
	}

	finalURL := resp.Request.URL.String()
	if !util_http.IsPDFURL(finalURL) {
		return "", errors.Wrapf(ErrPDFNotFound, "resolved to %s", finalURL)
	}

	return finalURL, nil
}
