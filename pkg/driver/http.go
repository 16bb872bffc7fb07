package driver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/ssgelm/cookiejarparser"

	"github.com/quorumsync/reconciler/pkg/document"
	"github.com/quorumsync/reconciler/pkg/errs"
)

// HTTPDriver is the reference driver for sources reachable over a REST-ish
// HTTP API: the foreign key appears in the request path, the Document in
// the request/response body. Transport failures and 5xx responses map to
// Unavailable; 404 maps to NotFound.
type HTTPDriver struct {
	BaseURL string
	Timeout time.Duration

	// CookieJarPath, if set, loads a Netscape-format cookie jar for
	// session-based auth, per entities.<entity>.<source>.cookie_jar.
	CookieJarPath string

	client *retryablehttp.Client
}

// Init implements Initializer.
func (d *HTTPDriver) Init(_ context.Context, cfg Config) error {
	if d.Timeout == 0 {
		d.Timeout = 30 * time.Second
	}
	if d.BaseURL == "" {
		d.BaseURL = cfg["base_url"]
	}
	if d.CookieJarPath == "" {
		d.CookieJarPath = cookieJarFromEnv(cfg)
	}

	httpClient := &http.Client{Timeout: d.Timeout}
	if d.CookieJarPath != "" {
		jar, err := cookiejarparser.LoadCookieJarFile(d.CookieJarPath)
		if err != nil {
			return fmt.Errorf("loading cookie jar %s: %w", d.CookieJarPath, err)
		}
		httpClient.Jar = jar
	} else {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return fmt.Errorf("creating cookie jar: %w", err)
		}
		httpClient.Jar = jar
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = httpClient
	rc.RetryMax = 3
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 1 * time.Second
	rc.Logger = nil
	d.client = rc
	return nil
}

func (d *HTTPDriver) url(fk string) string {
	base := strings.TrimRight(d.BaseURL, "/")
	if fk == "" {
		return base
	}
	return base + "/" + fk
}

func (d *HTTPDriver) do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errs.New(errs.Internal, fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errs.New(errs.Unavailable, fmt.Errorf("http request failed: %w", err))
	}
	return resp, nil
}

func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errs.New(errs.NotFound, fmt.Errorf("http %s: not found", resp.Request.URL))
	case resp.StatusCode >= 500:
		return errs.New(errs.Unavailable, fmt.Errorf("http %s: server error %d", resp.Request.URL, resp.StatusCode))
	case resp.StatusCode >= 400:
		return errs.New(errs.Internal, fmt.Errorf("http %s: client error %d", resp.Request.URL, resp.StatusCode))
	default:
		return nil
	}
}

// Get implements Driver.
func (d *HTTPDriver) Get(ctx context.Context, fk string) (document.Document, error) {
	resp, err := d.do(ctx, http.MethodGet, d.url(fk), nil)
	if err != nil {
		return document.Empty(), err
	}
	defer resp.Body.Close()
	if cerr := classifyStatus(resp); cerr != nil {
		return document.Empty(), cerr
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return document.Empty(), errs.New(errs.Unavailable, fmt.Errorf("reading response body: %w", err))
	}
	doc, err := document.Decode(body)
	if err != nil {
		return document.Empty(), errs.New(errs.Unavailable, fmt.Errorf("decoding response body: %w", err))
	}
	return doc, nil
}

// Set implements Driver.
func (d *HTTPDriver) Set(ctx context.Context, doc document.Document, fk string) (string, error) {
	body, err := doc.Encode()
	if err != nil {
		return "", errs.New(errs.Internal, fmt.Errorf("encoding document: %w", err))
	}

	method := http.MethodPost
	url := d.url("")
	if fk != "" {
		method = http.MethodPut
		url = d.url(fk)
	}

	resp, err := d.do(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if cerr := classifyStatus(resp); cerr != nil {
		return "", cerr
	}
	if fk != "" {
		return fk, nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errs.New(errs.Unavailable, fmt.Errorf("reading create response: %w", err))
	}
	created, err := document.Decode(respBody)
	if err != nil {
		return "", errs.New(errs.Unavailable, fmt.Errorf("decoding create response: %w", err))
	}
	assigned, ok := created.Get(document.Path{"id"})
	if !ok {
		return "", errs.New(errs.Unavailable, fmt.Errorf("create response carries no id field"))
	}
	return assigned, nil
}

// Delete implements Driver.
func (d *HTTPDriver) Delete(ctx context.Context, fk string) error {
	resp, err := d.do(ctx, http.MethodDelete, d.url(fk), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil // NotFound is treated as success.
	}
	return classifyStatus(resp)
}

var _ Driver = (*HTTPDriver)(nil)
var _ Initializer = (*HTTPDriver)(nil)

// cookieJarFromEnv resolves CookieJarPath from the source's own
// configuration, falling back to RECONCILER_COOKIE_JAR so an operator can
// point every HTTP source at the same cookie jar without repeating
// cookie_jar in each entities.<entity>.<source> block.
func cookieJarFromEnv(cfg Config) string {
	if v := cfg["cookie_jar"]; v != "" {
		return v
	}
	return os.Getenv("RECONCILER_COOKIE_JAR")
}
