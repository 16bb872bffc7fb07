package driver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumsync/reconciler/pkg/document"
	"github.com/quorumsync/reconciler/pkg/errs"
)

func newTestHTTPDriver(t *testing.T, handler http.HandlerFunc) *HTTPDriver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	d := &HTTPDriver{BaseURL: srv.URL}
	require.NoError(t, d.Init(context.Background(), Config{}))
	return d
}

func TestHTTPDriverGetDecodesBody(t *testing.T) {
	d := newTestHTTPDriver(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/42", r.URL.Path)
		w.Write([]byte(`{"name":"Alice"}`))
	})

	doc, err := d.Get(context.Background(), "42")
	require.NoError(t, err)
	v, ok := doc.Get(document.Path{"name"})
	require.True(t, ok)
	assert.Equal(t, "Alice", v)
}

func TestHTTPDriverGetNotFound(t *testing.T) {
	d := newTestHTTPDriver(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := d.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestHTTPDriverGetServerErrorIsUnavailable(t *testing.T) {
	d := newTestHTTPDriver(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := d.Get(context.Background(), "42")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Unavailable))
}

func TestHTTPDriverSetCreateReturnsAssignedID(t *testing.T) {
	d := newTestHTTPDriver(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "Bob")
		w.Write([]byte(`{"id":"NEW-1","name":"Bob"}`))
	})

	fk, err := d.Set(context.Background(), document.New(map[string]string{"name": "Bob"}), "")
	require.NoError(t, err)
	assert.Equal(t, "NEW-1", fk)
}

func TestHTTPDriverSetUpdateUsesPut(t *testing.T) {
	d := newTestHTTPDriver(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/existing", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})

	fk, err := d.Set(context.Background(), document.Empty(), "existing")
	require.NoError(t, err)
	assert.Equal(t, "existing", fk)
}

func TestHTTPDriverDeleteTreatsNotFoundAsSuccess(t *testing.T) {
	d := newTestHTTPDriver(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	})

	err := d.Delete(context.Background(), "42")
	assert.NoError(t, err)
}

func TestHTTPDriverDeletePropagatesServerError(t *testing.T) {
	d := newTestHTTPDriver(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := d.Delete(context.Background(), "42")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Unavailable))
}

func TestCookieJarFromEnvPrefersConfigOverEnv(t *testing.T) {
	t.Setenv("RECONCILER_COOKIE_JAR", "/env/jar.txt")
	assert.Equal(t, "/config/jar.txt", cookieJarFromEnv(Config{"cookie_jar": "/config/jar.txt"}))
}

func TestCookieJarFromEnvFallsBackToEnvVar(t *testing.T) {
	t.Setenv("RECONCILER_COOKIE_JAR", "/env/jar.txt")
	assert.Equal(t, "/env/jar.txt", cookieJarFromEnv(Config{}))
}

func TestHTTPDriverInitUsesCookieJarEnvFallback(t *testing.T) {
	t.Setenv("RECONCILER_COOKIE_JAR", "")
	d := &HTTPDriver{}
	require.NoError(t, d.Init(context.Background(), Config{"base_url": "http://example.com"}))
	assert.Equal(t, "", d.CookieJarPath)
}
