package driver

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumsync/reconciler/pkg/document"
	"github.com/quorumsync/reconciler/pkg/errs"
)

func stubRun(fn func(shellCmd string, stdin []byte) (stdout, stderr []byte, err error)) func(context.Context, string, []byte) ([]byte, []byte, error) {
	return func(_ context.Context, shellCmd string, stdin []byte) ([]byte, []byte, error) {
		return fn(shellCmd, stdin)
	}
}

func TestShellDriverGetDecodesStdout(t *testing.T) {
	d, err := NewShellDriver("create %fk", "read %fk", "update %fk", "delete %fk", "")
	require.NoError(t, err)

	var sawCmd string
	d.run = stubRun(func(shellCmd string, stdin []byte) ([]byte, []byte, error) {
		sawCmd = shellCmd
		return []byte(`{"name":"Alice"}`), nil, nil
	})

	doc, err := d.Get(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "read 42", sawCmd)
	v, ok := doc.Get(document.Path{"name"})
	require.True(t, ok)
	assert.Equal(t, "Alice", v)
}

func TestShellDriverGetClassifiesNotFound(t *testing.T) {
	d, err := NewShellDriver("create %fk", "read %fk", "update %fk", "delete %fk", "no such record")
	require.NoError(t, err)
	d.run = stubRun(func(string, []byte) ([]byte, []byte, error) {
		return nil, []byte("error: no such record"), fmt.Errorf("exit status 1")
	})

	_, err = d.Get(context.Background(), "42")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestShellDriverGetClassifiesUnavailableWhenPatternUnset(t *testing.T) {
	d, err := NewShellDriver("create %fk", "read %fk", "update %fk", "delete %fk", "")
	require.NoError(t, err)
	d.run = stubRun(func(string, []byte) ([]byte, []byte, error) {
		return nil, []byte("connection refused"), fmt.Errorf("exit status 1")
	})

	_, err = d.Get(context.Background(), "42")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Unavailable))
}

func TestShellDriverSetCreateReturnsAssignedFK(t *testing.T) {
	d, err := NewShellDriver("create", "read %fk", "update %fk", "delete %fk", "")
	require.NoError(t, err)

	var sawStdin []byte
	d.run = stubRun(func(shellCmd string, stdin []byte) ([]byte, []byte, error) {
		sawStdin = stdin
		return []byte(" NEW-99 \n"), nil, nil
	})

	fk, err := d.Set(context.Background(), document.New(map[string]string{"name": "Bob"}), "")
	require.NoError(t, err)
	assert.Equal(t, "NEW-99", fk)
	assert.Contains(t, string(sawStdin), "Bob")
}

func TestShellDriverSetPrefixesCommandWithFieldEnvAssignments(t *testing.T) {
	d, err := NewShellDriver("create", "read %fk", "update %fk", "delete %fk", "")
	require.NoError(t, err)

	var sawCmd string
	d.run = stubRun(func(shellCmd string, stdin []byte) ([]byte, []byte, error) {
		sawCmd = shellCmd
		return []byte("NEW-1"), nil, nil
	})

	_, err = d.Set(context.Background(), document.New(map[string]string{"accountTier": "gold"}), "")
	require.NoError(t, err)
	assert.Contains(t, sawCmd, "ACCOUNT_TIER='gold'")
	assert.True(t, strings.HasSuffix(sawCmd, "create"))
}

func TestShellDriverSetCreateEmptyOutputIsUnavailable(t *testing.T) {
	d, err := NewShellDriver("create", "read %fk", "update %fk", "delete %fk", "")
	require.NoError(t, err)
	d.run = stubRun(func(string, []byte) ([]byte, []byte, error) {
		return []byte("  "), nil, nil
	})

	_, err = d.Set(context.Background(), document.Empty(), "")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Unavailable))
}

func TestShellDriverSetUpdateKeepsGivenFK(t *testing.T) {
	d, err := NewShellDriver("create", "read %fk", "update %fk", "delete %fk", "")
	require.NoError(t, err)
	d.run = stubRun(func(string, []byte) ([]byte, []byte, error) {
		return nil, nil, nil
	})

	fk, err := d.Set(context.Background(), document.Empty(), "existing")
	require.NoError(t, err)
	assert.Equal(t, "existing", fk)
}

func TestShellDriverDeleteTreatsNotFoundAsSuccess(t *testing.T) {
	d, err := NewShellDriver("create", "read %fk", "update %fk", "delete %fk", "gone")
	require.NoError(t, err)
	d.run = stubRun(func(string, []byte) ([]byte, []byte, error) {
		return nil, []byte("gone"), fmt.Errorf("exit status 1")
	})

	err = d.Delete(context.Background(), "42")
	assert.NoError(t, err)
}

func TestShellDriverDeletePropagatesOtherFailures(t *testing.T) {
	d, err := NewShellDriver("create", "read %fk", "update %fk", "delete %fk", "gone")
	require.NoError(t, err)
	d.run = stubRun(func(string, []byte) ([]byte, []byte, error) {
		return nil, []byte("disk full"), fmt.Errorf("exit status 1")
	})

	err = d.Delete(context.Background(), "42")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Unavailable))
}

func TestSubstituteFKReplacesAllOccurrences(t *testing.T) {
	assert.Equal(t, "x 7 y 7", substituteFK("x %fk y %fk", "7"))
}

func TestNewShellDriverRejectsBadPattern(t *testing.T) {
	_, err := NewShellDriver("c", "r", "u", "d", "(unterminated")
	require.Error(t, err)
}

func TestEnvSafeNameUppercasesWithUnderscores(t *testing.T) {
	assert.Equal(t, regexp.MustCompile(`^[A-Z0-9_]+$`).MatchString(envSafeName("accountTier")), true)
}
