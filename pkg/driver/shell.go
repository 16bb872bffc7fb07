package driver

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/ettle/strcase"

	"github.com/quorumsync/reconciler/pkg/document"
	"github.com/quorumsync/reconciler/pkg/errs"
)

// ShellDriver is the reference driver bound to the configuration file's
// entities.<entity>.<source>.{create,read,update,delete} shell command
// templates. Each template contains a %fk placeholder substituted with the
// foreign key; create/update templates additionally receive the
// Document's JSON encoding on stdin, plus one shell variable assignment per
// field (name snake_cased via envSafeName) prefixed onto the command line.
type ShellDriver struct {
	Create string
	Read   string
	Update string
	Delete string

	// NotFoundPattern, if set, classifies a non-zero exit as NotFound when
	// the command's stderr matches it; otherwise any non-zero exit is
	// Unavailable.
	NotFoundPattern *regexp.Regexp

	run func(ctx context.Context, shellCmd string, stdin []byte) (stdout, stderr []byte, err error)
}

// NewShellDriver builds a ShellDriver from the four command templates
// declared in configuration.
func NewShellDriver(create, read, update, deleteCmd string, notFoundPattern string) (*ShellDriver, error) {
	d := &ShellDriver{Create: create, Read: read, Update: update, Delete: deleteCmd}
	if notFoundPattern != "" {
		re, err := regexp.Compile(notFoundPattern)
		if err != nil {
			return nil, fmt.Errorf("compiling not-found pattern: %w", err)
		}
		d.NotFoundPattern = re
	}
	d.run = runShell
	return d, nil
}

func runShell(ctx context.Context, shellCmd string, stdin []byte) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", shellCmd)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func substituteFK(template, fk string) string {
	return strings.ReplaceAll(template, "%fk", fk)
}

// envSafeName derives a shell-friendly identifier from an arbitrary field
// path segment, for drivers that expose path segments as environment
// variables to the command template.
func envSafeName(segment string) string {
	return strcase.ToSNAKE(segment)
}

// envAssignments renders doc's fields as a leading sequence of POSIX shell
// variable assignments ("FOO=bar BAR=baz "), so a create/update command
// template can reference a field by name (e.g. "$ACCOUNT_TIER") instead of
// only receiving the whole document on stdin.
func envAssignments(doc document.Document) string {
	var b strings.Builder
	for _, p := range doc.Paths() {
		v, ok := doc.Get(p)
		if !ok {
			continue
		}
		b.WriteString(envSafeName(p.String()))
		b.WriteByte('=')
		b.WriteString(shellQuote(v))
		b.WriteByte(' ')
	}
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (d *ShellDriver) classify(err error, stderr []byte) error {
	if err == nil {
		return nil
	}
	if d.NotFoundPattern != nil && d.NotFoundPattern.Match(stderr) {
		return errs.New(errs.NotFound, fmt.Errorf("record not found: %s", strings.TrimSpace(string(stderr))))
	}
	return errs.New(errs.Unavailable, fmt.Errorf("shell command failed: %w (stderr: %s)", err, strings.TrimSpace(string(stderr))))
}

// Get implements Driver.
func (d *ShellDriver) Get(ctx context.Context, fk string) (document.Document, error) {
	stdout, stderr, err := d.run(ctx, substituteFK(d.Read, fk), nil)
	if cerr := d.classify(err, stderr); cerr != nil {
		return document.Empty(), cerr
	}
	doc, err := document.Decode(stdout)
	if err != nil {
		return document.Empty(), errs.New(errs.Unavailable, fmt.Errorf("decoding shell driver output: %w", err))
	}
	return doc, nil
}

// Set implements Driver.
func (d *ShellDriver) Set(ctx context.Context, doc document.Document, fk string) (string, error) {
	body, err := doc.Encode()
	if err != nil {
		return "", errs.New(errs.Internal, fmt.Errorf("encoding document for shell driver: %w", err))
	}

	template := d.Update
	if fk == "" {
		template = d.Create
	}
	shellCmd := envAssignments(doc) + substituteFK(template, fk)
	stdout, stderr, err := d.run(ctx, shellCmd, body)
	if cerr := d.classify(err, stderr); cerr != nil {
		return "", cerr
	}
	if fk != "" {
		return fk, nil
	}
	assigned := strings.TrimSpace(string(stdout))
	if assigned == "" {
		return "", errs.New(errs.Unavailable, fmt.Errorf("shell create command returned no foreign key"))
	}
	return assigned, nil
}

// Delete implements Driver.
func (d *ShellDriver) Delete(ctx context.Context, fk string) error {
	_, stderr, err := d.run(ctx, substituteFK(d.Delete, fk), nil)
	cerr := d.classify(err, stderr)
	if errs.Is(cerr, errs.NotFound) {
		return nil // NotFound is treated as success.
	}
	return cerr
}

var _ Driver = (*ShellDriver)(nil)
