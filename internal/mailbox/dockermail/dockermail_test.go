package dockermail

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/smallbiznis/minipass/internal/config"
	"github.com/smallbiznis/minipass/internal/dockerclient"
	"github.com/smallbiznis/minipass/internal/mailbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeMailserver mimics docker-mailserver's setup script output.
type fakeMailserver struct {
	boxes    map[string]bool
	aliases  map[string][]string
	calls    []string
	dropAdds bool
	failOn   string
}

func newFakeMailserver() *fakeMailserver {
	return &fakeMailserver{boxes: map[string]bool{}, aliases: map[string][]string{}}
}

func (f *fakeMailserver) Exec(_ context.Context, container string, cmd ...string) (dockerclient.ExecResult, error) {
	if container != "mailserver" {
		return dockerclient.ExecResult{}, fmt.Errorf("unexpected container %q", container)
	}
	line := strings.Join(cmd, " ")
	f.calls = append(f.calls, line)
	if f.failOn != "" && strings.HasPrefix(line, f.failOn) {
		return dockerclient.ExecResult{ExitCode: 1, Stderr: "boom"}, nil
	}

	switch {
	case line == "setup email list":
		var b strings.Builder
		for _, addr := range sortedKeys(f.boxes) {
			fmt.Fprintf(&b, "* %s ( 0 / ~ ) [0%%]\n", addr)
		}
		return dockerclient.ExecResult{Stdout: b.String()}, nil
	case line == "setup alias list":
		var b strings.Builder
		for src, targets := range f.aliases {
			fmt.Fprintf(&b, "* %s %s\n", src, strings.Join(targets, ","))
		}
		return dockerclient.ExecResult{Stdout: b.String()}, nil
	case strings.HasPrefix(line, "setup email add "):
		if !f.dropAdds {
			f.boxes[cmd[3]] = true
		}
	case strings.HasPrefix(line, "setup alias add "):
		if !f.dropAdds {
			f.aliases[cmd[3]] = append(f.aliases[cmd[3]], cmd[4])
		}
	case strings.HasPrefix(line, "setup alias del "):
		var kept []string
		for _, t := range f.aliases[cmd[3]] {
			if t != cmd[4] {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(f.aliases, cmd[3])
		} else {
			f.aliases[cmd[3]] = kept
		}
	case strings.HasPrefix(line, "setup email del -y "):
		delete(f.boxes, cmd[4])
	default:
		return dockerclient.ExecResult{}, errors.New("unknown command " + line)
	}
	return dockerclient.ExecResult{}, nil
}

func (f *fakeMailserver) count(prefix string) int {
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newTestProvisioner(f *fakeMailserver) *Provisioner {
	cfg := config.Config{Mail: config.MailConfig{Container: "mailserver"}}
	return New(cfg, f, zap.NewNop())
}

var testAccount = mailbox.Account{
	Address:   "acme@minipass.me",
	ForwardTo: "owner@example.com",
	Password:  "s3cret-pass",
}

func TestEnsureIsIdempotent(t *testing.T) {
	f := newFakeMailserver()
	p := newTestProvisioner(f)
	ctx := context.Background()

	require.NoError(t, p.Ensure(ctx, testAccount))
	require.NoError(t, p.Ensure(ctx, testAccount))

	assert.Equal(t, 1, f.count("setup email add"))
	assert.Equal(t, 1, f.count("setup alias add"))
	assert.Len(t, f.boxes, 1)
	assert.Equal(t, []string{"owner@example.com"}, f.aliases["acme@minipass.me"])
}

func TestEnsureDetectsSilentFailure(t *testing.T) {
	f := newFakeMailserver()
	f.dropAdds = true
	p := newTestProvisioner(f)

	err := p.Ensure(context.Background(), testAccount)
	assert.ErrorIs(t, err, mailbox.ErrNotApplied)
}

func TestEnsureSurfacesCommandFailure(t *testing.T) {
	f := newFakeMailserver()
	f.failOn = "setup email add"
	p := newTestProvisioner(f)

	err := p.Ensure(context.Background(), testAccount)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Empty(t, f.boxes)
}

func TestEnsureRejectsInvalidAccount(t *testing.T) {
	p := newTestProvisioner(newFakeMailserver())
	err := p.Ensure(context.Background(), mailbox.Account{Address: "acme", ForwardTo: "owner@example.com", Password: "x"})
	assert.ErrorIs(t, err, mailbox.ErrInvalidAccount)
}

func TestDeleteRemovesBothAndToleratesMissing(t *testing.T) {
	f := newFakeMailserver()
	p := newTestProvisioner(f)
	ctx := context.Background()

	require.NoError(t, p.Ensure(ctx, testAccount))
	require.NoError(t, p.Delete(ctx, testAccount.Address))
	assert.Empty(t, f.boxes)
	assert.Empty(t, f.aliases)

	require.NoError(t, p.Delete(ctx, testAccount.Address))
	assert.Equal(t, 1, f.count("setup email del"))
}

func TestParseLists(t *testing.T) {
	boxes := parseMailboxList("* a@x.io ( 1K / ~ ) [0%]\n    [ aliases -> b@y.io ]\n\n* C@X.io ( 0 / ~ ) [0%]\n")
	assert.Len(t, boxes, 2)
	assert.Contains(t, boxes, "c@x.io")

	aliases := parseAliasList("* a@x.io b@y.io, c@z.io\n* bogus\n")
	assert.Equal(t, []string{"b@y.io", "c@z.io"}, aliases["a@x.io"])
	assert.Len(t, aliases, 1)
}
