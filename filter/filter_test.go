package filter

import (
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls []string
	fail  map[string]error // command prefix -> error
	out   []byte
}

func (f *fakeRunner) run(name string, args ...string) ([]byte, error) {
	cmd := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, cmd)
	for prefix, err := range f.fail {
		if strings.HasPrefix(cmd, prefix) {
			return []byte("boom"), err
		}
	}
	return f.out, nil
}

var ep = netip.MustParseAddrPort("10.0.0.2:8080")

func TestIptablesArgs(t *testing.T) {
	i := NewIptables("tcp-engine")
	tests := []struct {
		dir  Direction
		want string
	}{
		{Client, "-A OUTPUT -p tcp --tcp-flags RST RST -d 10.0.0.2 --dport 8080 -m comment --comment tcp-engine -j DROP"},
		{Server, "-A OUTPUT -p tcp --tcp-flags RST RST -s 10.0.0.2 --sport 8080 -m comment --comment tcp-engine -j DROP"},
	}
	for _, tt := range tests {
		if got := strings.Join(i.args("-A", ep, tt.dir), " "); got != tt.want {
			t.Errorf("args(%s) = %q, want %q", tt.dir, got, tt.want)
		}
	}
}

func TestIptablesAddSkipsExistingRule(t *testing.T) {
	f := &fakeRunner{}
	i := NewIptables("x")
	i.run = f.run

	require.NoError(t, i.AddRule(ep, Client))
	require.Len(t, f.calls, 1)
	assert.True(t, strings.HasPrefix(f.calls[0], "iptables -C "))
}

func TestIptablesAddAndFlush(t *testing.T) {
	f := &fakeRunner{fail: map[string]error{"iptables -C": errors.New("no such rule")}}
	i := NewIptables("x")
	i.run = f.run

	require.NoError(t, i.AddRule(ep, Server))
	require.Len(t, f.calls, 2)
	assert.True(t, strings.HasPrefix(f.calls[1], "iptables -A "))

	require.NoError(t, i.Flush())
	require.Len(t, f.calls, 3)
	assert.True(t, strings.HasPrefix(f.calls[2], "iptables -D "))

	// nothing left to flush
	require.NoError(t, i.Flush())
	assert.Len(t, f.calls, 3)
}

func TestIptablesAddError(t *testing.T) {
	f := &fakeRunner{fail: map[string]error{"iptables": errors.New("exit status 4")}}
	i := NewIptables("x")
	i.run = f.run

	err := i.AddRule(ep, Client)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Empty(t, i.rules)
}

func TestNftablesRuleLifecycle(t *testing.T) {
	f := &fakeRunner{out: []byte("add rule inet tcp_engine output ip daddr 10.0.0.2 tcp dport 8080 tcp flags rst counter drop # handle 7\n")}
	n := NewNftables("x")
	n.run = f.run

	require.NoError(t, n.AddRule(ep, Client))
	require.Len(t, f.calls, 3) // table, chain, rule
	assert.Equal(t, "nft add table inet tcp_engine", f.calls[0])
	assert.Contains(t, f.calls[2], "ip daddr 10.0.0.2 tcp dport 8080")
	assert.Equal(t, 7, n.rules[rule{ep, Client}])

	// a second add is a no-op
	require.NoError(t, n.AddRule(ep, Client))
	assert.Len(t, f.calls, 3)

	require.NoError(t, n.RemoveRule(ep, Client))
	assert.Equal(t, "nft delete rule inet tcp_engine output handle 7", f.calls[3])

	require.NoError(t, n.Flush())
	assert.Equal(t, "nft delete table inet tcp_engine", f.calls[4])
}

func TestNftablesMissingHandle(t *testing.T) {
	f := &fakeRunner{out: []byte("ok")}
	n := NewNftables("x")
	n.run = f.run
	require.Error(t, n.AddRule(ep, Server))
	assert.Empty(t, n.rules)
}

func TestNoOp(t *testing.T) {
	var f PacketFilterer = NoOp{}
	assert.NoError(t, f.AddRule(ep, Client))
	assert.NoError(t, f.RemoveRule(ep, Client))
	assert.NoError(t, f.Flush())
}
