package filter

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/apex/log"

	"github.com/Clouded-Sabre/tcp-engine/logging"
)

const nftTable = "tcp_engine"

var nftHandle = regexp.MustCompile(`# handle (\d+)`)

// Nftables installs rules in a table of its own, so removing a rule is a
// delete by handle and Flush drops the whole table.
type Nftables struct {
	comment string
	run     runner

	mu    sync.Mutex
	ready bool
	rules map[rule]int // rule -> nft handle
}

func NewNftables(comment string) *Nftables {
	return &Nftables{comment: comment, run: execRunner, rules: make(map[rule]int)}
}

func (n *Nftables) ensureTable() error {
	if n.ready {
		return nil
	}
	if out, err := n.run("nft", "add", "table", "inet", nftTable); err != nil {
		return fmt.Errorf("nftables: creating table: %w: %s", err, strings.TrimSpace(string(out)))
	}
	chain := []string{"add", "chain", "inet", nftTable, "output",
		"{", "type", "filter", "hook", "output", "priority", "0", ";", "}"}
	if out, err := n.run("nft", chain...); err != nil {
		return fmt.Errorf("nftables: creating chain: %w: %s", err, strings.TrimSpace(string(out)))
	}
	n.ready = true
	return nil
}

func (n *Nftables) expr(ep netip.AddrPort, dir Direction) []string {
	if dir == Server {
		return []string{"ip", "saddr", ep.Addr().String(), "tcp", "sport", strconv.Itoa(int(ep.Port()))}
	}
	return []string{"ip", "daddr", ep.Addr().String(), "tcp", "dport", strconv.Itoa(int(ep.Port()))}
}

func (n *Nftables) AddRule(ep netip.AddrPort, dir Direction) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	r := rule{ep, dir}
	if _, ok := n.rules[r]; ok {
		return nil
	}
	if err := n.ensureTable(); err != nil {
		return err
	}
	args := append([]string{"--echo", "--handle", "add", "rule", "inet", nftTable, "output"}, n.expr(ep, dir)...)
	args = append(args, "tcp", "flags", "rst", "counter", "drop", "comment", strconv.Quote(n.comment))
	out, err := n.run("nft", args...)
	if err != nil {
		return fmt.Errorf("nftables: adding %s rule for %s: %w: %s", dir, ep, err, strings.TrimSpace(string(out)))
	}
	m := nftHandle.FindSubmatch(out)
	if m == nil {
		return fmt.Errorf("nftables: no handle in %q", strings.TrimSpace(string(out)))
	}
	handle, _ := strconv.Atoi(string(m[1]))
	n.rules[r] = handle
	logging.Logger.WithFields(log.Fields{"endpoint": ep.String(), "direction": dir.String(), "handle": handle}).Debug("nftables rule added")
	return nil
}

func (n *Nftables) RemoveRule(ep netip.AddrPort, dir Direction) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	r := rule{ep, dir}
	handle, ok := n.rules[r]
	if !ok {
		return nil
	}
	delete(n.rules, r)
	out, err := n.run("nft", "delete", "rule", "inet", nftTable, "output", "handle", strconv.Itoa(handle))
	if err != nil {
		return fmt.Errorf("nftables: removing %s rule for %s: %w: %s", dir, ep, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (n *Nftables) Flush() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.ready {
		return nil
	}
	n.rules = make(map[rule]int)
	n.ready = false
	if out, err := n.run("nft", "delete", "table", "inet", nftTable); err != nil {
		return fmt.Errorf("nftables: deleting table: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
