package filter

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"github.com/apex/log"

	"github.com/Clouded-Sabre/tcp-engine/logging"
)

// Iptables installs rules in the OUTPUT chain of the filter table.
type Iptables struct {
	comment string
	run     runner

	mu    sync.Mutex
	rules map[rule]struct{}
}

func NewIptables(comment string) *Iptables {
	return &Iptables{comment: comment, run: execRunner, rules: make(map[rule]struct{})}
}

func (i *Iptables) args(op string, ep netip.AddrPort, dir Direction) []string {
	args := []string{op, "OUTPUT", "-p", "tcp", "--tcp-flags", "RST", "RST"}
	if dir == Server {
		args = append(args, "-s", ep.Addr().String(), "--sport", strconv.Itoa(int(ep.Port())))
	} else {
		args = append(args, "-d", ep.Addr().String(), "--dport", strconv.Itoa(int(ep.Port())))
	}
	return append(args, "-m", "comment", "--comment", i.comment, "-j", "DROP")
}

func (i *Iptables) AddRule(ep netip.AddrPort, dir Direction) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	// -C succeeds when the rule is already there
	if _, err := i.run("iptables", i.args("-C", ep, dir)...); err == nil {
		i.rules[rule{ep, dir}] = struct{}{}
		return nil
	}
	if out, err := i.run("iptables", i.args("-A", ep, dir)...); err != nil {
		return fmt.Errorf("iptables: adding %s rule for %s: %w: %s", dir, ep, err, strings.TrimSpace(string(out)))
	}
	i.rules[rule{ep, dir}] = struct{}{}
	logging.Logger.WithFields(log.Fields{"endpoint": ep.String(), "direction": dir.String()}).Debug("iptables rule added")
	return nil
}

func (i *Iptables) RemoveRule(ep netip.AddrPort, dir Direction) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.remove(rule{ep, dir})
}

func (i *Iptables) remove(r rule) error {
	delete(i.rules, r)
	if out, err := i.run("iptables", i.args("-D", r.ep, r.dir)...); err != nil {
		return fmt.Errorf("iptables: removing %s rule for %s: %w: %s", r.dir, r.ep, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (i *Iptables) Flush() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	var errs []error
	for r := range i.rules {
		if err := i.remove(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
