// Package filter keeps the host's kernel TCP stack from resetting
// connections that a raw-socket engine owns. The kernel sees SYN-ACKs and
// SYNs for ports it has no socket on and answers them with RSTs; the rules
// installed here drop those RSTs on the way out.
package filter

import (
	"net/netip"
	"os/exec"

	"github.com/Clouded-Sabre/tcp-engine/logging"
)

// Direction selects which RSTs a rule drops.
type Direction uint8

const (
	// Client drops RSTs sent to a remote endpoint we dialed.
	Client Direction = iota
	// Server drops RSTs sent from a local endpoint we listen on.
	Server
)

func (d Direction) String() string {
	if d == Server {
		return "server"
	}
	return "client"
}

// PacketFilterer manages RST drop rules.
type PacketFilterer interface {
	// AddRule adds a rule for ep. Adding an existing rule is not an error.
	AddRule(ep netip.AddrPort, dir Direction) error
	// RemoveRule removes a rule added with AddRule.
	RemoveRule(ep netip.AddrPort, dir Direction) error
	// Flush removes every rule this filterer added.
	Flush() error
}

type rule struct {
	ep  netip.AddrPort
	dir Direction
}

// runner executes a command and returns its combined output.
type runner func(name string, args ...string) ([]byte, error)

func execRunner(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

func available(tool string) bool {
	_, err := exec.LookPath(tool)
	return err == nil
}

// New picks nftables, then iptables, then a no-op filterer, depending on
// which tool the host has. comment tags the rules so they can be told apart
// from the host's own.
func New(comment string) PacketFilterer {
	switch {
	case available("nft"):
		logging.Logger.Info("using nftables for RST filtering")
		return NewNftables(comment)
	case available("iptables"):
		logging.Logger.Info("using iptables for RST filtering")
		return NewIptables(comment)
	}
	logging.Logger.Warn("neither nftables nor iptables found, RST filtering disabled")
	return NoOp{}
}

// NoOp is used when the host has no firewall tool.
type NoOp struct{}

func (NoOp) AddRule(netip.AddrPort, Direction) error    { return nil }
func (NoOp) RemoveRule(netip.AddrPort, Direction) error { return nil }
func (NoOp) Flush() error                               { return nil }
