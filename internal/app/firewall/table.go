package firewall

import (
	"fmt"

	"github.com/coreos/go-iptables/iptables"
)

const (
	filterTable  = "filter"
	forwardChain = "FORWARD"
)

// RuleTable is the subset of packet filter operations used for isolation.
// It is satisfied by *iptables.IPTables.
type RuleTable interface {
	NewChain(table, chain string) error
	ClearChain(table, chain string) error
	DeleteChain(table, chain string) error
	ChainExists(table, chain string) (bool, error)
	Append(table, chain string, rulespec ...string) error
	Insert(table, chain string, pos int, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
	List(table, chain string) ([]string, error)
}

var _ RuleTable = (*iptables.IPTables)(nil)

// NewIPTables returns the IPv4 rule table of the host.
func NewIPTables() (RuleTable, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrToolMissing, err)
	}
	return ipt, nil
}
