package firewall

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/dennishilgert/stockade/internal/pkg/naming"
	"github.com/dennishilgert/stockade/internal/pkg/network"
	"github.com/dennishilgert/stockade/pkg/logger"
	"golang.org/x/sys/unix"
)

var log = logger.NewLogger("stockade.firewall")

type Options struct {
	Mode Mode

	// Interface is the host side network interface of the VM. Without an
	// interface the chain is created but not spliced into forwarding.
	Interface string

	// Table overrides the host packet filter.
	Table RuleTable

	// Registry overrides the process wide chain registry.
	Registry *Registry

	// LinkCheck overrides the interface existence check of enforce mode.
	LinkCheck func(name string) error

	// PrivilegeCheck overrides the root and tool checks of enforce mode.
	PrivilegeCheck func() error
}

// Manager owns the isolation chain of a single VM.
type Manager interface {
	// ConfigureIsolation installs the deny-all chain and links it into
	// forwarding for the VM interface.
	ConfigureIsolation(ctx context.Context) error

	// VerifyIsolation reports whether the chain exists and drops traffic.
	VerifyIsolation(ctx context.Context) (bool, error)

	// Cleanup removes every rule and chain of the VM. It is idempotent.
	Cleanup(ctx context.Context) error

	ChainName() string
	Mode() Mode
}

type firewallManager struct {
	vmID      string
	chain     string
	iface     string
	mode      Mode
	registry  *Registry
	linkCheck func(name string) error
	privCheck func() error
	log       logger.Logger

	lock      sync.Mutex
	table     RuleTable
	attempted bool
}

// NewManager creates a new isolation Manager for the given VM.
func NewManager(vmID string, opts Options) Manager {
	registry := opts.Registry
	if registry == nil {
		registry = defaultRegistry
	}
	linkCheck := opts.LinkCheck
	if linkCheck == nil {
		linkCheck = network.LinkExists
	}
	privCheck := opts.PrivilegeCheck
	if privCheck == nil {
		privCheck = checkPrivileges
	}
	chain := naming.ChainName(vmID)
	m := &firewallManager{
		vmID:      vmID,
		chain:     chain,
		iface:     opts.Interface,
		mode:      opts.Mode,
		registry:  registry,
		linkCheck: linkCheck,
		privCheck: privCheck,
		table:     opts.Table,
		log: log.WithFields(map[string]any{
			"vmId":  vmID,
			"chain": chain,
			"mode":  opts.Mode.String(),
		}),
	}
	if m.mode == ModeDisabled {
		m.log.WithLogType(logger.LogTypeAudit).Warn("network isolation is DISABLED for this vm; guest traffic is not filtered")
	}
	return m
}

func (m *firewallManager) ChainName() string {
	return m.chain
}

func (m *firewallManager) Mode() Mode {
	return m.mode
}

func (m *firewallManager) ConfigureIsolation(ctx context.Context) error {
	if m.mode == ModeDisabled {
		m.log.Warn("skipping isolation setup because isolation is disabled")
		return nil
	}
	if m.mode == ModeEnforce {
		if err := m.privCheck(); err != nil {
			return err
		}
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	table, err := m.ruleTable()
	if err != nil {
		return err
	}
	if err := m.registry.Claim(m.chain, m.vmID); err != nil {
		return err
	}
	m.attempted = true

	if err := m.configure(ctx, table); err != nil {
		m.log.Errorf("failed to configure isolation, rolling back: %v", err)
		if cleanupErr := m.cleanup(table); cleanupErr != nil {
			return errors.Join(err, fmt.Errorf("rollback failed: %w", cleanupErr))
		}
		return err
	}
	m.log.Info("isolation configured")
	return nil
}

func (m *firewallManager) configure(ctx context.Context, table RuleTable) error {
	exists, err := table.ChainExists(filterTable, m.chain)
	if err != nil {
		return fmt.Errorf("failed to look up chain %s: %w", m.chain, err)
	}
	if exists {
		// leftover of a crashed run or of a colliding id outside this process
		m.log.Warn("chain already exists on the host, flushing it")
		if err := table.ClearChain(filterTable, m.chain); err != nil {
			return fmt.Errorf("failed to flush chain %s: %w", m.chain, err)
		}
	} else if err := table.NewChain(filterTable, m.chain); err != nil {
		return fmt.Errorf("failed to create chain %s: %w", m.chain, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := table.Append(filterTable, m.chain, "-j", "DROP"); err != nil {
		return fmt.Errorf("failed to append drop rule to %s: %w", m.chain, err)
	}

	if m.iface == "" {
		m.log.Debug("no vm interface given, chain is not linked into forwarding")
		return nil
	}
	if m.mode == ModeEnforce {
		if err := m.linkCheck(m.iface); err != nil {
			return err
		}
	}
	for _, rule := range m.linkRules() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := table.Insert(filterTable, forwardChain, 1, rule...); err != nil {
			return fmt.Errorf("failed to link chain %s into %s: %w", m.chain, forwardChain, err)
		}
	}
	return nil
}

func (m *firewallManager) VerifyIsolation(ctx context.Context) (bool, error) {
	if m.mode == ModeDisabled {
		return false, nil
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	table, err := m.ruleTable()
	if err != nil {
		return false, err
	}
	exists, err := table.ChainExists(filterTable, m.chain)
	if err != nil {
		return false, fmt.Errorf("failed to look up chain %s: %w", m.chain, err)
	}
	if !exists {
		return false, nil
	}
	rules, err := table.List(filterTable, m.chain)
	if err != nil {
		return false, fmt.Errorf("failed to list chain %s: %w", m.chain, err)
	}
	for _, rule := range rules {
		if isDropRule(m.chain, rule) {
			return true, nil
		}
	}
	return false, nil
}

func (m *firewallManager) Cleanup(ctx context.Context) error {
	if m.mode == ModeDisabled {
		return nil
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if owner, ok := m.registry.Owner(m.chain); ok && owner != m.vmID {
		m.log.Warnf("chain is held by vm %s, leaving it untouched", owner)
		return nil
	}
	table, err := m.ruleTable()
	if err != nil {
		if !m.attempted {
			m.log.Debugf("isolation was never configured, nothing to clean up: %v", err)
			return nil
		}
		return err
	}
	return m.cleanup(table)
}

// cleanup attempts every removal step and aggregates the failures.
func (m *firewallManager) cleanup(table RuleTable) error {
	errs := make([]error, 0)

	if m.iface != "" {
		for _, rule := range m.linkRules() {
			if err := table.DeleteIfExists(filterTable, forwardChain, rule...); err != nil {
				errs = append(errs, fmt.Errorf("failed to unlink chain %s: %w", m.chain, err))
			}
		}
	}

	exists, err := table.ChainExists(filterTable, m.chain)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("failed to look up chain %s: %w", m.chain, err))
	case !exists:
		m.log.Debug("chain does not exist, nothing to remove")
	default:
		if err := table.ClearChain(filterTable, m.chain); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush chain %s: %w", m.chain, err))
		}
		if err := m.deleteChain(table); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		m.log.Errorf("isolation cleanup incomplete: %v", errors.Join(errs...))
		return errors.Join(errs...)
	}
	m.registry.Release(m.chain, m.vmID)
	m.log.Debug("isolation removed")
	return nil
}

// deleteChain refuses to delete a chain that forwarding still jumps to.
func (m *firewallManager) deleteChain(table RuleTable) error {
	rules, err := table.List(filterTable, forwardChain)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", forwardChain, err)
	}
	for _, rule := range rules {
		if jumpsTo(rule, m.chain) {
			m.log.Errorf("refusing to delete chain, still referenced by %q", rule)
			return fmt.Errorf("%w: %s by %q", ErrChainReferenced, m.chain, rule)
		}
	}
	if err := table.DeleteChain(filterTable, m.chain); err != nil {
		return fmt.Errorf("failed to delete chain %s: %w", m.chain, err)
	}
	return nil
}

func (m *firewallManager) linkRules() [][]string {
	return [][]string{
		{"-i", m.iface, "-j", m.chain},
		{"-o", m.iface, "-j", m.chain},
	}
}

func (m *firewallManager) ruleTable() (RuleTable, error) {
	if m.table != nil {
		return m.table, nil
	}
	table, err := NewIPTables()
	if err != nil {
		return nil, err
	}
	m.table = table
	return table, nil
}

func isDropRule(chain string, rule string) bool {
	fields := strings.Fields(rule)
	if len(fields) < 2 || fields[0] != "-A" || fields[1] != chain {
		return false
	}
	return jumpsTo(rule, "DROP")
}

func jumpsTo(rule string, target string) bool {
	fields := strings.Fields(rule)
	for i := 0; i+1 < len(fields); i++ {
		if (fields[i] == "-j" || fields[i] == "-g") && fields[i+1] == target {
			return true
		}
	}
	return false
}

func checkPrivileges() error {
	if unix.Geteuid() != 0 {
		return ErrNeedRoot
	}
	if _, err := exec.LookPath("iptables"); err != nil {
		return fmt.Errorf("%w: %v", ErrToolMissing, err)
	}
	return nil
}
