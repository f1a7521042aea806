package firewall

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// fakeTable mimics the filter table semantics that matter for isolation:
// chains must be empty and unreferenced before they can be deleted.
type fakeTable struct {
	lock   sync.Mutex
	chains map[string][]string

	failList bool
	calls    []string
}

func newFakeTable() *fakeTable {
	return &fakeTable{
		chains: map[string][]string{forwardChain: {}},
	}
}

func (f *fakeTable) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeTable) NewChain(table, chain string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.record("new " + chain)
	if _, ok := f.chains[chain]; ok {
		return fmt.Errorf("chain %s already exists", chain)
	}
	f.chains[chain] = []string{}
	return nil
}

func (f *fakeTable) ClearChain(table, chain string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.record("clear " + chain)
	f.chains[chain] = []string{}
	return nil
}

func (f *fakeTable) DeleteChain(table, chain string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.record("delete " + chain)
	rules, ok := f.chains[chain]
	if !ok {
		return fmt.Errorf("chain %s does not exist", chain)
	}
	if len(rules) > 0 {
		return fmt.Errorf("chain %s is not empty", chain)
	}
	for _, r := range f.chains[forwardChain] {
		if strings.HasSuffix(r, "-j "+chain) {
			return fmt.Errorf("chain %s is referenced", chain)
		}
	}
	delete(f.chains, chain)
	return nil
}

func (f *fakeTable) ChainExists(table, chain string) (bool, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	_, ok := f.chains[chain]
	return ok, nil
}

func (f *fakeTable) Append(table, chain string, rulespec ...string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if _, ok := f.chains[chain]; !ok {
		return fmt.Errorf("chain %s does not exist", chain)
	}
	f.chains[chain] = append(f.chains[chain], strings.Join(rulespec, " "))
	return nil
}

func (f *fakeTable) Insert(table, chain string, pos int, rulespec ...string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if _, ok := f.chains[chain]; !ok {
		return fmt.Errorf("chain %s does not exist", chain)
	}
	f.record("insert " + chain + " " + strings.Join(rulespec, " "))
	f.chains[chain] = append([]string{strings.Join(rulespec, " ")}, f.chains[chain]...)
	return nil
}

func (f *fakeTable) DeleteIfExists(table, chain string, rulespec ...string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	rule := strings.Join(rulespec, " ")
	rules := f.chains[chain]
	for i, r := range rules {
		if r == rule {
			f.chains[chain] = append(rules[:i:i], rules[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeTable) List(table, chain string) ([]string, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.failList {
		return nil, errors.New("list failed")
	}
	rules, ok := f.chains[chain]
	if !ok {
		return nil, fmt.Errorf("chain %s does not exist", chain)
	}
	out := []string{"-N " + chain}
	for _, r := range rules {
		out = append(out, "-A "+chain+" "+r)
	}
	return out, nil
}

func (f *fakeTable) has(chain string) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	_, ok := f.chains[chain]
	return ok
}

func (f *fakeTable) forwardRules() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]string(nil), f.chains[forwardChain]...)
}
