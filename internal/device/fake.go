package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/omnisLee/software-define-network-experiment/internal/rules"
)

// Fake is an in-memory Handle. It enforces the same ordering contract
// as a real device (no rule writes before the pipeline image) and
// rejects duplicate entries, which is exactly what re-provisioning
// relies on.
type Fake struct {
	mu sync.Mutex

	name     string
	pipeline []byte
	pushes   int
	rules    []rules.Rule
	counters map[string]map[uint64]CounterValue

	failPush  error
	failWrite map[string]error
	failRead  map[string]error
	closed    bool
}

func NewFake(name string) *Fake {
	return &Fake{
		name:      name,
		counters:  map[string]map[uint64]CounterValue{},
		failWrite: map[string]error{},
		failRead:  map[string]error{},
	}
}

func (f *Fake) Name() string {
	return f.name
}

func (f *Fake) PushPipeline(ctx context.Context, image []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failPush != nil {
		return f.failPush
	}
	f.pipeline = image
	f.pushes++
	return nil
}

func (f *Fake) WriteRule(ctx context.Context, rule rules.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pushes == 0 {
		return fmt.Errorf("device %s: no pipeline loaded", f.name)
	}
	if err, ok := f.failWrite[rule.Match.Key()]; ok {
		return err
	}
	for _, r := range f.rules {
		if r.Table == rule.Table && r.Match == rule.Match {
			return fmt.Errorf("device %s: %s: %w", f.name, rule.Match.Key(), ErrRuleExists)
		}
	}
	f.rules = append(f.rules, rule)
	return nil
}

func (f *Fake) ReadCounter(ctx context.Context, counter string, index uint64) (CounterValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.failRead[readKey(counter, index)]; ok {
		return CounterValue{}, err
	}
	return f.counters[counter][index], nil
}

func (f *Fake) ReadRules(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.rules))
	for _, r := range f.rules {
		out = append(out, r.String())
	}
	return out, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}

// SetCounter sets the value served for one counter index.
func (f *Fake) SetCounter(counter string, index uint64, v CounterValue) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.counters[counter] == nil {
		f.counters[counter] = map[uint64]CounterValue{}
	}
	f.counters[counter][index] = v
}

// FailPush makes every subsequent PushPipeline return err.
func (f *Fake) FailPush(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPush = err
}

// FailWrite makes writes of rules with the given match key return err.
func (f *Fake) FailWrite(matchKey string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrite[matchKey] = err
}

// FailRead makes reads of the given counter index return err.
func (f *Fake) FailRead(counter string, index uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRead[readKey(counter, index)] = err
}

// Rules returns a copy of the installed rules in write order.
func (f *Fake) Rules() []rules.Rule {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]rules.Rule, len(f.rules))
	copy(out, f.rules)
	return out
}

// Pushes reports how many times the pipeline image was pushed.
func (f *Fake) Pushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func readKey(counter string, index uint64) string {
	return fmt.Sprintf("%s[%d]", counter, index)
}
