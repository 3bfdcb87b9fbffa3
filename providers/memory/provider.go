// Package memory is a provider that keeps resources in process memory. It
// records every call and can be told to fail, which makes it the test double
// for the engine.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stackr-io/stackr/internal/ir"
	"github.com/stackr-io/stackr/pkg/provider"
)

// Resource is one resource held by the provider.
type Resource struct {
	Kind ir.Kind
	Spec map[string]any
}

// Call is a journal entry.
type Call struct {
	Op         provider.Op
	Kind       ir.Kind
	ExternalID string
	Spec       map[string]any
	Err        error
	At         time.Time
}

// Fault makes matching calls fail. Empty fields match anything.
type Fault struct {
	Op         provider.Op
	Kind       ir.Kind
	ExternalID string
	// Name matches spec["name"].
	Name  string
	Class provider.Class
	// Times is how many matching calls fail; zero fails every call.
	Times int
	// Delay is spent before the call completes or fails, bounded by the
	// call context.
	Delay time.Duration
	Err   error
}

func (f *Fault) matches(op provider.Op, kind ir.Kind, extID string, spec map[string]any) bool {
	if f.Op != "" && f.Op != op {
		return false
	}
	if f.Kind != "" && f.Kind != kind {
		return false
	}
	if f.ExternalID != "" && f.ExternalID != extID {
		return false
	}
	if f.Name != "" {
		name, _ := spec["name"].(string)
		if name != f.Name {
			return false
		}
	}
	return true
}

type Provider struct {
	mu        sync.Mutex
	resources map[string]*Resource
	journal   []Call
	faults    []*Fault
	seq       int

	inFlight    int
	maxInFlight int
}

func New() *Provider {
	return &Provider{resources: make(map[string]*Resource)}
}

// Inject adds a fault.
func (p *Provider) Inject(f Fault) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults = append(p.faults, &f)
}

// Seed stores a resource as if a previous run had created it.
func (p *Provider) Seed(extID string, kind ir.Kind, spec map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resources[extID] = &Resource{Kind: kind, Spec: maps.Clone(spec)}
}

func (p *Provider) Create(ctx context.Context, kind ir.Kind, spec map[string]any) (string, error) {
	if err := p.begin(ctx, provider.OpCreate, kind, "", spec); err != nil {
		return "", err
	}
	defer p.end()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	extID := fmt.Sprintf("mem-%s-%d", strings.ToLower(string(kind)), p.seq)
	p.resources[extID] = &Resource{Kind: kind, Spec: maps.Clone(spec)}
	p.record(provider.OpCreate, kind, extID, spec, nil)
	return extID, nil
}

func (p *Provider) Update(ctx context.Context, kind ir.Kind, externalID string, spec map[string]any) error {
	if err := p.begin(ctx, provider.OpUpdate, kind, externalID, spec); err != nil {
		return err
	}
	defer p.end()

	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.resources[externalID]
	if !ok {
		err := provider.Permanentf("%s %s not found", kind, externalID)
		p.record(provider.OpUpdate, kind, externalID, spec, err)
		return err
	}
	if res.Kind != kind {
		err := provider.Permanentf("%s is a %s, not a %s", externalID, res.Kind, kind)
		p.record(provider.OpUpdate, kind, externalID, spec, err)
		return err
	}
	res.Spec = maps.Clone(spec)
	p.record(provider.OpUpdate, kind, externalID, spec, nil)
	return nil
}

func (p *Provider) Delete(ctx context.Context, kind ir.Kind, externalID string) error {
	if err := p.begin(ctx, provider.OpDelete, kind, externalID, nil); err != nil {
		return err
	}
	defer p.end()

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.resources, externalID)
	p.record(provider.OpDelete, kind, externalID, nil, nil)
	return nil
}

// begin applies a matching fault, if any, and counts the call as in flight.
func (p *Provider) begin(ctx context.Context, op provider.Op, kind ir.Kind, extID string, spec map[string]any) error {
	p.mu.Lock()
	var fault *Fault
	for _, f := range p.faults {
		if f.matches(op, kind, extID, spec) {
			fault = f
			break
		}
	}
	var fail bool
	var delay time.Duration
	if fault != nil {
		delay = fault.Delay
		fail = fault.Class != "" || fault.Err != nil
		if fault.Times > 0 {
			fault.Times--
			if fault.Times == 0 {
				p.removeFault(fault)
			}
		}
	}
	p.inFlight++
	if p.inFlight > p.maxInFlight {
		p.maxInFlight = p.inFlight
	}
	p.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.end()
			p.mu.Lock()
			p.record(op, kind, extID, spec, ctx.Err())
			p.mu.Unlock()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if fail {
		err := fault.Err
		if err == nil {
			err = fmt.Errorf("injected %s failure", op)
		}
		if fault.Class == provider.ClassTransient {
			err = provider.Transient(err)
		} else {
			err = provider.Permanent(err)
		}
		p.end()
		p.mu.Lock()
		p.record(op, kind, extID, spec, err)
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *Provider) end() {
	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()
}

func (p *Provider) removeFault(f *Fault) {
	for i, cur := range p.faults {
		if cur == f {
			p.faults = append(p.faults[:i], p.faults[i+1:]...)
			return
		}
	}
}

func (p *Provider) record(op provider.Op, kind ir.Kind, extID string, spec map[string]any, err error) {
	p.journal = append(p.journal, Call{
		Op:         op,
		Kind:       kind,
		ExternalID: extID,
		Spec:       maps.Clone(spec),
		Err:        err,
		At:         time.Now(),
	})
}

// Journal returns a copy of every call made so far.
func (p *Provider) Journal() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.journal...)
}

// Calls returns the journal as "op kind name" strings for successful calls.
// The name is spec["name"] for creates and updates and the externalId for
// deletes.
func (p *Provider) Calls() []string {
	var out []string
	for _, c := range p.Journal() {
		if c.Err != nil {
			continue
		}
		label := c.ExternalID
		if name, ok := c.Spec["name"].(string); ok && c.Op != provider.OpDelete {
			label = name
		}
		out = append(out, fmt.Sprintf("%s %s %s", c.Op, c.Kind, label))
	}
	return out
}

// Resources returns a snapshot of the stored resources by externalId.
func (p *Provider) Resources() map[string]Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Resource, len(p.resources))
	for id, r := range p.resources {
		out[id] = Resource{Kind: r.Kind, Spec: maps.Clone(r.Spec)}
	}
	return out
}

// Get returns one resource.
func (p *Provider) Get(extID string) (Resource, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.resources[extID]
	if !ok {
		return Resource{}, false
	}
	return Resource{Kind: r.Kind, Spec: maps.Clone(r.Spec)}, true
}

// IDs returns the stored externalIds, sorted.
func (p *Provider) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.resources))
	for id := range p.resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MaxInFlight is the highest number of concurrent calls observed.
func (p *Provider) MaxInFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInFlight
}

// Failures counts journal entries that returned an error matching target.
func (p *Provider) Failures(target error) int {
	n := 0
	for _, c := range p.Journal() {
		if c.Err != nil && (target == nil || errors.Is(c.Err, target)) {
			n++
		}
	}
	return n
}
