package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/txpool/pkg/resource"
)

// ErrInjected is returned by fakes when a failure was requested
var ErrInjected = errors.New("injected failure")

// FakeResource is an in-memory resource with local transaction support
type FakeResource struct {
	ID    int64
	Creds resource.Credentials
	Desc  resource.RequestDescriptor

	mu         sync.Mutex
	closed     bool
	invalid    bool
	autoCommit bool
	calls      []string

	// FailAutoCommitOn makes SetAutoCommit(on) fail for that value
	FailAutoCommitOn *bool
	// FailRollback makes Rollback fail
	FailRollback error
}

func (r *FakeResource) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

// Close implements resource.Resource
func (r *FakeResource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("resource %d already closed", r.ID)
	}
	r.closed = true
	return nil
}

// Closed reports whether the resource was destroyed
func (r *FakeResource) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Invalidate makes the liveness check fail
func (r *FakeResource) Invalidate() {
	r.mu.Lock()
	r.invalid = true
	r.mu.Unlock()
}

// AutoCommit reports the current auto-commit mode
func (r *FakeResource) AutoCommit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.autoCommit
}

// Calls returns the local transaction calls seen so far
func (r *FakeResource) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// SetAutoCommit implements resource.LocalTransactional
func (r *FakeResource) SetAutoCommit(_ context.Context, on bool) error {
	r.record(fmt.Sprintf("autocommit=%t", on))
	if r.FailAutoCommitOn != nil && *r.FailAutoCommitOn == on {
		return ErrInjected
	}
	r.mu.Lock()
	r.autoCommit = on
	r.mu.Unlock()
	return nil
}

// Commit implements resource.LocalTransactional
func (r *FakeResource) Commit(context.Context) error {
	r.record("commit")
	return nil
}

// Rollback implements resource.LocalTransactional
func (r *FakeResource) Rollback(context.Context) error {
	r.record("rollback")
	return r.FailRollback
}

// FakeFactory creates FakeResources and counts what it does
type FakeFactory struct {
	mu        sync.Mutex
	resources []*FakeResource
	failNext  int
	failErr   error
	attempts  []time.Time

	nextID    atomic.Int64
	destroyed atomic.Int64

	// CreateDelay slows every Create down
	CreateDelay time.Duration
	// TwoPhase makes the factory hand out FakeParticipants
	TwoPhase bool

	participants sync.Map // *FakeResource -> *FakeParticipant
}

var (
	_ resource.Factory             = (*FakeFactory)(nil)
	_ resource.Validator           = (*FakeFactory)(nil)
	_ resource.ParticipantProvider = (*FakeFactory)(nil)
)

// NewFakeFactory creates a factory whose resources support local transactions
func NewFakeFactory() *FakeFactory {
	return &FakeFactory{}
}

// FailNext makes the next n Create calls fail with err (ErrInjected if nil)
func (f *FakeFactory) FailNext(n int, err error) {
	if err == nil {
		err = ErrInjected
	}
	f.mu.Lock()
	f.failNext, f.failErr = n, err
	f.mu.Unlock()
}

// Create implements resource.Factory
func (f *FakeFactory) Create(ctx context.Context, creds *resource.Credentials, desc resource.RequestDescriptor) (resource.Resource, error) {
	if f.CreateDelay > 0 {
		select {
		case <-time.After(f.CreateDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, time.Now())
	if f.failNext > 0 {
		f.failNext--
		return nil, f.failErr
	}
	r := &FakeResource{ID: f.nextID.Add(1), Desc: desc, autoCommit: true}
	if creds != nil {
		r.Creds = *creds
	}
	f.resources = append(f.resources, r)
	return r, nil
}

// Destroy implements resource.Factory
func (f *FakeFactory) Destroy(r resource.Resource) error {
	f.destroyed.Add(1)
	return r.Close()
}

// IsValid implements resource.Validator
func (f *FakeFactory) IsValid(_ context.Context, r resource.Resource) bool {
	fr := r.(*FakeResource)
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return !fr.closed && !fr.invalid
}

// TwoPhaseParticipant implements resource.ParticipantProvider
func (f *FakeFactory) TwoPhaseParticipant(r resource.Resource) (resource.Participant, bool) {
	if !f.TwoPhase {
		return nil, false
	}
	fr := r.(*FakeResource)
	p, _ := f.participants.LoadOrStore(fr, &FakeParticipant{})
	return p.(*FakeParticipant), true
}

// Participant returns the participant handed out for r, if any
func (f *FakeFactory) Participant(r resource.Resource) *FakeParticipant {
	p, ok := f.participants.Load(r)
	if !ok {
		return nil
	}
	return p.(*FakeParticipant)
}

// Created returns how many resources were created successfully
func (f *FakeFactory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resources)
}

// Attempts returns the times of every Create call, failed ones included
func (f *FakeFactory) Attempts() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.attempts...)
}

// Destroyed returns how many Destroy calls were made
func (f *FakeFactory) Destroyed() int {
	return int(f.destroyed.Load())
}

// Resources returns every resource created so far
func (f *FakeFactory) Resources() []*FakeResource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeResource(nil), f.resources...)
}

// FakeParticipant records the two-phase calls made on it
type FakeParticipant struct {
	mu    sync.Mutex
	calls []string

	// FailPrepare makes Prepare fail
	FailPrepare error
	// FailCommit makes Commit fail
	FailCommit error
	// ReadOnly makes Prepare vote read-only
	ReadOnly bool
}

var _ resource.Participant = (*FakeParticipant)(nil)

func (p *FakeParticipant) record(call string) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
}

// Calls returns the calls seen so far
func (p *FakeParticipant) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Start implements resource.Participant
func (p *FakeParticipant) Start(context.Context, resource.Xid) error {
	p.record("start")
	return nil
}

// End implements resource.Participant
func (p *FakeParticipant) End(_ context.Context, _ resource.Xid, flag resource.EndFlag) error {
	if flag == resource.EndSuccess {
		p.record("end")
	} else {
		p.record("end_fail")
	}
	return nil
}

// Prepare implements resource.Participant
func (p *FakeParticipant) Prepare(context.Context, resource.Xid) (resource.Vote, error) {
	p.record("prepare")
	if p.FailPrepare != nil {
		return resource.VoteCommit, p.FailPrepare
	}
	if p.ReadOnly {
		return resource.VoteReadOnly, nil
	}
	return resource.VoteCommit, nil
}

// Commit implements resource.Participant
func (p *FakeParticipant) Commit(_ context.Context, _ resource.Xid, onePhase bool) error {
	if onePhase {
		p.record("commit_one_phase")
	} else {
		p.record("commit")
	}
	return p.FailCommit
}

// Rollback implements resource.Participant
func (p *FakeParticipant) Rollback(context.Context, resource.Xid) error {
	p.record("rollback")
	return nil
}
