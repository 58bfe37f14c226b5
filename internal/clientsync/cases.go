package clientsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/pelusa-v/pelusa-desk/internal/domain"
	"github.com/pelusa-v/pelusa-desk/internal/entitycache"
	"github.com/pelusa-v/pelusa-desk/internal/protocol"
)

const (
	caseResource = protocol.DefaultResource
	seenEvents   = 512
)

// CaseSyncOptions configures a CaseSync.
type CaseSyncOptions struct {
	StaleAfter time.Duration
	EvictAfter time.Duration
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

type caseViewers struct {
	refs      int
	listeners map[uint64]*CaseView
}

// CaseSync keeps viewed cases current. Reads go through an entity cache,
// edits are optimistic and live updates arrive through the case's group.
type CaseSync struct {
	api   CaseAPI
	em    Emitter
	cache *entitycache.Cache[string, domain.Case]
	seen  *lru.Cache[string, struct{}]
	log   *slog.Logger

	mu        sync.Mutex
	views     map[string]*caseViewers
	nextID    uint64
	onFailure []func(*domain.MutationError)
	offs      []func()
}

// NewCaseSync creates a case state holder.
func NewCaseSync(api CaseAPI, em Emitter, opts CaseSyncOptions) (*CaseSync, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	seen, err := lru.New[string, struct{}](seenEvents)
	if err != nil {
		return nil, err
	}
	return &CaseSync{
		api: api,
		em:  em,
		cache: entitycache.New[string, domain.Case](api.GetCase, entitycache.Options{
			StaleAfter: opts.StaleAfter,
			EvictAfter: opts.EvictAfter,
			Clock:      opts.Clock,
			Logger:     opts.Logger,
		}),
		seen:  seen,
		log:   opts.Logger.With("component", "case_sync"),
		views: map[string]*caseViewers{},
	}, nil
}

// Start subscribes to resource updates.
func (s *CaseSync) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offs = append(s.offs, s.em.On(protocol.EventResourceUpdated, s.handleUpdated))
}

// Close unsubscribes from resource updates. Open views are left to their
// owners.
func (s *CaseSync) Close() {
	s.mu.Lock()
	offs := s.offs
	s.offs = nil
	s.mu.Unlock()
	for _, off := range offs {
		off()
	}
}

// OnFailure registers fn to receive every rolled-back edit.
func (s *CaseSync) OnFailure(fn func(*domain.MutationError)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailure = append(s.onFailure, fn)
}

// Get returns a case through the cache.
func (s *CaseSync) Get(ctx context.Context, id string) (domain.Case, error) {
	return s.cache.Read(ctx, id)
}

// Prefetch warms the cache for id.
func (s *CaseSync) Prefetch(ctx context.Context, id string) error {
	return s.cache.Prefetch(ctx, id)
}

// View starts viewing a case: the first view of an id joins its group.
// onChange, when set, runs after every change to the case. The returned
// view must be closed.
func (s *CaseSync) View(ctx context.Context, id string, onChange func(domain.Case)) (*CaseView, error) {
	s.mu.Lock()
	vs, ok := s.views[id]
	if !ok {
		vs = &caseViewers{listeners: map[uint64]*CaseView{}}
		s.views[id] = vs
	}
	s.nextID++
	v := &CaseView{owner: s, id: id, key: s.nextID, onChange: onChange}
	vs.listeners[v.key] = v
	vs.refs++
	first := vs.refs == 1
	s.mu.Unlock()

	if first {
		if err := s.em.Join(ctx, caseResource, id); err != nil && !errors.Is(err, domain.ErrNotConnected) {
			s.log.Warn("join case group", slog.String("case_id", id), slog.String("error", err.Error()))
		}
	}

	cs, err := s.cache.Read(ctx, id)
	if err != nil {
		v.Close()
		return nil, err
	}
	v.set(cs)
	return v, nil
}

// Update edits a case optimistically. The edit is announced to other
// viewers only after the store accepted it.
func (s *CaseSync) Update(ctx context.Context, id string, patch domain.CasePatch) (domain.Case, error) {
	if err := patch.Validate(); err != nil {
		return domain.Case{}, err
	}

	snap := s.cache.SetOptimistic(id, func(cur domain.Case, ok bool) domain.Case {
		if !ok {
			cur.ID = id
		}
		return patch.Apply(cur)
	})
	s.notifyCached(id)

	stored, err := s.api.UpdateCase(ctx, id, patch)
	if err != nil {
		if s.cache.Rollback(id, snap) {
			s.notifyCached(id)
		}
		return domain.Case{}, s.fail("update case", id, err)
	}

	s.cache.Set(id, stored)
	s.notify(id, stored)

	update, err := json.Marshal(stored)
	if err != nil {
		return stored, nil
	}
	err = s.em.Emit(ctx, protocol.EventResourceUpdate, protocol.ResourceUpdatePayload{
		Resource:           caseResource,
		ResourceID:         id,
		Update:             update,
		AssignedIdentityID: stored.AssigneeID,
	})
	if err != nil {
		s.log.Warn("case update not broadcast", slog.String("case_id", id), slog.String("error", err.Error()))
	}
	return stored, nil
}

// Viewers returns the number of open views of id.
func (s *CaseSync) Viewers(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vs, ok := s.views[id]; ok {
		return vs.refs
	}
	return 0
}

// handleUpdated merges a broadcast case. Updates may be partial; fields
// present overlay the cached case. Repeated events and updates older than
// the cached case are ignored.
func (s *CaseSync) handleUpdated(env protocol.Envelope) {
	if env.ID != "" {
		if ok, _ := s.seen.ContainsOrAdd(env.ID, struct{}{}); ok {
			return
		}
	}

	var incoming domain.Case
	if err := json.Unmarshal(env.Data, &incoming); err != nil || incoming.ID == "" {
		s.log.Debug("ignoring resource update", slog.String("event_id", env.ID))
		return
	}

	merged := incoming
	if cur, ok := s.cache.Peek(incoming.ID); ok {
		if !incoming.UpdatedAt.IsZero() && incoming.UpdatedAt.Before(cur.UpdatedAt) {
			return
		}
		merged = cur
		if err := json.Unmarshal(env.Data, &merged); err != nil {
			return
		}
	}

	s.cache.Set(merged.ID, merged)
	s.notify(merged.ID, merged)
}

func (s *CaseSync) notifyCached(id string) {
	if cs, ok := s.cache.Peek(id); ok {
		s.notify(id, cs)
	}
}

func (s *CaseSync) notify(id string, cs domain.Case) {
	s.mu.Lock()
	var views []*CaseView
	if vs, ok := s.views[id]; ok {
		for _, v := range vs.listeners {
			views = append(views, v)
		}
	}
	s.mu.Unlock()

	for _, v := range views {
		v.set(cs)
	}
}

func (s *CaseSync) release(v *CaseView) {
	s.mu.Lock()
	vs, ok := s.views[v.id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(vs.listeners, v.key)
	vs.refs--
	last := vs.refs == 0
	if last {
		delete(s.views, v.id)
	}
	s.mu.Unlock()

	if last {
		if err := s.em.Leave(context.Background(), caseResource, v.id); err != nil {
			s.log.Warn("leave case group", slog.String("case_id", v.id), slog.String("error", err.Error()))
		}
	}
}

func (s *CaseSync) fail(op, id string, err error) error {
	merr := &domain.MutationError{Op: op, EntityID: id, Err: err}
	s.log.Warn("mutation rolled back", slog.String("op", op), slog.String("id", id), slog.String("error", err.Error()))

	s.mu.Lock()
	hooks := append([]func(*domain.MutationError){}, s.onFailure...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(merr)
	}
	return merr
}

// CaseView is one viewer's handle on a case.
type CaseView struct {
	owner    *CaseSync
	id       string
	key      uint64
	onChange func(domain.Case)

	mu      sync.Mutex
	current domain.Case
	once    sync.Once
}

// ID returns the viewed case id.
func (v *CaseView) ID() string { return v.id }

// Current returns the latest known state of the case.
func (v *CaseView) Current() domain.Case {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Close stops viewing. The last view of a case leaves its group. Close is
// idempotent.
func (v *CaseView) Close() {
	v.once.Do(func() { v.owner.release(v) })
}

func (v *CaseView) set(cs domain.Case) {
	v.mu.Lock()
	v.current = cs
	v.mu.Unlock()
	if v.onChange != nil {
		v.onChange(cs)
	}
}
