// Package rendercache keeps one live renderer per fingerprint. Renderers
// are reference counted while in use, created at most once per key at a
// time, evicted by idle TTL and soft LRU capacity, and closed explicitly.
package rendercache

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mohammed-shakir/tileforge/internal/cache/keys"
	"github.com/mohammed-shakir/tileforge/internal/core/observability"
	"github.com/mohammed-shakir/tileforge/internal/mapconfig"
	"github.com/mohammed-shakir/tileforge/internal/renderer"
)

var ErrClosed = errors.New("renderer cache closed")

const errorCacheSize = 1024

// Factory builds the renderer for a request on a miss.
type Factory interface {
	GetRenderer(ctx context.Context, mc *mapconfig.MapConfig, p renderer.Params) (renderer.Renderer, error)
}

type Request struct {
	MapConfig   *mapconfig.MapConfig
	DBName      string
	Format      renderer.Format
	Layers      []int
	ScaleFactor float64
	Extra       map[string]string
	CacheBuster string
}

// Fingerprint leaves out the cache buster; it decides recreation, not
// identity. Layer filters are normalized so equivalent spellings share a
// renderer.
func (r Request) Fingerprint() keys.Fingerprint {
	return keys.Fingerprint{
		DBName:      r.DBName,
		Token:       r.MapConfig.ID(),
		Format:      string(r.Format),
		Layers:      r.MapConfig.NormalizeLayers(r.Layers),
		ScaleFactor: r.ScaleFactor,
		Extra:       r.Extra,
	}
}

func (r Request) info(key string) Info {
	return Info{Key: key, DBName: r.DBName, Token: r.MapConfig.ID(), Format: r.Format}
}

func (r Request) params() renderer.Params {
	return renderer.Params{DBName: r.DBName, Format: r.Format, Layers: r.Layers, ScaleFactor: r.ScaleFactor}
}

// Info describes a cached renderer to invalidation predicates.
type Info struct {
	Key       string
	DBName    string
	Token     string
	Format    renderer.Format
	Tables    []string
	CreatedAt time.Time
}

type entry struct {
	renderer  renderer.Renderer
	info      Info
	buster    string
	createdAt time.Time
	lastUsed  time.Time
	refs      int
	hits      int
	doomed    bool
	destroyed bool
	elem      *list.Element
}

type Options struct {
	TTL           time.Duration
	Capacity      int
	SweepInterval time.Duration
	ErrorCooldown time.Duration
	Log           *slog.Logger
	Now           func() time.Time
}

type Cache struct {
	factory Factory
	opts    Options
	log     *slog.Logger
	guard   Guard[flight]
	errs    *expirable.LRU[string, cooldown]

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List
	closed  bool
}

func New(f Factory, o Options) *Cache {
	if o.TTL <= 0 {
		o.TTL = 60 * time.Second
	}
	if o.Capacity <= 0 {
		o.Capacity = 128
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	c := &Cache{
		factory: f,
		opts:    o,
		log:     o.Log,
		entries: make(map[string]*entry),
		lru:     list.New(),
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if o.ErrorCooldown > 0 {
		c.errs = expirable.NewLRU[string, cooldown](errorCacheSize, nil, o.ErrorCooldown)
	}
	return c
}

// Handle is an acquired renderer. Release it when the tile is done.
type Handle struct {
	Renderer renderer.Renderer
	Key      string
	// Hit is true only when a renderer built for an earlier request was
	// reused.
	Hit bool
	Age time.Duration

	c    *Cache
	e    *entry
	once sync.Once
}

func (h *Handle) Release() {
	h.once.Do(func() { h.c.release(h.e) })
}

// Acquire returns the live renderer for req, creating it on a miss or when
// the cache buster asks for a new one.
func (c *Cache) Acquire(ctx context.Context, req Request) (*Handle, error) {
	key := req.Fingerprint().String()
	buster := GetCacheBusterValue(req.CacheBuster, c.opts.Now())

	for {
		if h, ok, err := c.lookup(key, buster); ok || err != nil {
			return h, err
		}
		if err := c.cooling(key, buster); err != nil {
			observability.IncRendererCache("cooldown")
			return nil, err
		}

		observability.IncRendererCache("miss")
		res, _, err := c.guard.Do(ctx, key, func() (flight, error) {
			// an earlier flight may have finished between lookup and Do
			if e := c.current(key, buster); e != nil {
				return flight{e: e, reused: true}, nil
			}
			if err := c.cooling(key, buster); err != nil {
				return flight{}, err
			}
			e, err := c.create(context.WithoutCancel(ctx), key, buster, req)
			return flight{e: e}, err
		})
		if err != nil {
			return nil, err
		}
		if ShouldRecreateRenderer(res.e.buster, buster) {
			// joined a flight for an older buster
			continue
		}
		if h, ok := c.pin(key, res.e, res.reused); ok {
			return h, nil
		}
		// evicted between creation and pin; look again
	}
}

// flight is the result shared by every caller of one creation.
type flight struct {
	e      *entry
	reused bool
}

type cooldown struct {
	info Info
	err  error
}

func cooldownKey(key, buster string) string {
	return key + "\x00" + buster
}

// cooling returns the recent creation error for key and buster, if any.
func (c *Cache) cooling(key, buster string) error {
	if c.errs == nil {
		return nil
	}
	if cd, ok := c.errs.Get(cooldownKey(key, buster)); ok {
		return cd.err
	}
	return nil
}

// current returns the live entry for key when buster does not ask for a
// new one. It takes no reference.
func (c *Cache) current(key, buster string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.doomed || e.destroyed || ShouldRecreateRenderer(e.buster, buster) {
		return nil
	}
	return e
}

// lookup reuses a live entry. ok is false on a miss.
func (c *Cache) lookup(key, buster string) (*Handle, bool, error) {
	var stale *entry

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, false, ErrClosed
	}
	e, found := c.entries[key]
	if found && !ShouldRecreateRenderer(e.buster, buster) {
		now := c.opts.Now()
		e.refs++
		e.hits++
		e.lastUsed = now
		c.lru.MoveToFront(e.elem)
		c.mu.Unlock()

		observability.IncRendererCache("hit")
		return &Handle{Renderer: e.renderer, Key: key, Hit: true, Age: now.Sub(e.createdAt), c: c, e: e}, true, nil
	}
	if found {
		stale = c.removeLocked(e)
	}
	c.mu.Unlock()

	if stale != nil {
		c.destroy(stale, "recreated")
	}
	return nil, false, nil
}

func (c *Cache) create(ctx context.Context, key, buster string, req Request) (*entry, error) {
	start := c.opts.Now()
	r, err := c.factory.GetRenderer(ctx, req.MapConfig, req.params())
	if err != nil {
		observability.IncRendererCache("create_error")
		if c.errs != nil {
			c.errs.Add(cooldownKey(key, buster), cooldown{info: req.info(key), err: err})
		}
		c.log.Warn("renderer creation failed", "key", key, "err", err)
		return nil, err
	}
	observability.IncRendererCache("create")

	now := c.opts.Now()
	e := &entry{
		renderer: r,
		info:      req.info(key),
		buster:    buster,
		createdAt: now,
		lastUsed:  now,
	}
	e.info.Tables = renderer.Tables(r)
	e.info.CreatedAt = now

	var replaced *entry
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = r.Close()
		return nil, ErrClosed
	}
	if old, ok := c.entries[key]; ok {
		replaced = c.removeLocked(old)
	}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	victims := c.evictLocked(e)
	size := len(c.entries)
	c.mu.Unlock()

	observability.SetRendererCacheSize(size)
	if replaced != nil {
		c.destroy(replaced, "recreated")
	}
	for _, v := range victims {
		c.destroy(v, "capacity")
	}
	c.log.Debug("renderer created", "key", key, "took", now.Sub(start))
	return e, nil
}

// pin takes a reference on an entry handed out by a flight unless it is
// already gone. reused marks an entry the flight found instead of built.
func (c *Cache) pin(key string, e *entry, reused bool) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.destroyed || e.doomed {
		return nil, false
	}
	now := c.opts.Now()
	e.refs++
	e.lastUsed = now
	c.lru.MoveToFront(e.elem)
	h := &Handle{Renderer: e.renderer, Key: key, c: c, e: e}
	if reused {
		e.hits++
		h.Hit = true
		h.Age = now.Sub(e.createdAt)
	}
	return h, true
}

func (c *Cache) release(e *entry) {
	var doomed *entry
	var victims []*entry
	c.mu.Lock()
	e.refs--
	e.lastUsed = c.opts.Now()
	if e.doomed && e.refs == 0 && !e.destroyed {
		e.destroyed = true
		doomed = e
	}
	if !c.closed {
		victims = c.evictLocked(nil)
	}
	c.mu.Unlock()

	if doomed != nil {
		c.destroy(doomed, "doomed")
	}
	for _, v := range victims {
		c.destroy(v, "capacity")
	}
}

// removeLocked unlinks e. It returns e when it can be closed now; an
// entry still in use is doomed and closed on its last release.
func (c *Cache) removeLocked(e *entry) *entry {
	if cur, ok := c.entries[e.info.Key]; ok && cur == e {
		delete(c.entries, e.info.Key)
	}
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	if e.refs > 0 {
		e.doomed = true
		return nil
	}
	e.destroyed = true
	return e
}

// evictLocked trims idle entries from the cold end until the cache fits
// its capacity. Entries in use are skipped, so the size may stay above
// capacity until they are released.
func (c *Cache) evictLocked(keep *entry) []*entry {
	var out []*entry
	el := c.lru.Back()
	for len(c.entries) > c.opts.Capacity && el != nil {
		prev := el.Prev()
		e := el.Value.(*entry)
		if e != keep && e.refs == 0 {
			if v := c.removeLocked(e); v != nil {
				out = append(out, v)
			}
		}
		el = prev
	}
	return out
}

func (c *Cache) destroy(e *entry, reason string) {
	observability.IncRendererEviction(reason)
	if err := e.renderer.Close(); err != nil {
		c.log.Warn("renderer close failed", "key", e.info.Key, "reason", reason, "err", err)
	}
	c.mu.Lock()
	size := len(c.entries)
	c.mu.Unlock()
	observability.SetRendererCacheSize(size)
}

// Sweep closes idle entries whose TTL has passed and returns how many.
func (c *Cache) Sweep(now time.Time) int {
	var victims []*entry
	c.mu.Lock()
	for _, e := range c.entries {
		if e.refs == 0 && now.Sub(e.lastUsed) >= c.opts.TTL {
			if v := c.removeLocked(e); v != nil {
				victims = append(victims, v)
			}
		}
	}
	c.mu.Unlock()

	for _, v := range victims {
		c.destroy(v, "ttl")
	}
	return len(victims)
}

// Run sweeps on SweepInterval until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	t := time.NewTicker(c.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := c.Sweep(c.opts.Now()); n > 0 {
				c.log.Debug("renderer cache swept", "evicted", n)
			}
		}
	}
}

// Invalidate force-evicts every entry pred matches and forgets the cached
// creation errors of those keys and of failures pred matches. Entries in
// use are closed on their last release.
func (c *Cache) Invalidate(pred func(Info) bool) int {
	var victims []*entry
	evicted := make(map[string]struct{})
	c.mu.Lock()
	for _, e := range c.entries {
		if pred(e.info) {
			evicted[e.info.Key] = struct{}{}
			if v := c.removeLocked(e); v != nil {
				victims = append(victims, v)
			}
		}
	}
	c.mu.Unlock()

	if c.errs != nil {
		for _, k := range c.errs.Keys() {
			cd, ok := c.errs.Peek(k)
			if !ok {
				continue
			}
			if _, hit := evicted[cd.info.Key]; hit || pred(cd.info) {
				c.errs.Remove(k)
			}
		}
	}
	for _, v := range victims {
		c.destroy(v, "invalidated")
	}
	return len(evicted)
}

// InvalidateTables evicts the renderers of db reading any of tables.
func (c *Cache) InvalidateTables(db string, tables []string) int {
	return c.Invalidate(func(i Info) bool {
		return i.DBName == db && TablesOverlap(i.Tables, tables)
	})
}

// TablesOverlap matches qualified and unqualified names case-insensitively;
// "roads" matches "public.roads".
func TablesOverlap(have, changed []string) bool {
	for _, a := range have {
		for _, b := range changed {
			if tableEqual(a, b) {
				return true
			}
		}
	}
	return false
}

func tableEqual(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b {
		return true
	}
	sa, ta, qa := strings.Cut(a, ".")
	sb, tb, qb := strings.Cut(b, ".")
	switch {
	case qa && !qb:
		return ta == sb
	case qb && !qa:
		return tb == sa
	}
	return false
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close destroys every renderer. Entries in use are closed on release.
func (c *Cache) Close() error {
	var victims []*entry
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, e := range c.entries {
		if v := c.removeLocked(e); v != nil {
			victims = append(victims, v)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, v := range victims {
		observability.IncRendererEviction("closed")
		if err := v.renderer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	observability.SetRendererCacheSize(0)
	return errors.Join(errs...)
}
