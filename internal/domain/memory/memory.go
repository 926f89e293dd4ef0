// Package memory implements the Memory Index: a single
// façade, Search, that fans out to an external semantic-memory store,
// an intentions/goals lookup, and notes slices, then deduplicates,
// scores, and token-budgets the results into a context block.
//
// The external store contract (VectorStore/EmbeddingProvider) is
// backed in production by infrastructure/vectorstore's LanceDB store
// and infrastructure/embedding's Ollama embedder; an in-memory store
// is kept here for tests and small deployments.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryEntry is one record in the external semantic-memory store.
type MemoryEntry struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]interface{}
	Score     float32
	CreatedAt time.Time
	UpdatedAt time.Time
	SessionID string
	UserID    string
}

// VectorStore is the contract the Memory Index holds the external
// semantic-memory store to. The design calls it "the semantic-memory store
// itself" as out of scope; this interface is the whole of its
// contract as seen by the core.
type VectorStore interface {
	Insert(ctx context.Context, entry *MemoryEntry) error
	Search(ctx context.Context, query []float32, topK int, filter *SearchFilter) ([]*MemoryEntry, error)
	Delete(ctx context.Context, id string) error
	Update(ctx context.Context, entry *MemoryEntry) error
	GetBySession(ctx context.Context, sessionID string) ([]*MemoryEntry, error)
}

// SearchFilter narrows a VectorStore search.
type SearchFilter struct {
	UserID    string
	SessionID string
	MinScore  float32
	TimeRange *TimeRange
}

// TimeRange bounds a search by creation time.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// EmbeddingProvider turns text into the vectors VectorStore searches by.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Tier mirrors the Context Assembler's prompt tier and
// controls how many results each source contributes.
type Tier int

const (
	TierMinimal Tier = iota
	TierStandard
	TierFull
)

// Item is the in-transit memory record: text plus a relevance score,
// the display section it belongs under, and a dedup fingerprint.
type Item struct {
	Text        string
	Score       float64
	Section     string
	Fingerprint string
}

// GoalRef is the minimal view of an active goal the Index needs to
// run a goal-topic match.
type GoalRef struct {
	ID    string
	Title string
}

// IntentionsSource looks up goals/reminders indexed by topic.
type IntentionsSource interface {
	LookupByTopic(ctx context.Context, topic string) ([]Item, error)
}

// GoalMemoriesSource returns the memories linked to one goal, used to
// populate the 30-minute goal-topic cache.
type GoalMemoriesSource interface {
	MemoriesForGoal(ctx context.Context, goalID string) ([]Item, error)
}

// NotesSource supplies the optional daily-notes / user-notes slices.
type NotesSource interface {
	DailyNotes(ctx context.Context) ([]Item, error)
	UserNotes(ctx context.Context) ([]Item, error)
}

// GoalCache is the external backing store for the 30-minute
// goal-linked-memory cache. A nil GoalCache
// leaves the Index using its own in-process map, which is correct for
// a single gateway instance; a Redis-backed implementation lets the
// cache survive a process restart and be shared with the IPC surface.
type GoalCache interface {
	Get(ctx context.Context, goalID string) ([]Item, bool)
	Set(ctx context.Context, goalID string, items []Item, ttl time.Duration)
}

// MentionBoostStore is the external backing store for the
// mention-tracking boost table. A
// nil store leaves the Index using its own in-process map.
type MentionBoostStore interface {
	Add(ctx context.Context, fingerprint string, delta float64)
	Get(ctx context.Context, fingerprint string) (float64, bool)
}

// Options configures one Search call.
type Options struct {
	SubmitterKey string // used for mention tracking
	Tier         Tier
	TokenBudget  int
	ActiveGoals  []GoalRef
	UserID       string
	SessionID    string
}

// Stats report what Search did, for IPC/status surfacing.
type Stats struct {
	BySource    map[string]int
	Deduped     int
	Packed      int
	TokensUsed  int
	Pressure    float64
}

// Result is the façade's single return value: search(query, opts) →
// {contextBlock, stats}.
type Result struct {
	ContextBlock string
	Stats        Stats
}

const (
	bonusCore  = 0.20
	bonusGoals = 0.15
	bonusNotes = 0.10
	mentionBoostAmount = 0.12
	goalCacheTTL       = 30 * time.Minute
)

func resultCountForTier(t Tier) int {
	switch t {
	case TierMinimal:
		return 3
	case TierStandard:
		return 6
	default:
		return 12
	}
}

type goalCacheEntry struct {
	items   []Item
	fetched time.Time
}

// Index is the Memory Index façade.
type Index struct {
	store      VectorStore
	embedder   EmbeddingProvider
	intentions IntentionsSource
	goalMems   GoalMemoriesSource
	notes      NotesSource

	// extCache and extMentions are optional Redis-backed stores that
	// let the goal cache and mention-boost table survive a process
	// restart and be shared across a second gateway process (e.g. the
	// IPC surface). Either may be nil, in which case the in-process
	// maps below are authoritative.
	extCache    GoalCache
	extMentions MentionBoostStore

	mu            sync.Mutex
	goalCache     map[string]goalCacheEntry
	lastInjected  map[string][]Item   // submitterKey -> last packed items
	mentionBoosts map[string]float64  // fingerprint -> extra score
}

// NewIndex wires the façade to its sources. intentions, goalMems and
// notes may be nil; a nil source is simply skipped during fan-out.
func NewIndex(store VectorStore, embedder EmbeddingProvider, intentions IntentionsSource, goalMems GoalMemoriesSource, notes NotesSource) *Index {
	return &Index{
		store:         store,
		embedder:      embedder,
		intentions:    intentions,
		goalMems:      goalMems,
		notes:         notes,
		goalCache:     make(map[string]goalCacheEntry),
		lastInjected:  make(map[string][]Item),
		mentionBoosts: make(map[string]float64),
	}
}

// WithExternalCache attaches a Redis-backed GoalCache and
// MentionBoostStore to an already-constructed Index. Called once
// during wiring when memory.redis.enabled is true; a nil argument
// leaves the corresponding in-process map in charge.
func (ix *Index) WithExternalCache(cache GoalCache, mentions MentionBoostStore) *Index {
	ix.extCache = cache
	ix.extMentions = mentions
	return ix
}

// Search is the Memory Index's single façade call. It fans out in
// parallel to the semantic store, the intentions lookup, the
// goal-topic cache, and (standard/full tiers) the notes slices;
// fingerprints results across all sources, applies source bonuses and
// any live mention boost, sorts, and greedily packs into TokenBudget.
func (ix *Index) Search(ctx context.Context, query string, opts Options) (Result, error) {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		gathered []sourcedItem
	)

	add := func(items []Item, source string) {
		mu.Lock()
		defer mu.Unlock()
		for _, it := range items {
			gathered = append(gathered, sourcedItem{item: it, source: source})
		}
	}

	if ix.store != nil && ix.embedder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vec, err := ix.embedder.Embed(ctx, query)
			if err != nil {
				return
			}
			filter := &SearchFilter{UserID: opts.UserID, SessionID: opts.SessionID}
			entries, err := ix.store.Search(ctx, vec, resultCountForTier(opts.Tier), filter)
			if err != nil {
				return
			}
			items := make([]Item, 0, len(entries))
			for _, e := range entries {
				items = append(items, Item{Text: e.Content, Score: float64(e.Score), Section: "memory"})
			}
			add(items, "core")
		}()
	}

	if ix.intentions != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := ix.intentions.LookupByTopic(ctx, query)
			if err == nil {
				add(items, "intentions")
			}
		}()
	}

	for _, g := range opts.ActiveGoals {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			add(ix.goalLinkedMemories(ctx, g), "goals")
		}()
	}

	if opts.Tier != TierMinimal && ix.notes != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if daily, err := ix.notes.DailyNotes(ctx); err == nil {
				add(daily, "notes")
			}
			if user, err := ix.notes.UserNotes(ctx); err == nil {
				add(user, "notes")
			}
		}()
	}

	wg.Wait()

	return ix.assemble(ctx, gathered, opts), nil
}

// sourcedItem pairs a gathered Item with the name of the fan-out
// source that produced it, so assemble can apply the right bonus.
type sourcedItem struct {
	item   Item
	source string
}

func (ix *Index) assemble(ctx context.Context, gathered []sourcedItem, opts Options) Result {
	seen := make(map[string]bool, len(gathered))
	var scored []Item
	bySource := map[string]int{}

	for i := range gathered {
		g := gathered[i]
		fp := fingerprint(g.item.Text)
		if seen[fp] {
			continue
		}
		seen[fp] = true

		it := g.item
		it.Fingerprint = fp
		it.Score += sourceBonus(g.source)
		if boost, ok := ix.mentionBoost(fp); ok {
			it.Score += boost
		}
		scored = append(scored, it)
		bySource[g.source]++
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	budget := opts.TokenBudget
	if budget <= 0 {
		budget = 1200
	}
	packed := make([]Item, 0, len(scored))
	used := 0
	for _, it := range scored {
		cost := estimateTokens(it.Text)
		if used+cost > budget {
			continue
		}
		packed = append(packed, it)
		used += cost
	}

	if opts.SubmitterKey != "" {
		ix.mu.Lock()
		ix.lastInjected[opts.SubmitterKey] = packed
		ix.mu.Unlock()
	}

	return Result{
		ContextBlock: renderBlock(packed),
		Stats: Stats{
			BySource:   bySource,
			Deduped:    len(gathered) - len(scored),
			Packed:     len(packed),
			TokensUsed: used,
			Pressure:   float64(used) / float64(budget),
		},
	}
}

// mentionBoost looks up the live boost for fingerprint fp, preferring
// the external store (shared across processes/restarts) when wired.
func (ix *Index) mentionBoost(fp string) (float64, bool) {
	if ix.extMentions != nil {
		if boost, ok := ix.extMentions.Get(context.Background(), fp); ok {
			return boost, true
		}
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	boost, ok := ix.mentionBoosts[fp]
	return boost, ok
}

// goalLinkedMemories returns the cached memory set for one goal,
// refreshing it when the 30-minute TTL has elapsed.
// The external GoalCache, when wired, is consulted before and updated
// alongside the in-process map so a second process shares the cache.
func (ix *Index) goalLinkedMemories(ctx context.Context, g GoalRef) []Item {
	if ix.extCache != nil {
		if items, ok := ix.extCache.Get(ctx, g.ID); ok {
			return items
		}
	}

	ix.mu.Lock()
	cached, ok := ix.goalCache[g.ID]
	ix.mu.Unlock()
	if ok && time.Since(cached.fetched) < goalCacheTTL {
		return cached.items
	}
	if ix.goalMems == nil {
		return nil
	}
	items, err := ix.goalMems.MemoriesForGoal(ctx, g.ID)
	if err != nil {
		return cached.items
	}
	ix.mu.Lock()
	ix.goalCache[g.ID] = goalCacheEntry{items: items, fetched: time.Now()}
	ix.mu.Unlock()
	if ix.extCache != nil {
		ix.extCache.Set(ctx, g.ID, items, goalCacheTTL)
	}
	return items
}

// NoteMention closes the "did the user engage with what we injected?"
// loop: if userMessage shares at least two significant words with any
// item last injected for submitterKey, that item's fingerprint is
// boosted for future searches.
func (ix *Index) NoteMention(submitterKey, userMessage string) {
	ix.mu.Lock()
	last := ix.lastInjected[submitterKey]
	ix.mu.Unlock()
	if len(last) == 0 {
		return
	}

	words := significantWords(userMessage)
	if len(words) == 0 {
		return
	}

	ix.mu.Lock()
	var boosted []string
	for _, it := range last {
		overlap := 0
		itWords := significantWords(it.Text)
		for w := range words {
			if itWords[w] {
				overlap++
			}
		}
		if overlap >= 2 {
			ix.mentionBoosts[it.Fingerprint] += mentionBoostAmount
			boosted = append(boosted, it.Fingerprint)
		}
	}
	ix.mu.Unlock()

	if ix.extMentions != nil {
		for _, fp := range boosted {
			ix.extMentions.Add(context.Background(), fp, mentionBoostAmount)
		}
	}
}

func sourceBonus(source string) float64 {
	switch source {
	case "core":
		return bonusCore
	case "goals":
		return bonusGoals
	case "notes":
		return bonusNotes
	default:
		return 0
	}
}

// fingerprint normalizes text to a stable dedup key: lowercase,
// whitespace-collapsed prefix, hashed so long entries stay comparable.
func fingerprint(text string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(text), " "))
	if len(norm) > 120 {
		norm = norm[:120]
	}
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:8])
}

func significantWords(text string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'()[]")
		if len(w) >= 4 && !stopWords[w] {
			out[w] = true
		}
	}
	return out
}

var stopWords = map[string]bool{
	"that": true, "this": true, "with": true, "from": true, "have": true,
	"what": true, "when": true, "your": true, "about": true, "there": true,
}

func estimateTokens(text string) int {
	return len(text)/4 + 1
}

func renderBlock(items []Item) string {
	if len(items) == 0 {
		return ""
	}
	bySection := make(map[string][]Item)
	var order []string
	for _, it := range items {
		section := it.Section
		if section == "" {
			section = "memory"
		}
		if _, ok := bySection[section]; !ok {
			order = append(order, section)
		}
		bySection[section] = append(bySection[section], it)
	}

	var b strings.Builder
	for _, section := range order {
		fmt.Fprintf(&b, "## %s\n", strings.Title(section))
		for _, it := range bySection[section] {
			fmt.Fprintf(&b, "- %s\n", it.Text)
		}
	}
	return b.String()
}

// --- In-memory VectorStore, for tests and small deployments ---

// InMemoryVectorStore is a cosine-similarity VectorStore with no
// external dependency, used in tests and single-user installs that
// skip LanceDB.
type InMemoryVectorStore struct {
	mu      sync.RWMutex
	entries map[string]*MemoryEntry
}

func NewInMemoryVectorStore() *InMemoryVectorStore {
	return &InMemoryVectorStore{entries: make(map[string]*MemoryEntry)}
}

func (s *InMemoryVectorStore) Insert(ctx context.Context, entry *MemoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = generateID(entry.Content)
	}
	s.entries[entry.ID] = entry
	return nil
}

func (s *InMemoryVectorStore) Search(ctx context.Context, query []float32, topK int, filter *SearchFilter) ([]*MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		entry *MemoryEntry
		score float32
	}
	var candidates []scored
	for _, entry := range s.entries {
		if filter != nil {
			if filter.UserID != "" && entry.UserID != filter.UserID {
				continue
			}
			if filter.SessionID != "" && entry.SessionID != filter.SessionID {
				continue
			}
			if filter.TimeRange != nil && (entry.CreatedAt.Before(filter.TimeRange.Start) || entry.CreatedAt.After(filter.TimeRange.End)) {
				continue
			}
		}
		score := cosineSimilarity(query, entry.Embedding)
		if filter != nil && score < filter.MinScore {
			continue
		}
		candidates = append(candidates, scored{entry: entry, score: score})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	results := make([]*MemoryEntry, len(candidates))
	for i, c := range candidates {
		cp := *c.entry
		cp.Score = c.score
		results[i] = &cp
	}
	return results, nil
}

func (s *InMemoryVectorStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *InMemoryVectorStore) Update(ctx context.Context, entry *MemoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.ID]; !ok {
		return fmt.Errorf("memory not found: %s", entry.ID)
	}
	entry.UpdatedAt = time.Now()
	s.entries[entry.ID] = entry
	return nil
}

func (s *InMemoryVectorStore) GetBySession(ctx context.Context, sessionID string) ([]*MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var results []*MemoryEntry
	for _, entry := range s.entries {
		if entry.SessionID == sessionID {
			results = append(results, entry)
		}
	}
	return results, nil
}

func generateID(content string) string {
	sum := sha256.Sum256([]byte(content + time.Now().String()))
	return hex.EncodeToString(sum[:16])
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (sqrtf(normA) * sqrtf(normB))
}

func sqrtf(x float32) float32 {
	if x <= 0 {
		return 0
	}
	z := x
	for i := 0; i < 10; i++ {
		z = (z + x/z) / 2
	}
	return z
}

// SimpleEmbedder is a dependency-free hashing embedder used by tests
// and as the fallback when no Ollama endpoint is configured.
type SimpleEmbedder struct {
	dimension int
}

func NewSimpleEmbedder(dimension int) *SimpleEmbedder {
	return &SimpleEmbedder{dimension: dimension}
}

func (e *SimpleEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embedding := make([]float32, e.dimension)
	for _, word := range strings.Fields(text) {
		for i, char := range word {
			idx := (int(char) + i) % e.dimension
			embedding[idx]++
		}
	}
	var norm float32
	for _, v := range embedding {
		norm += v * v
	}
	if norm > 0 {
		norm = sqrtf(norm)
		for i := range embedding {
			embedding[i] /= norm
		}
	}
	return embedding, nil
}

func (e *SimpleEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *SimpleEmbedder) Dimension() int { return e.dimension }
