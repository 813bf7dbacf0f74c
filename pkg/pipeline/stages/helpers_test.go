package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/analyst/pkg/catalog"
	"github.com/malbeclabs/analyst/pkg/duck"
	"github.com/malbeclabs/analyst/pkg/llm"
	"github.com/malbeclabs/analyst/pkg/querier"
	"github.com/malbeclabs/analyst/pkg/safety"
	"github.com/stretchr/testify/require"
)

// Prompt headings identify which stage is calling the scripted client.
const (
	headInterpret  = "Question Interpretation"
	headPlan       = "Analysis Planning"
	headGenerate   = "SQL Generation"
	headSynthesize = "Answer Synthesis"
	headInsights   = "Insight Extraction"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type scriptedReply struct {
	text string
	err  error
	// block waits for the call's context to end.
	block bool
}

func say(text string) scriptedReply { return scriptedReply{text: text} }

func fail(err error) scriptedReply { return scriptedReply{err: err} }

func hang() scriptedReply { return scriptedReply{block: true} }

// scriptedLLM replies per stage in script order, repeating the last reply
// once the script runs out.
type scriptedLLM struct {
	mu      sync.Mutex
	scripts map[string][]scriptedReply
	calls   map[string]int
	prompts map[string][]string
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{
		scripts: map[string][]scriptedReply{},
		calls:   map[string]int{},
		prompts: map[string][]string{},
	}
}

func (m *scriptedLLM) on(heading string, replies ...scriptedReply) *scriptedLLM {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[heading] = append(m.scripts[heading], replies...)
	return m
}

func (m *scriptedLLM) Complete(ctx context.Context, systemPrompt, userPrompt string, _ ...llm.CompleteOption) (string, error) {
	heading := strings.TrimPrefix(strings.SplitN(systemPrompt, "\n", 2)[0], "# ")

	m.mu.Lock()
	replies := m.scripts[heading]
	n := m.calls[heading]
	m.calls[heading]++
	m.prompts[heading] = append(m.prompts[heading], userPrompt)
	m.mu.Unlock()

	if len(replies) == 0 {
		return "", fmt.Errorf("no scripted reply for %q", heading)
	}
	r := replies[min(n, len(replies)-1)]
	if r.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return r.text, r.err
}

func (m *scriptedLLM) callCount(heading string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[heading]
}

func (m *scriptedLLM) totalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

func (m *scriptedLLM) prompt(heading string, i int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompts[heading][i]
}

// slowQuerier makes queries containing marker hang until their deadline.
type slowQuerier struct {
	Querier
	marker string
}

func (q slowQuerier) Query(ctx context.Context, sql string) (querier.QueryResponse, error) {
	if q.marker != "" && strings.Contains(sql, q.marker) {
		<-ctx.Done()
		return querier.QueryResponse{}, fmt.Errorf("query: %w: %w", querier.ErrTimeout, ctx.Err())
	}
	return q.Querier.Query(ctx, sql)
}

type testEnv struct {
	cfg     Config
	llm     *scriptedLLM
	catalog *catalog.Catalog
	dir     string
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := duck.NewDB(ctx, "", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := clockwork.NewFakeClockAt(testNow)
	dir := t.TempDir()
	cat, err := catalog.Open(ctx, catalog.Config{
		Logger: testLogger(),
		DB:     db,
		Dir:    filepath.Join(dir, "catalog"),
		Clock:  clock,
	})
	require.NoError(t, err)

	q, err := querier.New(querier.Config{Logger: testLogger(), DB: db})
	require.NoError(t, err)

	validator, err := safety.New(safety.Config{})
	require.NoError(t, err)

	scripted := newScriptedLLM()
	cfg := Config{
		Logger:           testLogger(),
		LLM:              scripted,
		Catalog:          cat,
		Querier:          q,
		Validator:        validator,
		Clock:            clock,
		ReasoningTimeout: 2 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	require.NoError(t, cfg.Validate())

	return &testEnv{cfg: cfg, llm: scripted, catalog: cat, dir: dir}
}

// registerSales registers a 42 row sales dataset with 7 categories and 4
// regions.
func (e *testEnv) registerSales(t *testing.T) catalog.Dataset {
	t.Helper()

	categories := []string{"toys", "games", "books", "music", "garden", "sports", "tools"}
	regions := []string{"north", "south", "east", "west"}
	var b strings.Builder
	b.WriteString("order_id,category,region,sales,order_date\n")
	for i := 1; i <= 42; i++ {
		fmt.Fprintf(&b, "%d,%s,%s,%.2f,2024-01-%02d\n", i, categories[i%7], regions[i%4], float64(i*10)+0.5, i%28+1)
	}
	return e.register(t, "sales", b.String())
}

func (e *testEnv) register(t *testing.T, name, csv string) catalog.Dataset {
	t.Helper()
	path := filepath.Join(e.dir, name+".csv")
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o644))
	ds, err := e.catalog.Register(context.Background(), name, path)
	require.NoError(t, err)
	return ds
}

var errUnavailable = errors.New("service unavailable")
