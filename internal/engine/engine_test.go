package engine

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sunbk201/reqhdr/internal/config"
	"github.com/sunbk201/reqhdr/internal/rule"
	"github.com/sunbk201/reqhdr/internal/statistics"
)

type recordingRegistrar struct {
	mu    sync.Mutex
	specs []ListenerSpec
}

func (r *recordingRegistrar) Register(spec ListenerSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs = append(r.specs, spec)
}

func (r *recordingRegistrar) last() ListenerSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.specs[len(r.specs)-1]
}

func (r *recordingRegistrar) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.specs)
}

func newEngine(t *testing.T, raw []config.Rule, opts ...Option) *Engine {
	t.Helper()
	e := New(opts...)
	warnings := e.Reload(raw)
	require.Empty(t, warnings)
	return e
}

func single(domain, name, value string) []config.Rule {
	return []config.Rule{
		{Domains: []string{domain}, Headers: []config.Header{{Name: name, Value: value}}},
	}
}

func TestHeaderSemantics(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		headers []Header
		want    []Header
	}{
		{
			name:    "delete existing",
			value:   "",
			headers: []Header{{Name: "x-test", Value: "foo"}, {Name: "accept", Value: "*/*"}},
			want:    []Header{{Name: "accept", Value: "*/*"}},
		},
		{
			name:    "append missing",
			value:   "bar",
			headers: []Header{{Name: "accept", Value: "*/*"}},
			want:    []Header{{Name: "accept", Value: "*/*"}, {Name: "x-test", Value: "bar"}},
		},
		{
			name:    "overwrite existing",
			value:   "bar",
			headers: []Header{{Name: "x-test", Value: "foo"}},
			want:    []Header{{Name: "x-test", Value: "bar"}},
		},
		{
			name:    "delete missing is a no-op",
			value:   "",
			headers: []Header{{Name: "accept", Value: "*/*"}},
			want:    []Header{{Name: "accept", Value: "*/*"}},
		},
		{
			name:    "overwrite keeps original name casing",
			value:   "bar",
			headers: []Header{{Name: "X-Test", Value: "foo"}},
			want:    []Header{{Name: "X-Test", Value: "bar"}},
		},
		{
			name:    "only first occurrence is touched",
			value:   "",
			headers: []Header{{Name: "x-test", Value: "1"}, {Name: "X-TEST", Value: "2"}},
			want:    []Header{{Name: "X-TEST", Value: "2"}},
		},
		{
			name:    "empty header name never matches",
			value:   "bar",
			headers: []Header{{Name: "", Value: "foo"}},
			want:    []Header{{Name: "", Value: "foo"}, {Name: "x-test", Value: "bar"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, single("example.com", "x-test", tt.value))
			got := e.Apply("example.com", tt.headers)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyDoesNotModifyInput(t *testing.T) {
	e := newEngine(t, single("example.com", "x-test", "bar"))
	in := []Header{{Name: "x-test", Value: "foo"}}

	out := e.Apply("example.com", in)
	assert.Equal(t, "bar", out[0].Value)
	assert.Equal(t, "foo", in[0].Value)
}

func TestApplyDeterministic(t *testing.T) {
	e := newEngine(t, []config.Rule{
		{Domains: []string{"^https://a\\.com/"}, Headers: []config.Header{{Name: "x-a", Value: "1"}, {Name: "accept"}}},
		{Domains: []string{"a\\.com"}, Headers: []config.Header{{Name: "x-a", Value: "2"}, {Name: "x-b", Value: "3"}}},
	})
	in := []Header{{Name: "Accept", Value: "*/*"}, {Name: "User-Agent", Value: "ua"}}

	first := e.Apply("https://a.com/x", in)
	second := e.Apply("https://a.com/x", in)
	assert.Equal(t, first, second)
	assert.Equal(t, []Header{
		{Name: "User-Agent", Value: "ua"},
		{Name: "x-a", Value: "2"},
		{Name: "x-b", Value: "3"},
	}, first)
}

func TestLiteralPrecedence(t *testing.T) {
	url := "https://a.com/page"
	tests := []struct {
		name string
		raw  []config.Rule
	}{
		{
			name: "literal first",
			raw: []config.Rule{
				{Domains: []string{url}, Headers: []config.Header{{Name: "x-literal", Value: "1"}}},
				{Domains: []string{"^https://a\\.com/"}, Headers: []config.Header{{Name: "x-regex", Value: "1"}}},
			},
		},
		{
			name: "literal last",
			raw: []config.Rule{
				{Domains: []string{"^https://a\\.com/"}, Headers: []config.Header{{Name: "x-regex", Value: "1"}}},
				{Domains: []string{url}, Headers: []config.Header{{Name: "x-literal", Value: "1"}}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, tt.raw)
			got := e.Apply(url, nil)
			assert.Equal(t, []Header{{Name: "x-literal", Value: "1"}}, got)
		})
	}
}

func TestLiteralMatchWithMetacharacters(t *testing.T) {
	url := "https://example.com/search?q=a+b"
	e := newEngine(t, single(url, "x-test", "1"))
	assert.Equal(t, []Header{{Name: "x-test", Value: "1"}}, e.Apply(url, nil))
}

func TestScenarioCaseInsensitiveDelete(t *testing.T) {
	e := newEngine(t, single("example.com", "referer", ""))
	got := e.Apply("example.com", []Header{
		{Name: "Referer", Value: "http://a"},
		{Name: "X-Keep", Value: "1"},
	})
	assert.Equal(t, []Header{{Name: "X-Keep", Value: "1"}}, got)
}

func TestScenarioRegexAppend(t *testing.T) {
	e := newEngine(t, single("^https://a\\.com/.*$", "x-injected", "42"))
	in := []Header{{Name: "Accept", Value: "*/*"}}

	assert.Equal(t, []Header{{Name: "Accept", Value: "*/*"}, {Name: "x-injected", Value: "42"}},
		e.Apply("https://a.com/page", in))
	assert.Equal(t, in, e.Apply("https://b.com/page", in))
}

func TestReplaceInvalidatesCache(t *testing.T) {
	e := newEngine(t, single("example.com", "x-test", "old"))
	assert.Equal(t, []Header{{Name: "x-test", Value: "old"}}, e.Apply("example.com", nil))
	assert.Equal(t, 1, e.CacheLen())

	require.Empty(t, e.Reload(single("example.com", "x-test", "new")))
	assert.Equal(t, 0, e.CacheLen())
	assert.Equal(t, []Header{{Name: "x-test", Value: "new"}}, e.Apply("example.com", nil))

	require.Empty(t, e.Reload(single("other.com", "x-test", "other")))
	assert.Empty(t, e.Apply("example.com", nil))
}

func TestEmptyRuleSetPassesThrough(t *testing.T) {
	e := New()
	in := []Header{{Name: "a", Value: "1"}}
	assert.Equal(t, in, e.Apply("https://a.com/", in))
	assert.Equal(t, 0, e.CacheLen(), "the empty rule set never populates the cache")
	assert.Equal(t, uint64(0), e.Generation())
}

func TestMatchCacheStoresEmptyResult(t *testing.T) {
	e := newEngine(t, single("example.com", "x-test", "1"))
	e.Apply("https://nomatch.org/", nil)
	assert.Equal(t, 1, e.CacheLen())

	rules, ok := e.gen.Load().cache.Lookup("https://nomatch.org/")
	assert.True(t, ok)
	assert.Empty(t, rules)
}

func TestMatchCacheReferentialStability(t *testing.T) {
	e := newEngine(t, single("a\\.com", "x-test", "1"))
	g := e.gen.Load()

	first := e.match(g, "https://a.com/")
	second := e.match(g, "https://a.com/")
	require.Len(t, first, 1)
	assert.Same(t, &first[0], &second[0])

	c := NewMatchCache(0)
	kept := c.Store("u", g.rules)
	assert.Same(t, &kept[0], &c.Store("u", []*rule.Rule{nil})[0])
}

func TestMatchCacheLRUBound(t *testing.T) {
	e := newEngine(t, single("example", "x-test", "1"), WithCacheSize(2))
	for i := 0; i < 5; i++ {
		e.Apply(fmt.Sprintf("https://example.com/%d", i), nil)
	}
	assert.Equal(t, 2, e.CacheLen())
	assert.Equal(t, []Header{{Name: "x-test", Value: "1"}}, e.Apply("https://example.com/0", nil))
}

func TestRegistrar(t *testing.T) {
	reg := &recordingRegistrar{}
	e := New(WithRegistrar(reg))

	require.Empty(t, e.Reload(single("example.com", "x-test", "1")))
	require.Equal(t, 1, reg.count())
	assert.Equal(t, ListenerSpec{URLs: []string{AllURLs}, Elevated: false}, reg.last())

	require.Empty(t, e.Reload(single("example.com", "Authorization", "")))
	assert.Equal(t, 2, reg.count())
	assert.True(t, reg.last().Elevated)
	assert.True(t, e.Elevated())

	require.Empty(t, e.Reload(nil))
	assert.Equal(t, 3, reg.count())
	assert.Equal(t, []string{AllURLs}, reg.last().URLs, "the filter stays universal even with no rules")
	assert.False(t, reg.last().Elevated)
}

func TestSetRegistrarRegistersImmediately(t *testing.T) {
	e := newEngine(t, single("example.com", "Sec-Fetch-Site", "none"))
	reg := &recordingRegistrar{}
	e.SetRegistrar(reg)
	require.Equal(t, 1, reg.count())
	assert.True(t, reg.last().Elevated)
}

func TestForceElevated(t *testing.T) {
	reg := &recordingRegistrar{}
	e := New(WithRegistrar(reg), WithForceElevated(true))
	require.Empty(t, e.Reload(single("example.com", "x-test", "1")))
	assert.False(t, e.Elevated())
	assert.True(t, reg.last().Elevated)
	assert.True(t, e.ListenerSpec().Elevated)
}

func TestReloadReportsWarnings(t *testing.T) {
	e := New()
	warnings := e.Reload([]config.Rule{
		{Domains: []string{"(bad"}, Headers: []config.Header{{Name: "x", Value: "1"}}},
		{Domains: []string{"example.com"}, Headers: []config.Header{{Name: "x", Value: "1"}}},
	})
	require.Len(t, warnings, 1)
	assert.Equal(t, 0, warnings[0].Index)
	assert.Len(t, e.Current(), 1)
	assert.Equal(t, []Header{{Name: "x", Value: "1"}}, e.Apply("example.com", nil))
}

func TestInspection(t *testing.T) {
	tests := []struct {
		name      string
		raw       []config.Rule
		initiator string
		want      []Header
		inspected bool
	}{
		{
			name:      "mutated",
			raw:       single("^https://probe\\.test/", "x-test", "1"),
			initiator: config.DefaultInitiator,
			want:      []Header{{Name: "accept", Value: "*/*"}, {Name: "x-test", Value: "1"}},
			inspected: true,
		},
		{
			name:      "no rules",
			initiator: "prefix " + config.DefaultInitiator + " suffix",
			want:      []Header{{Name: "accept", Value: "*/*"}},
			inspected: true,
		},
		{
			name:      "no match",
			raw:       single("other.com", "x-test", "1"),
			initiator: config.DefaultInitiator,
			want:      []Header{{Name: "accept", Value: "*/*"}},
			inspected: true,
		},
		{
			name:      "not self initiated",
			raw:       single("^https://probe\\.test/", "x-test", "1"),
			initiator: "https://web.example",
			want:      []Header{{Name: "accept", Value: "*/*"}, {Name: "x-test", Value: "1"}},
		},
		{
			name: "no initiator",
			want: []Header{{Name: "accept", Value: "*/*"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []*Inspection
			e := newEngine(t, tt.raw, WithInspector(InspectorFunc(func(i *Inspection) {
				got = append(got, i)
			})))

			out := e.Handle(&Request{
				URL:       "https://probe.test/",
				Headers:   []Header{{Name: "accept", Value: "*/*"}},
				Initiator: tt.initiator,
			})
			assert.Equal(t, tt.want, out)

			if !tt.inspected {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, "https://probe.test/", got[0].URL)
			assert.Equal(t, tt.want, got[0].Headers)
			assert.Equal(t, FormatHeaders(tt.want), got[0].Report)
			assert.False(t, got[0].Time.IsZero())
		})
	}
}

func TestHandleRecoversFromInspectorPanic(t *testing.T) {
	e := newEngine(t, single("example.com", "x-test", "1"), WithInspector(InspectorFunc(func(*Inspection) {
		panic("boom")
	})))
	out := e.Handle(&Request{URL: "example.com", Initiator: config.DefaultInitiator})
	assert.Equal(t, []Header{{Name: "x-test", Value: "1"}}, out)
	assert.Nil(t, e.Handle(nil))
}

type panicCache struct{ MatchCache }

func (panicCache) Lookup(string) ([]*rule.Rule, bool) {
	panic("lookup")
}

func TestHandleInspectsWhenMutationPanics(t *testing.T) {
	var got []*Inspection
	e := newEngine(t, single("example.com", "x-test", "1"), WithInspector(InspectorFunc(func(i *Inspection) {
		got = append(got, i)
	})))
	e.gen.Load().cache = panicCache{}

	in := []Header{{Name: "accept", Value: "*/*"}}
	out := e.Handle(&Request{URL: "example.com", Headers: in, Initiator: config.DefaultInitiator})
	assert.Equal(t, in, out)
	require.Len(t, got, 1)
	assert.Equal(t, "accept: */*", got[0].Report)

	// Not self-initiated: still returns the originals, nothing inspected.
	out = e.Handle(&Request{URL: "example.com", Headers: in, Initiator: "https://page.example"})
	assert.Equal(t, in, out)
	assert.Len(t, got, 1)
}

func TestFormatHeaders(t *testing.T) {
	assert.Equal(t, "", FormatHeaders(nil))
	assert.Equal(t, "accept: */*\nx-test: 1", FormatHeaders([]Header{
		{Name: "accept", Value: "*/*"},
		{Name: "x-test", Value: "1"},
	}))
}

func TestRegexTimeoutIsNoMatch(t *testing.T) {
	e := newEngine(t, single("^(a+)+$", "x-test", "1"), WithRegexTimeout(time.Millisecond))
	url := strings.Repeat("a", 64) + "!"

	done := make(chan []Header, 1)
	go func() {
		done <- e.Apply(url, nil)
	}()
	select {
	case out := <-done:
		assert.Empty(t, out)
	case <-time.After(5 * time.Second):
		t.Fatal("apply did not return")
	}
}

func TestRecorderObservesRequests(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := statistics.NewRecorder(statistics.RecorderConfig{Registerer: reg})
	e := New(WithRecorder(rec))

	e.Apply("https://a.com/", nil)
	require.Empty(t, e.Reload(single("example.com", "x-test", "1")))
	e.Apply("example.com", nil)
	e.Apply("example.com", []Header{{Name: "x-test", Value: "0"}})
	e.Apply("https://b.com/", nil)

	const want = `
# HELP reqhdr_requests_total Requests seen by the header engine, by outcome
# TYPE reqhdr_requests_total counter
reqhdr_requests_total{result="matched"} 2
reqhdr_requests_total{result="passthrough"} 1
reqhdr_requests_total{result="unmatched"} 1
# HELP reqhdr_header_mutations_total Header mutations applied, by operation
# TYPE reqhdr_header_mutations_total counter
reqhdr_header_mutations_total{op="APPEND"} 1
reqhdr_header_mutations_total{op="OVERWRITE"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(want),
		"reqhdr_requests_total", "reqhdr_header_mutations_total"))
}

func TestConcurrentApplyAndReplace(t *testing.T) {
	e := newEngine(t, single("example.com", "x-test", "0"))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				out := e.Apply("example.com", []Header{{Name: "accept", Value: "*/*"}})
				if len(out) != 2 || out[1].Name != "x-test" {
					t.Errorf("unexpected headers %v", out)
					return
				}
			}
		}()
	}

	for i := 1; i <= 50; i++ {
		e.Reload(single("example.com", "x-test", fmt.Sprint(i)))
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, uint64(51), e.Generation())
	assert.Equal(t, []Header{{Name: "accept", Value: "*/*"}, {Name: "x-test", Value: "50"}},
		e.Apply("example.com", []Header{{Name: "accept", Value: "*/*"}}))
}
