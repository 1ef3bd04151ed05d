package rag

import (
	"math"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/contextflow/types"
)

func newTestAttributor(t *testing.T, config AttributionConfig) *SourceAttributor {
	t.Helper()
	a, err := NewSourceAttributor(config, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSourceAttributor: %v", err)
	}
	// 固定时钟，新近度断言不随执行日期漂移
	fixed := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return fixed }
	return a
}

func TestAttributionConfig_Validate(t *testing.T) {
	if err := DefaultAttributionConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*AttributionConfig)
	}{
		{"unknown style", func(c *AttributionConfig) { c.Style = "harvard" }},
		{"file credibility above one", func(c *AttributionConfig) { c.FileCredibility = 1.5 }},
		{"negative web default", func(c *AttributionConfig) { c.WebDefault = -0.1 }},
		{"trust score out of range", func(c *AttributionConfig) { c.TrustTable["example.com"] = 2 }},
	}
	for _, tt := range tests {
		cfg := DefaultAttributionConfig()
		tt.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

func TestSourceAttributor_Credibility(t *testing.T) {
	a := newTestAttributor(t, DefaultAttributionConfig())

	tests := []struct {
		name   string
		source string
		domain string
		want   float64
	}{
		{"exact match", "https://reuters.com/markets/article", "reuters.com", 0.90},
		{"suffix match gov", "https://data.census.gov/table", "data.census.gov", 0.95},
		{"www stripped", "https://www.bloomberg.com/news", "bloomberg.com", 0.85},
		{"unknown web source", "https://random-blog.io/post", "random-blog.io", 0.5},
		{"local file", "reports/q3_earnings.pdf", "", 0.8},
	}
	for _, tt := range tests {
		src := a.Attribute(types.DocumentChunk{ID: "c1", Text: "text", SourceFile: tt.source}, 0.5)
		if src.Domain != tt.domain {
			t.Errorf("%s: expected domain %q, got %q", tt.name, tt.domain, src.Domain)
		}
		if math.Abs(src.CredibilityScore-tt.want) > 1e-9 {
			t.Errorf("%s: expected credibility %v, got %v", tt.name, tt.want, src.CredibilityScore)
		}
	}
}

func TestSourceAttributor_Recency(t *testing.T) {
	a := newTestAttributor(t, DefaultAttributionConfig())
	now := a.now()

	daysAgo := func(d int) *time.Time {
		ts := now.AddDate(0, 0, -d)
		return &ts
	}

	tests := []struct {
		name        string
		publishedAt *time.Time
		want        float64
	}{
		{"fresh", daysAgo(10), 1.0},
		{"quarter old", daysAgo(120), 0.9},
		{"within a year", daysAgo(300), 0.8},
		{"two years", daysAgo(700), 0.6},
		{"five years", daysAgo(1500), 0.4},
		{"ancient", daysAgo(4000), 0.2},
		{"unknown date", nil, 0.5},
	}
	for _, tt := range tests {
		src := a.Attribute(types.DocumentChunk{ID: "c1", Text: "t", SourceFile: "f.txt", PublishedAt: tt.publishedAt}, 0.5)
		if math.Abs(src.RecencyScore-tt.want) > 1e-9 {
			t.Errorf("%s: expected recency %v, got %v", tt.name, tt.want, src.RecencyScore)
		}
	}
}

// 置信度 = 0.4·相关度 + 0.4·可信度 + 0.2·新近度。
func TestSourceAttributor_Confidence(t *testing.T) {
	a := newTestAttributor(t, DefaultAttributionConfig())

	published := a.now().AddDate(0, 0, -10)
	src := a.Attribute(types.DocumentChunk{
		ID:          "c1",
		Text:        "Revenue grew 12% year over year.",
		SourceFile:  "https://reuters.com/earnings",
		PublishedAt: &published,
	}, 0.75)

	want := 0.4*0.75 + 0.4*0.90 + 0.2*1.0
	if math.Abs(src.ConfidenceScore-want) > 1e-9 {
		t.Errorf("expected confidence %v, got %v", want, src.ConfidenceScore)
	}
}

func TestSourceAttributor_AttributeResults(t *testing.T) {
	a := newTestAttributor(t, DefaultAttributionConfig())

	chunks := map[string]types.DocumentChunk{
		"c1": {ID: "c1", Text: "chunk one", SourceFile: "https://arxiv.org/abs/1234"},
	}
	lookup := func(id string) (types.DocumentChunk, bool) {
		c, ok := chunks[id]
		return c, ok
	}

	results := []types.HybridResult{
		{ChunkID: "c1", Text: "chunk one", Score: 0.9},
		{ChunkID: "missing", Text: "orphan text", Source: "notes.md", Score: 0.4},
	}

	sources := a.AttributeResults(results, lookup)
	if len(sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(sources))
	}
	if sources[0].Domain != "arxiv.org" {
		t.Errorf("expected arxiv.org, got %q", sources[0].Domain)
	}
	// 查不到的块退回结果本身携带的文本与来源
	if sources[1].FileName != "notes.md" {
		t.Errorf("expected fallback file name notes.md, got %q", sources[1].FileName)
	}
	if sources[1].Excerpt != "orphan text" {
		t.Errorf("expected fallback excerpt, got %q", sources[1].Excerpt)
	}
}

func TestSourceAttributor_RenderCitation(t *testing.T) {
	numeric := newTestAttributor(t, DefaultAttributionConfig())

	cfg := DefaultAttributionConfig()
	cfg.Style = CitationAuthorYear
	authorYear := newTestAttributor(t, cfg)

	src := types.AttributedSource{ID: "c1", Domain: "reuters.com", Author: "Smith", Year: 2024}
	if got := numeric.RenderCitation(src, 3); got != "[3]" {
		t.Errorf("expected [3], got %q", got)
	}
	if got := authorYear.RenderCitation(src, 3); got != "(Smith, 2024)" {
		t.Errorf("expected (Smith, 2024), got %q", got)
	}

	// 作者缺失退回来源标识，年份缺失用 n.d.
	anon := types.AttributedSource{ID: "c2", FileName: "report.pdf"}
	if got := authorYear.RenderCitation(anon, 1); got != "(report.pdf, n.d.)" {
		t.Errorf("expected (report.pdf, n.d.), got %q", got)
	}
}

func TestSourceAttributor_Bibliography(t *testing.T) {
	a := newTestAttributor(t, DefaultAttributionConfig())

	sources := []types.AttributedSource{
		{ID: "c1", Domain: "reuters.com", ConfidenceScore: 0.8, Excerpt: "first"},
		{ID: "c2", Domain: "reuters.com", ConfidenceScore: 0.7, Excerpt: "second"},
		{ID: "c3", FileName: "notes.md", ConfidenceScore: 0.6, Excerpt: "third"},
	}

	lines := a.Bibliography(sources)
	if len(lines) != 2 {
		t.Fatalf("expected 2 deduplicated entries, got %d", len(lines))
	}
	if !strings.HasPrefix(lines[0], "[1] reuters.com") {
		t.Errorf("expected first entry for reuters.com, got %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "[2] notes.md") {
		t.Errorf("expected second entry for notes.md, got %q", lines[1])
	}
	if !strings.Contains(lines[0], "first") || strings.Contains(lines[0], "second") {
		t.Errorf("expected first-appearance excerpt kept, got %q", lines[0])
	}
}

func TestSourceAttributor_RankByConfidence(t *testing.T) {
	a := newTestAttributor(t, DefaultAttributionConfig())

	sources := []types.AttributedSource{
		{ID: "low", ConfidenceScore: 0.3},
		{ID: "high", ConfidenceScore: 0.9},
		{ID: "mid", ConfidenceScore: 0.5},
	}
	ranked := a.RankByConfidence(sources)
	if ranked[0].ID != "high" || ranked[1].ID != "mid" || ranked[2].ID != "low" {
		t.Errorf("unexpected order: %s %s %s", ranked[0].ID, ranked[1].ID, ranked[2].ID)
	}
	// 输入不被修改
	if sources[0].ID != "low" {
		t.Errorf("input slice mutated")
	}
}

func TestExtractDomain(t *testing.T) {
	tests := []struct {
		source string
		want   string
	}{
		{"https://www.example.com/page", "example.com"},
		{"http://example.com:8080/x", "example.com"},
		{"reports/q3.pdf", ""},
		{"", ""},
		{"https://", ""},
	}
	for _, tt := range tests {
		if got := extractDomain(tt.source); got != tt.want {
			t.Errorf("extractDomain(%q): expected %q, got %q", tt.source, tt.want, got)
		}
	}
}
