package search

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/probatio/probatio/internal/model"
)

type failingProvider struct {
	name string
	err  error
}

func (p *failingProvider) Name() string { return p.name }
func (p *failingProvider) Search(context.Context, string, int) ([]model.Source, error) {
	return nil, p.err
}

func corpus() []model.Source {
	return []model.Source{
		{ID: "s1", Title: "Carbon tax effects on emissions", Abstract: "A study of carbon pricing."},
		{ID: "s2", Title: "Renewable subsidies compared", Abstract: "Subsidy policy outcomes."},
		{ID: "s3", Title: "Carbon capture at scale", Abstract: "Engineering review of capture."},
		{ID: "s4", Title: "Marine biology survey", Abstract: "Unrelated to climate policy."},
	}
}

func testSearcher(providers ...Provider) *Searcher {
	return New(model.SearchConfig{RatePerSecond: 100, Burst: 10, TimeoutS: 5}, providers, zap.NewNop())
}

func TestSearchMergesProviders(t *testing.T) {
	a := NewMemoryProvider("alpha", corpus()[:2])
	b := NewMemoryProvider("beta", corpus()[2:])
	s := testSearcher(a, b)

	got, err := s.Search(context.Background(), "carbon emissions", nil, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d sources, want the two carbon papers", len(got))
	}
	providers := map[string]bool{}
	for _, src := range got {
		providers[src.Provider] = true
	}
	if !providers["alpha"] || !providers["beta"] {
		t.Errorf("results missing a provider: %v", providers)
	}
}

func TestSearchHonorsProviderFilterAndLimit(t *testing.T) {
	a := NewMemoryProvider("alpha", corpus())
	b := NewMemoryProvider("beta", corpus())
	s := testSearcher(a, b)

	got, err := s.Search(context.Background(), "carbon", []string{"alpha"}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d sources, want limit 1", len(got))
	}
	if got[0].Provider != "alpha" {
		t.Errorf("provider = %q, want alpha only", got[0].Provider)
	}
}

func TestSearchSurvivesOneProviderFailure(t *testing.T) {
	good := NewMemoryProvider("good", corpus())
	bad := &failingProvider{name: "bad", err: errors.New("upstream 503")}
	s := testSearcher(good, bad)

	got, err := s.Search(context.Background(), "carbon", nil, 10)
	if err != nil {
		t.Fatalf("Search should tolerate one failing provider: %v", err)
	}
	if len(got) == 0 {
		t.Error("expected results from the healthy provider")
	}
}

func TestSearchAllProvidersFail(t *testing.T) {
	s := testSearcher(
		&failingProvider{name: "a", err: errors.New("down")},
		&failingProvider{name: "b", err: errors.New("down")},
	)
	_, err := s.Search(context.Background(), "carbon", nil, 10)
	if err == nil {
		t.Fatal("expected error when every provider fails")
	}
	if !model.IsRetryable(err) {
		t.Errorf("all-providers-failed should be transient, got %v", err)
	}
}

func TestDedupPrefersFirstSeen(t *testing.T) {
	sources := []model.Source{
		{ID: "1", Provider: "alpha", ExternalID: "X", Title: "First"},
		{ID: "2", Provider: "alpha", ExternalID: "X", Title: "Duplicate by external id"},
		{ID: "3", URL: "https://example.org/p", Title: "By URL"},
		{ID: "4", URL: "https://example.org/p", Title: "Duplicate by URL"},
		{ID: "5", Title: "Same Title"},
		{ID: "6", Title: "same title"},
	}
	got := dedup(sources, 10)
	if len(got) != 3 {
		t.Fatalf("got %d after dedup, want 3", len(got))
	}
	if got[0].ID != "1" || got[1].ID != "3" || got[2].ID != "5" {
		t.Errorf("dedup kept %v, want first-seen of each identity", []string{got[0].ID, got[1].ID, got[2].ID})
	}
}

func TestBroaden(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`"carbon tax" emissions`, "carbon tax emissions"},
		{"only recent randomized trials of X", "trials of X"},
		{"plain query", "plain query"},
		{`"only"`, `"only"`}, // everything dropped, keep original
	}
	for _, tc := range cases {
		if got := Broaden(tc.in); got != tc.want {
			t.Errorf("Broaden(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMemoryProviderDeterministicOrder(t *testing.T) {
	p := NewMemoryProvider("mem", corpus())
	first, err := p.Search(context.Background(), "carbon policy", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	second, _ := p.Search(context.Background(), "carbon policy", 10)
	if len(first) != len(second) {
		t.Fatalf("lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("order differs at %d: %s vs %s", i, first[i].ID, second[i].ID)
		}
	}
}
