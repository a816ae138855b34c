package phonetic_test

import (
	"slices"
	"sync"
	"testing"

	"github.com/MrWong99/livescribe/internal/transcript/phonetic"
)

var vocabulary = []string{"Grafana", "Kubernetes", "Ada Lovelace"}

func TestCorrect(t *testing.T) {
	t.Parallel()

	c := phonetic.New(vocabulary)
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"case fix", "open grafana now", "open Grafana now"},
		{"misspelling", "deploy to kubernetis today", "deploy to Kubernetes today"},
		{"doubled letter", "the grafanna board", "the Grafana board"},
		{"multi word term", "ada lovelace wrote it", "Ada Lovelace wrote it"},
		{"punctuation kept", "is grafana, up?", "is Grafana, up?"},
		{"no match", "hello world", "hello world"},
		{"already correct", "Grafana  is up", "Grafana  is up"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := c.Correct(tt.in); got != tt.want {
				t.Errorf("Correct(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCorrectDetailed(t *testing.T) {
	t.Parallel()

	c := phonetic.New(vocabulary)
	out, corrections := c.CorrectDetailed("check grafanna and Kubernetes")
	if out != "check Grafana and Kubernetes" {
		t.Errorf("out = %q", out)
	}
	if len(corrections) != 1 {
		t.Fatalf("corrections = %+v, want exactly one", corrections)
	}
	corr := corrections[0]
	if corr.Original != "grafanna" || corr.Corrected != "Grafana" {
		t.Errorf("correction = %+v", corr)
	}
	if corr.Confidence < 0.9 {
		t.Errorf("confidence = %f, want >= 0.9", corr.Confidence)
	}
}

func TestCorrect_EmptyVocabulary(t *testing.T) {
	t.Parallel()

	c := phonetic.New(nil)
	in := "anything  goes\n"
	if got := c.Correct(in); got != in {
		t.Errorf("Correct = %q, want input unchanged", got)
	}
}

func TestCorrect_MinLength(t *testing.T) {
	t.Parallel()

	short := []string{"Ada"}
	if got := phonetic.New(short).Correct("ada said"); got != "ada said" {
		t.Errorf("default min length: got %q, want unchanged", got)
	}
	if got := phonetic.New(short, phonetic.WithMinLength(1)).Correct("ada said"); got != "Ada said" {
		t.Errorf("min length 1: got %q", got)
	}
}

func TestMatch(t *testing.T) {
	t.Parallel()

	c := phonetic.New(vocabulary)

	corrected, conf, matched := c.Match("grafanna")
	if !matched || corrected != "Grafana" {
		t.Fatalf("Match(grafanna) = %q, %v", corrected, matched)
	}
	if conf < 0.9 {
		t.Errorf("confidence = %f, want >= 0.9", conf)
	}

	corrected, conf, matched = c.Match("hello")
	if matched || corrected != "hello" || conf != 0 {
		t.Errorf("Match(hello) = %q, %f, %v; want unchanged", corrected, conf, matched)
	}
}

func TestThresholds(t *testing.T) {
	t.Parallel()

	c := phonetic.New(vocabulary,
		phonetic.WithPhoneticThreshold(0.99),
		phonetic.WithFuzzyThreshold(0.99),
	)
	if _, _, matched := c.Match("grafanna"); matched {
		t.Fatal("threshold 0.99 should reject near matches")
	}
	if _, _, matched := c.Match("GRAFANA"); !matched {
		t.Fatal("exact match should pass any threshold")
	}
}

func TestSetVocabulary(t *testing.T) {
	t.Parallel()

	c := phonetic.New([]string{"  Ada   Lovelace ", "", "Grafana"})
	if got := c.Vocabulary(); !slices.Equal(got, []string{"Ada Lovelace", "Grafana"}) {
		t.Errorf("Vocabulary() = %q", got)
	}

	c.SetVocabulary([]string{"Kubernetes"})
	if got := c.Correct("grafana on kubernetis"); got != "grafana on Kubernetes" {
		t.Errorf("after SetVocabulary: %q", got)
	}
}

func TestConcurrentUse(t *testing.T) {
	t.Parallel()

	c := phonetic.New(vocabulary)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				if i%4 == 0 {
					c.SetVocabulary(vocabulary)
					continue
				}
				_ = c.Correct("open grafanna on kubernetis")
			}
		}()
	}
	wg.Wait()
}
