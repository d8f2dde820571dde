// Package ident generates the short word-combination names pastes are
// stored and addressed by.
package ident

import (
	"bufio"
	crand "crypto/rand"
	_ "embed"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Scheme selects how many adjectives precede the noun.
type Scheme int

const (
	// Long is adjective + adjective + noun.
	Long Scheme = iota
	// Short is adjective + noun.
	Short
)

var validID = regexp.MustCompile(`^[a-z]+$`)

//go:embed words/adjectives.txt
var adjectivesTxt string

//go:embed words/nouns.txt
var nounsTxt string

var (
	adjectives = mustWords(adjectivesTxt)
	nouns      = mustWords(nounsTxt)
)

// ParseScheme maps a config value onto a Scheme.
func ParseScheme(s string) (Scheme, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "":
		return Long, nil
	case "short":
		return Short, nil
	}
	return Long, errors.Errorf("unknown name scheme %q", s)
}

func (s Scheme) String() string {
	if s == Short {
		return "short"
	}
	return "long"
}

// Generator draws names from fixed word lists. It is safe for concurrent use.
type Generator struct {
	mu         sync.Mutex
	rng        *rand.Rand
	scheme     Scheme
	adjectives []string
	nouns      []string
}

// New returns a Generator over the built-in word lists seeded from
// crypto/rand.
func New(scheme Scheme) *Generator {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		panic("ident: seed from crypto/rand: " + err.Error())
	}
	return NewWithSource(scheme, rand.NewChaCha8(seed))
}

// NewWithSource returns a Generator over the built-in word lists driven by src.
func NewWithSource(scheme Scheme, src rand.Source) *Generator {
	return &Generator{
		rng:        rand.New(src),
		scheme:     scheme,
		adjectives: adjectives,
		nouns:      nouns,
	}
}

// NewWithWords is NewWithSource over caller supplied lists. Every word must
// be non-empty lowercase ASCII letters.
func NewWithWords(scheme Scheme, src rand.Source, adjs, ns []string) (*Generator, error) {
	if len(adjs) == 0 || len(ns) == 0 {
		return nil, errors.New("word lists must not be empty")
	}
	for _, w := range append(append([]string{}, adjs...), ns...) {
		if !validID.MatchString(w) {
			return nil, errors.Errorf("invalid word %q", w)
		}
	}
	return &Generator{
		rng:        rand.New(src),
		scheme:     scheme,
		adjectives: adjs,
		nouns:      ns,
	}, nil
}

func (g *Generator) Scheme() Scheme { return g.scheme }

// Generate returns a fresh candidate name. Uniqueness is the caller's job.
func (g *Generator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var b strings.Builder
	b.WriteString(g.adjectives[g.rng.IntN(len(g.adjectives))])
	if g.scheme == Long {
		b.WriteString(g.adjectives[g.rng.IntN(len(g.adjectives))])
	}
	b.WriteString(g.nouns[g.rng.IntN(len(g.nouns))])
	return strings.ToLower(b.String())
}

// Valid reports whether id could have been produced by a Generator.
func Valid(id string) bool {
	return validID.MatchString(id)
}

func mustWords(txt string) []string {
	var words []string
	sc := bufio.NewScanner(strings.NewReader(txt))
	for sc.Scan() {
		w := strings.TrimSpace(sc.Text())
		if w == "" || strings.HasPrefix(w, "#") {
			continue
		}
		w = strings.ToLower(w)
		if !validID.MatchString(w) {
			panic("ident: invalid word in embedded list: " + w)
		}
		words = append(words, w)
	}
	if len(words) == 0 {
		panic("ident: empty embedded word list")
	}
	return words
}
