// Package textprovider loads the static race-passage corpus and returns a
// randomly selected passage per race, partitioned into short and long pools.
package textprovider

import (
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"sync"

	_ "embed"
)

// Length selects which pool a passage is drawn from.
type Length string

const (
	// LengthShort selects from the short passage pool.
	LengthShort Length = "short"
	// LengthLong selects from the long passage pool.
	LengthLong Length = "long"
)

type corpusFile struct {
	Texts     []string `json:"texts"`
	LongTexts []string `json:"longTexts"`
}

//go:embed corpus.json
var corpusPayload []byte

var (
	corpusOnce sync.Once
	corpusData corpusFile
	corpusErr  error
)

// ErrEmptyCorpus indicates the requested pool has no entries to choose from.
var ErrEmptyCorpus = errors.New("textprovider: requested pool is empty")

func loadCorpus() {
	corpusOnce.Do(func() {
		//1.- Parse the embedded JSON catalogue exactly once, shared across all callers.
		corpusErr = json.Unmarshal(corpusPayload, &corpusData)
	})
}

// Provider serves random passages from the static corpus. It is read-only
// after construction and safe for concurrent use.
type Provider struct {
	rngMu sync.Mutex
	rng   *rand.Rand
}

// New constructs a Provider, eagerly parsing the embedded corpus so
// configuration errors surface at startup rather than mid-race.
func New(seed int64) (*Provider, error) {
	loadCorpus()
	if corpusErr != nil {
		return nil, corpusErr
	}
	if len(corpusData.Texts) == 0 && len(corpusData.LongTexts) == 0 {
		return nil, errors.New("textprovider: corpus contains no passages")
	}
	return &Provider{rng: rand.New(rand.NewSource(seed))}, nil
}

// Random returns a randomly-chosen passage from the requested pool. An empty
// or unrecognised Length falls back to the short pool.
func (p *Provider) Random(length Length) (string, error) {
	if p == nil {
		return "", errors.New("textprovider: nil provider")
	}
	pool := corpusData.Texts
	if length == LengthLong {
		pool = corpusData.LongTexts
	}
	if len(pool) == 0 {
		return "", ErrEmptyCorpus
	}
	p.rngMu.Lock()
	idx := p.rng.Intn(len(pool))
	p.rngMu.Unlock()
	text := strings.TrimSpace(pool[idx])
	if text == "" {
		return "", ErrEmptyCorpus
	}
	return text, nil
}
