package intent

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed knowledge.yaml
var defaultKnowledge []byte

type CoinInfo struct {
	Symbol   string   `yaml:"symbol" json:"symbol"`
	Name     string   `yaml:"name" json:"name"`
	Aliases  []string `yaml:"aliases" json:"-"`
	Category string   `yaml:"category" json:"category"`
	Website  string   `yaml:"website" json:"website"`
	Summary  string   `yaml:"summary" json:"summary"`
}

// Knowledge is the static coin reference used for "what is X" questions.
type Knowledge struct {
	coins []CoinInfo
	index map[string]int
}

func ParseKnowledge(b []byte) (*Knowledge, error) {
	var doc struct {
		Coins []CoinInfo `yaml:"coins"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse knowledge base: %w", err)
	}
	k := &Knowledge{coins: doc.Coins, index: make(map[string]int)}
	for i, c := range doc.Coins {
		k.index[strings.ToLower(c.Symbol)] = i
		k.index[strings.ToLower(c.Name)] = i
		for _, a := range c.Aliases {
			k.index[strings.ToLower(a)] = i
		}
	}
	return k, nil
}

// DefaultKnowledge returns the embedded knowledge base.
func DefaultKnowledge() *Knowledge {
	k, err := ParseKnowledge(defaultKnowledge)
	if err != nil {
		panic(err)
	}
	return k
}

func (k *Knowledge) Lookup(term string) (CoinInfo, bool) {
	if k == nil {
		return CoinInfo{}, false
	}
	t := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(term), "$")))
	t = strings.TrimRight(t, "?!.")
	i, ok := k.index[t]
	if !ok {
		return CoinInfo{}, false
	}
	return k.coins[i], true
}

func (k *Knowledge) Len() int {
	if k == nil {
		return 0
	}
	return len(k.coins)
}
