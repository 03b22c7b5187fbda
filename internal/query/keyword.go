package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/graphkb/graphkb/internal/kberr"
)

// KeywordSearch compiles a multi-class text search: keywords match Ontology
// terms, the match set is widened to variants referencing those terms, and
// statements implied by or applying to the widened set are returned. All
// three sets are computed in a single statement through LET blocks.
type KeywordSearch struct {
	Keywords []string
	History  bool
}

// NewKeywordSearch normalises the keywords: lowercase, deduplicated, and no
// shorter than MinWordSize.
func NewKeywordSearch(keywords []string, history bool) (*KeywordSearch, error) {
	seen := make(map[string]bool)
	var words []string
	for _, kw := range keywords {
		word := strings.ToLower(strings.TrimSpace(kw))
		if word == "" || seen[word] {
			continue
		}
		if len(word) < MinWordSize {
			return nil, kberr.Newf(kberr.Validation,
				"keywords must be at least %d characters, got %q", MinWordSize, word).
				WithPayload(map[string]any{"keyword": word})
		}
		seen[word] = true
		words = append(words, word)
	}
	if len(words) == 0 {
		return nil, kberr.Newf(kberr.Validation, "keyword search requires at least one keyword")
	}
	sort.Strings(words)
	return &KeywordSearch{Keywords: words, History: history}, nil
}

// Render emits the single-pass search statement. Each keyword must match an
// ontology term's name or sourceId; supportedBy evidence does not
// participate in matching.
func (k *KeywordSearch) Render(p *Params) (string, error) {
	conditions := make([]string, len(k.Keywords))
	for i, word := range k.Keywords {
		conditions[i] = fmt.Sprintf("(name CONTAINSTEXT %s OR sourceId = %s)",
			p.Add(word), p.Add(word))
	}
	ont := fmt.Sprintf("SELECT * FROM Ontology WHERE %s", strings.Join(conditions, " AND "))
	variants := "SELECT * FROM Variant WHERE type IN (SELECT expand($ont))" +
		" OR reference1 IN (SELECT expand($ont))" +
		" OR reference2 IN (SELECT expand($ont))"
	statements := "SELECT * FROM Statement WHERE impliedBy CONTAINSANY (SELECT expand($implicable))" +
		" OR appliesTo IN (SELECT expand($implicable))" +
		" OR relevance IN (SELECT expand($ont))"

	sql := fmt.Sprintf(
		"SELECT expand($statements) LET $ont = (%s), $variants = (%s), $implicable = (SELECT expand(UNIONALL($ont, $variants))), $statements = (%s)",
		ont, variants, statements)
	if k.History {
		return sql, nil
	}
	return activeOnly(sql), nil
}

// parseKeywordSearch compiles the keyword form of a query document.
func parseKeywordSearch(doc map[string]any, history bool) (*KeywordSearch, error) {
	if target, ok := doc["target"].(string); ok && target != "" {
		if !strings.EqualFold(target, "Statement") {
			return nil, kberr.Newf(kberr.Validation,
				"keyword queries only target Statement, got %q", target)
		}
	}
	if _, ok := doc["filters"]; ok {
		return nil, kberr.Newf(kberr.Validation, "keyword queries do not accept filters")
	}
	var keywords []string
	switch raw := doc["keyword"].(type) {
	case string:
		keywords = strings.Fields(raw)
	case []any:
		list, err := stringList(raw)
		if err != nil {
			return nil, err
		}
		keywords = list
	default:
		return nil, kberr.Newf(kberr.Validation, "keyword queries require a keyword value")
	}
	return NewKeywordSearch(keywords, history)
}
