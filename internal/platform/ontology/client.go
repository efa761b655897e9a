// Package ontology resolves free-text medical terms against a
// clinical concept graph (a SNOMED-shaped Concept/Description graph),
// returning, per match, the concept id and preferred term with a tiered
// confidence. Synonym lists and hierarchy (parent/child) concepts are
// not returned.
package ontology

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/clinext/extraction-engine/internal/domain"
	"github.com/clinext/extraction-engine/internal/platform/apierr"
	"github.com/clinext/extraction-engine/internal/platform/logger"
	"github.com/clinext/extraction-engine/internal/platform/neo4jdb"
)

// Confidence tiers for a resolved concept mapping, from an exact match
// on any active description down to a substring match on a synonym
// description.
const (
	confidenceExact            = 1.0
	confidenceLanguageSpecific = 0.9
	confidenceGeneric          = 0.8
	confidenceSemantic         = 0.7
)

// Client is the capability interface: resolve term candidates against
// the concept graph.
type Client interface {
	Resolve(ctx context.Context, terms []domain.TermCandidate, language string) ([]domain.ConceptMapping, error)
}

type client struct {
	db     *neo4jdb.Client
	log    *logger.Logger
	nMax   int
	cache  *jobCache
}

// NewClient wraps an already-constructed neo4jdb.Client. nMax bounds
// the best concepts returned per term (default 5).
func NewClient(db *neo4jdb.Client, log *logger.Logger, nMax int) Client {
	if nMax <= 0 {
		nMax = 5
	}
	return &client{db: db, log: log.With("client", "OntologyClient"), nMax: nMax, cache: newJobCache()}
}

// jobCache caches resolve() results within a single job's scope, keyed
// by normalized term + language.
type jobCache struct {
	mu   sync.Mutex
	data map[string][]domain.ConceptMapping
}

func newJobCache() *jobCache { return &jobCache{data: make(map[string][]domain.ConceptMapping)} }

func (c *jobCache) key(term, lang string) string { return lang + "|" + strings.ToLower(term) }

func (c *jobCache) get(term, lang string) ([]domain.ConceptMapping, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[c.key(term, lang)]
	return v, ok
}

func (c *jobCache) put(term, lang string, mappings []domain.ConceptMapping) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[c.key(term, lang)] = mappings
}

func (c *client) Resolve(ctx context.Context, terms []domain.TermCandidate, language string) ([]domain.ConceptMapping, error) {
	if c.db == nil || c.db.Driver == nil {
		return nil, apierr.DependencyUnavailable(fmt.Errorf("ontology: neo4j not configured"))
	}
	language = strings.TrimSpace(language)
	if language == "" {
		language = "en"
	}

	cache := newJobCache()
	var out []domain.ConceptMapping
	for _, t := range terms {
		if cached, ok := cache.get(t.Normalized, language); ok {
			out = append(out, cached...)
			continue
		}
		mappings, err := c.resolveOne(ctx, t.Normalized, language)
		if err != nil {
			// Partial ontology outage: proceed without this term's
			// mappings rather than failing the whole resolution.
			c.log.Warn("ontology resolve failed for term", "term", t.Normalized, "error", err)
			continue
		}
		cache.put(t.Normalized, language, mappings)
		out = append(out, mappings...)
	}
	return out, nil
}

func (c *client) resolveOne(ctx context.Context, term, language string) ([]domain.ConceptMapping, error) {
	session := c.db.Driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.db.Database})
	defer session.Close(ctx)

	variants := languageVariants(language)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		rows, err := tx.Run(ctx, exactMatchQuery, map[string]any{
			"term": strings.ToLower(term), "limit": 1,
		})
		if err != nil {
			return nil, err
		}
		mappings, err := collectMappings(ctx, rows, term, language, confidenceExact)
		if err != nil {
			return nil, err
		}
		if len(mappings) > 0 {
			return mappings, nil
		}

		rows, err = tx.Run(ctx, languageFuzzyMatchQuery, map[string]any{
			"term": strings.ToLower(term), "limit": c.nMax, "langVariants": variants,
		})
		if err != nil {
			return nil, err
		}
		mappings, err = collectMappings(ctx, rows, term, language, confidenceLanguageSpecific)
		if err != nil {
			return nil, err
		}
		if len(mappings) > 0 {
			return mappings, nil
		}

		rows, err = tx.Run(ctx, fuzzyMatchQuery, map[string]any{
			"term": strings.ToLower(term), "limit": c.nMax,
		})
		if err != nil {
			return nil, err
		}
		mappings, err = collectMappings(ctx, rows, term, language, confidenceGeneric)
		if err != nil {
			return nil, err
		}
		if len(mappings) > 0 {
			return mappings, nil
		}

		rows, err = tx.Run(ctx, synonymMatchQuery, map[string]any{
			"term": strings.ToLower(term), "limit": c.nMax,
		})
		if err != nil {
			return nil, err
		}
		return collectMappings(ctx, rows, term, language, confidenceSemantic)
	})
	if err != nil {
		return nil, fmt.Errorf("ontology: resolve %q: %w", term, err)
	}
	mappings, _ := result.([]domain.ConceptMapping)
	return mappings, nil
}

func collectMappings(ctx context.Context, rows neo4j.ResultWithContext, originalTerm, language string, confidence float64) ([]domain.ConceptMapping, error) {
	var mappings []domain.ConceptMapping
	for rows.Next(ctx) {
		rec := rows.Record()
		conceptID, _ := rec.Get("conceptId")
		preferredTerm, _ := rec.Get("preferredTerm")
		conf := confidence
		if v, ok := rec.Get("confidence"); ok {
			if f, ok := v.(float64); ok {
				conf = f
			}
		}
		mappings = append(mappings, domain.ConceptMapping{
			OriginalTerm:  originalTerm,
			ConceptID:     fmt.Sprint(conceptID),
			PreferredTerm: fmt.Sprint(preferredTerm),
			Language:      language,
			Confidence:    conf,
		})
	}
	return mappings, rows.Err()
}

func languageVariants(lang string) []string {
	switch lang {
	case "fr":
		return []string{"fr", "fr-CA"}
	default:
		return []string{"en", "en-CA"}
	}
}

const exactMatchQuery = `
MATCH (c:Concept)-[:HAS_DESCRIPTION]->(d:Description)
WHERE toLower(d.term) = $term AND c.active = true AND d.active = true
RETURN c.id AS conceptId, d.term AS preferredTerm, 1.0 AS confidence
ORDER BY size(d.term) ASC
LIMIT $limit
`

// languageFuzzyMatchQuery is a substring match restricted to the
// requested language's variants, ranked above a language-agnostic
// fuzzy match since it respects the transcript's stated language.
const languageFuzzyMatchQuery = `
MATCH (c:Concept)-[:HAS_DESCRIPTION]->(d:Description)
WHERE toLower(d.term) CONTAINS $term
  AND c.active = true AND d.active = true
  AND (d.languageCode IN $langVariants OR d.languageCode IS NULL)
RETURN c.id AS conceptId, d.term AS preferredTerm, 0.9 AS confidence
ORDER BY size(d.term) ASC
LIMIT $limit
`

const fuzzyMatchQuery = `
MATCH (c:Concept)-[:HAS_DESCRIPTION]->(d:Description)
WHERE toLower(d.term) CONTAINS $term
  AND c.active = true AND d.active = true
RETURN c.id AS conceptId, d.term AS preferredTerm, 0.8 AS confidence
ORDER BY size(d.term) ASC
LIMIT $limit
`

// synonymMatchQuery is the weakest tier: the term only matches a
// synonym description of the concept, not its preferred term or any
// direct description.
const synonymMatchQuery = `
MATCH (c:Concept)-[:HAS_DESCRIPTION]->(pref:Description {typeId: 'preferred'})
MATCH (c)-[:HAS_DESCRIPTION]->(syn:Description)-[:SYNONYM_OF]->(pref)
WHERE toLower(syn.term) CONTAINS $term
  AND c.active = true AND syn.active = true
RETURN c.id AS conceptId, pref.term AS preferredTerm, 0.7 AS confidence
ORDER BY size(syn.term) ASC
LIMIT $limit
`
