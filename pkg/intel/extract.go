package intel

import (
	"fmt"
	"math"
	"time"

	"github.com/jmespath/go-jmespath"

	"github.com/Ramsey-B/thistle/pkg/models"
)

// FieldPaths are JMESPath expressions evaluated against each GraphQL node.
// An empty path leaves the field at its zero value.
type FieldPaths struct {
	Name              string
	Description       string
	Aliases           string
	RelationshipCount string
	Created           string
	Modified          string
	Embedding         string
}

func DefaultFieldPaths() FieldPaths {
	return FieldPaths{
		Name:              "name",
		Description:       "description",
		Aliases:           "aliases",
		RelationshipCount: "stixCoreRelationships.pageInfo.globalCount",
		Created:           "created",
		Modified:          "modified",
	}
}

type extractor struct {
	name              *jmespath.JMESPath
	description       *jmespath.JMESPath
	aliases           *jmespath.JMESPath
	relationshipCount *jmespath.JMESPath
	created           *jmespath.JMESPath
	modified          *jmespath.JMESPath
	embedding         *jmespath.JMESPath
}

func newExtractor(paths FieldPaths) (*extractor, error) {
	e := &extractor{}
	fields := []struct {
		label string
		expr  string
		dst   **jmespath.JMESPath
	}{
		{"name", paths.Name, &e.name},
		{"description", paths.Description, &e.description},
		{"aliases", paths.Aliases, &e.aliases},
		{"relationship count", paths.RelationshipCount, &e.relationshipCount},
		{"created", paths.Created, &e.created},
		{"modified", paths.Modified, &e.modified},
		{"embedding", paths.Embedding, &e.embedding},
	}

	for _, f := range fields {
		if f.expr == "" {
			continue
		}
		compiled, err := jmespath.Compile(f.expr)
		if err != nil {
			return nil, fmt.Errorf("invalid %s path %q: %w", f.label, f.expr, err)
		}
		*f.dst = compiled
	}
	return e, nil
}

// entity converts one node into an IntelEntity, rejecting nodes that do not fit the model.
func (e *extractor) entity(node map[string]any) (models.IntelEntity, error) {
	id, _ := node["id"].(string)
	if id == "" {
		return models.IntelEntity{}, fmt.Errorf("node has no id")
	}

	entity := models.IntelEntity{ID: id}
	var err error

	if entity.Name, err = searchString(e.name, node); err != nil {
		return entity, fmt.Errorf("node %s: name: %w", id, err)
	}
	if entity.Description, err = searchString(e.description, node); err != nil {
		return entity, fmt.Errorf("node %s: description: %w", id, err)
	}
	if entity.Aliases, err = searchStrings(e.aliases, node); err != nil {
		return entity, fmt.Errorf("node %s: aliases: %w", id, err)
	}
	if entity.RelationshipCount, err = searchCount(e.relationshipCount, node); err != nil {
		return entity, fmt.Errorf("node %s: relationship count: %w", id, err)
	}
	if entity.Created, err = searchTime(e.created, node); err != nil {
		return entity, fmt.Errorf("node %s: created: %w", id, err)
	}
	if entity.Modified, err = searchTime(e.modified, node); err != nil {
		return entity, fmt.Errorf("node %s: modified: %w", id, err)
	}
	if entity.Embedding, err = searchFloats(e.embedding, node); err != nil {
		return entity, fmt.Errorf("node %s: embedding: %w", id, err)
	}

	return entity, nil
}

func search(expr *jmespath.JMESPath, node map[string]any) (any, error) {
	if expr == nil {
		return nil, nil
	}
	return expr.Search(node)
}

func searchString(expr *jmespath.JMESPath, node map[string]any) (string, error) {
	value, err := search(expr, node)
	if err != nil || value == nil {
		return "", err
	}
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", value)
	}
	return s, nil
}

func searchStrings(expr *jmespath.JMESPath, node map[string]any) ([]string, error) {
	value, err := search(expr, node)
	if err != nil || value == nil {
		return []string{}, err
	}
	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("expected list, got %T", value)
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("expected string item, got %T", item)
		}
		out = append(out, s)
	}
	return out, nil
}

func searchCount(expr *jmespath.JMESPath, node map[string]any) (int, error) {
	value, err := search(expr, node)
	if err != nil || value == nil {
		return 0, err
	}
	n, ok := value.(float64)
	if !ok {
		return 0, fmt.Errorf("expected number, got %T", value)
	}
	if n < 0 || n != math.Trunc(n) {
		return 0, fmt.Errorf("expected non-negative integer, got %v", n)
	}
	return int(n), nil
}

func searchTime(expr *jmespath.JMESPath, node map[string]any) (time.Time, error) {
	s, err := searchString(expr, node)
	if err != nil || s == "" {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, s)
}

func searchFloats(expr *jmespath.JMESPath, node map[string]any) ([]float64, error) {
	value, err := search(expr, node)
	if err != nil || value == nil {
		return nil, err
	}
	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("expected list, got %T", value)
	}

	out := make([]float64, 0, len(items))
	for _, item := range items {
		f, ok := item.(float64)
		if !ok {
			return nil, fmt.Errorf("expected number item, got %T", item)
		}
		out = append(out, f)
	}
	return out, nil
}
