package worker

import (
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/thebtf/docreview/pkg/models"
)

// GET /api/taxonomy/children?level=N&parent=KEY
func (s *Service) handleTaxonomyChildren(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	level, err := strconv.Atoi(q.Get("level"))
	if err != nil {
		s.writeError(w, r, models.NewValidationError("level", "integer query parameter required"))
		return
	}
	parent := q.Get("parent")

	nodes, err := s.deps.Taxonomy.ChildrenOf(level, parent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"level":    level,
		"parent":   parent,
		"children": nodes,
	})
}

// GET /api/taxonomy/breadcrumb?objectType=&modality=&subtype=&documentType=
func (s *Service) handleTaxonomyBreadcrumb(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c := models.DocumentClassification{
		ObjectType:      q.Get("objectType"),
		PrimaryModality: q.Get("modality"),
		Subtype:         q.Get("subtype"),
		DocumentType:    q.Get("documentType"),
	}
	if err := s.deps.Taxonomy.Validate(c); err != nil {
		s.writeError(w, r, err)
		return
	}
	path, err := s.deps.Taxonomy.Breadcrumb(c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"classification": c,
		"complete":       s.deps.Taxonomy.IsComplete(c),
		"path":           path,
	})
}

// handleTaxonomyRefresh reloads the tree from its sources. Calls are spaced by a cooldown.
// POST /api/taxonomy/refresh
func (s *Service) handleTaxonomyRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.refresh.CanExecute() {
		wait := s.refresh.CooldownRemaining()
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(wait.Seconds()))))
		http.Error(w, "taxonomy refresh cooling down", http.StatusTooManyRequests)
		return
	}
	if err := s.deps.Taxonomy.Refresh(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"source":   s.deps.Taxonomy.Source(),
		"loadedAt": s.deps.Taxonomy.LoadedAt(),
		"version":  s.deps.Taxonomy.Tree().Version(),
	})
}
