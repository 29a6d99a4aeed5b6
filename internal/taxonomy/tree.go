// Package taxonomy provides the four-level document classification tree.
package taxonomy

import (
	"fmt"
	"strings"

	"github.com/thebtf/docreview/pkg/models"
	"gopkg.in/yaml.v3"
)

// fileNode is the serialized form of a tree node.
type fileNode struct {
	Key      string     `yaml:"key" json:"key"`
	Name     string     `yaml:"name" json:"name"`
	Children []fileNode `yaml:"children,omitempty" json:"children,omitempty"`
}

type treeFile struct {
	Tree    []fileNode `yaml:"tree" json:"tree"`
	Version int        `yaml:"version" json:"version"`
}

type node struct {
	children []*node
	models.ClassificationNode
}

// Tree is an immutable classification tree. It is safe for concurrent use.
type Tree struct {
	roots   []*node
	byLevel [models.LevelDocumentType + 1][]*node
	version int
}

// Parse decodes a YAML (or JSON) tree document.
func Parse(data []byte) (*Tree, error) {
	var f treeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode taxonomy: %w", err)
	}
	if len(f.Tree) == 0 {
		return nil, models.NewValidationError("tree", "taxonomy has no object types")
	}

	t := &Tree{version: f.Version}
	for _, fn := range f.Tree {
		n, err := t.build(fn, models.LevelObjectType, "")
		if err != nil {
			return nil, err
		}
		t.roots = append(t.roots, n)
	}
	if err := checkUnique(t.roots, "root"); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) build(fn fileNode, level int, parentKey string) (*node, error) {
	if strings.TrimSpace(fn.Key) == "" {
		return nil, models.NewValidationError("key", fmt.Sprintf("empty key at level %d under %q", level, parentKey))
	}
	if level == models.LevelDocumentType && len(fn.Children) > 0 {
		return nil, models.NewValidationError("tree", fmt.Sprintf("node %q is deeper than %d levels", fn.Key, models.LevelDocumentType))
	}
	name := fn.Name
	if name == "" {
		name = fn.Key
	}

	n := &node{ClassificationNode: models.ClassificationNode{
		Key:       fn.Key,
		Name:      name,
		ParentKey: parentKey,
		Level:     level,
	}}
	t.byLevel[level] = append(t.byLevel[level], n)

	for _, child := range fn.Children {
		c, err := t.build(child, level+1, fn.Key)
		if err != nil {
			return nil, err
		}
		n.children = append(n.children, c)
	}
	if err := checkUnique(n.children, fn.Key); err != nil {
		return nil, err
	}
	return n, nil
}

func checkUnique(nodes []*node, parent string) error {
	seen := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if _, dup := seen[n.Key]; dup {
			return models.NewValidationError("key", fmt.Sprintf("duplicate key %q under %q", n.Key, parent))
		}
		seen[n.Key] = struct{}{}
	}
	return nil
}

// Version returns the version declared by the tree document.
func (t *Tree) Version() int { return t.version }

// Size returns the number of nodes per level, index 0 unused.
func (t *Tree) Size() [models.LevelDocumentType + 1]int {
	var out [models.LevelDocumentType + 1]int
	for i, nodes := range t.byLevel {
		out[i] = len(nodes)
	}
	return out
}

// ChildrenOf returns the nodes at level whose parent is keyed parentKey, across every
// branch where that parent key appears. Results are deduplicated by key in first-seen order.
// Level 1 ignores parentKey.
func (t *Tree) ChildrenOf(level int, parentKey string) ([]models.ClassificationNode, error) {
	if level < models.LevelObjectType || level > models.LevelDocumentType {
		return nil, models.NewValidationError("level", fmt.Sprintf("level %d outside 1..%d", level, models.LevelDocumentType))
	}
	if level == models.LevelObjectType {
		return flatten(t.roots), nil
	}

	var (
		found bool
		out   []models.ClassificationNode
		seen  = map[string]struct{}{}
	)
	for _, parent := range t.byLevel[level-1] {
		if parent.Key != parentKey {
			continue
		}
		found = true
		for _, c := range parent.children {
			if _, dup := seen[c.Key]; dup {
				continue
			}
			seen[c.Key] = struct{}{}
			out = append(out, c.ClassificationNode)
		}
	}
	if !found {
		return nil, fmt.Errorf("taxonomy: %q at level %d: %w", parentKey, level-1, models.ErrNotFound)
	}
	if out == nil {
		out = []models.ClassificationNode{}
	}
	return out, nil
}

// ChildrenAt returns the children of the node reached by following path exactly.
// An empty path returns the object types.
func (t *Tree) ChildrenAt(path ...string) ([]models.ClassificationNode, error) {
	nodes, err := t.walk(path)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return flatten(t.roots), nil
	}
	return flatten(nodes[len(nodes)-1].children), nil
}

// walk resolves path from the roots, returning the visited nodes.
func (t *Tree) walk(path []string) ([]*node, error) {
	if len(path) > models.LevelDocumentType {
		return nil, models.NewValidationError("path", fmt.Sprintf("path longer than %d levels", models.LevelDocumentType))
	}
	visited := make([]*node, 0, len(path))
	level := t.roots
	for i, key := range path {
		next := find(level, key)
		if next == nil {
			return nil, fmt.Errorf("taxonomy: %q at level %d under %q: %w", key, i+1, strings.Join(path[:i], "/"), models.ErrNotFound)
		}
		visited = append(visited, next)
		level = next.children
	}
	return visited, nil
}

// IsComplete reports whether c carries at least an object type and a primary modality.
func (t *Tree) IsComplete(c models.DocumentClassification) bool {
	return c.ObjectType != "" && c.PrimaryModality != ""
}

// Validate checks that every present field is a child of the previous one, without gaps.
func (t *Tree) Validate(c models.DocumentClassification) error {
	fields := []string{c.ObjectType, c.PrimaryModality, c.Subtype, c.DocumentType}
	names := []string{"objectType", "primaryModality", "subtype", "documentType"}
	end := 0
	for i, f := range fields {
		if f == "" {
			continue
		}
		if i != end {
			return models.NewValidationError(names[i], fmt.Sprintf("%s set without %s", names[i], names[end]))
		}
		end++
	}
	_, err := t.walk(fields[:end])
	return err
}

// Breadcrumb returns the node names along the classification path.
func (t *Tree) Breadcrumb(c models.DocumentClassification) ([]string, error) {
	nodes, err := t.walk(c.Keys())
	if err != nil {
		return nil, err
	}
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name
	}
	return out, nil
}

func find(nodes []*node, key string) *node {
	for _, n := range nodes {
		if n.Key == key {
			return n
		}
	}
	return nil
}

func flatten(nodes []*node) []models.ClassificationNode {
	out := make([]models.ClassificationNode, len(nodes))
	for i, n := range nodes {
		out[i] = n.ClassificationNode
	}
	return out
}
