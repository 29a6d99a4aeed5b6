// Package models contains domain models for docreview.
package models

import "strings"

// Taxonomy levels, from the broadest to the most specific.
const (
	LevelObjectType   = 1
	LevelModality     = 2
	LevelSubtype      = 3
	LevelDocumentType = 4
)

// ClassificationNode is a single entry of the classification taxonomy.
type ClassificationNode struct {
	Key       string `json:"key" yaml:"key"`
	Name      string `json:"name" yaml:"name"`
	ParentKey string `json:"parentKey,omitempty" yaml:"-"`
	Level     int    `json:"level" yaml:"-"`
}

// DocumentClassification is a path through the taxonomy.
// Empty fields mean the document was not classified down to that level.
type DocumentClassification struct {
	ObjectType      string `json:"objectType,omitempty"`
	PrimaryModality string `json:"primaryModality,omitempty"`
	Subtype         string `json:"subtype,omitempty"`
	DocumentType    string `json:"documentType,omitempty"`
}

// Keys returns the classification as an ordered path, stopping at the first empty level.
func (c DocumentClassification) Keys() []string {
	keys := make([]string, 0, 4)
	for _, k := range []string{c.ObjectType, c.PrimaryModality, c.Subtype, c.DocumentType} {
		if k == "" {
			break
		}
		keys = append(keys, k)
	}
	return keys
}

// KeyAt returns the key at the given taxonomy level, or "" if unset.
func (c DocumentClassification) KeyAt(level int) string {
	switch level {
	case LevelObjectType:
		return c.ObjectType
	case LevelModality:
		return c.PrimaryModality
	case LevelSubtype:
		return c.Subtype
	case LevelDocumentType:
		return c.DocumentType
	}
	return ""
}

// String renders the classification as "objectType/modality/subtype/documentType".
func (c DocumentClassification) String() string {
	return strings.Join(c.Keys(), "/")
}
