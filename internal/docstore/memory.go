package docstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/thebtf/docreview/pkg/models"
)

// Memory is an in-process document store for development and tests.
type Memory struct {
	docs map[string]memoryDoc
	mu   sync.RWMutex
}

type memoryDoc struct {
	doc            Document
	text           string
	classification models.DocumentClassification
}

// NewMemory creates an empty in-memory document store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]memoryDoc)}
}

// Put stores or replaces a document.
func (m *Memory) Put(doc Document, text string, c models.DocumentClassification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = memoryDoc{doc: doc, text: text, classification: c}
}

// Delete removes a document.
func (m *Memory) Delete(documentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, documentID)
}

func (m *Memory) lookup(op, documentID string) (memoryDoc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[documentID]
	if !ok {
		return memoryDoc{}, models.Permanent(op, fmt.Errorf("document %s: %w", documentID, models.ErrNotFound))
	}
	return d, nil
}

// GetDocument returns the metadata of documentID.
func (m *Memory) GetDocument(ctx context.Context, documentID string) (Document, error) {
	d, err := m.lookup("get document", documentID)
	return d.doc, err
}

// GetExtractedText returns the text of documentID.
func (m *Memory) GetExtractedText(ctx context.Context, documentID string) (string, error) {
	d, err := m.lookup("get text", documentID)
	if err != nil {
		return "", err
	}
	if d.text == "" {
		return "", models.Permanent("get text", fmt.Errorf("document %s has no extracted text: %w", documentID, models.ErrNotFound))
	}
	return d.text, nil
}

// GetClassification returns the classification of documentID.
func (m *Memory) GetClassification(ctx context.Context, documentID string) (models.DocumentClassification, error) {
	d, err := m.lookup("get classification", documentID)
	return d.classification, err
}
