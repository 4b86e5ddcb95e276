package lsp

import (
	"slices"
	"sync"
	"time"
)

// Document is an open text document as last sent to the server.
type Document struct {
	URI        DocumentURI
	Path       string
	LanguageID string
	Version    int
	Content    string

	OpenedAt   time.Time
	ModifiedAt time.Time
}

// Item returns the document as a didOpen payload.
func (d *Document) Item() TextDocumentItem {
	return TextDocumentItem{
		URI:        d.URI,
		LanguageID: d.LanguageID,
		Version:    d.Version,
		Text:       d.Content,
	}
}

// documentStore tracks open documents. Versions increase by one per change
// and survive server restarts, so a resync reopens each document at its
// current version.
type documentStore struct {
	mu        sync.RWMutex
	documents map[DocumentURI]*Document
}

func newDocumentStore() *documentStore {
	return &documentStore{documents: make(map[DocumentURI]*Document)}
}

// open records a new document at version 1.
func (ds *documentStore) open(path, languageID, content string) (*Document, error) {
	uri := FilePathToURI(path)

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if _, exists := ds.documents[uri]; exists {
		return nil, ErrDocumentAlreadyOpen
	}

	now := time.Now()
	doc := &Document{
		URI:        uri,
		Path:       path,
		LanguageID: languageID,
		Version:    1,
		Content:    content,
		OpenedAt:   now,
		ModifiedAt: now,
	}
	ds.documents[uri] = doc
	return doc.clone(), nil
}

// change applies changes and bumps the version.
func (ds *documentStore) change(path string, changes []TextDocumentContentChangeEvent) (*Document, error) {
	uri := FilePathToURI(path)

	ds.mu.Lock()
	defer ds.mu.Unlock()

	doc, ok := ds.documents[uri]
	if !ok {
		return nil, ErrDocumentNotOpen
	}

	for _, change := range changes {
		doc.Content = applyTextChange(doc.Content, change)
	}
	doc.Version++
	doc.ModifiedAt = time.Now()
	return doc.clone(), nil
}

func (ds *documentStore) close(path string) (*Document, error) {
	uri := FilePathToURI(path)

	ds.mu.Lock()
	defer ds.mu.Unlock()

	doc, ok := ds.documents[uri]
	if !ok {
		return nil, ErrDocumentNotOpen
	}
	delete(ds.documents, uri)
	return doc, nil
}

func (ds *documentStore) reset() {
	ds.mu.Lock()
	clear(ds.documents)
	ds.mu.Unlock()
}

func (ds *documentStore) get(path string) (*Document, bool) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	doc, ok := ds.documents[FilePathToURI(path)]
	if !ok {
		return nil, false
	}
	return doc.clone(), true
}

// all returns copies of the open documents ordered by URI.
func (ds *documentStore) all() []*Document {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	docs := make([]*Document, 0, len(ds.documents))
	for _, doc := range ds.documents {
		docs = append(docs, doc.clone())
	}
	slices.SortFunc(docs, func(a, b *Document) int {
		switch {
		case a.URI < b.URI:
			return -1
		case a.URI > b.URI:
			return 1
		}
		return 0
	})
	return docs
}

func (d *Document) clone() *Document {
	c := *d
	return &c
}
