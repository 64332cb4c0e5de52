/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package storage

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// ApplyTarget is the collection-level surface the apply engine mutates while
// mirroring donor CRUD operations. Implementations must tolerate replays:
// oplog application is idempotent by contract.
type ApplyTarget interface {
	Insert(ns string, doc bson.D) error
	Update(ns string, query bson.D, update bson.D) error
	Delete(ns string, query bson.D) error
	CreateCollection(ns string) error
	DropCollection(ns string) error
	CollectionExists(ns string) bool
	CollectionIsEmpty(ns string) bool
	CreateIndex(ns string, keys bson.D) error
}

// MemoryTarget is an in-process ApplyTarget keyed by namespace and _id.
// The real storage engine is an external collaborator; this stands in for it
// in the engine and in tests.
type MemoryTarget struct {
	mu          sync.Mutex
	collections map[string]map[string]bson.D
	indexes     map[string][]bson.D
}

func NewMemoryTarget() *MemoryTarget {
	return &MemoryTarget{
		collections: make(map[string]map[string]bson.D),
		indexes:     make(map[string][]bson.D),
	}
}

func documentID(doc bson.D) (string, error) {
	for _, el := range doc {
		if el.Key == "_id" {
			return fmt.Sprintf("%v", el.Value), nil
		}
	}
	return "", errors.New("document has no _id field")
}

func (t *MemoryTarget) Insert(ns string, doc bson.D) error {
	id, err := documentID(doc)
	if err != nil {
		return errors.Wrapf(err, "insert into %s", ns)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	coll := t.collections[ns]
	if coll == nil {
		coll = make(map[string]bson.D)
		t.collections[ns] = coll
	}
	// Replayed inserts overwrite; mirroring is idempotent.
	coll[id] = doc
	return nil
}

func (t *MemoryTarget) Update(ns string, query bson.D, update bson.D) error {
	id, err := documentID(query)
	if err != nil {
		return errors.Wrapf(err, "update in %s", ns)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	coll := t.collections[ns]
	if coll == nil {
		// Nothing to update; the document may have been deleted by a later
		// entry already applied on a previous attempt.
		return nil
	}
	doc, ok := coll[id]
	if !ok {
		return nil
	}
	coll[id] = applyUpdate(doc, update)
	return nil
}

// applyUpdate supports $set/$unset modifications and whole-document
// replacement, which covers what the donor's oplog carries for updates.
func applyUpdate(doc bson.D, update bson.D) bson.D {
	hasOperator := false
	for _, el := range update {
		if len(el.Key) > 0 && el.Key[0] == '$' {
			hasOperator = true
			break
		}
	}
	if !hasOperator {
		// Replacement update; keep the original _id.
		replaced := bson.D{}
		for _, el := range doc {
			if el.Key == "_id" {
				replaced = append(replaced, el)
			}
		}
		for _, el := range update {
			if el.Key != "_id" {
				replaced = append(replaced, el)
			}
		}
		return replaced
	}
	for _, el := range update {
		switch el.Key {
		case "$set":
			if fields, ok := el.Value.(bson.D); ok {
				for _, field := range fields {
					doc = setField(doc, field.Key, field.Value)
				}
			}
		case "$unset":
			if fields, ok := el.Value.(bson.D); ok {
				for _, field := range fields {
					doc = unsetField(doc, field.Key)
				}
			}
		}
	}
	return doc
}

func setField(doc bson.D, key string, value interface{}) bson.D {
	for i, el := range doc {
		if el.Key == key {
			doc[i].Value = value
			return doc
		}
	}
	return append(doc, bson.E{Key: key, Value: value})
}

func unsetField(doc bson.D, key string) bson.D {
	for i, el := range doc {
		if el.Key == key {
			return append(doc[:i], doc[i+1:]...)
		}
	}
	return doc
}

func (t *MemoryTarget) Delete(ns string, query bson.D) error {
	id, err := documentID(query)
	if err != nil {
		return errors.Wrapf(err, "delete in %s", ns)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if coll := t.collections[ns]; coll != nil {
		delete(coll, id)
	}
	return nil
}

func (t *MemoryTarget) CreateCollection(ns string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.collections[ns] == nil {
		t.collections[ns] = make(map[string]bson.D)
	}
	return nil
}

func (t *MemoryTarget) DropCollection(ns string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.collections, ns)
	delete(t.indexes, ns)
	return nil
}

func (t *MemoryTarget) CollectionExists(ns string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.collections[ns]
	return ok
}

func (t *MemoryTarget) CollectionIsEmpty(ns string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.collections[ns]) == 0
}

func (t *MemoryTarget) CreateIndex(ns string, keys bson.D) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.indexes[ns] = append(t.indexes[ns], keys)
	return nil
}

// Document returns the document with the given _id value, for tests.
func (t *MemoryTarget) Document(ns string, id interface{}) (bson.D, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	coll := t.collections[ns]
	if coll == nil {
		return nil, false
	}
	doc, ok := coll[fmt.Sprintf("%v", id)]
	return doc, ok
}

// CountDocuments returns the number of documents in ns, for tests.
func (t *MemoryTarget) CountDocuments(ns string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.collections[ns])
}

// Indexes returns the index key patterns recorded for ns, for tests.
func (t *MemoryTarget) Indexes(ns string) []bson.D {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]bson.D(nil), t.indexes[ns]...)
}
