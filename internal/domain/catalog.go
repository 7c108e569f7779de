package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// ToolDescriptor is an immutable snapshot of one discovered upstream
// operation. InputSchema is carried opaquely; the gateway never validates
// params against it.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// CatalogSnapshot is the discovered action set of one upstream at a point in
// time. Snapshots are immutable; concurrent readers need no synchronization.
type CatalogSnapshot struct {
	Upstream    string
	FetchedAt   time.Time
	Descriptors []ToolDescriptor

	byName map[string]ToolDescriptor
}

// NewCatalogSnapshot builds a snapshot from discovered descriptors. Duplicate
// action names keep the first occurrence, so names within a snapshot are
// always unique. Descriptors are sorted by name.
func NewCatalogSnapshot(upstream string, descriptors []ToolDescriptor, fetchedAt time.Time) *CatalogSnapshot {
	byName := make(map[string]ToolDescriptor, len(descriptors))
	unique := make([]ToolDescriptor, 0, len(descriptors))
	for _, desc := range descriptors {
		if desc.Name == "" {
			continue
		}
		if _, seen := byName[desc.Name]; seen {
			continue
		}
		byName[desc.Name] = desc
		unique = append(unique, desc)
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i].Name < unique[j].Name })

	return &CatalogSnapshot{
		Upstream:    upstream,
		FetchedAt:   fetchedAt,
		Descriptors: unique,
		byName:      byName,
	}
}

// Lookup returns the descriptor registered under the exact, case-sensitive
// action name.
func (s *CatalogSnapshot) Lookup(action string) (ToolDescriptor, bool) {
	desc, ok := s.byName[action]
	return desc, ok
}

// Actions returns the sorted action names of the snapshot.
func (s *CatalogSnapshot) Actions() []string {
	names := make([]string, 0, len(s.Descriptors))
	for _, desc := range s.Descriptors {
		names = append(names, desc.Name)
	}
	return names
}

func (s *CatalogSnapshot) Len() int {
	return len(s.Descriptors)
}
