package models

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Record is one JSON object returned by the upstream API. Keys are dynamic
// and entity-specific; nested objects and lists are opaque payloads.
type Record map[string]interface{}

// Entity describes one upstream resource type and how it maps to a local table.
type Entity struct {
	Name             string `yaml:"name"`
	Endpoint         string `yaml:"endpoint"`
	PrimaryKeyField  string `yaml:"primary_key"`
	PrimaryKeyType   string `yaml:"primary_key_type"` // "integer" or "text"
	IncrementalField string `yaml:"incremental_field,omitempty"`
	PageSize         int    `yaml:"page_size,omitempty"`
}

// Incremental reports whether the entity has a natural incremental field.
// Lookup tables without one are always fetched in full.
func (e Entity) Incremental() bool {
	return e.IncrementalField != ""
}

// DefaultEntities returns the built-in entity registry in dependency order:
// independent lookups first, then customers and groups, then task types, then
// tasks, which reference the former.
func DefaultEntities() []Entity {
	return []Entity{
		{Name: "users", Endpoint: "/users/", PrimaryKeyField: "userId", PrimaryKeyType: "integer", IncrementalField: "lastUpdate", PageSize: 100},
		{Name: "segments", Endpoint: "/segments/", PrimaryKeyField: "id", PrimaryKeyType: "integer", IncrementalField: "lastUpdate", PageSize: 100},
		{Name: "teams", Endpoint: "/teams/", PrimaryKeyField: "id", PrimaryKeyType: "integer", IncrementalField: "lastUpdate", PageSize: 100},
		{Name: "keywords", Endpoint: "/keywords/", PrimaryKeyField: "id", PrimaryKeyType: "integer", IncrementalField: "lastUpdate", PageSize: 100},
		{Name: "customers", Endpoint: "/customers/", PrimaryKeyField: "id", PrimaryKeyType: "integer", IncrementalField: "dateLastUpdate", PageSize: 100},
		{Name: "customer_groups", Endpoint: "/customer-groups/", PrimaryKeyField: "id", PrimaryKeyType: "integer", IncrementalField: "lastUpdate", PageSize: 100},
		{Name: "customer_group_customers", Endpoint: "/customer-group-customers/", PrimaryKeyField: "id", PrimaryKeyType: "integer", PageSize: 100},
		{Name: "task_types", Endpoint: "/taskTypes/", PrimaryKeyField: "id", PrimaryKeyType: "integer", IncrementalField: "lastUpdate", PageSize: 100},
		{Name: "questionnaires", Endpoint: "/questionnaires/", PrimaryKeyField: "id", PrimaryKeyType: "integer", IncrementalField: "lastUpdate", PageSize: 100},
		{Name: "services", Endpoint: "/services/", PrimaryKeyField: "id", PrimaryKeyType: "integer", IncrementalField: "lastUpdate", PageSize: 100},
		{Name: "products", Endpoint: "/products/", PrimaryKeyField: "productId", PrimaryKeyType: "text", IncrementalField: "lastUpdate", PageSize: 100},
		{Name: "equipments", Endpoint: "/equipments/", PrimaryKeyField: "id", PrimaryKeyType: "integer", IncrementalField: "lastUpdate", PageSize: 100},
		{Name: "expense_types", Endpoint: "/expenseTypes/", PrimaryKeyField: "id", PrimaryKeyType: "integer", PageSize: 100},
		{Name: "expenses", Endpoint: "/expenses/", PrimaryKeyField: "id", PrimaryKeyType: "integer", IncrementalField: "lastUpdate", PageSize: 100},
		// tasks are fetched through the per-user month-window sub-pipeline
		{Name: "tasks", Endpoint: "/tasks/", PrimaryKeyField: "taskID", PrimaryKeyType: "integer", IncrementalField: "lastUpdate", PageSize: 50},
	}
}

// LoadEntities reads an entity registry from a YAML file, replacing the
// built-in defaults. An empty path returns the defaults.
func LoadEntities(path string) ([]Entity, error) {
	if path == "" {
		return DefaultEntities(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading entity registry %s: %w", path, err)
	}

	var entities []Entity
	if err := yaml.Unmarshal(raw, &entities); err != nil {
		return nil, fmt.Errorf("error unmarshalling entity registry %s: %w", path, err)
	}

	for i := range entities {
		e := &entities[i]
		if e.Name == "" || e.Endpoint == "" || e.PrimaryKeyField == "" {
			return nil, fmt.Errorf("entity registry %s: entry %d requires name, endpoint and primary_key", path, i)
		}
		if e.PrimaryKeyType == "" {
			e.PrimaryKeyType = "integer"
		}
		if e.PageSize == 0 {
			e.PageSize = 100
		}
	}

	return entities, nil
}

// SelectEntities filters the registry down to the named entities, preserving
// registry order. Unknown names are an error rather than a silent no-op.
func SelectEntities(all []Entity, names []string) ([]Entity, error) {
	if len(names) == 0 {
		return all, nil
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[strings.TrimSpace(n)] = true
	}

	var selected []Entity
	for _, e := range all {
		if wanted[e.Name] {
			selected = append(selected, e)
			delete(wanted, e.Name)
		}
	}

	if len(wanted) > 0 {
		unknown := make([]string, 0, len(wanted))
		for n := range wanted {
			unknown = append(unknown, n)
		}
		return nil, fmt.Errorf("unknown entities: %s", strings.Join(unknown, ", "))
	}

	return selected, nil
}
