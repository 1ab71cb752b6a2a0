package domain

import "strconv"

// Model is a structured domain object that keeps its identity across the bus.
type Model interface {
	// ModelName is the camelCase entity name used as the type tag and topic prefix.
	ModelName() string
	PrimaryKey() string
}

// SomeModel is the sample entity exposed through the GraphQL schema.
type SomeModel struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (m *SomeModel) ModelName() string { return "someModel" }

func (m *SomeModel) PrimaryKey() string { return strconv.FormatInt(m.ID, 10) }
