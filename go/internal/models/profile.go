package models

// Profile carries the permission and layout data read alongside the state
type Profile struct {
	IsAdmin      bool           `json:"is_admin"`
	LayoutConfig map[string]any `json:"layout_config,omitempty"`
}

// Ranking is the partial record produced by the derived ranking read
type Ranking struct {
	Fields Fields `json:"fields"`
}
