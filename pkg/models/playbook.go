package models

// Phase is one named stage of a playbook with its own step budget.
type Phase struct {
	Name           string   `yaml:"name" json:"name"`
	Goal           string   `yaml:"goal" json:"goal"`
	SuggestedTools []string `yaml:"suggested_tools,omitempty" json:"suggested_tools,omitempty"`
	MaxSteps       int      `yaml:"max_steps" json:"max_steps"`
}

// Playbook is an ordered sequence of phases guiding autonomous execution.
type Playbook struct {
	ID          string  `yaml:"id" json:"id"`
	Name        string  `yaml:"name" json:"name"`
	Category    string  `yaml:"category,omitempty" json:"category,omitempty"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	Phases      []Phase `yaml:"phases" json:"phases"`
}
