package models

// ToolBash is the reserved synthetic definition that runs a verbatim shell
// command instead of a rendered argv.
const ToolBash = "bash"

// ToolParam describes one parameter of a tool definition and how it is
// rendered into argv.
type ToolParam struct {
	// Type is "string", "integer", or "boolean". Boolean parameters emit
	// their flag only when the value is truthy.
	Type string `yaml:"type" json:"type"`
	// Flag is the argv switch preceding the value ("-p", "--ports").
	// Empty for positional and stdin parameters.
	Flag string `yaml:"flag,omitempty" json:"flag,omitempty"`
	// Positional parameters are appended after all flagged arguments.
	Positional bool `yaml:"positional,omitempty" json:"positional,omitempty"`
	// Stdin parameters are written to the subprocess stdin instead of argv.
	Stdin bool `yaml:"stdin,omitempty" json:"stdin,omitempty"`
	// Raw parameters pass their value through verbatim with no flag;
	// a boolean-true raw value emits Flag alone.
	Raw         bool   `yaml:"raw_flag,omitempty" json:"raw_flag,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// ToolDefinition declares an external security tool: the binary to spawn,
// default arguments, and the parameter schema the command builder renders.
type ToolDefinition struct {
	Name        string               `yaml:"name" json:"name"`
	Binary      string               `yaml:"binary" json:"binary"`
	Description string               `yaml:"description,omitempty" json:"description,omitempty"`
	Category    string               `yaml:"category,omitempty" json:"category,omitempty"`
	RiskLevel   string               `yaml:"risk_level,omitempty" json:"risk_level,omitempty"`
	DefaultArgs []string             `yaml:"default_args,omitempty" json:"default_args,omitempty"`
	Parameters  map[string]ToolParam `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}
