package models

// Manifest declares a pipeline for import: a project name and its nodes.
type Manifest struct {
	Project string     `yaml:"project"`
	Nodes   []*NodeDef `yaml:"nodes"`
}

// NodeDef declares one node. Exactly one of Code (inline Lua) or File
// (path relative to the manifest) must be set.
type NodeDef struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"`
	Code string `yaml:"code,omitempty"`
	File string `yaml:"file,omitempty"`
}
