package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// definitionSchema validates pipeline definitions before any agent is
// built, so malformed graphs fail fast with a schema error instead of a
// construction error halfway through.
const definitionSchema = `{
	"type": "object",
	"required": ["agents"],
	"properties": {
		"agents": {
			"type": "object",
			"minProperties": 1,
			"additionalProperties": {
				"type": "object",
				"required": ["type"],
				"properties": {
					"type": {"enum": ["hard_code", "ai", "chat", "critic"]},
					"input_document_names": {"type": "array", "items": {"type": "string"}},
					"required_documents": {"type": "array", "items": {"type": "string"}},
					"output_document_name": {"type": "string"},
					"output_document_filename": {"type": "string"},
					"start_log_message": {"type": "string"},
					"finish_log_message": {"type": "string"},
					"transform": {"type": "string"},
					"system_prompt": {"type": "string"},
					"settings": {
						"type": "object",
						"properties": {
							"model": {"type": "string"},
							"temperature": {"type": "number"},
							"n": {"type": "integer"},
							"max_tokens": {"type": "integer"},
							"frequency_penalty": {"type": "number"},
							"presence_penalty": {"type": "number"}
						}
					},
					"chat_name": {"type": "string"},
					"last_message_name": {"type": "string"},
					"chat_filename": {"type": "string"},
					"last_message_filename": {"type": "string"},
					"stop_words": {"type": "array", "items": {"type": "string"}},
					"criticized_agent_name": {"type": "string"},
					"max_iterations": {"type": "integer", "minimum": 1}
				}
			}
		},
		"seed_documents": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "content"],
				"properties": {
					"name": {"type": "string"},
					"content": {"type": "string"},
					"filename": {"type": "string"}
				}
			}
		}
	}
}`

var compiledDefinitionSchema = mustCompileSchema(definitionSchema)

func mustCompileSchema(src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("pipeline: unmarshal definition schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("definition.json", doc); err != nil {
		panic(fmt.Sprintf("pipeline: add definition schema: %v", err))
	}
	schema, err := c.Compile("definition.json")
	if err != nil {
		panic(fmt.Sprintf("pipeline: compile definition schema: %v", err))
	}
	return schema
}

// SeedDocument is a document placed into the store before agents start.
type SeedDocument struct {
	Name     string `json:"name"`
	Content  string `json:"content"`
	Filename string `json:"filename,omitempty"`
}

// Definition is the JSON form of an agent graph.
type Definition struct {
	Agents        map[string]AgentConfig `json:"agents"`
	SeedDocuments []SeedDocument         `json:"seed_documents,omitempty"`
}

// ParseDefinition validates raw JSON against the definition schema and
// decodes it.
func ParseDefinition(raw []byte) (*Definition, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	if err := compiledDefinitionSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validate definition: %w", err)
	}

	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	for name, cfg := range def.Agents {
		cfg.Name = name
		def.Agents[name] = cfg
	}
	return &def, nil
}

// ApplyDefaults fills the server-configured fallbacks into a parsed
// definition: the model for LLM agents that name none, and the critique
// cap for critics that name none. Call before Validate.
func (d *Definition) ApplyDefaults(model string, maxCriticIterations int) {
	for name, cfg := range d.Agents {
		switch cfg.Type {
		case KindAI, KindChat, KindCritic:
			if cfg.Settings.Model == "" && model != "" {
				cfg.Settings.Model = model
			}
		}
		if cfg.Type == KindCritic && cfg.MaxIterations <= 0 && maxCriticIterations > 0 {
			cfg.MaxIterations = maxCriticIterations
		}
		d.Agents[name] = cfg
	}
}

// Validate runs the semantic checks the schema cannot express: per-kind
// required fields and resolvable critic references.
func (d *Definition) Validate() error {
	for name, cfg := range d.Agents {
		switch cfg.Type {
		case KindHardCode:
			if _, err := LookupTransform(cfg.Transform); err != nil {
				return fmt.Errorf("agent %s: %w", name, err)
			}
		case KindAI, KindChat:
			if cfg.Settings.Model == "" {
				return fmt.Errorf("agent %s: settings.model is required", name)
			}
		case KindCritic:
			if cfg.Settings.Model == "" {
				return fmt.Errorf("agent %s: settings.model is required", name)
			}
			ref, ok := d.Agents[cfg.CriticizedAgentName]
			if !ok {
				return fmt.Errorf("agent %s: criticized agent %q not defined", name, cfg.CriticizedAgentName)
			}
			if ref.Type != KindAI && ref.Type != KindChat {
				return fmt.Errorf("agent %s: criticized agent %q must be an AI agent", name, cfg.CriticizedAgentName)
			}
		}
	}
	return nil
}
