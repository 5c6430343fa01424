package decision

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type Kind string

const (
	KindOpportunity Kind = "opportunity"
	KindAnalysis    Kind = "deep_analysis"
	KindRiskVerdict Kind = "risk_verdict"
	KindManagement  Kind = "management"
)

var schemaSources = map[Kind]string{
	KindOpportunity: `{
  "type": "object",
  "required": ["source_id", "symbol", "action", "rationale"],
  "properties": {
    "source_id": {"type": "string", "minLength": 1},
    "symbol": {"type": "string"},
    "action": {"enum": ["LONG", "SHORT", "MANAGE"]},
    "rationale": {"type": "string"}
  }
}`,
	KindAnalysis: `{
  "type": "object",
  "required": ["champion_id", "confidence", "thesis", "recommendation", "price_target", "position_size", "risk_level"],
  "properties": {
    "champion_id": {"type": "string", "minLength": 1},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "thesis": {"type": "string"},
    "recommendation": {"enum": ["LONG", "SHORT", "MANAGE"]},
    "price_target": {
      "type": "object",
      "required": ["take", "stop"],
      "properties": {
        "take": {"type": "number", "exclusiveMinimum": 0},
        "stop": {"type": "number", "exclusiveMinimum": 0}
      }
    },
    "position_size": {"type": "number", "minimum": 0},
    "risk_level": {"enum": ["LOW", "MEDIUM", "HIGH"]}
  }
}`,
	KindRiskVerdict: `{
  "type": "object",
  "required": ["approved", "warnings"],
  "properties": {
    "approved": {"type": "boolean"},
    "veto_reason": {"type": "string"},
    "adjustments": {
      "type": "object",
      "properties": {
        "position_size": {"type": "number", "minimum": 0},
        "take_profit": {"type": "number", "minimum": 0},
        "stop_loss": {"type": "number", "minimum": 0}
      }
    },
    "warnings": {"type": "array", "items": {"type": "string"}}
  }
}`,
	KindManagement: `{
  "type": "object",
  "required": ["manage_type", "conviction", "reason"],
  "properties": {
    "manage_type": {"enum": ["HOLD", "CLOSE", "PARTIAL_CLOSE", "ADJUST_STOP", "ADJUST_TAKE_PROFIT", "ADD_MARGIN"]},
    "conviction": {"type": "number", "minimum": 0, "maximum": 1},
    "reason": {"type": "string"},
    "close_percent": {"type": "number", "minimum": 0, "maximum": 100},
    "new_stop_loss": {"type": "number", "minimum": 0},
    "new_take_profit": {"type": "number", "minimum": 0},
    "margin_amount": {"type": "number", "minimum": 0}
  }
}`,
}

var (
	schemaOnce sync.Once
	schemas    map[Kind]*jsonschema.Schema
	schemaErr  error
)

func compiledSchemas() (map[Kind]*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		out := make(map[Kind]*jsonschema.Schema, len(schemaSources))
		for kind, src := range schemaSources {
			s, err := compileSchema(string(kind), src)
			if err != nil {
				schemaErr = fmt.Errorf("compile %s schema: %w", kind, err)
				return
			}
			out[kind] = s
		}
		schemas = out
	})
	return schemas, schemaErr
}

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	url := name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(src)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}
