package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

// loadHCLConfig parses an HCL configuration file and applies it to cfg. The
// document is converted into the same generic map shape the JSON loader
// produces, so both formats share one mapping path.
func loadHCLConfig(configPath string, cfg *Config) error {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}

	src, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, cleanPath)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL config: %s", diags.Error())
	}

	body, ok := file.Body.(*hclsyntax.Body)
	if !ok {
		return fmt.Errorf("unexpected HCL body type %T", file.Body)
	}
	if len(body.Blocks) > 0 {
		blk := body.Blocks[0]
		return fmt.Errorf("unexpected block %q at %s: use attribute syntax (name = value)",
			blk.Type, blk.DefRange().String())
	}

	data := make(map[string]any, len(body.Attributes))
	for name, attr := range body.Attributes {
		val, valDiags := attr.Expr.Value(&hcl.EvalContext{})
		if valDiags.HasErrors() {
			return fmt.Errorf("failed to evaluate %q: %s", name, valDiags.Error())
		}
		goVal, err := ctyToGo(val)
		if err != nil {
			return fmt.Errorf("unsupported value for %q: %w", name, err)
		}
		data[name] = goVal
	}

	return applyConfigMap(data, cfg)
}

// ctyToGo converts an HCL value into the generic JSON-style representation
// (map[string]any, []any, string, float64, bool) used by applyConfigMap.
func ctyToGo(val cty.Value) (any, error) {
	if val.IsNull() {
		return nil, nil
	}

	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString(), nil
	case ty == cty.Bool:
		return val.True(), nil
	case ty == cty.Number:
		f, _ := val.AsBigFloat().Float64()
		return f, nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any)
		for key, elem := range val.AsValueMap() {
			goElem, err := ctyToGo(elem)
			if err != nil {
				return nil, err
			}
			out[key] = goElem
		}
		return out, nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		elems := val.AsValueSlice()
		out := make([]any, 0, len(elems))
		for _, elem := range elems {
			goElem, err := ctyToGo(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, goElem)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value of type %s", ty.FriendlyName())
	}
}
