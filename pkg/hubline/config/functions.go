package config

import (
	"github.com/hashicorp/go-cty-funcs/crypto"
	"github.com/hashicorp/go-cty-funcs/encoding"
	"github.com/hashicorp/go-cty-funcs/filesystem"
	"github.com/hashicorp/go-cty-funcs/uuid"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/ext/userfunc"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// GetStandardLibraryFunctions returns the functions available in configuration
// expressions. file() and fileexists() resolve relative paths against baseDir.
func GetStandardLibraryFunctions(baseDir string) map[string]function.Function {
	return map[string]function.Function{
		// Strings
		"upper":     stdlib.UpperFunc,
		"lower":     stdlib.LowerFunc,
		"split":     stdlib.SplitFunc,
		"join":      stdlib.JoinFunc,
		"trimspace": stdlib.TrimSpaceFunc,
		"replace":   stdlib.ReplaceFunc,
		"format":    stdlib.FormatFunc,
		"regex":     stdlib.RegexFunc,

		// Collections
		"concat":   stdlib.ConcatFunc,
		"contains": stdlib.ContainsFunc,
		"distinct": stdlib.DistinctFunc,
		"length":   stdlib.LengthFunc,
		"lookup":   stdlib.LookupFunc,
		"merge":    stdlib.MergeFunc,
		"coalesce": stdlib.CoalesceFunc,

		// Conversion
		"jsondecode": stdlib.JSONDecodeFunc,
		"jsonencode": stdlib.JSONEncodeFunc,
		"tostring":   stdlib.MakeToFunc(cty.String),
		"tonumber":   stdlib.MakeToFunc(cty.Number),
		"tobool":     stdlib.MakeToFunc(cty.Bool),
		"tolist":     stdlib.MakeToFunc(cty.List(cty.DynamicPseudoType)),

		// Secrets are commonly kept in files or base64 env vars
		"base64decode": encoding.Base64DecodeFunc,
		"base64encode": encoding.Base64EncodeFunc,
		"file":         filesystem.MakeFileFunc(baseDir, false),
		"fileexists":   filesystem.MakeFileExistsFunc(baseDir),
		"sha256":       crypto.Sha256Func,
		"uuidv4":       uuid.V4Func,
	}
}

// extractUserFunctions decodes function blocks out of the bodies and returns
// the remaining content.
func extractUserFunctions(bodies []hcl.Body, evalCtx *hcl.EvalContext) (map[string]function.Function, []hcl.Body, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	remaining := make([]hcl.Body, 0, len(bodies))
	funcs := make(map[string]function.Function)

	for _, body := range bodies {
		decoded, remain, funcDiags := userfunc.DecodeUserFunctions(body, "function", func() *hcl.EvalContext {
			return evalCtx
		})
		diags = diags.Extend(funcDiags)
		if funcDiags.HasErrors() {
			continue
		}
		remaining = append(remaining, remain)

		for name, fn := range decoded {
			if _, exists := funcs[name]; exists {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Duplicate function",
					Detail:   "Function " + name + " is already defined",
				})
			}
			funcs[name] = fn
		}
	}

	return funcs, remaining, diags
}
