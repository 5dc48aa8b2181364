// Package template serves the embedded scaffolding templates: listing,
// search, parameter validation, rendering, and multi-file scaffold.
package template

import (
	"fmt"
	"regexp"
	"strings"

	dtkerrors "dtk/internal/errors"
)

// JSON-RPC error codes for the template namespace.
const (
	CodeNotFound   = -32001
	CodeInvalidURI = -32002
	CodeValidation = -32003
	CodeRender     = -32004
)

// Toolchains and categories form the URI namespace
// template://<toolchain>/<category>/<name>.
var (
	validToolchains = map[string]bool{"rust": true, "deno": true, "python-uv": true}
	validCategories = map[string]bool{"makefile": true, "readme": true, "gitignore": true, "cli-binary": true}
)

// ParamType constrains a parameter's value shape.
type ParamType string

const (
	TypeProjectName ParamType = "project_name"
	TypeSemver      ParamType = "semver"
	TypeGithubUser  ParamType = "github_username"
	TypeLicense     ParamType = "license_identifier"
	TypeBoolean     ParamType = "boolean"
	TypeString      ParamType = "string"
)

var validParamTypes = map[ParamType]bool{
	TypeProjectName: true, TypeSemver: true, TypeGithubUser: true,
	TypeLicense: true, TypeBoolean: true, TypeString: true,
}

// ParameterSpec declares one substitution a template accepts.
type ParameterSpec struct {
	Name              string    `json:"name" toml:"name"`
	Type              ParamType `json:"paramType" toml:"type"`
	Required          bool      `json:"required" toml:"required"`
	Default           string    `json:"default,omitempty" toml:"default"`
	ValidationPattern string    `json:"validationPattern,omitempty" toml:"validationPattern"`
}

// Resource is one immutable template, loaded at startup.
type Resource struct {
	URI             string          `json:"uri"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Toolchain       string          `json:"toolchain"`
	Category        string          `json:"category"`
	Parameters      []ParameterSpec `json:"parameters"`
	ContentHash     string          `json:"contentHash"`
	SemanticVersion string          `json:"semanticVersion"`
	TargetPath      string          `json:"targetPath"`

	content string
}

// Content returns the raw template body.
func (r *Resource) Content() string { return r.content }

// URIParts is a parsed template URI.
type URIParts struct {
	Toolchain string
	Category  string
	Name      string
}

// ParseURI validates and splits a template URI. Malformed URIs map to
// JSON-RPC code -32002.
func ParseURI(uri string) (URIParts, error) {
	invalid := func(reason string) error {
		return dtkerrors.Newf(dtkerrors.BadRequest, "invalid template URI %q: %s", uri, reason).
			WithRPCCode(CodeInvalidURI)
	}

	const scheme = "template://"
	if !strings.HasPrefix(uri, scheme) {
		return URIParts{}, invalid("missing template:// scheme")
	}
	rest := strings.TrimPrefix(uri, scheme)
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return URIParts{}, invalid("expected template://<toolchain>/<category>/<name>")
	}
	for _, p := range parts {
		if p == "" {
			return URIParts{}, invalid("empty path segment")
		}
	}
	if !validToolchains[parts[0]] {
		return URIParts{}, invalid(fmt.Sprintf("unknown toolchain %q", parts[0]))
	}
	if !validCategories[parts[1]] {
		return URIParts{}, invalid(fmt.Sprintf("unknown category %q", parts[1]))
	}
	return URIParts{Toolchain: parts[0], Category: parts[1], Name: parts[2]}, nil
}

// ValidateParams checks provided parameters against the resource's
// specs and fills defaults, returning the complete substitution map.
// Violations map to JSON-RPC code -32003.
func (r *Resource) ValidateParams(params map[string]string) (map[string]string, error) {
	fail := func(field, reason string) error {
		return dtkerrors.NewValidation(field, reason).WithRPCCode(CodeValidation)
	}

	known := map[string]ParameterSpec{}
	for _, spec := range r.Parameters {
		known[spec.Name] = spec
	}
	for name := range params {
		if _, ok := known[name]; !ok {
			return nil, fail(name, "parameter not accepted by this template")
		}
	}

	resolved := make(map[string]string, len(r.Parameters))
	for _, spec := range r.Parameters {
		value, provided := params[spec.Name]
		if !provided {
			if spec.Required {
				return nil, fail(spec.Name, "required parameter is missing")
			}
			value = spec.Default
		}
		if spec.Type == TypeBoolean && value != "" && value != "true" && value != "false" {
			return nil, fail(spec.Name, fmt.Sprintf("expected true or false, got %q", value))
		}
		if spec.ValidationPattern != "" && value != "" {
			re, err := regexp.Compile(spec.ValidationPattern)
			if err != nil {
				return nil, dtkerrors.Wrap(dtkerrors.Internal,
					fmt.Sprintf("template %s declares a bad pattern for %s", r.URI, spec.Name), err)
			}
			if !re.MatchString(value) {
				return nil, fail(spec.Name,
					fmt.Sprintf("value %q does not match %s", value, spec.ValidationPattern))
			}
		}
		resolved[spec.Name] = value
	}
	return resolved, nil
}
