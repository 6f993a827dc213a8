package envelope

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	apperrors "github.com/flowforge/flowforge/internal/common/errors"
)

// VersionLatest selects the highest registered version of a schema.
const VersionLatest = "latest"

// Validator checks one serialized message against a schema. It returns a
// validation error carrying the offending field path, or nil.
type Validator func(data []byte) error

// Registry maps (schema name, version) to a validator. It is populated at
// startup and read-only afterwards; multiple versions of one schema may be
// registered simultaneously.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]map[string]Validator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]map[string]Validator)}
}

// NewDefaultRegistry creates a registry holding the current envelope and
// result schemas.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(SchemaAgentEnvelope, EnvelopeVersion, ValidateEnvelopeBytes)
	r.Register(SchemaAgentResult, ResultVersion, ValidateResultBytes)
	return r
}

// Register binds a validator to (name, version), replacing any previous
// binding for that exact pair.
func (r *Registry) Register(name, version string, v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.schemas[name] == nil {
		r.schemas[name] = make(map[string]Validator)
	}
	r.schemas[name][version] = v
}

// Validator resolves a validator for name at version. An empty version or
// VersionLatest resolves to the highest registered version.
func (r *Registry) Validator(name, version string) (Validator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.schemas[name]
	if !ok {
		return nil, apperrors.NotFound("schema", name)
	}
	if version == "" || version == VersionLatest {
		version = highestVersion(versions)
	}
	v, ok := versions[version]
	if !ok {
		return nil, apperrors.NotFound("schema", fmt.Sprintf("%s@%s", name, version))
	}
	return v, nil
}

// Validate resolves and applies the validator in one step.
func (r *Registry) Validate(name, version string, data []byte) error {
	v, err := r.Validator(name, version)
	if err != nil {
		return err
	}
	return v(data)
}

// Versions lists the registered versions of name, highest first.
func (r *Registry) Versions(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.schemas[name]))
	for v := range r.schemas[name] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return compareVersions(out[i], out[j]) > 0 })
	return out
}

// HighestCommon returns the highest version of name that both the registry
// and the consumer accept. Used when dispatching to agents that declare
// the schema versions they understand.
func (r *Registry) HighestCommon(name string, accepted []string) (string, error) {
	acceptedSet := make(map[string]struct{}, len(accepted))
	for _, v := range accepted {
		acceptedSet[v] = struct{}{}
	}
	for _, v := range r.Versions(name) {
		if _, ok := acceptedSet[v]; ok {
			return v, nil
		}
	}
	return "", apperrors.ValidationError("version",
		fmt.Sprintf("no common version of %s with consumer (accepts %s)", name, strings.Join(accepted, ", ")))
}

// ValidateEnvelopeBytes decodes and validates a serialized AgentEnvelope.
func ValidateEnvelopeBytes(data []byte) error {
	var e AgentEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return apperrors.ValidationError("$", "malformed JSON: "+err.Error())
	}
	return CheckEnvelope(&e)
}

// ValidateResultBytes decodes and validates a serialized AgentResult.
func ValidateResultBytes(data []byte) error {
	var r AgentResult
	if err := json.Unmarshal(data, &r); err != nil {
		return apperrors.ValidationError("$", "malformed JSON: "+err.Error())
	}
	return CheckResult(&r)
}

func highestVersion(versions map[string]Validator) string {
	best := ""
	for v := range versions {
		if best == "" || compareVersions(v, best) > 0 {
			best = v
		}
	}
	return best
}

// compareVersions orders dotted numeric versions ("2.0.0" > "1.10.0").
// Non-numeric segments fall back to string comparison.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv string
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		an, aerr := strconv.Atoi(av)
		bn, berr := strconv.Atoi(bv)
		if aerr == nil && berr == nil {
			if an != bn {
				if an > bn {
					return 1
				}
				return -1
			}
			continue
		}
		if av != bv {
			if av > bv {
				return 1
			}
			return -1
		}
	}
	return 0
}
