// Package runbook parses and validates runbook documents.
//
// Documents are YAML or JSON (YAML is a superset, so one parser serves both).
// A parsed document is immutable: committing a changed document creates a new
// runbook version, never mutates an existing one.
package runbook

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/tejun/internal/errs"
	"github.com/ashita-ai/tejun/internal/model"
)

// toolIDPattern matches dotted, lower-case, stable tool identifiers.
// Wildcards are not tools; they appear only in policy allowlists.
var toolIDPattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)+$`)

// ValidToolID reports whether s is a well-formed tool identifier.
func ValidToolID(s string) bool { return toolIDPattern.MatchString(s) }

// Parse decodes and validates a runbook document.
func Parse(doc []byte) (model.RunbookDoc, error) {
	var rb model.RunbookDoc
	if err := yaml.Unmarshal(doc, &rb); err != nil {
		return model.RunbookDoc{}, errs.Wrap(errs.KindValidation, "runbook: parse document", err)
	}
	if err := Validate(rb); err != nil {
		return model.RunbookDoc{}, err
	}
	return rb, nil
}

// Validate checks the structural invariants of a runbook document.
func Validate(rb model.RunbookDoc) error {
	if strings.TrimSpace(rb.Name) == "" {
		return errs.New(errs.KindValidation, "runbook: name is required")
	}

	seen := make(map[string]bool, len(rb.Steps))
	names := make(map[string]bool, len(rb.Steps))
	for _, s := range rb.Steps {
		names[s.Name] = true
	}
	for i, s := range rb.Steps {
		if strings.TrimSpace(s.Name) == "" {
			return errs.Newf(errs.KindValidation, "runbook: step %d: name is required", i)
		}
		if seen[s.Name] {
			return errs.Newf(errs.KindValidation, "runbook: duplicate step name %q", s.Name)
		}
		seen[s.Name] = true

		hasTool := s.Tool != ""
		hasPrompt := strings.TrimSpace(s.Prompt) != ""
		if !hasTool && !hasPrompt {
			return errs.Newf(errs.KindValidation, "runbook: step %q: either tool or prompt is required", s.Name)
		}
		if hasTool && !ValidToolID(s.Tool) {
			return errs.Newf(errs.KindValidation, "runbook: step %q: malformed tool id %q", s.Name, s.Tool)
		}
		if s.Compensates != "" && !names[s.Compensates] {
			return errs.Newf(errs.KindValidation, "runbook: step %q: compensates unknown step %q", s.Name, s.Compensates)
		}
		if s.TimeoutMS < 0 {
			return errs.Newf(errs.KindValidation, "runbook: step %q: negative timeout_ms", s.Name)
		}
	}

	for i, r := range rb.Reference {
		if r.Tool != "" && !ValidToolID(r.Tool) {
			return errs.Newf(errs.KindValidation, "runbook: reference step %d: malformed tool id %q", i, r.Tool)
		}
	}
	return nil
}

// Marshal re-encodes a document as canonical YAML for storage.
func Marshal(rb model.RunbookDoc) ([]byte, error) {
	out, err := yaml.Marshal(rb)
	if err != nil {
		return nil, fmt.Errorf("runbook: marshal document: %w", err)
	}
	return out, nil
}
