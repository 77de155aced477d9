package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/tunedispatch/internal/assets/schemas"
	"github.com/3leaps/tunedispatch/pkg/provider"
)

// SchemaID is the schema identifier for job manifests.
const SchemaID = "tunedispatch/v1.0.0/job-manifest"

// Validation errors
var (
	// ErrSchemaNotFound indicates the schema file could not be located.
	ErrSchemaNotFound = errors.New("manifest schema not found")

	// ErrValidationFailed indicates the manifest failed validation.
	ErrValidationFailed = errors.New("manifest validation failed")
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/job/base_model").
	Path string

	// Message describes the validation failure.
	Message string
}

// Error implements error interface.
func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "manifest validation failed with %d errors:\n", len(e))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap lets errors.Is match ErrValidationFailed.
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Validate checks the manifest against the JSON schema and the cross-field
// rules the schema cannot express.
//
// The struct form loses unknown fields; use ValidateRaw on the original
// input for additionalProperties checks.
func Validate(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize manifest for validation: %w", err)
	}
	if err := ValidateRaw(data); err != nil {
		return err
	}
	return m.Check()
}

// ValidateRaw checks raw JSON data against the embedded manifest schema.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Check applies cross-field rules: compute connectors need a GPU class,
// only one script source may be given, and ready_timeout must parse.
func (m *Manifest) Check() error {
	var errs ValidationErrors

	switch m.Kind() {
	case provider.ProviderMarketplace, provider.ProviderSSH:
		if strings.TrimSpace(m.Hardware.GPUClass) == "" && strings.TrimSpace(m.Job.ResourceID) == "" {
			errs = append(errs, ValidationError{
				Path:    "/hardware/gpu",
				Message: "gpu class (or job.resource_id) is required for " + m.Connector.Kind + " connectors",
			})
		}
	}
	if m.Launch.Script != "" && m.Launch.ScriptInline != "" {
		errs = append(errs, ValidationError{
			Path:    "/launch",
			Message: "script and script_inline are mutually exclusive",
		})
	}
	if _, err := m.ReadyTimeout(); err != nil {
		errs = append(errs, ValidationError{Path: "/launch/ready_timeout", Message: err.Error()})
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// getValidator compiles the embedded schema once.
func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.JobManifestSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded job-manifest schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.JobManifestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile manifest schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
