// Package ci triggers and polls builds on external CI systems.
//
// Two systems with different semantics sit behind one contract: an Azure
// DevOps style system returns a build id synchronously and reports
// status/result strings; a Jenkins style system queues the build, resolves
// it to a build number later, and reports a building flag. Both are
// normalized to BuildStatus so callers never branch on the system type.
package ci

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/teranos/transmute/errors"
)

// SystemType identifies a CI system variant
type SystemType string

const (
	SystemAzureDevOps SystemType = "azuredevops"
	SystemJenkins     SystemType = "jenkins"
)

// ErrUnsupportedSystem is returned for a trigger type no adapter handles
var ErrUnsupportedSystem = errors.New("unsupported CI system")

const redacted = "[REDACTED]"

// AzureDevOpsConfig triggers a pipeline definition on Azure DevOps
type AzureDevOpsConfig struct {
	BaseURL      string `json:"base_url"` // default https://dev.azure.com
	Organization string `json:"organization" validate:"required"`
	Project      string `json:"project" validate:"required"`
	DefinitionID int    `json:"definition_id" validate:"gt=0"`
	APIVersion   string `json:"api_version"`
	// Token is a personal access token, sent as Basic with an empty user
	Token    string `json:"token"`
	TokenEnv string `json:"token_env"` // read the token from this variable instead
}

// String redacts the credential
func (c AzureDevOpsConfig) String() string {
	token := ""
	if c.credential() != "" {
		token = redacted
	}
	return fmt.Sprintf("azuredevops{base_url=%s organization=%s project=%s definition_id=%d token=%s}",
		c.BaseURL, c.Organization, c.Project, c.DefinitionID, token)
}

func (c AzureDevOpsConfig) credential() string {
	if c.TokenEnv != "" {
		return os.Getenv(c.TokenEnv)
	}
	return c.Token
}

// JenkinsConfig triggers a parameterized Jenkins job
type JenkinsConfig struct {
	BaseURL string `json:"base_url" validate:"required"`
	Job     string `json:"job" validate:"required"`
	// User with Token sends Basic; Token alone sends Bearer
	User            string            `json:"user"`
	Token           string            `json:"token"`
	TokenEnv        string            `json:"token_env"`
	BranchParameter string            `json:"branch_parameter"` // default BRANCH
	Parameters      map[string]string `json:"parameters"`
}

// String redacts the credential
func (c JenkinsConfig) String() string {
	token := ""
	if c.credential() != "" {
		token = redacted
	}
	return fmt.Sprintf("jenkins{base_url=%s job=%s user=%s token=%s}", c.BaseURL, c.Job, c.User, token)
}

func (c JenkinsConfig) credential() string {
	if c.TokenEnv != "" {
		return os.Getenv(c.TokenEnv)
	}
	return c.Token
}

// Trigger is a decoded CI trigger configuration. Exactly one of the
// variant fields is set, matching Type.
type Trigger struct {
	Type        SystemType
	AzureDevOps *AzureDevOpsConfig
	Jenkins     *JenkinsConfig
}

// String redacts credentials
func (t *Trigger) String() string {
	switch {
	case t.AzureDevOps != nil:
		return t.AzureDevOps.String()
	case t.Jenkins != nil:
		return t.Jenkins.String()
	}
	return string(t.Type)
}

var configValidator = validator.New()

// normalizeType maps the case-insensitive discriminator to a variant
func normalizeType(raw string) (SystemType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "azuredevops", "azure-devops", "azure":
		return SystemAzureDevOps, true
	case "jenkins":
		return SystemJenkins, true
	}
	return "", false
}

// ParseTrigger decodes a {"type": ..., ...} trigger document. An unknown
// type wraps ErrUnsupportedSystem and errors.ErrUnsupported.
func ParseTrigger(raw json.RawMessage) (*Trigger, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, errors.NewInvalidRequestError("ci_trigger must be a JSON object: %v", err)
	}

	systemType, ok := normalizeType(head.Type)
	if !ok {
		err := errors.Wrapf(ErrUnsupportedSystem, "type %q", head.Type)
		return nil, errors.Mark(err, errors.ErrUnsupported)
	}

	t := &Trigger{Type: systemType}
	var target interface{}
	switch systemType {
	case SystemAzureDevOps:
		t.AzureDevOps = &AzureDevOpsConfig{}
		target = t.AzureDevOps
	case SystemJenkins:
		t.Jenkins = &JenkinsConfig{}
		target = t.Jenkins
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return nil, errors.NewInvalidRequestError("invalid %s trigger: %v", systemType, err)
	}
	if err := configValidator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return nil, errors.NewInvalidRequestError("invalid %s trigger: %s is required", systemType, jsonName(fieldErrs[0].Field()))
		}
		return nil, errors.NewInvalidRequestError("invalid %s trigger: %v", systemType, err)
	}
	return t, nil
}

// jsonName converts a Go field name to the snake_case key users wrote
func jsonName(field string) string {
	var b strings.Builder
	for i, r := range field {
		if i > 0 && r >= 'A' && r <= 'Z' && !(field[i-1] >= 'A' && field[i-1] <= 'Z') {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}
