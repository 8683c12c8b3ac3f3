package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"solarline/internal/domain"
	"solarline/internal/milestone"
)

// Config models solarline.yml: the rule graph, the milestone catalogue and
// the notification settings of one project. DocumentTypes maps canonical type
// codes to the legacy labels that mean them.
type Config struct {
	Project struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name,omitempty" json:"name,omitempty"`
	} `yaml:"project" json:"project"`
	DocumentTypes map[string][]string          `yaml:"document_types" json:"document_types"`
	Rules         []milestone.Rule             `yaml:"rules" json:"rules"`
	CrossTriggers []milestone.CrossTrigger     `yaml:"cross_triggers" json:"cross_triggers"`
	Milestones    []domain.MilestoneDefinition `yaml:"milestones" json:"milestones"`
	Weights       domain.WeightConfig          `yaml:"weights" json:"weights"`
	Notifications struct {
		NotifyOn []string `yaml:"notify_on" json:"notify_on"`
	} `yaml:"notifications" json:"notifications"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

// WebhookConfig is one delivery target. Events limits delivery to these
// milestone codes; empty means every notifiable code.
type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if len(c.Rules) == 0 {
		return fmt.Errorf("config.rules is required")
	}
	if _, err := c.RuleSet(); err != nil {
		return err
	}
	if _, err := c.Registry(); err != nil {
		return err
	}
	if c.Weights.AdminPct < 0 || c.Weights.EngineeringPct < 0 {
		return fmt.Errorf("config.weights must not be negative")
	}
	defs := make(map[string]domain.MilestoneDefinition, len(c.Milestones))
	for _, d := range c.Milestones {
		if strings.TrimSpace(d.Code) == "" {
			return fmt.Errorf("config.milestones contains empty code")
		}
		if _, dup := defs[d.Code]; dup {
			return fmt.Errorf("milestone %s defined more than once", d.Code)
		}
		if d.Type != domain.TypeAdmin && d.Type != domain.TypeEngineering {
			return fmt.Errorf("milestone %s has type %q; want admin or engineering", d.Code, d.Type)
		}
		if d.Weight < 0 {
			return fmt.Errorf("milestone %s has negative weight", d.Code)
		}
		defs[d.Code] = d
	}
	if len(defs) > 0 {
		for _, r := range c.Rules {
			d, ok := defs[r.Code]
			if !ok {
				return fmt.Errorf("rule %s has no milestone definition", r.Code)
			}
			if d.Type != domain.TypeAdmin {
				return fmt.Errorf("rule %s must derive an admin milestone, got %s", r.Code, d.Type)
			}
		}
		for _, t := range c.CrossTriggers {
			d, ok := defs[t.Target]
			if !ok {
				return fmt.Errorf("cross trigger target %s has no milestone definition", t.Target)
			}
			if d.Type != domain.TypeEngineering {
				return fmt.Errorf("cross trigger target %s must be an engineering milestone, got %s", t.Target, d.Type)
			}
		}
		for _, code := range c.Notifications.NotifyOn {
			if _, ok := defs[code]; !ok {
				return fmt.Errorf("notifications.notify_on references unknown milestone %s", code)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook #%d has empty url", i+1)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %s has negative timeout", hook.URL)
		}
	}
	return nil
}

// RuleSet builds the validated, ordered rule graph.
func (c *Config) RuleSet() (*milestone.RuleSet, error) {
	return milestone.NewRuleSet(c.Rules, c.CrossTriggers)
}

func (c *Config) Registry() (milestone.TypeRegistry, error) {
	return milestone.NewTypeRegistry(c.DocumentTypes)
}

// Definition returns the milestone definition for code.
func (c *Config) Definition(code string) (domain.MilestoneDefinition, bool) {
	for _, d := range c.Milestones {
		if d.Code == code {
			return d, true
		}
	}
	return domain.MilestoneDefinition{}, false
}

// Notifiable reports whether a false->true transition of code is announced.
func (c *Config) Notifiable(code string) bool {
	for _, n := range c.Notifications.NotifyOn {
		if n == code {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "solarline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default solar installation config for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s

document_types:
  site_survey_report: ["Site Survey", "Site Survey Report"]
  utility_interconnection: ["Interconnection Application", "Utility Interconnection"]
  building_permit: ["Building Permit", "Permit Application"]
  commissioning_report: ["Commissioning Report", "Commissioning Certificate"]

rules:
  - code: project_created
    check: ALWAYS_TRUE
  - code: site_survey
    check: ISSUED
    trigger_type_code: site_survey_report
    trigger_type_labels: ["Site Survey Report", "Site Survey"]
    prerequisites: [project_created]
  - code: utility_application_submitted
    check: SUBMITTED
    trigger_type_code: utility_interconnection
    trigger_type_labels: ["Interconnection Application"]
    prerequisites: [site_survey]
  - code: utility_approval
    check: ISSUED
    trigger_type_code: utility_interconnection
    trigger_type_labels: ["Interconnection Application"]
    prerequisites: [utility_application_submitted]
  - code: permit_submitted
    check: SUBMITTED
    trigger_type_code: building_permit
    trigger_type_labels: ["Building Permit"]
    prerequisites: [site_survey]
  - code: permit_issued
    check: ISSUED
    trigger_type_code: building_permit
    trigger_type_labels: ["Building Permit"]
    prerequisites: [permit_submitted]
  - code: commissioning_complete
    check: ISSUED
    trigger_type_code: commissioning_report
    prerequisites: [utility_approval, permit_issued]
  - code: project_closed
    check: ALL_PREREQUISITES
    prerequisites: [commissioning_complete]

cross_triggers:
  - source: site_survey
    target: eng_site_assessment
  - source: permit_submitted
    target: eng_permit_drawings
  - source: commissioning_complete
    target: eng_commissioning

milestones:
  - {code: project_created, type: admin, weight: 1, sort_order: 1, active: true, display_name: "Project created"}
  - {code: site_survey, type: admin, weight: 2, sort_order: 2, active: true, display_name: "Site survey"}
  - {code: utility_application_submitted, type: admin, weight: 1, sort_order: 3, active: true, display_name: "Utility application submitted"}
  - {code: utility_approval, type: admin, weight: 2, sort_order: 4, active: true, display_name: "Utility approval"}
  - {code: permit_submitted, type: admin, weight: 1, sort_order: 5, active: true, display_name: "Permit submitted"}
  - {code: permit_issued, type: admin, weight: 2, sort_order: 6, active: true, display_name: "Permit issued"}
  - {code: commissioning_complete, type: admin, weight: 2, sort_order: 7, active: true, display_name: "Commissioning"}
  - {code: project_closed, type: admin, weight: 1, sort_order: 8, active: true, display_name: "Project closed"}
  - {code: eng_site_assessment, type: engineering, weight: 1, sort_order: 1, active: true, display_name: "Site assessment"}
  - {code: eng_system_design, type: engineering, weight: 3, sort_order: 2, active: true, display_name: "System design"}
  - {code: eng_permit_drawings, type: engineering, weight: 2, sort_order: 3, active: true, display_name: "Permit drawings"}
  - {code: eng_installation, type: engineering, weight: 4, sort_order: 4, active: true, display_name: "Installation"}
  - {code: eng_commissioning, type: engineering, weight: 2, sort_order: 5, active: true, display_name: "Commissioning"}

weights:
  admin_pct: 50
  engineering_pct: 50

notifications:
  notify_on: [utility_approval, permit_issued, commissioning_complete, project_closed]
`
