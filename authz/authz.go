// Package authz decides whether a caller may perform a control-plane action.
//
// A Policy takes the action name and the caller's forwarded identity and
// returns a boolean. Three strategies ship built in: allow everything,
// require a forwarded email header, and match the caller's groups against a
// group → role → action map. Wildcard patterns are supported in role grants
// (e.g. "pipeline:*" covers every pipeline action).
package authz

import (
	"fmt"
	"sort"
	"strings"
)

// Recognized control-plane actions.
const (
	ActionCreatePipeline        = "create_pipeline"
	ActionReadPipeline          = "read_pipeline"
	ActionReadPipelines         = "read_pipelines"
	ActionUpdatePipeline        = "update_pipeline"
	ActionDeletePipeline        = "delete_pipeline"
	ActionRevokePipeline        = "revoke_pipeline"
	ActionReadPipelineTemplate  = "read_pipeline_template"
	ActionReadPipelineTemplates = "read_pipeline_templates"
	ActionCreateDataset         = "create_dataset"
	ActionReadDataset           = "read_dataset"
	ActionSubscribeToEvents     = "subscribe_to_events"
	ActionSubscribeToLogs       = "subscribe_to_logs"
	ActionCreateEvent           = "create_event"
)

// Actions lists every recognized action, sorted.
func Actions() []string {
	out := []string{
		ActionCreatePipeline,
		ActionReadPipeline,
		ActionReadPipelines,
		ActionUpdatePipeline,
		ActionDeletePipeline,
		ActionRevokePipeline,
		ActionReadPipelineTemplate,
		ActionReadPipelineTemplates,
		ActionCreateDataset,
		ActionReadDataset,
		ActionSubscribeToEvents,
		ActionSubscribeToLogs,
		ActionCreateEvent,
	}
	sort.Strings(out)
	return out
}

// Identity is the caller identity forwarded by the fronting proxy.
type Identity struct {
	Email  string
	Groups []string
}

// Policy decides whether an identity may perform an action.
type Policy interface {
	Allowed(action string, id Identity) bool
}

// PolicyFunc is an adapter to use ordinary functions as Policy.
type PolicyFunc func(action string, id Identity) bool

// Allowed implements Policy.
func (f PolicyFunc) Allowed(action string, id Identity) bool {
	return f(action, id)
}

// Strategy names accepted in configuration.
const (
	StrategyAllowAll = "allow_all"
	StrategyEmail    = "email"
	StrategyGroupMap = "group_map"
)

// Config selects a strategy and carries the group-map tables.
type Config struct {
	// Strategy is one of the Strategy* constants.
	Strategy string `mapstructure:"strategy" json:"strategy"`
	// GroupToRole maps a forwarded group name to a role.
	GroupToRole map[string]string `mapstructure:"group_to_role" json:"group_to_role"`
	// RoleToActions maps a role to the action patterns it grants.
	RoleToActions map[string][]string `mapstructure:"role_to_actions" json:"role_to_actions"`
}

// ApplyDefaults fills in zero values with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Strategy == "" {
		c.Strategy = StrategyAllowAll
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Strategy {
	case StrategyAllowAll, StrategyEmail:
		return nil
	case StrategyGroupMap:
		if len(c.GroupToRole) == 0 {
			return fmt.Errorf("authz: group_map strategy requires group_to_role")
		}
		if len(c.RoleToActions) == 0 {
			return fmt.Errorf("authz: group_map strategy requires role_to_actions")
		}
		return nil
	default:
		return fmt.Errorf("authz: unknown strategy %q", c.Strategy)
	}
}

// New builds a Policy from configuration.
func New(cfg Config) (Policy, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Strategy {
	case StrategyAllowAll:
		return AllowAll(), nil
	case StrategyEmail:
		return RequireEmail(), nil
	default:
		return NewGroupMap(cfg.GroupToRole, cfg.RoleToActions), nil
	}
}

// AllowAll permits every action.
func AllowAll() Policy {
	return PolicyFunc(func(string, Identity) bool { return true })
}

// RequireEmail permits every action as long as the proxy forwarded an email.
func RequireEmail() Policy {
	return PolicyFunc(func(_ string, id Identity) bool {
		return strings.TrimSpace(id.Email) != ""
	})
}

// GroupMap resolves the caller's groups to roles, then checks the union of
// the roles' action patterns against the requested action.
type GroupMap struct {
	groupToRole   map[string]string
	roleToActions map[string][]string
}

// NewGroupMap creates a group-map policy.
func NewGroupMap(groupToRole map[string]string, roleToActions map[string][]string) *GroupMap {
	return &GroupMap{groupToRole: groupToRole, roleToActions: roleToActions}
}

// Allowed implements Policy. An identity with no forwarded email is always
// rejected.
func (g *GroupMap) Allowed(action string, id Identity) bool {
	if strings.TrimSpace(id.Email) == "" {
		return false
	}
	for _, group := range id.Groups {
		role, ok := g.groupToRole[group]
		if !ok {
			continue
		}
		if MatchAny(g.roleToActions[role], action) {
			return true
		}
	}
	return false
}
