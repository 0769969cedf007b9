package authz

import "testing"

func TestAllowAll(t *testing.T) {
	p := AllowAll()
	if !p.Allowed(ActionCreatePipeline, Identity{}) {
		t.Error("allow_all rejected anonymous caller")
	}
	if !p.Allowed(ActionDeletePipeline, Identity{Email: "a@b.io"}) {
		t.Error("allow_all rejected identified caller")
	}
}

func TestRequireEmail(t *testing.T) {
	p := RequireEmail()
	tests := []struct {
		email string
		want  bool
	}{
		{"dev@example.com", true},
		{"", false},
		{"   ", false},
	}
	for _, tt := range tests {
		if got := p.Allowed(ActionReadPipelines, Identity{Email: tt.email}); got != tt.want {
			t.Errorf("email %q: got %v, want %v", tt.email, got, tt.want)
		}
	}
}

func TestGroupMap(t *testing.T) {
	p := NewGroupMap(
		map[string]string{
			"platform-admins": "admin",
			"data-eng":        "operator",
			"analysts":        "viewer",
		},
		map[string][]string{
			"admin":    {"*"},
			"operator": {ActionCreatePipeline, ActionUpdatePipeline, ActionReadPipeline},
			"viewer":   {ActionReadPipeline, ActionReadPipelines},
		},
	)

	tests := []struct {
		name   string
		id     Identity
		action string
		want   bool
	}{
		{"admin wildcard", Identity{Email: "a@x", Groups: []string{"platform-admins"}}, ActionDeletePipeline, true},
		{"operator granted", Identity{Email: "o@x", Groups: []string{"data-eng"}}, ActionCreatePipeline, true},
		{"operator denied", Identity{Email: "o@x", Groups: []string{"data-eng"}}, ActionDeletePipeline, false},
		{"viewer read only", Identity{Email: "v@x", Groups: []string{"analysts"}}, ActionReadPipeline, true},
		{"viewer denied write", Identity{Email: "v@x", Groups: []string{"analysts"}}, ActionCreatePipeline, false},
		{"unknown group", Identity{Email: "s@x", Groups: []string{"guests"}}, ActionReadPipeline, false},
		{"no email rejected", Identity{Groups: []string{"platform-admins"}}, ActionReadPipeline, false},
		{"second group grants", Identity{Email: "m@x", Groups: []string{"guests", "analysts"}}, ActionReadPipelines, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Allowed(tt.action, tt.id); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern  string
		required string
		want     bool
	}{
		{"*", "create_pipeline", true},
		{"*:*", "pipeline:read", true},
		{"pipeline:*", "pipeline:read", true},
		{"pipeline:*", "dataset:read", false},
		{"*:read", "pipeline:read", true},
		{"create_pipeline", "create_pipeline", true},
		{"create_pipeline", "delete_pipeline", false},
		{"pipeline:read", "pipeline", false},
	}
	for _, tt := range tests {
		if got := MatchPattern(tt.pattern, tt.required); got != tt.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.required, got, tt.want)
		}
	}
}

func TestNewFromConfig(t *testing.T) {
	if _, err := New(Config{}); err != nil {
		t.Errorf("default config: %v", err)
	}
	if _, err := New(Config{Strategy: StrategyGroupMap}); err == nil {
		t.Error("group_map with no tables accepted")
	}
	if _, err := New(Config{Strategy: "ghost"}); err == nil {
		t.Error("unknown strategy accepted")
	}
	p, err := New(Config{
		Strategy:      StrategyGroupMap,
		GroupToRole:   map[string]string{"g": "r"},
		RoleToActions: map[string][]string{"r": {ActionReadPipeline}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !p.Allowed(ActionReadPipeline, Identity{Email: "e@x", Groups: []string{"g"}}) {
		t.Error("configured grant rejected")
	}
}
