package rules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"text/template"

	"aggregator/internal/config"
	"aggregator/internal/domain"
	"aggregator/internal/engine"
)

var (
	ErrUnknownRule   = errors.New("unknown rule")
	ErrDuplicateRule = errors.New("rule already registered")
)

// Func adapts a Go function to engine.Rule.
type Func struct {
	RuleName string
	Fn       func(ctx context.Context, rc *engine.RuleContext) (string, error)
}

func (f Func) Name() string { return f.RuleName }

func (f Func) Run(ctx context.Context, rc *engine.RuleContext) (string, error) {
	return f.Fn(ctx, rc)
}

// TemplateData is what rule templates are rendered against.
type TemplateData struct {
	Rule       string
	ID         int
	Rev        int
	Type       string
	Title      string
	State      string
	Project    string
	AssignedTo string
	Fields     map[string]any
	Event      domain.WorkItemEvent
}

var funcs = template.FuncMap{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
}

// Template is a rule declared in configuration.
type Template struct {
	name       string
	events     []string
	types      []string
	message    *template.Template
	fields     []string
	set        map[string]*template.Template
	transition string
	comment    *template.Template
	childType  string
	childTitle *template.Template
}

func NewTemplate(name string, cfg config.RuleConfig) (*Template, error) {
	t := &Template{
		name:       name,
		events:     cfg.Events,
		types:      cfg.Types,
		transition: cfg.Transition,
		set:        make(map[string]*template.Template, len(cfg.Set)),
	}
	var err error
	if t.message, err = parse(name, "message", cfg.Message); err != nil {
		return nil, err
	}
	if t.comment, err = parse(name, "comment", cfg.Comment); err != nil {
		return nil, err
	}
	for field, text := range cfg.Set {
		tmpl, err := parse(name, field, text)
		if err != nil {
			return nil, err
		}
		t.set[field] = tmpl
		t.fields = append(t.fields, field)
	}
	slices.Sort(t.fields)
	if cfg.CreateChild != nil {
		t.childType = cfg.CreateChild.Type
		if t.childTitle, err = parse(name, "create_child.title", cfg.CreateChild.Title); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func parse(rule, part, text string) (*template.Template, error) {
	tmpl, err := template.New(rule + "." + part).Funcs(funcs).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("rule %s %s: %w", rule, part, err)
	}
	return tmpl, nil
}

func (t *Template) Name() string { return t.name }

// Accepts reports whether the rule reacts to an event on an item of workItemType.
func (t *Template) Accepts(eventType, workItemType string) bool {
	if len(t.events) > 0 && !slices.Contains(t.events, eventType) {
		return false
	}
	if len(t.types) > 0 && !slices.Contains(t.types, workItemType) {
		return false
	}
	return true
}

func (t *Template) Run(ctx context.Context, rc *engine.RuleContext) (string, error) {
	self := rc.Self
	if !t.Accepts(rc.Event.EventType, self.WorkItemType()) {
		rc.Logger.Verbose("rule %s ignores %s on %s %s", t.name, rc.Event.EventType, self.WorkItemType(), self.ID())
		return "", nil
	}
	data := TemplateData{
		Rule:       t.name,
		ID:         self.ID().Value(),
		Rev:        self.Rev(),
		Type:       self.WorkItemType(),
		Title:      self.Title(),
		State:      self.State(),
		Project:    self.TeamProject(),
		AssignedTo: self.AssignedTo(),
		Fields:     self.Fields(),
		Event:      rc.Event,
	}
	for _, field := range t.fields {
		v, err := render(t.set[field], data)
		if err != nil {
			return "", err
		}
		if err := self.Set(field, v); err != nil {
			return "", err
		}
	}
	if t.transition != "" && self.State() != t.transition {
		comment, err := render(t.comment, data)
		if err != nil {
			return "", err
		}
		if err := rc.Store.TransitionToState(ctx, self, t.transition, false, comment); err != nil {
			return "", err
		}
	}
	if t.childType != "" {
		child, err := rc.Store.NewWorkItemFrom(self, t.childType)
		if err != nil {
			return "", err
		}
		title, err := render(t.childTitle, data)
		if err != nil {
			return "", err
		}
		if err := child.SetTitle(title); err != nil {
			return "", err
		}
		if err := self.Relations().AddChild(child, ""); err != nil {
			return "", err
		}
	}
	return render(t.message, data)
}

func render(tmpl *template.Template, data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

// Registry maps rule names to rules.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]engine.Rule
}

func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]engine.Rule)}
}

// FromConfig builds a registry holding one Template per configured rule.
func FromConfig(cfg map[string]config.RuleConfig) (*Registry, error) {
	r := NewRegistry()
	for name, rc := range cfg {
		t, err := NewTemplate(name, rc)
		if err != nil {
			return nil, err
		}
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(rule engine.Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[rule.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.Name())
	}
	r.rules[rule.Name()] = rule
	return nil
}

func (r *Registry) Get(name string) (engine.Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRule, name)
	}
	return rule, nil
}

// Names returns the registered rule names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.rules))
	for name := range r.rules {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
