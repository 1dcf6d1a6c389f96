package dialplan

import (
	"context"
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/soft_pbx/internal/log"
	"github.com/arzzra/soft_pbx/pkg/call_manager"
	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
)

// Действия правил диалплана
const (
	ActionBridge = "bridge"
	ActionAnswer = "answer"
	ActionReject = "reject"
)

// Rule одно правило диалплана. Match якорное регулярное выражение над
// user частью Request-URI; Target, Extension и значения Headers могут
// ссылаться на группы через $1.
type Rule struct {
	Name        string            `yaml:"name"`
	Match       string            `yaml:"match"`
	Action      string            `yaml:"action"`
	Target      string            `yaml:"target,omitempty"`
	Extension   string            `yaml:"extension,omitempty"`
	Application string            `yaml:"application,omitempty"`
	Code        int               `yaml:"code,omitempty"`
	Reason      string            `yaml:"reason,omitempty"`
	Timeout     time.Duration     `yaml:"timeout,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`
}

type staticFile struct {
	Rules []Rule `yaml:"rules"`
}

// Locator ищет регистрации абонентов; *Registrar его реализует
type Locator interface {
	Lookup(aor string) []Binding
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Static диалплан из упорядоченного списка правил, первое совпавшее
// правило определяет решение
type Static struct {
	rules   []compiledRule
	locator Locator
	log     *logrus.Entry
}

// StaticOption настройка Static
type StaticOption func(*Static)

// WithStaticLogger задает логгер
func WithStaticLogger(entry *logrus.Entry) StaticOption {
	return func(s *Static) { s.log = entry }
}

// NewStatic проверяет и компилирует правила. locator нужен только правилам
// с extension и может быть nil.
func NewStatic(rules []Rule, locator Locator, opts ...StaticOption) (*Static, error) {
	s := &Static{locator: locator, log: log.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	for i, r := range rules {
		cr, err := compileRule(r, locator != nil)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
		s.rules = append(s.rules, cr)
	}
	return s, nil
}

// LoadStatic читает правила из YAML файла
func LoadStatic(path string, locator Locator, opts ...StaticOption) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dialplan: %w", err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("parse dialplan %s: %w", path, err)
	}
	return NewStatic(rules, locator, opts...)
}

// ParseRules разбирает YAML документ с ключом rules
func ParseRules(data []byte) ([]Rule, error) {
	var f staticFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("no rules")
	}
	return f.Rules, nil
}

func compileRule(r Rule, haveLocator bool) (compiledRule, error) {
	if r.Match == "" {
		return compiledRule{}, fmt.Errorf("empty match")
	}
	re, err := regexp.Compile("^(?:" + r.Match + ")$")
	if err != nil {
		return compiledRule{}, fmt.Errorf("match: %w", err)
	}
	r.Action = strings.ToLower(r.Action)
	switch r.Action {
	case ActionBridge:
		switch {
		case r.Target == "" && r.Extension == "":
			return compiledRule{}, fmt.Errorf("bridge needs target or extension")
		case r.Target != "" && r.Extension != "":
			return compiledRule{}, fmt.Errorf("bridge takes either target or extension")
		case r.Extension != "" && !haveLocator:
			return compiledRule{}, fmt.Errorf("extension bridge needs registrar")
		}
		if r.Target != "" && !strings.Contains(r.Target, "$") {
			if _, err := types.ParseURI(r.Target); err != nil {
				return compiledRule{}, fmt.Errorf("target: %w", err)
			}
		}
		if r.Timeout < 0 {
			return compiledRule{}, fmt.Errorf("negative timeout")
		}
	case ActionAnswer:
		if r.Application == "" {
			return compiledRule{}, fmt.Errorf("answer needs application")
		}
	case ActionReject:
		if r.Code == 0 {
			r.Code = types.StatusDecline
		}
		if r.Code < 400 || r.Code > 699 {
			return compiledRule{}, fmt.Errorf("reject code %d out of range", r.Code)
		}
	default:
		return compiledRule{}, fmt.Errorf("unknown action %q", r.Action)
	}
	return compiledRule{Rule: r, re: re}, nil
}

// Route реализует call_manager.Router
func (s *Static) Route(_ context.Context, requestURI *types.URI, caller call_manager.CallerContext) (call_manager.RoutingDecision, error) {
	if requestURI == nil {
		return call_manager.RoutingDecision{}, call_manager.ErrRouteNotFound
	}
	user := requestURI.User
	for _, r := range s.rules {
		m := r.re.FindStringSubmatchIndex(user)
		if m == nil {
			continue
		}
		entry := s.log.WithFields(logrus.Fields{"rule": r.Name, "user": user, "call_id": caller.CallID})
		d, err := s.decide(r, user, m)
		if err != nil {
			entry.WithError(err).Debug("маршрут не построен")
			return call_manager.RoutingDecision{}, err
		}
		entry.WithField("action", d.Action).Debug("маршрут выбран")
		return d, nil
	}
	return call_manager.RoutingDecision{}, call_manager.ErrRouteNotFound
}

func (s *Static) decide(r compiledRule, user string, m []int) (call_manager.RoutingDecision, error) {
	expand := func(tmpl string) string {
		return string(r.re.ExpandString(nil, tmpl, user, m))
	}

	switch r.Action {
	case ActionAnswer:
		return call_manager.RoutingDecision{
			Action:      call_manager.ActionAnswer,
			Application: r.Application,
			Headers:     expandHeaders(r.Headers, expand),
		}, nil
	case ActionReject:
		return call_manager.RoutingDecision{
			Action: call_manager.ActionReject,
			Code:   r.Code,
			Reason: r.Reason,
		}, nil
	}

	d := call_manager.RoutingDecision{
		Action:  call_manager.ActionBridge,
		Timeout: r.Timeout,
		Headers: expandHeaders(r.Headers, expand),
	}
	if r.Target != "" {
		target, err := types.ParseURI(expand(r.Target))
		if err != nil {
			return call_manager.RoutingDecision{}, fmt.Errorf("%w: target: %v", call_manager.ErrRouteNotFound, err)
		}
		d.Target = target
		return d, nil
	}

	ext := expand(r.Extension)
	bindings := s.locator.Lookup(ext)
	if len(bindings) == 0 {
		return call_manager.RoutingDecision{}, fmt.Errorf("%w: %s not registered", call_manager.ErrRouteUnavailable, ext)
	}
	b := bindings[0]
	d.Target = b.Contact.Clone()
	d.NextHop = cloneAddr(b.Source)
	for k, v := range b.Headers {
		if d.Headers == nil {
			d.Headers = make(map[string]string)
		}
		if _, ok := d.Headers[k]; !ok {
			d.Headers[k] = v
		}
	}
	return d, nil
}

func expandHeaders(h map[string]string, expand func(string) string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = expand(v)
	}
	return out
}

func cloneAddr(a *net.UDPAddr) *net.UDPAddr {
	if a == nil {
		return nil
	}
	return &net.UDPAddr{IP: append(net.IP(nil), a.IP...), Port: a.Port, Zone: a.Zone}
}

// Rules копия правил в порядке проверки
func (s *Static) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Rule
	}
	return out
}
