package auth

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

// Action names an operation guarded by the policy.
type Action string

const (
	ActionCreate Action = "create"
	ActionAccept Action = "accept"
	ActionDeny   Action = "deny"
	ActionRevoke Action = "revoke"
	ActionExpire Action = "expire"
	ActionRead   Action = "read"
	ActionSweep  Action = "sweep"
	ActionRetry  Action = "retry"
)

// Resource names the object an action applies to.
type Resource string

const (
	ResourceAccessRequest Resource = "demande_acces"
	ResourceNotification  Resource = "notification"
)

const policyModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && r.obj == p.obj && r.act == p.act
`

// defaultRules is who may do what. Ownership of the record is checked by
// the services; the policy only decides by role.
var defaultRules = [][3]string{
	{"professionnel", "demande_acces", "create"},
	{"professionnel", "demande_acces", "read"},
	{"patient", "demande_acces", "read"},
	{"patient", "demande_acces", "accept"},
	{"patient", "demande_acces", "deny"},
	{"patient", "demande_acces", "revoke"},
	{"patient", "notification", "read"},
	{"admin", "demande_acces", "create"},
	{"admin", "demande_acces", "read"},
	{"admin", "demande_acces", "expire"},
	{"admin", "demande_acces", "sweep"},
	{"admin", "notification", "read"},
	{"admin", "notification", "retry"},
	{"systeme", "demande_acces", "expire"},
	{"systeme", "demande_acces", "sweep"},
}

// Policy answers role-based permission questions through casbin.
type Policy struct {
	enforcer *casbin.Enforcer
}

// NewPolicy loads the built-in rules.
func NewPolicy() (*Policy, error) {
	m, err := model.NewModelFromString(policyModel)
	if err != nil {
		return nil, fmt.Errorf("parse policy model: %w", err)
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("create enforcer: %w", err)
	}
	for _, r := range defaultRules {
		if _, err := e.AddPolicy(r[0], r[1], r[2]); err != nil {
			return nil, fmt.Errorf("add policy %v: %w", r, err)
		}
	}
	return &Policy{enforcer: e}, nil
}

// MustNewPolicy panics if the built-in rules fail to load.
func MustNewPolicy() *Policy {
	p, err := NewPolicy()
	if err != nil {
		panic(err)
	}
	return p
}

// Allowed reports whether role may perform act on obj.
func (p *Policy) Allowed(role Role, obj Resource, act Action) bool {
	ok, err := p.enforcer.Enforce(role.String(), string(obj), string(act))
	return err == nil && ok
}
