package auth

import "testing"

func TestPolicy_Allowed(t *testing.T) {
	p, err := NewPolicy()
	if err != nil {
		t.Fatalf("NewPolicy() error: %v", err)
	}

	tests := []struct {
		role Role
		obj  Resource
		act  Action
		want bool
	}{
		{RolePatient, ResourceAccessRequest, ActionAccept, true},
		{RolePatient, ResourceAccessRequest, ActionDeny, true},
		{RolePatient, ResourceAccessRequest, ActionRevoke, true},
		{RolePatient, ResourceAccessRequest, ActionExpire, false},
		{RolePatient, ResourceAccessRequest, ActionCreate, false},
		{RoleProfessional, ResourceAccessRequest, ActionCreate, true},
		{RoleProfessional, ResourceAccessRequest, ActionAccept, false},
		{RoleProfessional, ResourceAccessRequest, ActionExpire, false},
		{RoleAdmin, ResourceAccessRequest, ActionExpire, true},
		{RoleAdmin, ResourceAccessRequest, ActionAccept, false},
		{RoleAdmin, ResourceNotification, ActionRetry, true},
		{RoleSystem, ResourceAccessRequest, ActionExpire, true},
		{RoleSystem, ResourceAccessRequest, ActionAccept, false},
		{RoleUnknown, ResourceAccessRequest, ActionRead, false},
	}
	for _, tt := range tests {
		if got := p.Allowed(tt.role, tt.obj, tt.act); got != tt.want {
			t.Errorf("Allowed(%s, %s, %s) = %v, want %v", tt.role, tt.obj, tt.act, got, tt.want)
		}
	}
}
