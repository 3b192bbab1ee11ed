package server

import (
	"testing"
)

func TestListDecoder(t *testing.T) {
	const list = `
# comment lines and blank lines are skipped
molly   mdonly  tok-1
rita    read    tok-2

walt    write   tok-3
root    admin   tok-4
short   read
stale   read    tok-5
fresh   write   tok-5
`
	decoder, err := NewListDecoderString(list)
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}

	var table = []struct {
		token string
		user  string
		role  Role
	}{
		{"tok-1", "molly", RoleMDOnly},
		{"tok-2", "rita", RoleRead},
		{"tok-3", "walt", RoleWrite},
		{"tok-4", "root", RoleAdmin},
		{"tok-5", "fresh", RoleWrite}, // the last entry for a token wins
		{"nonexistent", "", RoleUnknown},
		{"", "", RoleUnknown},
	}
	for _, row := range table {
		user, role, err := decoder.TokenDecode(row.token)
		if err != nil {
			t.Fatalf("Received %s", err.Error())
		}
		if user != row.user || role != row.role {
			t.Errorf("For %v received %v/%v, expected %v/%v",
				row.token, user, role, row.user, row.role)
		}
	}
}

func TestAtoRole(t *testing.T) {
	var table = []struct {
		input  string
		output Role
	}{
		{"MDOnly", RoleMDOnly},
		{"mdonly", RoleMDOnly},
		{"read", RoleRead},
		{"Read", RoleRead},
		{"Write", RoleWrite},
		{"write", RoleWrite},
		{"admin", RoleAdmin},
		{"Admin", RoleAdmin},
		{"other", RoleUnknown},
	}

	for _, row := range table {
		result := atoRole(row.input)
		if result != row.output {
			t.Errorf("For %v received %v, expected %v", row.input, result, row.output)
		}
	}
}
