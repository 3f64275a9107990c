package mapping

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const unionRoleArn = "arn:aws:iam::123:role/SharedRole"

func newUnionForTest(t *testing.T, groups staticGroups, doc string) Provider {
	t.Helper()
	p, err := NewProvider("policyunion", ProviderDeps{Groups: groups, RoleArn: unionRoleArn})
	require.NoError(t, err)
	require.NoError(t, p.Load([]byte(doc)))
	return p
}

func TestPolicyUnionRequiresRoleArn(t *testing.T) {
	_, err := NewProvider("policyunion", ProviderDeps{Groups: staticGroups{}})
	assert.Error(t, err)
}

// User-contributed policies come first, then each group's in group order,
// duplicates removed keeping the first occurrence.
func TestPolicyUnionOrderingAndDedup(t *testing.T) {
	p := newUnionForTest(t, staticGroups{"u1": {"g1", "g2"}}, `{
		"PrincipalPolicyMappings": [
			{"username": "u1", "policies": ["pu"]},
			{"groupname": "g1", "policies": ["pa", "pb"]},
			{"groupname": "g2", "policies": ["pb", "pc", "pu"]}
		]
	}`)

	req, ok := p.Mapping(context.Background(), "u1")
	require.True(t, ok)
	assert.Equal(t, unionRoleArn, req.RoleArn)
	assert.Equal(t, "u1", req.SessionName)
	assert.Equal(t, []string{"pu", "pa", "pb", "pc"}, req.ManagedPolicyArns)
}

func TestPolicyUnionGroupsOnly(t *testing.T) {
	p := newUnionForTest(t, staticGroups{"u1": {"g1"}}, `{
		"PrincipalPolicyMappings": [
			{"groupname": "g1", "policies": ["pa"]}
		]
	}`)

	req, ok := p.Mapping(context.Background(), "u1")
	require.True(t, ok)
	assert.Equal(t, []string{"pa"}, req.ManagedPolicyArns)
}

// An empty union substitutes the default deny-all policy.
func TestPolicyUnionDefaultDenyAll(t *testing.T) {
	p := newUnionForTest(t, staticGroups{}, `{"PrincipalPolicyMappings": []}`)

	req, ok := p.Mapping(context.Background(), "stranger")
	require.True(t, ok)
	assert.Equal(t, []string{defaultNoMatchPolicyArn}, req.ManagedPolicyArns)
}

func TestPolicyUnionCustomNoMatchPolicy(t *testing.T) {
	p := newUnionForTest(t, staticGroups{}, `{
		"NoMatchPolicyArn": "arn:aws:iam::123:policy/Quarantine",
		"PrincipalPolicyMappings": []
	}`)

	req, ok := p.Mapping(context.Background(), "stranger")
	require.True(t, ok)
	assert.Equal(t, []string{"arn:aws:iam::123:policy/Quarantine"}, req.ManagedPolicyArns)
}

// An explicitly empty NoMatchPolicyArn disables the fallback entirely.
func TestPolicyUnionDisabledFallback(t *testing.T) {
	p := newUnionForTest(t, staticGroups{}, `{
		"NoMatchPolicyArn": "",
		"PrincipalPolicyMappings": []
	}`)

	_, ok := p.Mapping(context.Background(), "stranger")
	assert.False(t, ok)
}

func TestPolicyUnionDropsInvalidRecords(t *testing.T) {
	p := newUnionForTest(t, staticGroups{}, `{
		"PrincipalPolicyMappings": [
			{"policies": ["orphan"]},
			{"username": "empty-policies", "policies": []},
			{"username": "u1", "policies": ["pa"]}
		]
	}`)

	req, ok := p.Mapping(context.Background(), "u1")
	require.True(t, ok)
	assert.Equal(t, []string{"pa"}, req.ManagedPolicyArns)

	// The dropped record falls back to deny-all rather than its own policies.
	req, ok = p.Mapping(context.Background(), "empty-policies")
	require.True(t, ok)
	assert.Equal(t, []string{defaultNoMatchPolicyArn}, req.ManagedPolicyArns)
}
