package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/skylark-labs/credgate/internal/log"
)

// defaultNoMatchPolicyArn denies everything; it is attached when a principal
// contributes no policies so the assumed session still carries a policy
// envelope instead of the role's full permissions.
const defaultNoMatchPolicyArn = "arn:aws:iam::aws:policy/AWSDenyAll"

// policyMappingDocument is the policy-union wire format:
//
//	{"NoMatchPolicyArn"?, "PrincipalPolicyMappings":[{"username"|"groupname", "policies":[...]}]}
//
// A present-but-empty NoMatchPolicyArn disables the deny-all fallback.
type policyMappingDocument struct {
	NoMatchPolicyArn        *string               `json:"NoMatchPolicyArn"`
	PrincipalPolicyMappings []policyMappingRecord `json:"PrincipalPolicyMappings"`
}

type policyMappingRecord struct {
	Username  string   `json:"username"`
	Groupname string   `json:"groupname"`
	Policies  []string `json:"policies"`
}

type policyUnionSnapshot struct {
	policies map[string][]string

	// noMatchPolicyArn is the fallback policy ARN; empty means the fallback
	// is disabled and unmatched principals get no mapping.
	noMatchPolicyArn string
}

// policyUnionProvider maps every principal to one fixed role, scoped by the
// union of the policies contributed by the username and each group.
type policyUnionProvider struct {
	groupSource GroupSource
	roleArn     string
	snapshot    atomic.Pointer[policyUnionSnapshot]
}

func newPolicyUnionProvider(deps ProviderDeps) (Provider, error) {
	if deps.RoleArn == "" {
		return nil, fmt.Errorf("policyunion provider requires a role ARN")
	}
	p := &policyUnionProvider{groupSource: deps.Groups, roleArn: deps.RoleArn}
	p.snapshot.Store(&policyUnionSnapshot{
		policies:         map[string][]string{},
		noMatchPolicyArn: defaultNoMatchPolicyArn,
	})
	return p, nil
}

// Mapping implements Provider. Username-contributed policies come first, then
// each group's in the group list order; duplicates keep their first
// occurrence.
func (p *policyUnionProvider) Mapping(ctx context.Context, username string) (RoleRequest, bool) {
	snap := p.snapshot.Load()

	principals := append([]string{username}, p.groupSource.Groups(ctx, username)...)

	var union []string
	seen := make(map[string]struct{})
	for _, principal := range principals {
		for _, arn := range snap.policies[principal] {
			if _, dup := seen[arn]; dup {
				continue
			}
			seen[arn] = struct{}{}
			union = append(union, arn)
		}
	}

	if len(union) == 0 {
		if snap.noMatchPolicyArn == "" {
			return RoleRequest{}, false
		}
		log.Debug("no policies matched, using fallback", "username", username)
		union = []string{snap.noMatchPolicyArn}
	}

	return RoleRequest{
		RoleArn:           p.roleArn,
		SessionName:       username,
		ManagedPolicyArns: union,
	}, true
}

// Load implements Provider.
func (p *policyUnionProvider) Load(doc []byte) error {
	var parsed policyMappingDocument
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return fmt.Errorf("parsing policy mapping document: %w", err)
	}

	snap := &policyUnionSnapshot{
		policies:         make(map[string][]string),
		noMatchPolicyArn: defaultNoMatchPolicyArn,
	}
	if parsed.NoMatchPolicyArn != nil {
		snap.noMatchPolicyArn = *parsed.NoMatchPolicyArn
	}

	for _, rec := range parsed.PrincipalPolicyMappings {
		principal := rec.Username
		if principal == "" {
			principal = rec.Groupname
		}
		if principal == "" {
			log.Warn("dropping policy record with no username or groupname")
			continue
		}
		if len(rec.Policies) == 0 {
			log.Warn("dropping policy record with no policies", "principal", principal)
			continue
		}
		snap.policies[principal] = rec.Policies
	}

	p.snapshot.Store(snap)
	log.Info("loaded policy mappings", "principals", len(snap.policies))
	return nil
}
