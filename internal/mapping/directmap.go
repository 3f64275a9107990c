package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/skylark-labs/credgate/internal/log"
)

// roleMappingDocument is the direct-mapping wire format:
//
//	{"PrincipalRoleMappings":[{"username"|"groupname", "rolearn", ...}]}
type roleMappingDocument struct {
	PrincipalRoleMappings []roleMappingRecord `json:"PrincipalRoleMappings"`
}

type roleMappingRecord struct {
	Username     string   `json:"username"`
	Groupname    string   `json:"groupname"`
	RoleArn      string   `json:"rolearn"`
	Session      string   `json:"session"`
	Duration     int32    `json:"duration"`
	Policies     []string `json:"policies"`
	TextPolicy   string   `json:"textpolicy"`
	ExternalID   string   `json:"externalid"`
	SerialNumber string   `json:"serialnumber"`
	TokenCode    string   `json:"tokencode"`
}

// directSnapshot is one immutable parse of the mapping document.
type directSnapshot struct {
	users  map[string]RoleRequest
	groups map[string]RoleRequest
}

// directMapProvider maps a username, else the first matching group, straight
// to a stored RoleRequest.
type directMapProvider struct {
	groupSource GroupSource
	snapshot    atomic.Pointer[directSnapshot]
}

func newDirectMapProvider(deps ProviderDeps) (Provider, error) {
	p := &directMapProvider{groupSource: deps.Groups}
	p.snapshot.Store(&directSnapshot{
		users:  map[string]RoleRequest{},
		groups: map[string]RoleRequest{},
	})
	return p, nil
}

// Mapping implements Provider. A username mapping always wins over group
// mappings; group mappings are consulted in the resolver-supplied order and
// the first match is taken.
func (p *directMapProvider) Mapping(ctx context.Context, username string) (RoleRequest, bool) {
	snap := p.snapshot.Load()

	if req, ok := snap.users[username]; ok {
		return req, true
	}

	for _, group := range p.groupSource.Groups(ctx, username) {
		if req, ok := snap.groups[group]; ok {
			log.Debug("mapped via group membership", "username", username, "group", group)
			return req, true
		}
	}
	return RoleRequest{}, false
}

// Load implements Provider. Records missing both principal fields or the role
// ARN are dropped with a warning, never fatally.
func (p *directMapProvider) Load(doc []byte) error {
	var parsed roleMappingDocument
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return fmt.Errorf("parsing role mapping document: %w", err)
	}

	snap := &directSnapshot{
		users:  make(map[string]RoleRequest),
		groups: make(map[string]RoleRequest),
	}

	for _, rec := range parsed.PrincipalRoleMappings {
		principal := rec.Username
		if principal == "" {
			principal = rec.Groupname
		}
		if principal == "" {
			log.Warn("dropping mapping record with no username or groupname")
			continue
		}
		if rec.RoleArn == "" {
			log.Warn("dropping mapping record with no role ARN", "principal", principal)
			continue
		}

		session := rec.Session
		if session == "" {
			session = principal
		}
		req := RoleRequest{
			RoleArn:           rec.RoleArn,
			SessionName:       session,
			DurationSeconds:   rec.Duration,
			InlinePolicy:      rec.TextPolicy,
			ManagedPolicyArns: rec.Policies,
			ExternalID:        rec.ExternalID,
			SerialNumber:      rec.SerialNumber,
			TokenCode:         rec.TokenCode,
		}

		if rec.Username != "" {
			snap.users[principal] = req
		} else {
			snap.groups[principal] = req
		}
	}

	p.snapshot.Store(snap)
	log.Info("loaded direct role mappings", "users", len(snap.users), "groups", len(snap.groups))
	return nil
}
