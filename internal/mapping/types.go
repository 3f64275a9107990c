// Package mapping turns OS principals into fully-specified role assumption
// requests under a pluggable, hot-reloadable mapping policy.
package mapping

import (
	"strconv"
	"strings"
)

// RoleRequest describes one role assumption: the ARN, session naming, and the
// policy envelope. Immutable once built; used structurally as the credential
// cache key.
type RoleRequest struct {
	RoleArn           string
	SessionName       string
	DurationSeconds   int32
	InlinePolicy      string
	ManagedPolicyArns []string
	ExternalID        string
	SerialNumber      string
	TokenCode         string
}

// RoleName returns the role's display name, the final path segment of its ARN.
func (r RoleRequest) RoleName() string {
	idx := strings.LastIndex(r.RoleArn, "/")
	return r.RoleArn[idx+1:]
}

// CacheKey returns a structural identity for the request: two requests with
// equal fields share credentials, regardless of which snapshot produced them.
func (r RoleRequest) CacheKey() string {
	parts := []string{
		r.RoleArn,
		r.SessionName,
		strconv.FormatInt(int64(r.DurationSeconds), 10),
		r.InlinePolicy,
		strings.Join(r.ManagedPolicyArns, ","),
		r.ExternalID,
		r.SerialNumber,
		r.TokenCode,
	}
	return strings.Join(parts, "\x1f")
}
