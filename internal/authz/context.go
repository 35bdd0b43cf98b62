// Package authz implements the authorization decision pipeline described in
// spec §4.2: tenant boundary, kill-switch/maintenance gate, RBAC role gate,
// document ACL, and ABAC policy evaluation, in that strict order.
package authz

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// RequestContext is the variable namespace a condition's var references
// resolve against: principal.{role,tenant_id,subject_id}, resource.labels.*,
// action, request.{time,ip}.
type RequestContext struct {
	PrincipalRole      string
	PrincipalTenantID  string
	PrincipalSubjectID string

	ResourceLabels []byte // raw jsonb, queried with gjson paths

	Action string

	RequestTime time.Time
	RequestIP   string
}

// undefined is the sentinel produced by resolving a var path this context
// has no value for. It never equals anything, including itself, so eq/ne/gt
// /lt/in/time_between are all total: every path through evaluation resolves
// to a concrete bool rather than panicking or erroring on missing data.
type undefinedType struct{}

var undefined = undefinedType{}

// resolveVar resolves a dotted var path against rc. Unknown paths, and
// resource.labels lookups that miss, both resolve to undefined rather than
// an error — "pure and total" evaluation per spec §4.2.
func resolveVar(path string, rc *RequestContext) any {
	switch {
	case path == "principal.role":
		return rc.PrincipalRole
	case path == "principal.tenant_id":
		return rc.PrincipalTenantID
	case path == "principal.subject_id":
		return rc.PrincipalSubjectID
	case path == "action":
		return rc.Action
	case path == "request.time":
		return rc.RequestTime
	case path == "request.ip":
		return rc.RequestIP
	case strings.HasPrefix(path, "resource.labels."):
		if len(rc.ResourceLabels) == 0 {
			return undefined
		}
		key := strings.TrimPrefix(path, "resource.labels.")
		result := gjson.GetBytes(rc.ResourceLabels, key)
		if !result.Exists() {
			return undefined
		}
		return result.Value()
	default:
		return undefined
	}
}
