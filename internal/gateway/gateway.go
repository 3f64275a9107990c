// Package gateway serves the metadata surface: it identifies each caller,
// maps the caller to a role, vends cached credentials for credential paths,
// and passes everything else through to the real metadata service.
package gateway

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/skylark-labs/credgate/internal/audit"
	"github.com/skylark-labs/credgate/internal/credentials"
	"github.com/skylark-labs/credgate/internal/log"
	"github.com/skylark-labs/credgate/internal/mapping"
	"github.com/skylark-labs/credgate/internal/pathguard"
	"github.com/skylark-labs/credgate/internal/principal"
)

// certHeader carries the caller's base64 DER certificate on the cert-based
// vend route, set by the TLS-terminating front end.
const certHeader = "ssl_client_cert"

// Credential routes. The version segment is either a dated version or
// "latest"; route shape is matched only after path canonicalization.
var (
	listRoute          = regexp.MustCompile(`^/[^/]+/meta-data/iam/security-credentials/?$`)
	certRoute          = regexp.MustCompile(`^/[^/]+/meta-data/iam/security-credentials/ps/?$`)
	impersonationRoute = regexp.MustCompile(`^/[^/]+/meta-data/iam/security-credentials/impersonation/([^/]+)$`)
	vendRoute          = regexp.MustCompile(`^/[^/]+/meta-data/iam/security-credentials/([^/]+)$`)
)

// IdentitySource resolves callers from their socket tuple.
// *principal.Resolver implements it.
type IdentitySource interface {
	Identify(ctx context.Context, localAddr string, localPort int, remoteAddr string, remotePort int, proxyPort int, purpose principal.Purpose) (uint32, bool)
	Resolve(ctx context.Context, uid uint32) principal.Principal
}

// Mapper returns the current role mapping for a username.
// *mapping.Store implements it.
type Mapper interface {
	Mapping(ctx context.Context, username string) (mapping.RoleRequest, bool)
}

// Credentialer vends live credentials for a role request.
// *credentials.Cache implements it.
type Credentialer interface {
	CredentialsFor(ctx context.Context, req mapping.RoleRequest) (*credentials.Credential, error)
}

// Upstream is the real metadata service, consulted for passthrough paths.
// *imds.Client implements it.
type Upstream interface {
	Data(ctx context.Context, path string) (string, error)
	Items(ctx context.Context, path string) ([]string, error)
}

// Auditor records vend decisions. *audit.Log implements it.
type Auditor interface {
	Record(ev audit.Event) (*audit.Entry, error)
}

// Options wires a Gateway's collaborators.
type Options struct {
	Guard       *pathguard.Guard
	Identity    IdentitySource
	Mapper      Mapper
	Credentials Credentialer
	Upstream    Upstream

	// ProxyPort is the port the gateway itself listens on, needed to verify
	// direct-connection callers against the kernel connection table.
	ProxyPort int

	// Impersonators are the usernames allowed to vend credentials for other
	// users via the impersonation route.
	Impersonators []string

	// Auditor is optional; decisions are not recorded when nil.
	Auditor Auditor
}

// Gateway is the http.Handler for the whole metadata surface.
type Gateway struct {
	guard         *pathguard.Guard
	identity      IdentitySource
	mapper        Mapper
	creds         Credentialer
	upstream      Upstream
	proxyPort     int
	impersonators map[string]struct{}
	auditor       Auditor
}

// New builds a Gateway from its collaborators.
func New(opts Options) *Gateway {
	g := &Gateway{
		guard:         opts.Guard,
		identity:      opts.Identity,
		mapper:        opts.Mapper,
		creds:         opts.Credentials,
		upstream:      opts.Upstream,
		proxyPort:     opts.ProxyPort,
		impersonators: make(map[string]struct{}, len(opts.Impersonators)),
		auditor:       opts.Auditor,
	}
	if g.guard == nil {
		g.guard = pathguard.New()
	}
	for _, name := range opts.Impersonators {
		g.impersonators[name] = struct{}{}
	}
	return g
}

// ServeHTTP canonicalizes the path, then dispatches by its shape. Credential
// routes answer authorization absence with an empty success body, so a probing
// caller cannot distinguish "no mapping" from "not configured".
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	canonical, err := g.guard.Authorize(r.URL.EscapedPath())
	if err != nil {
		log.Warn("rejected request path", "path", r.URL.EscapedPath(), "remote", r.RemoteAddr)
		g.record("guard", "", "", audit.OutcomeDenied)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	switch {
	case certRoute.MatchString(canonical):
		g.serveCertVend(w, r)
	case impersonationRoute.MatchString(canonical):
		g.serveImpersonation(w, r, impersonationRoute.FindStringSubmatch(canonical)[1])
	case listRoute.MatchString(canonical):
		g.serveList(w, r)
	case vendRoute.MatchString(canonical):
		g.serveVend(w, r, vendRoute.FindStringSubmatch(canonical)[1])
	default:
		g.servePassthrough(w, r, canonical)
	}
}

// serveList answers the role-listing route with the caller's mapped role name,
// or an empty body when there is nothing to show.
func (g *Gateway) serveList(w http.ResponseWriter, r *http.Request) {
	req, ok := g.mappingForCaller(r, principal.PurposeIntercepted)
	if !ok {
		g.record("list", "", "", audit.OutcomeEmpty)
		writeEmpty(w)
		return
	}
	g.record("list", req.SessionName, req.RoleName(), audit.OutcomeVended)
	writeText(w, req.RoleName())
}

// serveVend answers the named-role credential route. The requested name must
// exactly match the mapped role's display name; a mismatch is shaped like an
// absent mapping.
func (g *Gateway) serveVend(w http.ResponseWriter, r *http.Request, roleName string) {
	req, ok := g.mappingForCaller(r, principal.PurposeIntercepted)
	if !ok || req.RoleName() != roleName {
		g.record("vend", "", roleName, audit.OutcomeEmpty)
		writeEmpty(w)
		return
	}
	g.vendCredentials(w, r, "vend", req)
}

// serveCertVend vends credentials for the identity named by the client
// certificate's organizational unit instead of socket identification.
func (g *Gateway) serveCertVend(w http.ResponseWriter, r *http.Request) {
	username, err := certificateOU(r.Header.Get(certHeader))
	if err != nil {
		log.Debug("unusable client certificate", "error", err)
		g.record("cert", "", "", audit.OutcomeEmpty)
		writeEmpty(w)
		return
	}

	req, ok := g.mapper.Mapping(r.Context(), username)
	if !ok {
		g.record("cert", username, "", audit.OutcomeEmpty)
		writeEmpty(w)
		return
	}
	g.vendCredentials(w, r, "cert", req)
}

// serveImpersonation vends credentials for the target user, provided the real
// caller, identified under the direct-connection policy, is allow-listed.
// Every refusal is shaped like an absent mapping.
func (g *Gateway) serveImpersonation(w http.ResponseWriter, r *http.Request, target string) {
	caller, ok := g.identifyCaller(r, principal.PurposeDirect)
	if !ok || caller.Username == "" {
		g.record("impersonation", "", target, audit.OutcomeEmpty)
		writeEmpty(w)
		return
	}
	if _, allowed := g.impersonators[caller.Username]; !allowed {
		log.Warn("impersonation refused", "caller", caller.Username, "target", target)
		g.record("impersonation", caller.Username, target, audit.OutcomeEmpty)
		writeEmpty(w)
		return
	}

	req, ok := g.mapper.Mapping(r.Context(), target)
	if !ok {
		g.record("impersonation", caller.Username, target, audit.OutcomeEmpty)
		writeEmpty(w)
		return
	}
	log.Info("impersonated vend", "caller", caller.Username, "target", target, "role", req.RoleName())
	g.vendCredentials(w, r, "impersonation", req)
}

// servePassthrough relays non-credential paths to the real metadata service.
// A trailing separator selects listing semantics.
func (g *Gateway) servePassthrough(w http.ResponseWriter, r *http.Request, canonical string) {
	if strings.HasSuffix(canonical, "/") {
		items, err := g.upstream.Items(r.Context(), canonical)
		if err != nil {
			log.Error("metadata passthrough failed", "path", canonical, "error", err)
			http.Error(w, "metadata service unavailable", http.StatusInternalServerError)
			return
		}
		writeText(w, strings.Join(items, "\n"))
		return
	}

	body, err := g.upstream.Data(r.Context(), canonical)
	if err != nil {
		log.Error("metadata passthrough failed", "path", canonical, "error", err)
		http.Error(w, "metadata service unavailable", http.StatusInternalServerError)
		return
	}
	writeText(w, body)
}

// vendCredentials fetches via the cache and serializes the response body. A
// transient backend failure is shaped like an absent mapping; an authoritative
// backend rejection is a real error the operator needs to see.
func (g *Gateway) vendCredentials(w http.ResponseWriter, r *http.Request, route string, req mapping.RoleRequest) {
	cred, err := g.creds.CredentialsFor(r.Context(), req)
	if err != nil {
		log.Error("credential vend failed", "role", req.RoleName(), "error", err)
		g.record(route, req.SessionName, req.RoleName(), audit.OutcomeError)
		http.Error(w, "failed to obtain credentials", http.StatusInternalServerError)
		return
	}
	if cred == nil {
		g.record(route, req.SessionName, req.RoleName(), audit.OutcomeEmpty)
		writeEmpty(w)
		return
	}

	body, err := cred.MarshalIMDS()
	if err != nil {
		log.Error("serializing credentials", "role", req.RoleName(), "error", err)
		g.record(route, req.SessionName, req.RoleName(), audit.OutcomeError)
		http.Error(w, "failed to obtain credentials", http.StatusInternalServerError)
		return
	}

	g.record(route, req.SessionName, req.RoleName(), audit.OutcomeVended)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// mappingForCaller identifies the caller from its socket tuple and returns the
// caller's current role mapping.
func (g *Gateway) mappingForCaller(r *http.Request, purpose principal.Purpose) (mapping.RoleRequest, bool) {
	caller, ok := g.identifyCaller(r, purpose)
	if !ok || caller.Username == "" {
		return mapping.RoleRequest{}, false
	}
	return g.mapper.Mapping(r.Context(), caller.Username)
}

// identifyCaller resolves the request's socket tuple to a principal under the
// given purpose policy. Any tuple it cannot parse means an unidentified
// caller, never an error.
func (g *Gateway) identifyCaller(r *http.Request, purpose principal.Purpose) (principal.Principal, bool) {
	remoteAddr, remotePort, ok := splitAddr(r.RemoteAddr)
	if !ok {
		return principal.Principal{}, false
	}
	localAddr, localPort := localEndpoint(r)

	uid, ok := g.identity.Identify(r.Context(), localAddr, localPort, remoteAddr, remotePort, g.proxyPort, purpose)
	if !ok {
		return principal.Principal{}, false
	}
	return g.identity.Resolve(r.Context(), uid), true
}

// localEndpoint reads our side of the accepted socket from the request
// context, where net/http stores it.
func localEndpoint(r *http.Request) (string, int) {
	addr, _ := r.Context().Value(http.LocalAddrContextKey).(net.Addr)
	if addr == nil {
		return "", 0
	}
	host, port, ok := splitAddr(addr.String())
	if !ok {
		return "", 0
	}
	return host, port
}

func splitAddr(hostport string) (string, int, bool) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, false
	}
	return host, port, true
}

// record writes one vend decision to the audit log. Audit failures never fail
// the request they describe.
func (g *Gateway) record(route, principalName, role string, outcome audit.Outcome) {
	if g.auditor == nil {
		return
	}
	if _, err := g.auditor.Record(audit.Event{
		Route:     route,
		Principal: principalName,
		Role:      role,
		Outcome:   outcome,
	}); err != nil {
		log.Error("recording audit entry", "route", route, "error", err)
	}
}

func writeEmpty(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(body))
}
