package auth

import "context"

// AllowAllLabel is the registry label of the no-auth backend. It is
// exported so internal/domain.Build can refuse the require_auth=true +
// allow-all combination rather than silently admitting unauthenticated
// connections to a domain that claims to require them.
const AllowAllLabel = "allow-all"

func init() {
	Register(AllowAllLabel, func() Backend { return &allowAllBackend{} })
}

// allowAllBackend accepts any credentials; it backs domains with
// require_auth=false, and is the applyDefaults fallback in internal/config
// for a domain with no auth_backend configured. internal/domain.Build
// refuses to pair this backend with require_auth=true.
type allowAllBackend struct{}

func (allowAllBackend) Load(domainName, path string) error { return nil }
func (allowAllBackend) UserExists(clientID, username string) bool { return true }
func (allowAllBackend) Auth(ctx context.Context, clientID, username, password string) error {
	return nil
}
func (allowAllBackend) Unload() error { return nil }
