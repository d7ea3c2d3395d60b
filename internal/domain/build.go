package domain

import (
	"fmt"

	"github.com/pyr33x/goqttd/internal/auth"
	"github.com/pyr33x/goqttd/internal/config"
	"github.com/pyr33x/goqttd/internal/logger"
	"github.com/pyr33x/goqttd/internal/storage"
)

// Build wires a Registry from a parsed configuration: one storage.Store and
// auth.Backend per domain, an ACL pipeline seeded from its acl_rules, and
// the resulting Context registered under its name. Inactive domains
// (active: false) are skipped.
func Build(cfg *config.Config, log *logger.Logger) (*Registry, error) {
	reg := NewRegistry()

	for _, dc := range cfg.Domains {
		if !dc.IsActive {
			continue
		}

		store, err := storage.NewStore(dc.StoragePath, cfg.Storage.BucketCount, log)
		if err != nil {
			return nil, fmt.Errorf("build domain %q: storage: %w", dc.Name, err)
		}

		if dc.Settings.RequireAuth && dc.AuthBackend == auth.AllowAllLabel {
			return nil, fmt.Errorf("build domain %q: require_auth=true but auth_backend is %q, which accepts any credentials", dc.Name, dc.AuthBackend)
		}

		backend, err := auth.New(dc.AuthBackend)
		if err != nil {
			return nil, fmt.Errorf("build domain %q: auth backend %q: %w", dc.Name, dc.AuthBackend, err)
		}
		if err := backend.Load(dc.Name, dc.UsersDBPath); err != nil {
			return nil, fmt.Errorf("build domain %q: load auth backend: %w", dc.Name, err)
		}

		ctx := NewContext(dc.Name, dc.Settings, store, backend)

		if len(dc.ACLRules) > 0 {
			rules := auth.NewRuleSet(dc.ACLRules)
			ctx.ACL.Publish = append(ctx.ACL.Publish, rules)
			ctx.ACL.Subscribe = append(ctx.ACL.Subscribe, rules)
		}

		reg.Add(ctx)
	}

	return reg, nil
}
