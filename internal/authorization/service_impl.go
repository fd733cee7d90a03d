package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/smallbiznis/fieldtrack/internal/config"
	"github.com/smallbiznis/fieldtrack/internal/observability/logger"
	"github.com/smallbiznis/fieldtrack/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectOwnLocation   = "own_location"
	ObjectFleetLocation = "fleet_location"
)

const (
	ActionView  = "view"
	ActionWrite = "write"
)

const (
	RoleTechnician = "technician"
	RoleDispatcher = "dispatcher"
	RoleSupervisor = "supervisor"
	RoleAdmin      = "admin"
)

type EnforcerParams struct {
	fx.In

	DB     *gorm.DB `optional:"true"`
	Config config.Config
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

// NewEnforcer loads the RBAC model and seeds the default role policies. With
// persistence enabled policies live in the casbin_rule table, so operators can
// grant more than the defaults.
func NewEnforcer(p EnforcerParams) (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}

	var enforcer *casbin.SyncedEnforcer
	if p.Config.Authorization.PersistPolicies && p.DB != nil {
		adapter, err := gormadapter.NewAdapterByDB(p.DB)
		if err != nil {
			return nil, err
		}
		enforcer, err = casbin.NewSyncedEnforcer(m, adapter)
		if err != nil {
			return nil, err
		}
		enforcer.EnableAutoSave(true)
		if err := enforcer.LoadPolicy(); err != nil {
			return nil, err
		}
	} else {
		enforcer, err = casbin.NewSyncedEnforcer(m)
		if err != nil {
			return nil, err
		}
	}
	enforcer.EnableAutoBuildRoleLinks(true)

	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, role string, object string, action string) error {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	allowed, err := s.enforcer.Enforce(subject(role), object, action)
	if err != nil {
		return err
	}
	if !allowed {
		logger.WithContext(ctx, s.log).Debug("authorization denied",
			zap.String("role", role),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

func subject(role string) string {
	return fmt.Sprintf("role:%s", role)
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{subject(RoleAdmin), "*", "*"},

		{subject(RoleTechnician), ObjectOwnLocation, ActionWrite},
		{subject(RoleTechnician), ObjectOwnLocation, ActionView},

		{subject(RoleDispatcher), ObjectFleetLocation, ActionView},
		{subject(RoleSupervisor), ObjectFleetLocation, ActionView},
	}
	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil && !db.IsDuplicateKeyErr(err) {
			return err
		}
	}

	// dispatchers and supervisors also report their own position; another
	// instance may have seeded the same rows concurrently
	groupings := [][]string{
		{subject(RoleDispatcher), subject(RoleTechnician)},
		{subject(RoleSupervisor), subject(RoleTechnician)},
	}
	for _, rule := range groupings {
		if _, err := enforcer.AddGroupingPolicy(rule); err != nil && !db.IsDuplicateKeyErr(err) {
			return err
		}
	}
	return nil
}
