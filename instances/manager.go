package instances

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/store"
)

var invalidNameChars = regexp.MustCompile(`[^a-z0-9]+`)

// InstanceName derives an instance name from a username: lower-cased with
// every character outside [a-z0-9] removed.
func InstanceName(username string) (string, error) {
	name := invalidNameChars.ReplaceAllString(strings.ToLower(username), "")
	if name == "" {
		return "", contracts.Validation("Instance name cannot be empty")
	}
	return name, nil
}

// Manager resolves instance targets and forwards operations to the driver.
type Manager struct {
	store  store.DocumentStore
	driver Driver
	logger *slog.Logger
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Manager.
func NewManager(st store.DocumentStore, driver Driver, options ...ManagerOption) *Manager {
	m := &Manager{store: st, driver: driver, logger: slog.Default()}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Resolve returns the target for userID, defaulting to the caller. Acting on
// another user requires update rights on that user.
func (m *Manager) Resolve(ctx context.Context, caller *contracts.Identity, userID string) (Target, error) {
	if userID == "" || userID == caller.ID {
		name, err := InstanceName(caller.Username)
		return Target{UserID: caller.ID, Name: name}, err
	}
	user, err := m.store.GetByID(ctx, caller, store.CollectionUsers, userID)
	if err != nil && !errors.Is(err, contracts.ErrNotFound) {
		return Target{}, contracts.Upstream("load user", err)
	}
	if err != nil || !(caller.IsAdmin() || contracts.ResourceOf(user).Grants(caller.IDs(), contracts.RightUpdate)) {
		return Target{}, contracts.AccessDenied("Unknown userid %s or permission denied", userID)
	}
	name, err := InstanceName(user.String("username"))
	return Target{UserID: userID, Name: name}, err
}

func (m *Manager) driverError(op string, target Target, err error) error {
	if err == nil {
		return nil
	}
	m.logger.Error("instance operation failed", "op", op, "instance", target.Name, "error", err)
	return contracts.Upstream(op, err)
}

// Ensure creates or starts the instance of userID.
func (m *Manager) Ensure(ctx context.Context, caller *contracts.Identity, userID string) error {
	target, err := m.Resolve(ctx, caller, userID)
	if err != nil {
		return err
	}
	m.logger.Info("ensuring instance", "instance", target.Name, "user", target.UserID, "caller", caller.ID)
	return m.driverError("ensure instance", target, m.driver.EnsureInstance(ctx, caller, target, false))
}

// EnsureTarget ensures an already resolved target.
func (m *Manager) EnsureTarget(ctx context.Context, caller *contracts.Identity, target Target, skipCreate bool) error {
	return m.driverError("ensure instance", target, m.driver.EnsureInstance(ctx, caller, target, skipCreate))
}

// Delete removes the instance of userID.
func (m *Manager) Delete(ctx context.Context, caller *contracts.Identity, userID string) error {
	target, err := m.Resolve(ctx, caller, userID)
	if err != nil {
		return err
	}
	m.logger.Info("deleting instance", "instance", target.Name, "caller", caller.ID)
	return m.driverError("delete instance", target, m.driver.DeleteInstance(ctx, caller, target))
}

// Restart restarts the instance of userID.
func (m *Manager) Restart(ctx context.Context, caller *contracts.Identity, userID string) error {
	target, err := m.Resolve(ctx, caller, userID)
	if err != nil {
		return err
	}
	return m.driverError("restart instance", target, m.driver.RestartInstance(ctx, caller, target))
}

// DeletePod deletes one pod of the instance of userID.
func (m *Manager) DeletePod(ctx context.Context, caller *contracts.Identity, userID, pod string) error {
	target, err := m.Resolve(ctx, caller, userID)
	if err != nil {
		return err
	}
	if pod == "" {
		return contracts.Mandatory("instancename")
	}
	return m.driverError("delete pod", target, m.driver.DeletePod(ctx, caller, target, pod))
}

// Get describes the instance of userID.
func (m *Manager) Get(ctx context.Context, caller *contracts.Identity, userID string) ([]map[string]any, error) {
	target, err := m.Resolve(ctx, caller, userID)
	if err != nil {
		return nil, err
	}
	results, err := m.driver.GetInstance(ctx, caller, target)
	return results, m.driverError("get instance", target, err)
}

// Log returns the log of a pod of the instance of userID.
func (m *Manager) Log(ctx context.Context, caller *contracts.Identity, userID, pod string) (string, error) {
	target, err := m.Resolve(ctx, caller, userID)
	if err != nil {
		return "", err
	}
	log, err := m.driver.GetInstanceLog(ctx, caller, target, pod)
	return log, m.driverError("get instance log", target, err)
}

// NodeLabels lists the labels of the orchestrator nodes.
func (m *Manager) NodeLabels(ctx context.Context) (map[string]any, error) {
	labels, err := m.driver.NodeLabels(ctx)
	return labels, m.driverError("get node labels", Target{}, err)
}
