// Package instances manages the per-user worker instances hosted by an
// external orchestrator.
package instances

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/internal/upstream"
)

// Target identifies the instance of one user.
type Target struct {
	UserID string
	Name   string
}

// Driver is the orchestrator collaborator.
type Driver interface {
	EnsureInstance(ctx context.Context, caller *contracts.Identity, target Target, skipCreate bool) error
	DeleteInstance(ctx context.Context, caller *contracts.Identity, target Target) error
	RestartInstance(ctx context.Context, caller *contracts.Identity, target Target) error
	DeletePod(ctx context.Context, caller *contracts.Identity, target Target, pod string) error
	GetInstance(ctx context.Context, caller *contracts.Identity, target Target) ([]map[string]any, error)
	GetInstanceLog(ctx context.Context, caller *contracts.Identity, target Target, pod string) (string, error)
	NodeLabels(ctx context.Context) (map[string]any, error)
}

// RESTDriver calls an orchestrator over JSON/HTTP.
type RESTDriver struct {
	client *upstream.Client
}

// NewRESTDriver creates a driver on top of an upstream client.
func NewRESTDriver(client *upstream.Client) *RESTDriver {
	return &RESTDriver{client: client}
}

type ensureBody struct {
	UserID      string `json:"userid"`
	RequestedBy string `json:"requestedby"`
	SkipCreate  bool   `json:"skipcreate"`
}

func instancePath(name string, rest ...string) string {
	p := "instances/" + url.PathEscape(name)
	for _, r := range rest {
		p += "/" + url.PathEscape(r)
	}
	return p
}

// EnsureInstance implements Driver.
func (d *RESTDriver) EnsureInstance(ctx context.Context, caller *contracts.Identity, target Target, skipCreate bool) error {
	body := ensureBody{UserID: target.UserID, RequestedBy: caller.ID, SkipCreate: skipCreate}
	if err := d.client.JSON(ctx, http.MethodPut, instancePath(target.Name), body, nil); err != nil {
		return fmt.Errorf("failed to ensure instance %s: %w", target.Name, err)
	}
	return nil
}

// DeleteInstance implements Driver.
func (d *RESTDriver) DeleteInstance(ctx context.Context, caller *contracts.Identity, target Target) error {
	if err := d.client.JSON(ctx, http.MethodDelete, instancePath(target.Name), nil, nil); err != nil {
		return fmt.Errorf("failed to delete instance %s: %w", target.Name, err)
	}
	return nil
}

// RestartInstance implements Driver.
func (d *RESTDriver) RestartInstance(ctx context.Context, caller *contracts.Identity, target Target) error {
	if err := d.client.JSON(ctx, http.MethodPost, instancePath(target.Name, "restart"), nil, nil); err != nil {
		return fmt.Errorf("failed to restart instance %s: %w", target.Name, err)
	}
	return nil
}

// DeletePod implements Driver.
func (d *RESTDriver) DeletePod(ctx context.Context, caller *contracts.Identity, target Target, pod string) error {
	if err := d.client.JSON(ctx, http.MethodDelete, instancePath(target.Name, "pods", pod), nil, nil); err != nil {
		return fmt.Errorf("failed to delete pod %s: %w", pod, err)
	}
	return nil
}

// GetInstance implements Driver.
func (d *RESTDriver) GetInstance(ctx context.Context, caller *contracts.Identity, target Target) ([]map[string]any, error) {
	var out struct {
		Results []map[string]any `json:"results"`
	}
	if err := d.client.JSON(ctx, http.MethodGet, instancePath(target.Name), nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get instance %s: %w", target.Name, err)
	}
	return out.Results, nil
}

// GetInstanceLog implements Driver. Without pod the log of the first pod is
// returned.
func (d *RESTDriver) GetInstanceLog(ctx context.Context, caller *contracts.Identity, target Target, pod string) (string, error) {
	path := instancePath(target.Name, "log")
	if pod != "" {
		path = instancePath(target.Name, "pods", pod, "log")
	}
	var out struct {
		Log string `json:"log"`
	}
	if err := d.client.JSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", fmt.Errorf("failed to get instance log %s: %w", target.Name, err)
	}
	return out.Log, nil
}

// NodeLabels implements Driver.
func (d *RESTDriver) NodeLabels(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := d.client.JSON(ctx, http.MethodGet, "nodes/labels", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get node labels: %w", err)
	}
	return out, nil
}
