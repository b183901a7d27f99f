package cloudhost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"

	"github.com/xscopehub/toolhost/internal/resources"
)

// pollFrequency is how often a running deployment is polled.
const pollFrequency = 15 * time.Second

// ErrNotFound is returned when a resource group or deployment does not exist.
var ErrNotFound = errors.New("not found")

// armAPI is what the tools need from Azure Resource Manager.
type armAPI interface {
	SubscriptionID() string
	ResourceGroups(ctx context.Context) ([]resourceGroup, error)
	Resources(ctx context.Context, group, resourceType string) ([]resourceInfo, error)
	Deployment(ctx context.Context, group, name string) (deployment, error)
	Deploy(ctx context.Context, group, name string, spec deploySpec) (deployment, error)
	Properties(ctx context.Context, id, apiVersion string) (any, error)
}

type resourceGroup struct {
	Name              string            `json:"name"`
	Location          string            `json:"location"`
	ProvisioningState string            `json:"provisioning_state,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
}

type resourceInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Location string `json:"location"`
	Kind     string `json:"kind,omitempty"`
}

type deployment struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	ProvisioningState string     `json:"provisioning_state"`
	Timestamp         *time.Time `json:"timestamp,omitempty"`
	Duration          string     `json:"duration,omitempty"`
	Outputs           any        `json:"outputs,omitempty"`
}

type deploySpec struct {
	Template   map[string]any
	Parameters map[string]any
	Mode       armresources.DeploymentMode
}

type subscription struct {
	id          string
	groups      *armresources.ResourceGroupsClient
	resources   *armresources.Client
	deployments *armresources.DeploymentsClient
}

var _ armAPI = (*subscription)(nil)

func newSubscription(_ context.Context, cfg *resources.Config) (any, error) {
	id := cfg.Require("AZURE_SUBSCRIPTION_ID")
	if err := cfg.Err(); err != nil {
		return nil, err
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}
	groups, err := armresources.NewResourceGroupsClient(id, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("resource groups client: %w", err)
	}
	res, err := armresources.NewClient(id, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("resources client: %w", err)
	}
	deployments, err := armresources.NewDeploymentsClient(id, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("deployments client: %w", err)
	}
	return &subscription{id: id, groups: groups, resources: res, deployments: deployments}, nil
}

func (s *subscription) SubscriptionID() string { return s.id }

func (s *subscription) ResourceGroups(ctx context.Context) ([]resourceGroup, error) {
	out := []resourceGroup{}
	pager := s.groups.NewListPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, armError(err)
		}
		for _, g := range page.Value {
			rg := resourceGroup{Name: deref(g.Name), Location: deref(g.Location), Tags: tags(g.Tags)}
			if g.Properties != nil {
				rg.ProvisioningState = deref(g.Properties.ProvisioningState)
			}
			out = append(out, rg)
		}
	}
	return out, nil
}

func (s *subscription) Resources(ctx context.Context, group, resourceType string) ([]resourceInfo, error) {
	opts := &armresources.ClientListByResourceGroupOptions{}
	if resourceType != "" {
		opts.Filter = to.Ptr(fmt.Sprintf("resourceType eq '%s'", resourceType))
	}
	out := []resourceInfo{}
	pager := s.resources.NewListByResourceGroupPager(group, opts)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, armError(err)
		}
		for _, r := range page.Value {
			out = append(out, resourceInfo{
				ID:       deref(r.ID),
				Name:     deref(r.Name),
				Type:     deref(r.Type),
				Location: deref(r.Location),
				Kind:     deref(r.Kind),
			})
		}
	}
	return out, nil
}

func (s *subscription) Deployment(ctx context.Context, group, name string) (deployment, error) {
	resp, err := s.deployments.Get(ctx, group, name, nil)
	if err != nil {
		return deployment{}, armError(err)
	}
	return fromExtended(resp.DeploymentExtended), nil
}

func (s *subscription) Deploy(ctx context.Context, group, name string, spec deploySpec) (deployment, error) {
	poller, err := s.deployments.BeginCreateOrUpdate(ctx, group, name, armresources.Deployment{
		Properties: &armresources.DeploymentProperties{
			Mode:       to.Ptr(spec.Mode),
			Template:   spec.Template,
			Parameters: spec.Parameters,
		},
	}, nil)
	if err != nil {
		return deployment{}, armError(err)
	}
	resp, err := poller.PollUntilDone(ctx, &runtime.PollUntilDoneOptions{Frequency: pollFrequency})
	if err != nil {
		return deployment{}, armError(err)
	}
	return fromExtended(resp.DeploymentExtended), nil
}

// Properties reads the provider-specific properties of any resource by id.
func (s *subscription) Properties(ctx context.Context, id, apiVersion string) (any, error) {
	resp, err := s.resources.GetByID(ctx, id, apiVersion, nil)
	if err != nil {
		return nil, armError(err)
	}
	return resp.Properties, nil
}

func fromExtended(d armresources.DeploymentExtended) deployment {
	out := deployment{ID: deref(d.ID), Name: deref(d.Name)}
	if p := d.Properties; p != nil {
		if p.ProvisioningState != nil {
			out.ProvisioningState = string(*p.ProvisioningState)
		}
		out.Timestamp = p.Timestamp
		out.Duration = deref(p.Duration)
		out.Outputs = p.Outputs
	}
	return out
}

// armError maps 404 responses to ErrNotFound.
func armError(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, respErr.ErrorCode)
	}
	return err
}

func deref[T ~string](p *T) string {
	if p == nil {
		return ""
	}
	return string(*p)
}

func tags(in map[string]*string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = deref(v)
	}
	return out
}
