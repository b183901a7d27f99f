package cloudhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xscopehub/toolhost/internal/host"
	"github.com/xscopehub/toolhost/internal/host/hosttest"
	"github.com/xscopehub/toolhost/internal/protocol"
)

type fakeARM struct {
	groups      []resourceGroup
	resources   map[string][]resourceInfo
	deployments map[string]deployment
	lastType    string
	lastSpec    deploySpec
	deployErr   error
	deadline    time.Time
	properties  map[string]any
}

func (f *fakeARM) SubscriptionID() string { return "00000000-0000-0000-0000-000000000001" }

func (f *fakeARM) ResourceGroups(context.Context) ([]resourceGroup, error) { return f.groups, nil }

func (f *fakeARM) Resources(_ context.Context, group, resourceType string) ([]resourceInfo, error) {
	f.lastType = resourceType
	list, ok := f.resources[group]
	if !ok {
		return nil, fmt.Errorf("%w: ResourceGroupNotFound", ErrNotFound)
	}
	out := []resourceInfo{}
	for _, r := range list {
		if resourceType == "" || r.Type == resourceType {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeARM) Properties(_ context.Context, id, _ string) (any, error) {
	p, ok := f.properties[id]
	if !ok {
		return nil, fmt.Errorf("%w: ResourceNotFound", ErrNotFound)
	}
	return p, nil
}

func (f *fakeARM) Deployment(_ context.Context, group, name string) (deployment, error) {
	d, ok := f.deployments[group+"/"+name]
	if !ok {
		return deployment{}, fmt.Errorf("%w: DeploymentNotFound", ErrNotFound)
	}
	return d, nil
}

func (f *fakeARM) Deploy(ctx context.Context, _, name string, spec deploySpec) (deployment, error) {
	f.lastSpec = spec
	f.deadline, _ = ctx.Deadline()
	if f.deployErr != nil {
		return deployment{}, f.deployErr
	}
	return deployment{Name: name, ProvisioningState: "Succeeded", Outputs: map[string]any{"endpoint": "https://app"}}, nil
}

func withARM(f *fakeARM) func(*host.Registrar) error {
	return func(r *host.Registrar) error {
		h := &handlers{arm: func(context.Context) (armAPI, error) { return f, nil }}
		return h.register(r)
	}
}

func sampleARM() *fakeARM {
	return &fakeARM{
		groups: []resourceGroup{
			{Name: "rg-app", Location: "westeurope", ProvisioningState: "Succeeded"},
			{Name: "rg-data", Location: "westeurope"},
			{Name: "rg-dr", Location: "northeurope"},
		},
		resources: map[string][]resourceInfo{
			"rg-app": {{ID: "/subscriptions/x/resourceGroups/rg-app/providers/Microsoft.Web/sites/app", Name: "app", Type: "Microsoft.Web/sites"}},
		},
		deployments: map[string]deployment{
			"rg-app/broken": {Name: "broken", ProvisioningState: "Failed"},
		},
	}
}

func TestInstallRegistersTools(t *testing.T) {
	h := hosttest.New(t, Install, nil)
	assert.Equal(t, []string{"list_resource_groups", "list_resources", "get_deployment", "deploy_template",
		"inspect_network", "generate_terraform"}, h.Tools.Names())
	assert.Equal(t, []string{"azure://subscription"}, h.Resources.URIs())

	res := h.Call("list_resource_groups", nil)
	assert.True(t, res.IsError)
	assert.Equal(t, "configuration missing for azure-subscription: AZURE_SUBSCRIPTION_ID is not set", res.FirstText())
}

func TestListResourceGroups(t *testing.T) {
	h := hosttest.New(t, withARM(sampleARM()), nil)
	res := h.Call("list_resource_groups", nil)
	require.False(t, res.IsError, res.FirstText())
	assert.Equal(t, "3 resource group(s) in subscription 00000000-0000-0000-0000-000000000001", res.FirstText())
}

func TestListResources(t *testing.T) {
	f := sampleARM()
	h := hosttest.New(t, withARM(f), nil)

	res := h.Call("list_resources", map[string]any{"resource_group": "rg-app", "resource_type": "Microsoft.Web/sites"})
	require.False(t, res.IsError, res.FirstText())
	assert.Equal(t, "1 resource(s) in rg-app", res.FirstText())
	assert.Equal(t, "Microsoft.Web/sites", f.lastType)

	res = h.Call("list_resources", map[string]any{"resource_group": "rg-missing"})
	assert.True(t, res.IsError)
	assert.Equal(t, "resource group rg-missing not found", res.FirstText())
}

func TestGetDeployment(t *testing.T) {
	h := hosttest.New(t, withARM(sampleARM()), nil)

	res := h.Call("get_deployment", map[string]any{"resource_group": "rg-app", "name": "broken"})
	assert.True(t, res.IsError)
	assert.Equal(t, "deployment broken: Failed", res.FirstText())

	res = h.Call("get_deployment", map[string]any{"resource_group": "rg-app", "name": "ghost"})
	assert.True(t, res.IsError)
	assert.Equal(t, "deployment ghost not found in rg-app", res.FirstText())
}

func TestDeployTemplateDefaults(t *testing.T) {
	f := sampleARM()
	h := hosttest.New(t, withARM(f), nil)

	start := time.Now()
	res := h.Call("deploy_template", map[string]any{
		"resource_group": "rg-app",
		"name":           "release-42",
		"template":       map[string]any{"$schema": "https://schema.management.azure.com/schemas/2019-04-01/deploymentTemplate.json#", "resources": []any{}},
		"parameters":     map[string]any{"sku": "B1", "secret": map[string]any{"reference": map[string]any{"secretName": "pw"}}},
	})
	require.False(t, res.IsError, res.FirstText())
	assert.Equal(t, "deployment release-42: Succeeded", res.FirstText())

	assert.Equal(t, armresources.DeploymentModeIncremental, f.lastSpec.Mode)
	assert.Equal(t, map[string]any{"value": "B1"}, f.lastSpec.Parameters["sku"])
	assert.Contains(t, f.lastSpec.Parameters["secret"], "reference")
	assert.Contains(t, f.lastSpec.Template, "$schema")
	assert.WithinDuration(t, start.Add(15*time.Minute), f.deadline, time.Minute)

	part := res.Content[1].(protocol.ResourcePart)
	var d map[string]any
	require.NoError(t, json.Unmarshal([]byte(part.Text), &d))
	assert.Equal(t, map[string]any{"endpoint": "https://app"}, d["outputs"])
}

func TestDeployTemplateValidation(t *testing.T) {
	h := hosttest.New(t, withARM(sampleARM()), nil)

	fault := h.Fault("deploy_template", map[string]any{"resource_group": "rg", "name": "n"})
	assert.Equal(t, map[string]any{"field": "template", "rule": "required"}, fault.Data)

	fault = h.Fault("deploy_template", map[string]any{"resource_group": "rg", "name": "n", "template": map[string]any{}, "mode": "Partial"})
	assert.Equal(t, map[string]any{"field": "mode", "rule": "enum"}, fault.Data)

	res := h.Call("deploy_template", map[string]any{"resource_group": "rg", "name": "n", "template": map[string]any{}, "timeout_minutes": 0})
	assert.True(t, res.IsError)
}

func TestDeployTemplateTimeout(t *testing.T) {
	f := sampleARM()
	f.deployErr = context.DeadlineExceeded
	h := hosttest.New(t, withARM(f), nil)

	res := h.Call("deploy_template", map[string]any{"resource_group": "rg", "name": "slow", "template": map[string]any{}, "timeout_minutes": 1})
	assert.True(t, res.IsError)
	assert.Equal(t, "deployment slow did not finish within 1 minute(s); check it with get_deployment", res.FirstText())
}

func TestSubscriptionResource(t *testing.T) {
	h := hosttest.New(t, withARM(sampleARM()), nil)
	contents := h.Read("azure://subscription")
	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(contents.Text), &info))
	assert.Equal(t, float64(3), info["resource_groups"])
	assert.Equal(t, map[string]any{"westeurope": float64(2), "northeurope": float64(1)}, info["locations"])
}

func TestArmErrorMapsNotFound(t *testing.T) {
	err := armError(&azcore.ResponseError{StatusCode: http.StatusNotFound, ErrorCode: "ResourceGroupNotFound"})
	assert.ErrorIs(t, err, ErrNotFound)

	err = armError(&azcore.ResponseError{StatusCode: http.StatusForbidden, ErrorCode: "AuthorizationFailed"})
	assert.False(t, errors.Is(err, ErrNotFound))
	var respErr *azcore.ResponseError
	require.True(t, errors.As(err, &respErr))
	assert.Equal(t, "AuthorizationFailed", respErr.ErrorCode)
}

func TestWrapParameters(t *testing.T) {
	got := wrapParameters(map[string]any{
		"count":  float64(2),
		"tags":   map[string]any{"env": "prod"},
		"region": map[string]any{"value": "westeurope"},
	})
	assert.Equal(t, map[string]any{
		"count":  map[string]any{"value": float64(2)},
		"tags":   map[string]any{"value": map[string]any{"env": "prod"}},
		"region": map[string]any{"value": "westeurope"},
	}, got)
}
