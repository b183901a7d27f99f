// Package cloudhost exposes Azure Resource Manager inspection and template deployment as tools.
package cloudhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"

	"github.com/xscopehub/toolhost/internal/host"
	"github.com/xscopehub/toolhost/internal/protocol"
	"github.com/xscopehub/toolhost/internal/resources"
	"github.com/xscopehub/toolhost/internal/schema"
)

const KindSubscription resources.Kind = "azure-subscription"

// Definition describes the cloud-host process.
var Definition = host.Definition{
	Name:         "cloud-host",
	Version:      "0.3.0",
	Description:  "Inspect Azure resource groups, networks and deployments, run ARM templates and generate Terraform",
	Instructions: "Set AZURE_SUBSCRIPTION_ID; credentials come from the default Azure credential chain. " +
		"generate_terraform works without Azure access.",
	Install:      Install,
}

type handlers struct {
	arm func(ctx context.Context) (armAPI, error)
}

// Install registers the subscription kind, tools and resource.
func Install(r *host.Registrar) error {
	if err := r.Handles.Register(KindSubscription, newSubscription); err != nil {
		return err
	}
	h := &handlers{arm: func(ctx context.Context) (armAPI, error) {
		s, err := resources.Get[*subscription](ctx, r.Handles, KindSubscription)
		if err != nil {
			return nil, err
		}
		return s, nil
	}}
	return h.register(r)
}

func (h *handlers) register(r *host.Registrar) error {
	t := r.Tools
	return errors.Join(
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "list_resource_groups",
			Description: "List resource groups in the subscription",
			InputSchema: schema.Object(),
		}, h.listResourceGroups),
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "list_resources",
			Description: "List resources in a resource group, optionally of one type",
			InputSchema: schema.Object(
				schema.Prop("resource_group", schema.String()),
				schema.Prop("resource_type", schema.String().Describe("e.g. Microsoft.Storage/storageAccounts").WithDefault("")),
			).Require("resource_group"),
		}, h.listResources),
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "get_deployment",
			Description: "Show the state and outputs of a deployment",
			InputSchema: schema.Object(
				schema.Prop("resource_group", schema.String()),
				schema.Prop("name", schema.String()),
			).Require("resource_group", "name"),
		}, h.getDeployment),
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "deploy_template",
			Description: "Deploy an ARM template to a resource group and wait for it to finish",
			InputSchema: schema.Object(
				schema.Prop("resource_group", schema.String()),
				schema.Prop("name", schema.String().Describe("deployment name")),
				schema.Prop("template", schema.Object().Describe("ARM template body")),
				schema.Prop("parameters", schema.Object().Describe("parameter name to value").WithDefault(map[string]any{})),
				schema.Prop("mode", schema.String().WithEnum("Incremental", "Complete").WithDefault("Incremental")),
				schema.Prop("timeout_minutes", schema.Integer().WithDefault(15)),
			).Require("resource_group", "name", "template"),
		}, h.deployTemplate),
		t.RegisterFunc(networkDescriptor(), h.inspectNetwork),
		t.RegisterFunc(terraformDescriptor(), h.generateTerraform),
		r.Resources.RegisterFunc(protocol.ResourceDescriptor{
			URI:         "azure://subscription",
			Name:        "Azure subscription",
			Description: "Subscription id and resource group summary",
			MIMEType:    "application/json",
		}, h.subscriptionInfo),
	)
}

func (h *handlers) listResourceGroups(ctx context.Context, _ protocol.Args) (protocol.ToolResult, error) {
	arm, err := h.arm(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	groups, err := arm.ResourceGroups(ctx)
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("list resource groups: %w", err)
	}
	part, err := protocol.JSONResource("azure://subscription/resourceGroups", groups)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	return protocol.Result(protocol.Textf("%d resource group(s) in subscription %s", len(groups), arm.SubscriptionID()), part), nil
}

func (h *handlers) listResources(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	arm, err := h.arm(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	group := args.String("resource_group")
	list, err := arm.Resources(ctx, group, args.String("resource_type"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return protocol.ToolResult{}, fmt.Errorf("resource group %s not found", group)
		}
		return protocol.ToolResult{}, fmt.Errorf("list resources in %s: %w", group, err)
	}
	part, err := protocol.JSONResource("azure://subscription/resourceGroups/"+group, list)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	return protocol.Result(protocol.Textf("%d resource(s) in %s", len(list), group), part), nil
}

func (h *handlers) getDeployment(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	arm, err := h.arm(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	group, name := args.String("resource_group"), args.String("name")
	d, err := arm.Deployment(ctx, group, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return protocol.ToolResult{}, fmt.Errorf("deployment %s not found in %s", name, group)
		}
		return protocol.ToolResult{}, fmt.Errorf("get deployment %s: %w", name, err)
	}
	return deploymentResult(d)
}

func (h *handlers) deployTemplate(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	minutes := args.Int("timeout_minutes")
	if minutes < 1 || minutes > 180 {
		return protocol.ToolResult{}, fmt.Errorf("timeout_minutes must be between 1 and 180, got %d", minutes)
	}
	arm, err := h.arm(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(minutes)*time.Minute)
	defer cancel()

	group, name := args.String("resource_group"), args.String("name")
	d, err := arm.Deploy(ctx, group, name, deploySpec{
		Template:   args.Map("template"),
		Parameters: wrapParameters(args.Map("parameters")),
		Mode:       armresources.DeploymentMode(args.String("mode")),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return protocol.ToolResult{}, fmt.Errorf("deployment %s did not finish within %d minute(s); check it with get_deployment", name, minutes)
		}
		return protocol.ToolResult{}, fmt.Errorf("deploy %s to %s: %w", name, group, err)
	}
	return deploymentResult(d)
}

func deploymentResult(d deployment) (protocol.ToolResult, error) {
	part, err := protocol.JSONResource("azure://deployments/"+d.Name, d)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	res := protocol.Result(protocol.Textf("deployment %s: %s", d.Name, d.ProvisioningState), part)
	res.IsError = d.ProvisioningState == string(armresources.ProvisioningStateFailed)
	return res, nil
}

// wrapParameters turns plain values into ARM {"value": v} parameter objects. Entries that are
// already parameter objects, or key vault references, pass through.
func wrapParameters(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if m, ok := v.(map[string]any); ok {
			if _, has := m["value"]; has {
				out[k] = m
				continue
			}
			if _, has := m["reference"]; has {
				out[k] = m
				continue
			}
		}
		out[k] = map[string]any{"value": v}
	}
	return out
}

func (h *handlers) subscriptionInfo(ctx context.Context) (string, error) {
	arm, err := h.arm(ctx)
	if err != nil {
		return "", err
	}
	groups, err := arm.ResourceGroups(ctx)
	if err != nil {
		return "", err
	}
	locations := map[string]int{}
	for _, g := range groups {
		locations[g.Location]++
	}
	data, err := json.MarshalIndent(map[string]any{
		"subscription_id": arm.SubscriptionID(),
		"resource_groups": len(groups),
		"locations":       locations,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
