package cloudhost

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xscopehub/toolhost/internal/host/hosttest"
	"github.com/xscopehub/toolhost/internal/protocol"
)

const netPrefix = "/subscriptions/x/resourceGroups/rg-net/providers/Microsoft.Network/"

func networkARM() *fakeARM {
	f := sampleARM()
	f.resources["rg-net"] = []resourceInfo{
		{ID: netPrefix + "virtualNetworks/core", Name: "core", Type: typeVirtualNetwork, Location: "westeurope"},
		{ID: netPrefix + "networkSecurityGroups/web", Name: "web", Type: typeSecurityGroup},
		{ID: netPrefix + "loadBalancers/edge", Name: "edge", Type: typeLoadBalancer},
	}
	f.properties = map[string]any{
		netPrefix + "virtualNetworks/core": map[string]any{
			"addressSpace": map[string]any{"addressPrefixes": []any{"10.1.0.0/16"}},
			"subnets": []any{
				map[string]any{"name": "app", "properties": map[string]any{
					"addressPrefix":        "10.1.1.0/24",
					"networkSecurityGroup": map[string]any{"id": netPrefix + "networkSecurityGroups/web"},
				}},
				map[string]any{"name": "data", "properties": map[string]any{"addressPrefixes": []any{"10.1.2.0/24"}}},
			},
		},
		netPrefix + "networkSecurityGroups/web": map[string]any{
			"securityRules": []any{
				map[string]any{"name": "ssh", "properties": map[string]any{
					"priority": 200, "direction": "Inbound", "access": "Allow", "protocol": "Tcp",
					"destinationPortRange": "22", "sourceAddressPrefix": "Internet",
				}},
				map[string]any{"name": "https", "properties": map[string]any{
					"priority": 100, "direction": "Inbound", "access": "Allow", "protocol": "Tcp",
					"destinationPortRange": "443", "sourceAddressPrefix": "*",
				}},
			},
		},
		netPrefix + "loadBalancers/edge": map[string]any{
			"frontendIPConfigurations": []any{map[string]any{"name": "public"}},
			"backendAddressPools":      []any{map[string]any{"name": "backend", "properties": map[string]any{}}},
			"loadBalancingRules":       []any{map[string]any{"name": "https"}},
		},
	}
	return f
}

func TestInspectNetwork(t *testing.T) {
	h := hosttest.New(t, withARM(networkARM()), nil)

	res := h.Call("inspect_network", map[string]any{"resource_group": "rg-net"})
	require.False(t, res.IsError, res.FirstText())
	assert.Equal(t, "rg-net: 1 virtual network(s), 1 security group(s), 1 load balancer(s), 4 warning(s)", res.FirstText())

	part := res.Content[1].(protocol.ResourcePart)
	assert.Equal(t, "azure://network/rg-net", part.URI)
	var report networkReport
	require.NoError(t, json.Unmarshal([]byte(part.Text), &report))

	require.Len(t, report.VirtualNetworks, 1)
	assert.Equal(t, []string{"10.1.0.0/16"}, report.VirtualNetworks[0].AddressSpace)
	assert.Equal(t, []subnetSummary{
		{Name: "app", AddressPrefix: "10.1.1.0/24", SecurityGroup: "web"},
		{Name: "data", AddressPrefix: "10.1.2.0/24"},
	}, report.VirtualNetworks[0].Subnets)

	require.Len(t, report.SecurityGroups, 1)
	rules := report.SecurityGroups[0].Rules
	require.Len(t, rules, 2)
	assert.Equal(t, "https", rules[0].Name)
	assert.Equal(t, "ssh", rules[1].Name)

	assert.Equal(t, []lbSummary{{Name: "edge", Frontends: 1, BackendPools: 1, Rules: 1}}, report.LoadBalancers)
	assert.Equal(t, []string{
		"subnet core/data has no security group",
		"security group web rule ssh allows port 22 from Internet",
		"load balancer edge has no backend addresses",
		"load balancer edge has rules but no health probe",
	}, report.Warnings)
}

func TestInspectNetworkOneKind(t *testing.T) {
	f := networkARM()
	h := hosttest.New(t, withARM(f), nil)

	res := h.Call("inspect_network", map[string]any{"resource_group": "rg-net", "kind": "load_balancers"})
	require.False(t, res.IsError, res.FirstText())
	assert.Equal(t, typeLoadBalancer, f.lastType)
	assert.Contains(t, res.FirstText(), "0 virtual network(s), 0 security group(s), 1 load balancer(s)")

	res = h.Call("inspect_network", map[string]any{"resource_group": "rg-missing"})
	assert.True(t, res.IsError)
	assert.Equal(t, "resource group rg-missing not found", res.FirstText())

	fault := h.Fault("inspect_network", map[string]any{"resource_group": "rg-net", "kind": "dns_zones"})
	assert.Equal(t, protocol.CodeInvalidParams, fault.Code)
}
