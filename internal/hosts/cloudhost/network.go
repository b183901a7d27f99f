package cloudhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"slices"

	"github.com/xscopehub/toolhost/internal/protocol"
	"github.com/xscopehub/toolhost/internal/schema"
)

// networkAPIVersion is the Microsoft.Network version used to read resource properties.
const networkAPIVersion = "2023-09-01"

const (
	typeVirtualNetwork = "Microsoft.Network/virtualNetworks"
	typeSecurityGroup  = "Microsoft.Network/networkSecurityGroups"
	typeLoadBalancer   = "Microsoft.Network/loadBalancers"
)

var networkKinds = map[string][]string{
	"virtual_networks": {typeVirtualNetwork},
	"security_groups":  {typeSecurityGroup},
	"load_balancers":   {typeLoadBalancer},
	"all":              {typeVirtualNetwork, typeSecurityGroup, typeLoadBalancer},
}

type networkReport struct {
	ResourceGroup   string        `json:"resource_group"`
	VirtualNetworks []vnetSummary `json:"virtual_networks"`
	SecurityGroups  []nsgSummary  `json:"security_groups"`
	LoadBalancers   []lbSummary   `json:"load_balancers"`
	Warnings        []string      `json:"warnings,omitempty"`
}

type vnetSummary struct {
	Name         string          `json:"name"`
	Location     string          `json:"location"`
	AddressSpace []string        `json:"address_space"`
	Subnets      []subnetSummary `json:"subnets"`
}

type subnetSummary struct {
	Name          string `json:"name"`
	AddressPrefix string `json:"address_prefix"`
	SecurityGroup string `json:"security_group,omitempty"`
}

type nsgSummary struct {
	Name  string        `json:"name"`
	Rules []ruleSummary `json:"rules"`
}

type ruleSummary struct {
	Name      string `json:"name"`
	Priority  int    `json:"priority"`
	Direction string `json:"direction"`
	Access    string `json:"access"`
	Protocol  string `json:"protocol"`
	Port      string `json:"port"`
	Source    string `json:"source"`
}

type lbSummary struct {
	Name             string `json:"name"`
	Frontends        int    `json:"frontends"`
	BackendPools     int    `json:"backend_pools"`
	BackendAddresses int    `json:"backend_addresses"`
	Rules            int    `json:"rules"`
	Probes           int    `json:"probes"`
}

type vnetProperties struct {
	AddressSpace struct {
		AddressPrefixes []string `json:"addressPrefixes"`
	} `json:"addressSpace"`
	Subnets []struct {
		Name       string `json:"name"`
		Properties struct {
			AddressPrefix        string   `json:"addressPrefix"`
			AddressPrefixes      []string `json:"addressPrefixes"`
			NetworkSecurityGroup *struct {
				ID string `json:"id"`
			} `json:"networkSecurityGroup"`
		} `json:"properties"`
	} `json:"subnets"`
}

type nsgProperties struct {
	SecurityRules []struct {
		Name       string `json:"name"`
		Properties struct {
			Priority             int    `json:"priority"`
			Direction            string `json:"direction"`
			Access               string `json:"access"`
			Protocol             string `json:"protocol"`
			DestinationPortRange string `json:"destinationPortRange"`
			SourceAddressPrefix  string `json:"sourceAddressPrefix"`
		} `json:"properties"`
	} `json:"securityRules"`
}

type lbProperties struct {
	FrontendIPConfigurations []json.RawMessage `json:"frontendIPConfigurations"`
	BackendAddressPools      []struct {
		Properties struct {
			LoadBalancerBackendAddresses []json.RawMessage `json:"loadBalancerBackendAddresses"`
			BackendIPConfigurations      []json.RawMessage `json:"backendIPConfigurations"`
		} `json:"properties"`
	} `json:"backendAddressPools"`
	LoadBalancingRules []json.RawMessage `json:"loadBalancingRules"`
	Probes             []json.RawMessage `json:"probes"`
}

// openSources are inbound sources that mean anyone on the internet.
var openSources = []string{"*", "Internet", "0.0.0.0/0", "Any"}

// exposedPorts are destination ports that should never be open to the internet.
var exposedPorts = []string{"*", "22", "3389"}

func networkDescriptor() protocol.ToolDescriptor {
	return protocol.ToolDescriptor{
		Name:        "inspect_network",
		Description: "Summarise virtual networks, security group rules and load balancers in a resource group",
		InputSchema: schema.Object(
			schema.Prop("resource_group", schema.String()),
			schema.Prop("kind", schema.String().WithEnum("virtual_networks", "security_groups", "load_balancers", "all").WithDefault("all")),
		).Require("resource_group"),
	}
}

func (h *handlers) inspectNetwork(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	arm, err := h.arm(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	group := args.String("resource_group")
	report := networkReport{
		ResourceGroup:   group,
		VirtualNetworks: []vnetSummary{},
		SecurityGroups:  []nsgSummary{},
		LoadBalancers:   []lbSummary{},
	}
	for _, typ := range networkKinds[args.String("kind")] {
		list, err := arm.Resources(ctx, group, typ)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return protocol.ToolResult{}, fmt.Errorf("resource group %s not found", group)
			}
			return protocol.ToolResult{}, fmt.Errorf("list %s in %s: %w", typ, group, err)
		}
		for _, r := range list {
			props, err := arm.Properties(ctx, r.ID, networkAPIVersion)
			if err != nil {
				return protocol.ToolResult{}, fmt.Errorf("read %s: %w", r.Name, err)
			}
			if err := report.add(typ, r, props); err != nil {
				return protocol.ToolResult{}, fmt.Errorf("decode %s: %w", r.Name, err)
			}
		}
	}

	part, err := protocol.JSONResource("azure://network/"+group, report)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	summary := fmt.Sprintf("%s: %d virtual network(s), %d security group(s), %d load balancer(s)",
		group, len(report.VirtualNetworks), len(report.SecurityGroups), len(report.LoadBalancers))
	if n := len(report.Warnings); n > 0 {
		summary += fmt.Sprintf(", %d warning(s)", n)
	}
	return protocol.Result(protocol.Text(summary), part), nil
}

func decodeProperties(props, v any) error {
	data, err := json.Marshal(props)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (n *networkReport) add(typ string, r resourceInfo, props any) error {
	switch typ {
	case typeVirtualNetwork:
		var p vnetProperties
		if err := decodeProperties(props, &p); err != nil {
			return err
		}
		v := vnetSummary{Name: r.Name, Location: r.Location, AddressSpace: p.AddressSpace.AddressPrefixes, Subnets: []subnetSummary{}}
		for _, s := range p.Subnets {
			sub := subnetSummary{Name: s.Name, AddressPrefix: s.Properties.AddressPrefix}
			if sub.AddressPrefix == "" && len(s.Properties.AddressPrefixes) > 0 {
				sub.AddressPrefix = s.Properties.AddressPrefixes[0]
			}
			if nsg := s.Properties.NetworkSecurityGroup; nsg != nil {
				sub.SecurityGroup = path.Base(nsg.ID)
			} else {
				n.Warnings = append(n.Warnings, fmt.Sprintf("subnet %s/%s has no security group", r.Name, s.Name))
			}
			v.Subnets = append(v.Subnets, sub)
		}
		n.VirtualNetworks = append(n.VirtualNetworks, v)

	case typeSecurityGroup:
		var p nsgProperties
		if err := decodeProperties(props, &p); err != nil {
			return err
		}
		g := nsgSummary{Name: r.Name, Rules: []ruleSummary{}}
		for _, sr := range p.SecurityRules {
			rule := ruleSummary{
				Name:      sr.Name,
				Priority:  sr.Properties.Priority,
				Direction: sr.Properties.Direction,
				Access:    sr.Properties.Access,
				Protocol:  sr.Properties.Protocol,
				Port:      sr.Properties.DestinationPortRange,
				Source:    sr.Properties.SourceAddressPrefix,
			}
			if rule.Direction == "Inbound" && rule.Access == "Allow" &&
				slices.Contains(openSources, rule.Source) && slices.Contains(exposedPorts, rule.Port) {
				n.Warnings = append(n.Warnings, fmt.Sprintf("security group %s rule %s allows port %s from %s", r.Name, rule.Name, rule.Port, rule.Source))
			}
			g.Rules = append(g.Rules, rule)
		}
		slices.SortFunc(g.Rules, func(a, b ruleSummary) int { return a.Priority - b.Priority })
		n.SecurityGroups = append(n.SecurityGroups, g)

	case typeLoadBalancer:
		var p lbProperties
		if err := decodeProperties(props, &p); err != nil {
			return err
		}
		lb := lbSummary{
			Name:         r.Name,
			Frontends:    len(p.FrontendIPConfigurations),
			BackendPools: len(p.BackendAddressPools),
			Rules:        len(p.LoadBalancingRules),
			Probes:       len(p.Probes),
		}
		for _, pool := range p.BackendAddressPools {
			lb.BackendAddresses += len(pool.Properties.LoadBalancerBackendAddresses) + len(pool.Properties.BackendIPConfigurations)
		}
		if lb.BackendPools > 0 && lb.BackendAddresses == 0 {
			n.Warnings = append(n.Warnings, fmt.Sprintf("load balancer %s has no backend addresses", r.Name))
		}
		if lb.Rules > 0 && lb.Probes == 0 {
			n.Warnings = append(n.Warnings, fmt.Sprintf("load balancer %s has rules but no health probe", r.Name))
		}
		n.LoadBalancers = append(n.LoadBalancers, lb)
	}
	return nil
}
