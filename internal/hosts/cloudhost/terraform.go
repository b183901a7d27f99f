package cloudhost

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	"github.com/xscopehub/toolhost/internal/protocol"
	"github.com/xscopehub/toolhost/internal/schema"
)

var (
	labelPattern       = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
	storageNamePattern = regexp.MustCompile(`^[a-z0-9]{3,24}$`)
)

func terraformDescriptor() protocol.ToolDescriptor {
	return protocol.ToolDescriptor{
		Name:        "generate_terraform",
		Description: "Generate azurerm Terraform configuration for a resource",
		InputSchema: schema.Object(
			schema.Prop("resource_type", schema.String().WithEnum(
				"resource_group", "virtual_network", "network_security_group", "storage_account",
				"linux_vm", "postgresql", "load_balancer")),
			schema.Prop("name", schema.String().Describe("resource name, also used as the Terraform label")),
			schema.Prop("config", schema.Object().Describe("resource settings such as address_space, subnets, rules or tags").WithDefault(map[string]any{})),
			schema.Prop("location", schema.String().WithDefault("westeurope")),
			schema.Prop("output_file", schema.String().Describe("write the configuration to this .tf file").WithDefault("")),
		).Require("resource_type", "name"),
	}
}

func (h *handlers) generateTerraform(_ context.Context, args protocol.Args) (protocol.ToolResult, error) {
	out := args.String("output_file")
	if out != "" && filepath.Ext(out) != ".tf" {
		return protocol.ToolResult{}, fmt.Errorf("output_file %q must end in .tf", out)
	}
	name := args.String("name")
	src, primary, err := renderTerraform(args.String("resource_type"), name, args.String("location"), protocol.Args(args.Map("config")))
	if err != nil {
		return protocol.ToolResult{}, err
	}

	summary := protocol.Textf("generated %s.%s", primary, name)
	if out != "" {
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return protocol.ToolResult{}, fmt.Errorf("create %s: %w", filepath.Dir(out), err)
		}
		if err := os.WriteFile(out, src, 0o644); err != nil {
			return protocol.ToolResult{}, fmt.Errorf("write %s: %w", out, err)
		}
		summary = protocol.Textf("generated %s.%s in %s", primary, name, out)
	}
	return protocol.Result(summary, protocol.Resource("azure://terraform/"+name+".tf", "text/plain", string(src))), nil
}

type variable struct {
	name        string
	description string
	sensitive   bool
}

type terraformBuilder struct {
	name     string
	location string
	cfg      protocol.Args
	body     *hclwrite.Body
	vars     []variable
	primary  string
}

// renderTerraform returns formatted HCL for one resource kind and the azurerm type it generates.
// Variables the resources refer to are declared ahead of them.
func renderTerraform(kind, name, location string, cfg protocol.Args) ([]byte, string, error) {
	if !labelPattern.MatchString(name) {
		return nil, "", fmt.Errorf("name %q must start with a letter and contain only letters, digits, '_' or '-'", name)
	}
	resources := hclwrite.NewEmptyFile()
	b := &terraformBuilder{name: name, location: location, cfg: cfg, body: resources.Body()}

	var err error
	switch kind {
	case "resource_group":
		b.resourceGroup()
	case "virtual_network":
		err = b.virtualNetwork()
	case "network_security_group":
		err = b.securityGroup()
	case "storage_account":
		err = b.storageAccount()
	case "linux_vm":
		err = b.linuxVM()
	case "postgresql":
		b.postgres()
	case "load_balancer":
		err = b.loadBalancer()
	default:
		return nil, "", fmt.Errorf("unsupported resource type %q", kind)
	}
	if err != nil {
		return nil, "", err
	}

	head := hclwrite.NewEmptyFile()
	for _, v := range b.vars {
		body := head.Body().AppendNewBlock("variable", []string{v.name}).Body()
		body.SetAttributeTraversal("type", ref("string"))
		body.SetAttributeValue("description", cty.StringVal(v.description))
		if v.sensitive {
			body.SetAttributeValue("sensitive", cty.True)
		}
		head.Body().AppendNewline()
	}
	return hclwrite.Format(append(head.Bytes(), resources.Bytes()...)), b.primary, nil
}

func ref(root string, attrs ...string) hcl.Traversal {
	t := hcl.Traversal{hcl.TraverseRoot{Name: root}}
	for _, a := range attrs {
		t = append(t, hcl.TraverseAttr{Name: a})
	}
	return t
}

func stringList(values []string) cty.Value {
	vals := make([]cty.Value, len(values))
	for i, v := range values {
		vals[i] = cty.StringVal(v)
	}
	return cty.ListVal(vals)
}

func (b *terraformBuilder) resource(typ, label string) *hclwrite.Body {
	if b.primary == "" {
		b.primary = typ
	}
	if len(b.body.Blocks()) > 0 {
		b.body.AppendNewline()
	}
	return b.body.AppendNewBlock("resource", []string{typ, label}).Body()
}

func (b *terraformBuilder) declare(v variable) {
	if !slices.ContainsFunc(b.vars, func(d variable) bool { return d.name == v.name }) {
		b.vars = append(b.vars, v)
	}
}

// placement sets name, resource group and location. Without config.resource_group the group
// becomes a variable.
func (b *terraformBuilder) placement(body *hclwrite.Body, name string) {
	body.SetAttributeValue("name", cty.StringVal(name))
	if rg := b.cfg.String("resource_group"); rg != "" {
		body.SetAttributeValue("resource_group_name", cty.StringVal(rg))
	} else {
		b.declare(variable{name: "resource_group_name", description: "Resource group that holds the generated resources"})
		body.SetAttributeTraversal("resource_group_name", ref("var", "resource_group_name"))
	}
	body.SetAttributeValue("location", cty.StringVal(b.location))
}

func (b *terraformBuilder) tags(body *hclwrite.Body) {
	tags := b.cfg.Strings("tags")
	if len(tags) == 0 {
		return
	}
	vals := make(map[string]cty.Value, len(tags))
	for k, v := range tags {
		vals[k] = cty.StringVal(v)
	}
	body.SetAttributeValue("tags", cty.MapVal(vals))
}

func (b *terraformBuilder) text(key, def string) string {
	if v := b.cfg.String(key); v != "" {
		return v
	}
	return def
}

func (b *terraformBuilder) number(key string, def int) int {
	if _, ok := b.cfg[key]; ok {
		return b.cfg.Int(key)
	}
	return def
}

// list reads a string or a list of strings.
func (b *terraformBuilder) list(key string) []string {
	if s := b.cfg.String(key); s != "" {
		return []string{s}
	}
	var out []string
	for _, v := range b.cfg.Slice(key) {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (b *terraformBuilder) resourceGroup() {
	body := b.resource("azurerm_resource_group", b.name)
	body.SetAttributeValue("name", cty.StringVal(b.name))
	body.SetAttributeValue("location", cty.StringVal(b.location))
	b.tags(body)
}

func (b *terraformBuilder) virtualNetwork() error {
	spaces := b.list("address_space")
	if len(spaces) == 0 {
		spaces = []string{"10.0.0.0/16"}
	}
	for _, s := range spaces {
		if _, _, err := net.ParseCIDR(s); err != nil {
			return fmt.Errorf("address_space %q is not a CIDR block", s)
		}
	}
	type subnet struct{ name, prefix string }
	var subnets []subnet
	for i, raw := range b.cfg.Slice("subnets") {
		m, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("subnets[%d] must be an object", i)
		}
		s := protocol.Args(m)
		sn := subnet{name: s.String("name"), prefix: s.String("address_prefix")}
		if sn.name == "" || sn.prefix == "" {
			return fmt.Errorf("subnets[%d] needs name and address_prefix", i)
		}
		if _, _, err := net.ParseCIDR(sn.prefix); err != nil {
			return fmt.Errorf("subnets[%d] address_prefix %q is not a CIDR block", i, sn.prefix)
		}
		subnets = append(subnets, sn)
	}

	body := b.resource("azurerm_virtual_network", b.name)
	b.placement(body, b.name)
	body.SetAttributeValue("address_space", stringList(spaces))
	b.tags(body)
	for _, sn := range subnets {
		sub := body.AppendNewBlock("subnet", nil).Body()
		sub.SetAttributeValue("name", cty.StringVal(sn.name))
		sub.SetAttributeValue("address_prefixes", stringList([]string{sn.prefix}))
	}
	return nil
}

type securityRule struct {
	name, direction, access, protocol, port, source string
	priority                                        int
}

func (b *terraformBuilder) securityGroup() error {
	var rules []securityRule
	seen := map[string]bool{}
	for i, raw := range b.cfg.Slice("rules") {
		m, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("rules[%d] must be an object", i)
		}
		r := protocol.Args(m)
		rule := securityRule{
			name:      r.String("name"),
			direction: "Inbound",
			access:    "Allow",
			protocol:  "Tcp",
			port:      "*",
			source:    "*",
			priority:  100 + 10*i,
		}
		if rule.name == "" {
			return fmt.Errorf("rules[%d] needs a name", i)
		}
		for key, dst := range map[string]*string{
			"direction": &rule.direction, "access": &rule.access, "protocol": &rule.protocol,
			"destination_port_range": &rule.port, "source_address_prefix": &rule.source,
		} {
			if v := r.String(key); v != "" {
				*dst = v
			}
		}
		if _, ok := m["priority"]; ok {
			rule.priority = r.Int("priority")
		}
		if rule.priority < 100 || rule.priority > 4096 {
			return fmt.Errorf("rule %s priority %d is outside 100-4096", rule.name, rule.priority)
		}
		if rule.direction != "Inbound" && rule.direction != "Outbound" {
			return fmt.Errorf("rule %s direction must be Inbound or Outbound", rule.name)
		}
		if rule.access != "Allow" && rule.access != "Deny" {
			return fmt.Errorf("rule %s access must be Allow or Deny", rule.name)
		}
		key := fmt.Sprintf("%s/%d", rule.direction, rule.priority)
		if seen[key] {
			return fmt.Errorf("rule %s reuses %s priority %d", rule.name, rule.direction, rule.priority)
		}
		seen[key] = true
		rules = append(rules, rule)
	}

	body := b.resource("azurerm_network_security_group", b.name)
	b.placement(body, b.name)
	b.tags(body)
	for _, r := range rules {
		rb := body.AppendNewBlock("security_rule", nil).Body()
		rb.SetAttributeValue("name", cty.StringVal(r.name))
		rb.SetAttributeValue("priority", cty.NumberIntVal(int64(r.priority)))
		rb.SetAttributeValue("direction", cty.StringVal(r.direction))
		rb.SetAttributeValue("access", cty.StringVal(r.access))
		rb.SetAttributeValue("protocol", cty.StringVal(r.protocol))
		rb.SetAttributeValue("source_port_range", cty.StringVal("*"))
		rb.SetAttributeValue("destination_port_range", cty.StringVal(r.port))
		rb.SetAttributeValue("source_address_prefix", cty.StringVal(r.source))
		rb.SetAttributeValue("destination_address_prefix", cty.StringVal("*"))
	}
	return nil
}

func (b *terraformBuilder) storageAccount() error {
	if !storageNamePattern.MatchString(b.name) {
		return fmt.Errorf("storage account name %q must be 3-24 lowercase letters or digits", b.name)
	}
	replication := b.text("replication", "LRS")
	if !slices.Contains([]string{"LRS", "GRS", "RAGRS", "ZRS", "GZRS", "RAGZRS"}, replication) {
		return fmt.Errorf("unknown replication %q", replication)
	}
	body := b.resource("azurerm_storage_account", b.name)
	b.placement(body, b.name)
	body.SetAttributeValue("account_tier", cty.StringVal(b.text("tier", "Standard")))
	body.SetAttributeValue("account_replication_type", cty.StringVal(replication))
	body.SetAttributeValue("min_tls_version", cty.StringVal("TLS1_2"))
	b.tags(body)
	return nil
}

func (b *terraformBuilder) linuxVM() error {
	nics := b.list("network_interface_ids")
	if len(nics) == 0 {
		return fmt.Errorf("linux_vm needs config.network_interface_ids")
	}
	user := b.text("admin_username", "azureuser")
	body := b.resource("azurerm_linux_virtual_machine", b.name)
	b.placement(body, b.name)
	b.declare(variable{name: "ssh_public_key", description: "Public key for the admin user"})
	body.SetAttributeValue("size", cty.StringVal(b.text("size", "Standard_B2s")))
	body.SetAttributeValue("admin_username", cty.StringVal(user))
	body.SetAttributeValue("network_interface_ids", stringList(nics))
	b.tags(body)

	key := body.AppendNewBlock("admin_ssh_key", nil).Body()
	key.SetAttributeValue("username", cty.StringVal(user))
	key.SetAttributeTraversal("public_key", ref("var", "ssh_public_key"))

	disk := body.AppendNewBlock("os_disk", nil).Body()
	disk.SetAttributeValue("caching", cty.StringVal("ReadWrite"))
	disk.SetAttributeValue("storage_account_type", cty.StringVal(b.text("disk_type", "Standard_LRS")))

	img := body.AppendNewBlock("source_image_reference", nil).Body()
	img.SetAttributeValue("publisher", cty.StringVal("Canonical"))
	img.SetAttributeValue("offer", cty.StringVal("0001-com-ubuntu-server-jammy"))
	img.SetAttributeValue("sku", cty.StringVal("22_04-lts"))
	img.SetAttributeValue("version", cty.StringVal("latest"))
	return nil
}

func (b *terraformBuilder) postgres() {
	body := b.resource("azurerm_postgresql_flexible_server", b.name)
	b.placement(body, b.name)
	b.declare(variable{name: "db_password", description: "Administrator password", sensitive: true})
	body.SetAttributeValue("version", cty.StringVal(b.text("version", "16")))
	body.SetAttributeValue("sku_name", cty.StringVal(b.text("sku_name", "B_Standard_B1ms")))
	body.SetAttributeValue("storage_mb", cty.NumberIntVal(int64(b.number("storage_mb", 32768))))
	body.SetAttributeValue("administrator_login", cty.StringVal(b.text("administrator_login", "psqladmin")))
	body.SetAttributeTraversal("administrator_password", ref("var", "db_password"))
	b.tags(body)
}

// loadBalancer emits a public IP and a Standard load balancer in front of it. With config.port
// it adds a backend pool, a TCP probe and a rule for that port.
func (b *terraformBuilder) loadBalancer() error {
	port := b.number("port", 0)
	if port < 0 || port > 65535 {
		return fmt.Errorf("port %d is out of range", port)
	}
	ipLabel := b.name + "_ip"
	ip := b.resource("azurerm_public_ip", ipLabel)
	b.primary = "azurerm_lb"
	b.placement(ip, b.name+"-ip")
	ip.SetAttributeValue("allocation_method", cty.StringVal("Static"))
	ip.SetAttributeValue("sku", cty.StringVal("Standard"))
	b.tags(ip)

	lb := b.resource("azurerm_lb", b.name)
	b.placement(lb, b.name)
	lb.SetAttributeValue("sku", cty.StringVal("Standard"))
	b.tags(lb)
	front := lb.AppendNewBlock("frontend_ip_configuration", nil).Body()
	front.SetAttributeValue("name", cty.StringVal("public"))
	front.SetAttributeTraversal("public_ip_address_id", ref("azurerm_public_ip", ipLabel, "id"))

	if port == 0 {
		return nil
	}
	lbID := ref("azurerm_lb", b.name, "id")
	pool := b.resource("azurerm_lb_backend_address_pool", b.name+"_backend")
	pool.SetAttributeValue("name", cty.StringVal("backend"))
	pool.SetAttributeTraversal("loadbalancer_id", lbID)

	probe := b.resource("azurerm_lb_probe", b.name+"_probe")
	probe.SetAttributeValue("name", cty.StringVal("tcp-"+fmt.Sprint(port)))
	probe.SetAttributeTraversal("loadbalancer_id", lbID)
	probe.SetAttributeValue("protocol", cty.StringVal("Tcp"))
	probe.SetAttributeValue("port", cty.NumberIntVal(int64(port)))

	rule := b.resource("azurerm_lb_rule", b.name+"_rule")
	rule.SetAttributeValue("name", cty.StringVal("tcp-"+fmt.Sprint(port)))
	rule.SetAttributeTraversal("loadbalancer_id", lbID)
	rule.SetAttributeValue("protocol", cty.StringVal("Tcp"))
	rule.SetAttributeValue("frontend_port", cty.NumberIntVal(int64(port)))
	rule.SetAttributeValue("backend_port", cty.NumberIntVal(int64(port)))
	rule.SetAttributeValue("frontend_ip_configuration_name", cty.StringVal("public"))
	rule.SetAttributeRaw("backend_address_pool_ids", hclwrite.TokensForTuple([]hclwrite.Tokens{
		hclwrite.TokensForTraversal(ref("azurerm_lb_backend_address_pool", b.name+"_backend", "id")),
	}))
	rule.SetAttributeTraversal("probe_id", ref("azurerm_lb_probe", b.name+"_probe", "id"))
	return nil
}
