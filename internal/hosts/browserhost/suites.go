package browserhost

import (
	"context"
	"fmt"

	"github.com/xscopehub/toolhost/internal/protocol"
	"github.com/xscopehub/toolhost/internal/resources"
	"github.com/xscopehub/toolhost/internal/schema"
	"github.com/xscopehub/toolhost/internal/testrun"
)

const (
	KindComponentTests resources.Kind = "component-tests"
	KindE2ETests       resources.Kind = "e2e-tests"
)

var (
	newComponentTests = testrun.Factory("COMPONENT_TEST_COMMAND", "npx jest", "FRONTEND_WORKDIR")
	newE2ETests       = testrun.Factory("E2E_TEST_COMMAND", "npm run test:e2e", "FRONTEND_WORKDIR")
)

func suiteDescriptors() (component, e2e protocol.ToolDescriptor) {
	component = protocol.ToolDescriptor{
		Name:        "test_component",
		Description: "Run the component tests configured by COMPONENT_TEST_COMMAND",
		InputSchema: schema.Object(
			schema.Prop("path", schema.String().Describe("component or test file").WithDefault("")),
			schema.Prop("pattern", schema.String().Describe("only run tests whose name matches").WithDefault("")),
		),
	}
	e2e = protocol.ToolDescriptor{
		Name:        "run_e2e_tests",
		Description: "Run the end-to-end suite configured by E2E_TEST_COMMAND",
		InputSchema: schema.Object(
			schema.Prop("path", schema.String().Describe("spec file or directory").WithDefault("")),
			schema.Prop("pattern", schema.String().Describe("only run tests whose title matches").WithDefault("")),
			schema.Prop("headless", schema.Boolean().WithDefault(true)),
		),
	}
	return component, e2e
}

func (h *handlers) testComponent(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	extra, err := testrun.Selection(args.String("path"), "-t", args.String("pattern"))
	if err != nil {
		return protocol.ToolResult{}, err
	}
	s, err := h.suite(ctx, KindComponentTests)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	rep, err := s.Run(ctx, extra, nil)
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("component tests: %w", err)
	}
	return rep.Result("browser://component-tests"), nil
}

func (h *handlers) runE2ETests(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	extra, err := testrun.Selection(args.String("path"), "-g", args.String("pattern"))
	if err != nil {
		return protocol.ToolResult{}, err
	}
	var env []string
	if args.Bool("headless") {
		env = append(env, "HEADLESS=true")
	}
	s, err := h.suite(ctx, KindE2ETests)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	rep, err := s.Run(ctx, extra, env)
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("e2e tests: %w", err)
	}
	return rep.Result("browser://e2e-tests"), nil
}
